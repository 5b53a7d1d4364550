package ai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ignite/sequence-engine/internal/config"
	"github.com/ignite/sequence-engine/internal/seqerr"
)

func geminiConfig() config.GeminiConfig {
	return config.GeminiConfig{
		APIKey:         "test-key",
		Model:          "gemini-2.0-flash",
		Enabled:        true,
		TimeoutSeconds: 5,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g := NewGeminiClient(geminiConfig())
	g.endpoint = srv.URL
	return g, srv
}

func TestOpenerSuccess(t *testing.T) {
	g, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"\"Saw Ignite is hiring.\"\nsecond line"}]}}]}`))
	})

	line, err := g.Opener(context.Background(), map[string]string{"tfirstname": "Ada"})
	if err != nil {
		t.Fatalf("opener failed: %v", err)
	}
	if line != "Saw Ignite is hiring." {
		t.Errorf("line = %q, want first line without quotes", line)
	}
}

func TestOpenerDisabled(t *testing.T) {
	g := NewGeminiClient(config.GeminiConfig{Model: "gemini-2.0-flash", TimeoutSeconds: 5})

	_, err := g.Opener(context.Background(), nil)
	if err == nil {
		t.Fatal("opener succeeded without api key")
	}
	if code := seqerr.CodeOf(err); code != "GEMINI_DISABLED" {
		t.Errorf("code = %q, want GEMINI_DISABLED", code)
	}
}

func TestOpenerBadStatus(t *testing.T) {
	g, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid key"}`, http.StatusForbidden)
	})

	_, err := g.Opener(context.Background(), nil)
	if err == nil {
		t.Fatal("opener succeeded on 403")
	}
	if !seqerr.IsCategory(err, seqerr.ExternalService) {
		t.Errorf("error category = %v, want external_service", err)
	}
}

func TestOpenerEmptyCandidates(t *testing.T) {
	g, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	})

	_, err := g.Opener(context.Background(), nil)
	if code := seqerr.CodeOf(err); code != "GEMINI_EMPTY" {
		t.Errorf("code = %q, want GEMINI_EMPTY", code)
	}
}

func TestBuildPromptIncludesKnownAttributes(t *testing.T) {
	prompt := buildPrompt(map[string]string{
		"tfirstname":   "Ada",
		"tcompanyname": "Ignite",
		"ignored":      "nope",
	})
	if !strings.Contains(prompt, "Recipient first name: Ada.") {
		t.Errorf("prompt missing first name: %q", prompt)
	}
	if !strings.Contains(prompt, "Company: Ignite.") {
		t.Errorf("prompt missing company: %q", prompt)
	}
	if strings.Contains(prompt, "nope") {
		t.Errorf("prompt leaked unknown attribute: %q", prompt)
	}
}
