// Package ai generates personalized email opening lines through the Gemini
// generateContent API. Failures never block a send; callers fall back to a
// static opener.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/sequence-engine/internal/config"
	"github.com/ignite/sequence-engine/internal/pkg/httpretry"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/seqerr"
)

const geminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent"

// GeminiClient calls the Gemini REST API to produce one-line email openers.
type GeminiClient struct {
	cfg      config.GeminiConfig
	client   httpretry.HTTPDoer
	endpoint string
	log      *logger.Logger
}

// NewGeminiClient creates a Gemini opener client.
func NewGeminiClient(cfg config.GeminiConfig) *GeminiClient {
	return &GeminiClient{
		cfg:      cfg,
		client:   httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout()}, 2),
		endpoint: fmt.Sprintf(geminiEndpoint, cfg.Model),
		log:      logger.With("gemini"),
	}
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Opener generates a short personalized opening line from the lead's
// template variables.
func (g *GeminiClient) Opener(ctx context.Context, vars map[string]string) (string, error) {
	if !g.cfg.Enabled || g.cfg.APIKey == "" {
		return "", seqerr.New("GEMINI_DISABLED", seqerr.Configuration, "gemini opener not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout())
	defer cancel()

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: buildPrompt(vars)}}}},
	})
	if err != nil {
		return "", seqerr.Wrap("GEMINI_ENCODE", seqerr.System, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", seqerr.Wrap("GEMINI_REQUEST", seqerr.System, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.cfg.APIKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return "", seqerr.Wrap("GEMINI_CALL", seqerr.Network, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", seqerr.New("GEMINI_STATUS", seqerr.ExternalService,
			fmt.Sprintf("gemini returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", seqerr.Wrap("GEMINI_DECODE", seqerr.ExternalService, err)
	}

	line := firstLine(out)
	if line == "" {
		return "", seqerr.New("GEMINI_EMPTY", seqerr.ExternalService, "gemini returned no candidates")
	}

	g.log.Debug("opener generated", "elapsed", time.Since(start).String())
	return line, nil
}

// buildPrompt composes a minimal prompt from the lead attributes worth
// personalizing on. Missing attributes are simply omitted.
func buildPrompt(vars map[string]string) string {
	var b strings.Builder
	b.WriteString("Write one short, friendly opening line for a cold outreach email. ")
	b.WriteString("Reply with the line only, no quotes, no preamble.")

	for _, key := range []string{"tfirstname", "tjobtitle", "tcompanyname", "industry"} {
		if v := vars[key]; v != "" {
			fmt.Fprintf(&b, " %s: %s.", promptLabel(key), v)
		}
	}
	return b.String()
}

func promptLabel(key string) string {
	switch key {
	case "tfirstname":
		return "Recipient first name"
	case "tjobtitle":
		return "Job title"
	case "tcompanyname":
		return "Company"
	case "industry":
		return "Industry"
	}
	return key
}

// firstLine extracts the first non-empty candidate text, trimmed to a
// single line.
func firstLine(out generateResponse) string {
	for _, cand := range out.Candidates {
		for _, p := range cand.Content.Parts {
			text := strings.TrimSpace(p.Text)
			if text == "" {
				continue
			}
			if idx := strings.IndexByte(text, '\n'); idx >= 0 {
				text = strings.TrimSpace(text[:idx])
			}
			return strings.Trim(text, `"`)
		}
	}
	return ""
}
