package template

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/ignite/sequence-engine/internal/store"
)

func fixedClock() time.Time {
	return time.Date(2025, time.March, 7, 12, 0, 0, 0, time.UTC)
}

type stubOpener struct {
	line string
	err  error
}

func (s *stubOpener) Opener(_ context.Context, _ map[string]string) (string, error) {
	return s.line, s.err
}

func TestRenderVariablesAndFallbacks(t *testing.T) {
	p := NewProcessor(WithClock(fixedClock))
	vars := map[string]string{
		"firstname":   "ada",
		"companyname": "Ignite",
	}

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain variable", "Hi [[firstname]]", "Hi ada"},
		{"case insensitive key", "Hi [[FirstName]]", "Hi ada"},
		{"whitespace around key", "Hi [[ firstname ]]", "Hi ada"},
		{"fallback unused when var set", "Hi [[firstname || there]]", "Hi ada"},
		{"fallback used when missing", "Hi [[nickname || there]]", "Hi there"},
		{"fallback used when empty", "Hi [[empty || there]]", "Hi there"},
		{"missing without fallback", "Hi [[nickname]]!", "Hi !"},
		{"multiple placeholders", "[[firstname]] @ [[companyname]]", "ada @ Ignite"},
		{"no placeholders", "plain text", "plain text"},
		{"empty fallback literal", "x[[nickname ||]]y", "xy"},
	}
	vars["empty"] = ""

	for _, tc := range cases {
		got := p.Render(context.Background(), tc.in, vars)
		if got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestRenderStrictMode(t *testing.T) {
	p := NewProcessor(WithClock(fixedClock), WithStrictMode("-"))
	got := p.Render(context.Background(), "Hi [[nickname]]", map[string]string{})
	if got != "Hi -" {
		t.Errorf("strict mode: got %q want %q", got, "Hi -")
	}
	// Fallback still wins over the strict replacement.
	got = p.Render(context.Background(), "Hi [[nickname || there]]", map[string]string{})
	if got != "Hi there" {
		t.Errorf("strict mode with fallback: got %q want %q", got, "Hi there")
	}
}

func TestRenderSpecialKeys(t *testing.T) {
	p := NewProcessor(WithClock(fixedClock), WithBaseURL("https://app.example.com"))
	vars := map[string]string{"id": "lead-42"}

	cases := []struct {
		in   string
		want string
	}{
		{"[[currentDate]]", "March 7, 2025"},
		{"[[currentYear]]", "2025"},
		{"[[currentMonth]]", "March"},
		{"[[currentDay]]", "7"},
		{"[[unsubscribe]]", "https://app.example.com/unsubscribe/lead-42"},
	}
	for _, tc := range cases {
		got := p.Render(context.Background(), tc.in, vars)
		if got != tc.want {
			t.Errorf("%s: got %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestRenderUnsubscribeWithoutBaseURL(t *testing.T) {
	p := NewProcessor(WithClock(fixedClock))
	got := p.Render(context.Background(), "[[unsubscribe || #]]", map[string]string{"id": "lead-42"})
	if got != "#" {
		t.Errorf("unsubscribe without base url: got %q want fallback", got)
	}
}

func TestRenderAIOpener(t *testing.T) {
	ctx := context.Background()

	p := NewProcessor(WithOpener(&stubOpener{line: "Saw your talk at GopherCon."}))
	if got := p.Render(ctx, "[[aiOpener]]", nil); got != "Saw your talk at GopherCon." {
		t.Errorf("opener success: got %q", got)
	}

	p = NewProcessor(WithOpener(&stubOpener{err: errors.New("quota exceeded")}))
	if got := p.Render(ctx, "[[aiOpener]]", nil); got != FallbackOpener {
		t.Errorf("opener error: got %q want fallback", got)
	}

	p = NewProcessor()
	if got := p.Render(ctx, "[[aiOpener]]", nil); got != FallbackOpener {
		t.Errorf("no opener wired: got %q want fallback", got)
	}
}

func TestVariablesFlattening(t *testing.T) {
	lead := &store.Lead{
		ID:        "lead-1",
		Email:     "ada@example.com",
		FirstName: sql.NullString{String: "ada", Valid: true},
		LastName:  sql.NullString{String: "LOVELACE", Valid: true},
		JobTitle:  sql.NullString{String: "chief engineer", Valid: true},
		Enrichment: map[string]interface{}{
			"Painpoint": "manual outreach",
			"email":     "spoofed@example.com",
			"headcount": 120,
		},
	}

	vars := Variables(lead)

	checks := map[string]string{
		"id":         "lead-1",
		"email":      "ada@example.com", // lead field wins over enrichment
		"firstname":  "ada",
		"tfirstname": "Ada",
		"lastname":   "LOVELACE",
		"tlastname":  "Lovelace",
		"fullname":   "ada LOVELACE",
		"tfullname":  "Ada Lovelace",
		"tjobtitle":  "Chief Engineer",
		"painpoint":  "manual outreach",
		"headcount":  "120",
	}
	for key, want := range checks {
		if got := vars[key]; got != want {
			t.Errorf("vars[%q] = %q, want %q", key, got, want)
		}
	}
}
