// Package template implements the placeholder processor used for subject
// and body personalization. Placeholders use the [[key]] and
// [[key || fallback]] forms; keys are case-insensitive and bind to the
// flattened lead attributes, merged enrichment variables, and a small set
// of special runtime functions.
package template

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/store"
)

// FallbackOpener is returned when the AI opener is unavailable or fails.
const FallbackOpener = "Hi! Let's connect."

// placeholder matches [[ key ]] and [[ key || fallback ]].
var placeholder = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)

// Opener generates a personalized opening line for a lead.
type Opener interface {
	Opener(ctx context.Context, vars map[string]string) (string, error)
}

// Processor resolves placeholders against a variable namespace and the
// special function registry. Given the same variables and clock, rendering
// is deterministic for all non-AI keys.
type Processor struct {
	baseURL        string
	allowUndefined bool
	replacement    string
	now            func() time.Time
	opener         Opener

	log *logger.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithBaseURL sets the base URL used by the unsubscribe special key.
func WithBaseURL(u string) Option { return func(p *Processor) { p.baseURL = u } }

// WithStrictMode makes unresolved placeholders render as replacement
// instead of empty string.
func WithStrictMode(replacement string) Option {
	return func(p *Processor) {
		p.allowUndefined = false
		p.replacement = replacement
	}
}

// WithClock injects the clock, primarily for tests.
func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

// WithOpener wires the AI opener used by the aiOpener special key.
func WithOpener(o Opener) Option { return func(p *Processor) { p.opener = o } }

// NewProcessor creates a placeholder processor.
func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		allowUndefined: true,
		now:            time.Now,
		log:            logger.With("template"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Render substitutes every placeholder in tmpl. Resolution order per
// occurrence: variable → special function → fallback literal → empty
// string (or the strict-mode replacement).
func (p *Processor) Render(ctx context.Context, tmpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		inner := match[2 : len(match)-2]

		key, fallback := inner, ""
		hasFallback := false
		if idx := strings.Index(inner, "||"); idx >= 0 {
			key = inner[:idx]
			fallback = strings.TrimSpace(inner[idx+2:])
			hasFallback = true
		}
		key = strings.ToLower(strings.TrimSpace(key))

		if val, ok := vars[key]; ok && val != "" {
			return val
		}

		if val, ok := p.resolveSpecial(ctx, key, vars); ok {
			return val
		}

		if hasFallback {
			return fallback
		}

		if !p.allowUndefined {
			return p.replacement
		}
		return ""
	})
}

// resolveSpecial dispatches the special key registry.
func (p *Processor) resolveSpecial(ctx context.Context, key string, vars map[string]string) (string, bool) {
	switch key {
	case "unsubscribe":
		if p.baseURL == "" || vars["id"] == "" {
			return "", false
		}
		base := p.baseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base + "unsubscribe/" + vars["id"], true

	case "currentdate":
		return p.now().Format("January 2, 2006"), true

	case "currentyear":
		return p.now().Format("2006"), true

	case "currentmonth":
		return p.now().Format("January"), true

	case "currentday":
		return fmt.Sprintf("%d", p.now().Day()), true

	case "aiopener":
		if p.opener == nil {
			return FallbackOpener, true
		}
		line, err := p.opener.Opener(ctx, vars)
		if err != nil || strings.TrimSpace(line) == "" {
			p.log.Warn("ai opener failed, using fallback", "error", err)
			return FallbackOpener, true
		}
		return strings.TrimSpace(line), true
	}
	return "", false
}

// Variables flattens a lead into the template namespace. Every attribute is
// exposed lowercased plus a title-cased t-variant (tfirstname, ...).
// Enrichment variables merge in afterwards without overriding lead fields.
func Variables(lead *store.Lead) map[string]string {
	vars := map[string]string{}

	put := func(key, val string) {
		vars[key] = val
		vars["t"+key] = titleCase(val)
	}

	put("id", lead.ID)
	put("email", lead.Email)
	put("firstname", lead.FirstName.String)
	put("lastname", lead.LastName.String)
	put("fullname", strings.TrimSpace(lead.FirstName.String+" "+lead.LastName.String))
	put("jobtitle", lead.JobTitle.String)
	put("companyname", lead.CompanyName.String)
	put("industry", lead.Industry.String)
	put("companysize", lead.CompanySize.String)
	put("country", lead.Country.String)
	put("state", lead.State.String)
	put("address", lead.Address.String)
	put("linkedinurl", lead.LinkedinURL.String)
	put("source", lead.Source.String)

	for k, v := range lead.Enrichment {
		key := strings.ToLower(k)
		if _, exists := vars[key]; exists {
			continue
		}
		vars[key] = fmt.Sprintf("%v", v)
	}

	return vars
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
