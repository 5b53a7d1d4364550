// Package provider abstracts outbound email delivery. The worker renders a
// message and hands it to a Sender; SES is the production implementation
// and the mock sender backs development environments and tests.
package provider

// EmailData is one fully rendered message plus the routing metadata the
// provider tags onto the send.
type EmailData struct {
	To         string
	Subject    string
	Body       string
	LeadID     string
	SequenceID string
	StepID     string
	TemplateID string
	FromEmail  string
	FromName   string
	ReplyTo    string
	CC         []string
	BCC        []string
}

// Result reports the outcome of a send attempt.
type Result struct {
	Success   bool
	MessageID string
	Err       error
}

// Sender delivers a rendered email.
type Sender interface {
	Send(email EmailData) Result
	Name() string
}
