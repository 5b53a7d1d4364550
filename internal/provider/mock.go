package provider

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/seqerr"
)

// MockSender logs sends instead of delivering them. It backs non-production
// environments and tests; sent messages are retained for inspection.
type MockSender struct {
	mu   sync.Mutex
	sent []EmailData

	// FailFor lists recipient addresses whose sends should fail.
	FailFor map[string]bool

	log *logger.Logger
}

// NewMockSender creates a mock sender.
func NewMockSender() *MockSender {
	return &MockSender{
		FailFor: map[string]bool{},
		log:     logger.With("mock-sender"),
	}
}

// Name implements Sender.
func (m *MockSender) Name() string { return "mock" }

// Send records the message and returns a synthetic message id.
func (m *MockSender) Send(email EmailData) Result {
	if email.To == "" || !strings.Contains(email.To, "@") {
		return Result{Err: seqerr.New("INVALID_RECIPIENT", seqerr.Validation,
			fmt.Sprintf("invalid recipient %q", email.To))}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailFor[email.To] {
		return Result{Err: seqerr.New("MOCK_SEND_FAILED", seqerr.ExternalService,
			"simulated provider failure")}
	}

	m.sent = append(m.sent, email)
	id := "mock-" + uuid.NewString()
	m.log.Info("send (mock)", "to", logger.RedactEmail(email.To),
		"subject", email.Subject, "message_id", id)
	return Result{Success: true, MessageID: id}
}

// Sent returns a copy of every message sent so far.
func (m *MockSender) Sent() []EmailData {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailData, len(m.sent))
	copy(out, m.sent)
	return out
}
