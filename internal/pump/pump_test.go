package pump

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/sequence-engine/internal/config"
	"github.com/ignite/sequence-engine/internal/store"
)

type fakeBroker struct {
	published []publishCall
	failFor   map[string]bool
}

type publishCall struct {
	queue string
	body  string
}

func (f *fakeBroker) Publish(_ context.Context, queue string, body []byte, _ int) error {
	if f.failFor[string(body)] {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, publishCall{queue: queue, body: string(body)})
	return nil
}

func setupTestPump(t *testing.T) (*Pump, sqlmock.Sqlmock, *fakeBroker) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	broker := &fakeBroker{failFor: map[string]bool{}}
	cfg := config.PumpConfig{PollBusySeconds: 1, PollIdleSeconds: 10, ClaimSize: 10}
	return New(db, broker, cfg), mock, broker
}

func claimRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "topic", "payload", "idemKey", "retries"})
}

func TestPollPublishesClaimedRows(t *testing.T) {
	p, mock, broker := setupTestPump(t)

	mock.ExpectQuery(`UPDATE "Outbox" SET processed = true`).
		WithArgs(10).
		WillReturnRows(claimRows().
			AddRow("ob-1", store.SequenceTopic, []byte(`{"lead_id":"l1"}`), "key-1", 1).
			AddRow("ob-2", store.SequenceTopic, []byte(`{"lead_id":"l2"}`), "key-2", 1))

	n, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("published = %d, want 2", n)
	}
	if len(broker.published) != 2 {
		t.Fatalf("broker got %d publishes, want 2", len(broker.published))
	}
	if broker.published[0].queue != store.SequenceTopic {
		t.Errorf("published to %q, want %q", broker.published[0].queue, store.SequenceTopic)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPollRevertsRowOnPublishFailure(t *testing.T) {
	p, mock, broker := setupTestPump(t)
	broker.failFor[`{"lead_id":"l1"}`] = true

	mock.ExpectQuery(`UPDATE "Outbox" SET processed = true`).
		WithArgs(10).
		WillReturnRows(claimRows().
			AddRow("ob-1", store.SequenceTopic, []byte(`{"lead_id":"l1"}`), "key-1", 1).
			AddRow("ob-2", store.SequenceTopic, []byte(`{"lead_id":"l2"}`), "key-2", 1))
	mock.ExpectExec(`UPDATE "Outbox" SET processed = false`).
		WithArgs("ob-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if n != 1 {
		t.Errorf("published = %d, want 1 (failed row reverted)", n)
	}
	if len(broker.published) != 1 || broker.published[0].body != `{"lead_id":"l2"}` {
		t.Errorf("broker publishes = %+v, want only lead l2", broker.published)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPollWithEmptyOutbox(t *testing.T) {
	p, mock, broker := setupTestPump(t)

	mock.ExpectQuery(`UPDATE "Outbox" SET processed = true`).
		WithArgs(10).
		WillReturnRows(claimRows())

	n, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if n != 0 || len(broker.published) != 0 {
		t.Errorf("published = %d (%d broker calls), want 0", n, len(broker.published))
	}
}

func TestPollSurfacesClaimFailure(t *testing.T) {
	p, mock, _ := setupTestPump(t)

	mock.ExpectQuery(`UPDATE "Outbox" SET processed = true`).
		WillReturnError(errors.New("deadlock detected"))

	if _, err := p.Poll(context.Background()); err == nil {
		t.Fatal("poll succeeded despite claim failure")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p, _, _ := setupTestPump(t)

	p.consecutiveErrs = 1
	first := p.backoff()
	p.consecutiveErrs = 3
	third := p.backoff()
	if third <= first {
		t.Errorf("backoff did not grow: %v then %v", first, third)
	}

	p.consecutiveErrs = 1000
	if got := p.backoff(); got.Minutes() > 1 {
		t.Errorf("backoff %v exceeds one minute cap", got)
	}
}
