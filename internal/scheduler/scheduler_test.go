package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/sequence-engine/internal/config"
	"github.com/ignite/sequence-engine/internal/store"
)

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		TickBusySeconds: 3,
		TickIdleSeconds: 10,
		BatchSize:       50,
		InFlightMinutes: 60,
	}
}

func setupTestDB(t *testing.T) (*Scheduler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, testConfig()), mock
}

func eligibilityRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "leadId", "sequenceId", "currentStep", "id", "stepNumber", "minIntervalMin",
	})
}

func TestTickEnqueuesEligibleLead(t *testing.T) {
	s, mock := setupTestDB(t)

	mock.ExpectQuery(`SELECT lss.id, lss."leadId"`).
		WithArgs(60, 50).
		WillReturnRows(eligibilityRows().AddRow("state-1", "lead-1", "seq-1", 0, "step-1", 1, 0))

	wantKey := store.IdemKey("seq-1", "lead-1", 1, 0, "")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "Outbox"`).
		WithArgs(wantKey).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO "Outbox"`).
		WithArgs(sqlmock.AnyArg(), store.SequenceTopic, sqlmock.AnyArg(), wantKey).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "LeadSequenceState"`).
		WithArgs("state-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if n != 1 {
		t.Errorf("enqueued = %d, want 1", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTickSkipsLeadWithExistingIdemKey(t *testing.T) {
	s, mock := setupTestDB(t)

	mock.ExpectQuery(`SELECT lss.id, lss."leadId"`).
		WithArgs(60, 50).
		WillReturnRows(eligibilityRows().AddRow("state-1", "lead-1", "seq-1", 2, "step-3", 3, 60))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "Outbox"`).
		WithArgs(store.IdemKey("seq-1", "lead-1", 3, 0, "")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if n != 0 {
		t.Errorf("enqueued = %d, want 0 (idem key exists)", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTickWithNoEligibleLeads(t *testing.T) {
	s, mock := setupTestDB(t)

	mock.ExpectQuery(`SELECT lss.id, lss."leadId"`).
		WithArgs(60, 50).
		WillReturnRows(eligibilityRows())

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if n != 0 {
		t.Errorf("enqueued = %d, want 0", n)
	}
}

func TestTickContinuesAfterPerLeadFailure(t *testing.T) {
	s, mock := setupTestDB(t)

	mock.ExpectQuery(`SELECT lss.id, lss."leadId"`).
		WithArgs(60, 50).
		WillReturnRows(eligibilityRows().
			AddRow("state-1", "lead-1", "seq-1", 0, "step-1", 1, 0).
			AddRow("state-2", "lead-2", "seq-1", 0, "step-1", 1, 0))

	// First lead fails at insert; its transaction rolls back.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "Outbox"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO "Outbox"`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	// Second lead succeeds.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "Outbox"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO "Outbox"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "LeadSequenceState"`).
		WithArgs("state-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if n != 1 {
		t.Errorf("enqueued = %d, want 1 (second lead only)", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTickSurfacesEligibilityQueryFailure(t *testing.T) {
	s, mock := setupTestDB(t)

	mock.ExpectQuery(`SELECT lss.id, lss."leadId"`).
		WillReturnError(errors.New("connection reset"))

	if _, err := s.Tick(context.Background()); err == nil {
		t.Fatal("tick succeeded despite query failure")
	}
}
