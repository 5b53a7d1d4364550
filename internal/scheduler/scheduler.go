// Package scheduler selects leads whose next sequence step is due and
// enqueues one outbox row per lead inside a transaction that also flips
// the lead state to RUNNING. It never talks to the broker; the pump owns
// that hand-off.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/sequence-engine/internal/config"
	"github.com/ignite/sequence-engine/internal/metrics"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/seqerr"
	"github.com/ignite/sequence-engine/internal/store"
)

// eligibilityQuery joins each active lead state to its next step. The
// updatedAt guard keeps states that were flipped RUNNING recently out of
// the scan, bounding duplicate enqueues while a send is in flight.
const eligibilityQuery = `
SELECT lss.id, lss."leadId", lss."sequenceId", lss."currentStep",
       ss.id, ss."stepNumber", ss."minIntervalMin"
FROM "LeadSequenceState" lss
JOIN "SequenceStep" ss
  ON ss."sequenceId" = lss."sequenceId"
 AND ss."stepNumber" = lss."currentStep" + 1
WHERE lss.status IN ('PENDING', 'RUNNING')
  AND (lss."lastSentAt" IS NULL
       OR now() - lss."lastSentAt" > make_interval(mins => ss."minIntervalMin"))
  AND lss."updatedAt" < now() - make_interval(mins => $1)
ORDER BY lss."updatedAt"
LIMIT $2`

const countIdemKeyQuery = `SELECT COUNT(*) FROM "Outbox" WHERE "idemKey" = $1`

const insertOutboxQuery = `
INSERT INTO "Outbox" (id, topic, payload, "idemKey")
VALUES ($1, $2, $3, $4)`

const markRunningQuery = `
UPDATE "LeadSequenceState"
SET status = 'RUNNING', "updatedAt" = now()
WHERE id = $1 AND status IN ('PENDING', 'RUNNING')`

// Scheduler is the eligibility-scan loop.
type Scheduler struct {
	db  *sql.DB
	cfg config.SchedulerConfig
	log *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	enqueued atomic.Int64
	skipped  atomic.Int64
}

// New creates a scheduler.
func New(db *sql.DB, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		db:     db,
		cfg:    cfg,
		log:    logger.With("scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
// Ticks follow a busy/idle cadence: a tick that enqueued work schedules
// the next one sooner.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("started", "batch", s.cfg.BatchSize,
			"tick_busy", s.cfg.TickBusy().String(), "tick_idle", s.cfg.TickIdle().String())

		delay := time.Duration(0)
		for {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}

			start := time.Now()
			n, err := s.Tick(ctx)
			metrics.TickDuration.WithLabelValues("scheduler").Observe(time.Since(start).Seconds())

			if err != nil {
				s.log.Error("tick failed", append([]interface{}{}, errFields(err)...)...)
				metrics.Errors.WithLabelValues(seqerr.CodeOf(err)).Inc()
				delay = s.cfg.TickIdle()
				continue
			}

			if n > 0 {
				s.log.Info("tick complete", "enqueued", n,
					"total_enqueued", s.enqueued.Load(), "total_skipped", s.skipped.Load())
				delay = s.cfg.TickBusy()
			} else {
				delay = s.cfg.TickIdle()
			}
		}
	}()
}

// Stop signals the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.log.Info("stopped", "total_enqueued", s.enqueued.Load(), "total_skipped", s.skipped.Load())
}

// Tick runs one eligibility scan and enqueues every due lead. Returns the
// number of outbox rows written. Per-lead failures roll back that lead
// only; the next tick reconsiders it.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	leads, err := s.eligibleLeads(ctx)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, lead := range leads {
		if err := ctx.Err(); err != nil {
			return enqueued, err
		}

		ok, err := s.enqueue(ctx, lead)
		if err != nil {
			s.log.Error("enqueue failed", "lead_state_id", lead.LeadStateID,
				"step_number", lead.StepNumber, "error", err)
			metrics.Errors.WithLabelValues(seqerr.CodeOf(err)).Inc()
			continue
		}
		if ok {
			enqueued++
			s.enqueued.Add(1)
			metrics.OutboxEnqueued.Inc()
		} else {
			s.skipped.Add(1)
			metrics.OutboxSkipped.Inc()
		}
	}

	return enqueued, nil
}

// eligibleLeads returns up to BatchSize leads whose next step is due.
func (s *Scheduler) eligibleLeads(ctx context.Context) ([]store.PendingLead, error) {
	rows, err := s.db.QueryContext(ctx, eligibilityQuery, s.cfg.InFlightMinutes, s.cfg.BatchSize)
	if err != nil {
		return nil, seqerr.Wrap("SCHED_ELIGIBILITY", seqerr.Database, err)
	}
	defer rows.Close()

	var leads []store.PendingLead
	for rows.Next() {
		var lead store.PendingLead
		if err := rows.Scan(&lead.LeadStateID, &lead.LeadID, &lead.SequenceID,
			&lead.CurrentStep, &lead.StepID, &lead.StepNumber, &lead.MinIntervalMin); err != nil {
			return nil, seqerr.Wrap("SCHED_SCAN", seqerr.Database, err)
		}
		leads = append(leads, lead)
	}
	if err := rows.Err(); err != nil {
		return nil, seqerr.Wrap("SCHED_ROWS", seqerr.Database, err)
	}

	return leads, nil
}

// enqueue writes the outbox row and flips the state to RUNNING in one
// transaction. Returns false without error when the idempotency key
// already exists, which means an earlier entry is still in flight.
func (s *Scheduler) enqueue(ctx context.Context, lead store.PendingLead) (bool, error) {
	key := store.IdemKey(lead.SequenceID, lead.LeadID, lead.StepNumber, 0, "")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, seqerr.Wrap("SCHED_BEGIN", seqerr.Database, err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, countIdemKeyQuery, key).Scan(&existing); err != nil {
		return false, seqerr.Wrap("SCHED_IDEM_CHECK", seqerr.Database, err)
	}
	if existing > 0 {
		s.log.Info("skipping lead, outbox entry already exists",
			"lead_id", lead.LeadID, "step_number", lead.StepNumber, "idem_key", key)
		return false, nil
	}

	payload, err := json.Marshal(lead)
	if err != nil {
		return false, seqerr.Wrap("SCHED_ENCODE", seqerr.System, err)
	}

	if _, err := tx.ExecContext(ctx, insertOutboxQuery,
		uuid.NewString(), store.SequenceTopic, payload, key); err != nil {
		return false, seqerr.Wrap("SCHED_INSERT", seqerr.Database, err)
	}

	if _, err := tx.ExecContext(ctx, markRunningQuery, lead.LeadStateID); err != nil {
		return false, seqerr.Wrap("SCHED_MARK_RUNNING", seqerr.Database, err)
	}

	if err := tx.Commit(); err != nil {
		return false, seqerr.Wrap("SCHED_COMMIT", seqerr.Database, err)
	}

	s.log.Debug("enqueued step", "lead_id", lead.LeadID,
		"sequence_id", lead.SequenceID, "step_number", lead.StepNumber, "idem_key", key)
	return true, nil
}

// errFields expands classified errors into structured log fields.
func errFields(err error) []interface{} {
	var se *seqerr.Error
	if errors.As(err, &se) {
		return append(se.Fields(), "error", err.Error())
	}
	return []interface{}{"error", err.Error()}
}
