// Package pump drains the transactional outbox into RabbitMQ. Claiming
// marks rows processed in the same statement that selects them, so
// multiple pump instances can run side by side without publishing a row
// twice.
package pump

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/sequence-engine/internal/config"
	"github.com/ignite/sequence-engine/internal/metrics"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/seqerr"
	"github.com/ignite/sequence-engine/internal/store"
)

// claimQuery claims up to $1 unprocessed rows and marks them processed in
// one statement. SKIP LOCKED keeps concurrent pump instances on disjoint
// row sets; ORDER BY "createdAt" keeps rough FIFO.
const claimQuery = `
UPDATE "Outbox" SET processed = true, "processedAt" = now(), retries = retries + 1
WHERE id IN (
  SELECT id FROM "Outbox"
  WHERE processed = false AND retries < "maxRetries"
  ORDER BY "createdAt"
  LIMIT $1
  FOR UPDATE SKIP LOCKED
)
RETURNING id, topic, payload, "idemKey", retries`

// revertQuery returns a claimed row to the unprocessed pool after a
// failed publish. The retries increment from the claim stays, bounding
// republish attempts via "maxRetries".
const revertQuery = `
UPDATE "Outbox" SET processed = false, "processedAt" = null
WHERE id = $1`

// Publisher is the broker surface the pump needs.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, retries int) error
}

// Pump is the outbox drain loop.
type Pump struct {
	db     *sql.DB
	broker Publisher
	cfg    config.PumpConfig
	log    *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	published atomic.Int64
	reverted  atomic.Int64

	// consecutiveErrs drives the poll backoff after repeated failures.
	consecutiveErrs int
}

// New creates a pump.
func New(db *sql.DB, broker Publisher, cfg config.PumpConfig) *Pump {
	return &Pump{
		db:     db,
		broker: broker,
		cfg:    cfg,
		log:    logger.With("pump"),
		stopCh: make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (p *Pump) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.log.Info("started", "claim_size", p.cfg.ClaimSize,
			"poll_busy", p.cfg.PollBusy().String(), "poll_idle", p.cfg.PollIdle().String())

		delay := time.Duration(0)
		for {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-p.stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}

			start := time.Now()
			n, err := p.Poll(ctx)
			metrics.TickDuration.WithLabelValues("pump").Observe(time.Since(start).Seconds())

			switch {
			case err != nil:
				p.consecutiveErrs++
				p.log.Error("poll failed", "error", err, "consecutive", p.consecutiveErrs)
				metrics.Errors.WithLabelValues(seqerr.CodeOf(err)).Inc()
				delay = p.backoff()
			case n > 0:
				p.consecutiveErrs = 0
				delay = p.cfg.PollBusy()
			default:
				p.consecutiveErrs = 0
				delay = p.cfg.PollIdle()
			}
		}
	}()
}

// Stop signals the loop and waits for the in-flight poll to finish.
func (p *Pump) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.log.Info("stopped", "total_published", p.published.Load(), "total_reverted", p.reverted.Load())
}

// backoff grows the poll delay with consecutive failures, capped at one
// minute.
func (p *Pump) backoff() time.Duration {
	delay := p.cfg.PollIdle() * time.Duration(p.consecutiveErrs)
	if delay > time.Minute {
		delay = time.Minute
	}
	if delay <= 0 {
		delay = p.cfg.PollIdle()
	}
	return delay
}

// Poll claims one batch and publishes every claimed row. Returns the
// number published. A failed publish reverts that row to unprocessed and
// moves on.
func (p *Pump) Poll(ctx context.Context) (int, error) {
	rows, err := p.claim(ctx)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	published := 0
	for i := range rows {
		row := &rows[i]
		if err := ctx.Err(); err != nil {
			return published, err
		}

		if err := p.broker.Publish(ctx, row.Topic, row.Payload, 0); err != nil {
			p.log.Error("publish failed, reverting row", "outbox_id", row.ID,
				"idem_key", row.IdemKey, "retries", row.Retries, "error", err)
			metrics.Errors.WithLabelValues(seqerr.CodeOf(err)).Inc()
			p.revert(ctx, row.ID)
			continue
		}

		published++
		p.published.Add(1)
		metrics.OutboxPublished.Inc()
		p.log.Debug("published", "outbox_id", row.ID, "topic", row.Topic,
			"idem_key", row.IdemKey, "retries", row.Retries)
	}

	return published, nil
}

// claim atomically claims and marks a batch of outbox rows.
func (p *Pump) claim(ctx context.Context) ([]store.OutboxRow, error) {
	rows, err := p.db.QueryContext(ctx, claimQuery, p.cfg.ClaimSize)
	if err != nil {
		return nil, seqerr.Wrap("PUMP_CLAIM", seqerr.Database, err)
	}
	defer rows.Close()

	var claimed []store.OutboxRow
	for rows.Next() {
		var row store.OutboxRow
		if err := rows.Scan(&row.ID, &row.Topic, &row.Payload, &row.IdemKey, &row.Retries); err != nil {
			return nil, seqerr.Wrap("PUMP_SCAN", seqerr.Database, err)
		}
		claimed = append(claimed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, seqerr.Wrap("PUMP_ROWS", seqerr.Database, err)
	}

	return claimed, nil
}

// revert returns a claimed row to the unprocessed pool. A failed revert is
// logged and dropped: the row stays processed=true, which is the safe
// direction (no duplicate publish).
func (p *Pump) revert(ctx context.Context, outboxID string) {
	// The poll context may already be cancelled when the publish failed on
	// shutdown; the revert still has to run.
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if _, err := p.db.ExecContext(ctx, revertQuery, outboxID); err != nil {
		p.log.Error("revert failed", "outbox_id", outboxID, "error", err)
		metrics.Errors.WithLabelValues("PUMP_REVERT").Inc()
		return
	}
	p.reverted.Add(1)
	metrics.OutboxReverted.Inc()
}
