// Package worker consumes sequence step messages, renders and sends the
// email, and advances the lead's sequence state. State advancement is
// guarded so broker redeliveries can never double-advance a lead.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ignite/sequence-engine/internal/broker"
	"github.com/ignite/sequence-engine/internal/config"
	"github.com/ignite/sequence-engine/internal/metrics"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/provider"
	"github.com/ignite/sequence-engine/internal/seqerr"
	"github.com/ignite/sequence-engine/internal/store"
	"github.com/ignite/sequence-engine/internal/template"
)

const loadLeadQuery = `
SELECT l.id, l.email, l."firstName", l."lastName", l."jobTitle", l."companyName",
       l.industry, l."companySize", l.country, l.state, l.address, l."linkedinUrl",
       l.source, l."isSubscribedToEmail", COALESCE(l."isEmailValid", 'UNKNOWN'), le.data
FROM "Lead" l
LEFT JOIN "LeadEnrichment" le ON le."leadId" = l.id
WHERE l.id = $1`

const loadStepQuery = `
SELECT id, "sequenceId", "stepNumber", "minIntervalMin", "requireNoReply", "stopOnBounce"
FROM "SequenceStep"
WHERE id = $1`

const loadTemplatesQuery = `
SELECT st.id, ect.id, ect.subject, ect."htmlBody"
FROM "_SequenceStepToSequenceTemplate" j
JOIN "SequenceTemplate" st ON st.id = j."B"
JOIN "EmailCampaignTemplate" ect ON ect.id = st."templateId"
WHERE j."A" = $1`

// advanceQuery advances the state one step and completes the enrollment
// when the final step is reached. The "currentStep" guard makes the
// update idempotent under redelivery: a second delivery of the same
// message carries a stale current_step and matches zero rows.
const advanceQuery = `
UPDATE "LeadSequenceState" SET
  "currentStep" = "currentStep" + 1,
  status = CASE WHEN "currentStep" + 1 >= (
      SELECT MAX("stepNumber") FROM "SequenceStep"
      WHERE "sequenceId" = "LeadSequenceState"."sequenceId"
  ) THEN 'COMPLETED' ELSE 'RUNNING' END,
  "lastSentAt" = now(), "failureCount" = 0, "updatedAt" = now()
WHERE id = $1 AND "currentStep" = $2 AND status IN ('PENDING', 'RUNNING')
RETURNING id, status, "currentStep"`

// Republisher re-enqueues a message for another delivery attempt.
type Republisher interface {
	Publish(ctx context.Context, queue string, body []byte, retries int) error
}

// Limiter throttles provider sends. Optional.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, providerName string, count int) (bool, time.Duration, error)
}

// Worker handles sequence step messages.
type Worker struct {
	db        *sql.DB
	sender    provider.Sender
	processor *template.Processor
	repub     Republisher
	limiter   Limiter
	cfg       config.WorkerConfig
	log       *logger.Logger

	// pick selects a template index; injectable for tests.
	pick func(n int) int

	stopCh chan struct{}
	wg     sync.WaitGroup

	processed atomic.Int64
	sent      atomic.Int64
}

// New creates a worker. limiter may be nil, which disables throttling.
func New(db *sql.DB, sender provider.Sender, processor *template.Processor,
	repub Republisher, limiter Limiter, cfg config.WorkerConfig) *Worker {
	return &Worker{
		db:        db,
		sender:    sender,
		processor: processor,
		repub:     repub,
		limiter:   limiter,
		cfg:       cfg,
		log:       logger.With("worker"),
		pick:      rand.Intn,
		stopCh:    make(chan struct{}),
	}
}

// Start consumes deliveries until the channel closes, ctx is cancelled or
// Stop is called.
func (w *Worker) Start(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.log.Info("started", "queue", store.SequenceTopic, "max_retries", w.cfg.MaxRetries)

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case d, ok := <-deliveries:
				if !ok {
					w.log.Warn("delivery channel closed")
					return
				}
				w.HandleDelivery(ctx, &d)
			}
		}
	}()
}

// Stop signals the loop and waits for the in-flight message to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("stopped", "total_processed", w.processed.Load(), "total_sent", w.sent.Load())
}

// HandleDelivery runs one message through parse, process and the
// ack/retry/DLQ decision.
func (w *Worker) HandleDelivery(ctx context.Context, d *amqp.Delivery) {
	w.processed.Add(1)

	var msg store.PendingLead
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.log.Error("malformed message, dropping", "error", err)
		metrics.MessagesProcessed.WithLabelValues("malformed").Inc()
		d.Ack(false)
		return
	}
	if err := msg.Validate(); err != nil {
		w.log.Error("invalid message, dropping", "error", err, "lead_id", msg.LeadID)
		metrics.MessagesProcessed.WithLabelValues("malformed").Inc()
		d.Ack(false)
		return
	}

	if err := w.Process(ctx, &msg); err != nil {
		w.retryOrDeadLetter(ctx, d, &msg, err)
		return
	}

	metrics.MessagesProcessed.WithLabelValues("ok").Inc()
	d.Ack(false)
}

// retryOrDeadLetter republishes the message with a bumped retry header, or
// rejects it to the DLQ once the retry budget is spent.
func (w *Worker) retryOrDeadLetter(ctx context.Context, d *amqp.Delivery, msg *store.PendingLead, cause error) {
	retries := broker.RetryCount(d)
	metrics.Errors.WithLabelValues(seqerr.CodeOf(cause)).Inc()

	if retries < w.cfg.MaxRetries {
		if err := w.repub.Publish(ctx, store.SequenceTopic, d.Body, retries+1); err != nil {
			w.log.Error("republish failed, requeueing original", "lead_id", msg.LeadID, "error", err)
			d.Nack(false, true)
			return
		}
		w.log.Warn("step failed, retrying", "lead_id", msg.LeadID,
			"step_number", msg.StepNumber, "retries", retries+1, "error", cause)
		metrics.MessagesProcessed.WithLabelValues("retried").Inc()
		metrics.MessagesRetried.Inc()
		d.Ack(false)
		return
	}

	w.log.Error("retries exhausted, dead-lettering", "lead_id", msg.LeadID,
		"step_number", msg.StepNumber, "retries", retries, "error", cause)
	metrics.MessagesProcessed.WithLabelValues("dead_lettered").Inc()
	metrics.MessagesDeadLettered.Inc()
	d.Reject(false)
}

// Process executes one sequence step: load context, check eligibility,
// render, send, advance.
func (w *Worker) Process(ctx context.Context, msg *store.PendingLead) error {
	lead, step, tmpl, err := w.loadContext(ctx, msg)
	if err != nil {
		return err
	}

	if err := checkEligibility(lead); err != nil {
		return err
	}

	vars := template.Variables(lead)
	subject := w.processor.Render(ctx, tmpl.Subject, vars)
	body := w.processor.Render(ctx, tmpl.HTMLBody, vars)

	if err := w.throttle(ctx); err != nil {
		return err
	}

	res := w.sender.Send(provider.EmailData{
		To:         lead.Email,
		Subject:    subject,
		Body:       body,
		LeadID:     lead.ID,
		SequenceID: msg.SequenceID,
		StepID:     step.ID,
		TemplateID: tmpl.TemplateID,
	})
	if !res.Success {
		return res.Err
	}
	w.sent.Add(1)
	metrics.EmailsSent.WithLabelValues(w.sender.Name()).Inc()

	advance, err := w.advance(ctx, msg.LeadStateID, msg.CurrentStep)
	if err != nil {
		return err
	}
	if advance == nil {
		// Concurrently advanced or terminal. The send happened, the state
		// is already where a retry would put it: ack.
		w.log.Warn("state not advanced, already moved", "lead_state_id", msg.LeadStateID,
			"step_number", msg.StepNumber)
		return nil
	}

	w.log.Info("step complete", "lead_id", lead.ID, "email", logger.RedactEmail(lead.Email),
		"sequence_id", msg.SequenceID, "step_number", msg.StepNumber,
		"status", advance.Status, "current_step", advance.CurrentStep,
		"message_id", res.MessageID)
	return nil
}

// loadContext fetches the lead, the step and one randomly picked template
// in parallel.
func (w *Worker) loadContext(ctx context.Context, msg *store.PendingLead) (*store.Lead, *store.SequenceStep, *store.StepTemplate, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ExternalCallTimeout())
	defer cancel()

	var (
		wg      sync.WaitGroup
		lead    *store.Lead
		step    *store.SequenceStep
		tmpl    *store.StepTemplate
		leadErr error
		stepErr error
		tmplErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		lead, leadErr = w.loadLead(ctx, msg.LeadID)
	}()
	go func() {
		defer wg.Done()
		step, stepErr = w.loadStep(ctx, msg.StepID)
	}()
	go func() {
		defer wg.Done()
		tmpl, tmplErr = w.pickTemplate(ctx, msg.StepID)
	}()
	wg.Wait()

	for _, err := range []error{leadErr, stepErr, tmplErr} {
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return lead, step, tmpl, nil
}

func (w *Worker) loadLead(ctx context.Context, leadID string) (*store.Lead, error) {
	var (
		lead       store.Lead
		enrichment []byte
	)
	err := w.db.QueryRowContext(ctx, loadLeadQuery, leadID).Scan(
		&lead.ID, &lead.Email, &lead.FirstName, &lead.LastName, &lead.JobTitle,
		&lead.CompanyName, &lead.Industry, &lead.CompanySize, &lead.Country,
		&lead.State, &lead.Address, &lead.LinkedinURL, &lead.Source,
		&lead.IsSubscribed, &lead.EmailValid, &enrichment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, seqerr.New("LEAD_NOT_FOUND", seqerr.Validation,
			fmt.Sprintf("lead %s does not exist", leadID))
	}
	if err != nil {
		return nil, seqerr.Wrap("LEAD_LOAD", seqerr.Database, err).With("lead_id", leadID)
	}

	if len(enrichment) > 0 {
		if err := json.Unmarshal(enrichment, &lead.Enrichment); err != nil {
			w.log.Warn("unreadable enrichment data, ignoring", "lead_id", leadID, "error", err)
		}
	}
	return &lead, nil
}

func (w *Worker) loadStep(ctx context.Context, stepID string) (*store.SequenceStep, error) {
	var step store.SequenceStep
	err := w.db.QueryRowContext(ctx, loadStepQuery, stepID).Scan(
		&step.ID, &step.SequenceID, &step.StepNumber, &step.MinIntervalMin,
		&step.RequireNoReply, &step.StopOnBounce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, seqerr.New("STEP_NOT_FOUND", seqerr.Validation,
			fmt.Sprintf("sequence step %s does not exist", stepID))
	}
	if err != nil {
		return nil, seqerr.Wrap("STEP_LOAD", seqerr.Database, err).With("step_id", stepID)
	}
	return &step, nil
}

// pickTemplate loads every template attached to the step and picks one
// uniformly at random.
func (w *Worker) pickTemplate(ctx context.Context, stepID string) (*store.StepTemplate, error) {
	rows, err := w.db.QueryContext(ctx, loadTemplatesQuery, stepID)
	if err != nil {
		return nil, seqerr.Wrap("TEMPLATE_LOAD", seqerr.Database, err).With("step_id", stepID)
	}
	defer rows.Close()

	var templates []store.StepTemplate
	for rows.Next() {
		var t store.StepTemplate
		if err := rows.Scan(&t.ID, &t.TemplateID, &t.Subject, &t.HTMLBody); err != nil {
			return nil, seqerr.Wrap("TEMPLATE_SCAN", seqerr.Database, err)
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, seqerr.Wrap("TEMPLATE_ROWS", seqerr.Database, err)
	}

	if len(templates) == 0 {
		return nil, seqerr.New("TEMPLATE_MISSING", seqerr.Validation,
			fmt.Sprintf("no templates attached to step %s", stepID))
	}
	return &templates[w.pick(len(templates))], nil
}

// checkEligibility enforces the hard gates on the lead. Violations route
// through the retry/DLQ path so operators see them on the dead-letter
// queue.
func checkEligibility(lead *store.Lead) error {
	switch {
	case lead.Email == "":
		return seqerr.New("LEAD_NO_EMAIL", seqerr.Validation,
			fmt.Sprintf("lead %s has no email address", lead.ID))
	case !lead.IsSubscribed:
		return seqerr.New("LEAD_UNSUBSCRIBED", seqerr.Validation,
			fmt.Sprintf("lead %s is not subscribed to email", lead.ID))
	case lead.EmailValid == store.EmailInvalid:
		return seqerr.New("LEAD_EMAIL_INVALID", seqerr.Validation,
			fmt.Sprintf("lead %s has an invalid email address", lead.ID))
	}
	return nil
}

// throttle blocks until the limiter admits one send. A denial with a wait
// hint sleeps once and retries; a daily-limit denial surfaces as an error.
func (w *Worker) throttle(ctx context.Context) error {
	if w.limiter == nil {
		return nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		allowed, wait, err := w.limiter.CheckAndIncrement(ctx, w.sender.Name(), 1)
		if err != nil {
			return seqerr.Wrap("THROTTLE_CHECK", seqerr.ExternalService, err)
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return seqerr.New("THROTTLE_DENIED", seqerr.ExternalService, "send throttled")
}

// advance runs the guarded state update. A nil result without error means
// the guard matched zero rows: the state already moved past the
// message's current_step, or is terminal.
func (w *Worker) advance(ctx context.Context, leadStateID string, currentStep int) (*store.StateAdvance, error) {
	var adv store.StateAdvance
	err := w.db.QueryRowContext(ctx, advanceQuery, leadStateID, currentStep).Scan(
		&adv.ID, &adv.Status, &adv.CurrentStep)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, seqerr.Wrap("STATE_ADVANCE", seqerr.Database, err).With("lead_state_id", leadStateID)
	}
	return &adv, nil
}
