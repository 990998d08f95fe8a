// Package webhook is the ingestion pipeline for provider deliveries.
//
// Handle runs on the request path: it verifies the delivery, routes it to a
// command and claims the event id before anything is acknowledged. The
// command itself is applied on the worker queue, and the outcome is written
// back onto the claimed event row exactly once.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/events"
	"github.com/ManuelReschke/quotaledger/internal/pkg/idempotency"
	"github.com/ManuelReschke/quotaledger/internal/pkg/jobqueue"
	"github.com/ManuelReschke/quotaledger/internal/pkg/metrics"
	"github.com/ManuelReschke/quotaledger/internal/pkg/subscription"
	"github.com/ManuelReschke/quotaledger/internal/pkg/verifier"
)

// ErrUnavailable means nothing was claimed and the provider should retry.
var ErrUnavailable = errors.New("webhook intake unavailable")

// Status is what the provider is told about an accepted delivery.
type Status string

const (
	StatusClaimed   Status = "claimed"
	StatusDuplicate Status = "duplicate"
	StatusIgnored   Status = "ignored"
)

const outcomeWriteTimeout = 5 * time.Second

type Verifier interface {
	Verify(ctx context.Context, provider string, rawBody []byte, headers verifier.Headers) (*verifier.VerifiedEvent, error)
}

// Applier is the single entry point commands are applied through.
type Applier interface {
	Apply(ctx context.Context, cmd events.Command) (*subscription.Result, error)
}

type Processor struct {
	registry Verifier
	guard    *idempotency.Guard
	router   *events.Router
	applier  Applier
	queue    *jobqueue.Queue
	metrics  *metrics.Metrics
}

func NewProcessor(registry Verifier, guard *idempotency.Guard, router *events.Router, applier Applier, queue *jobqueue.Queue, m *metrics.Metrics) *Processor {
	return &Processor{
		registry: registry,
		guard:    guard,
		router:   router,
		applier:  applier,
		queue:    queue,
		metrics:  m,
	}
}

// Handle accepts one delivery. A *verifier.VerificationError means the
// delivery was rejected; ErrUnavailable means it was not claimed. Any other
// return is an acknowledgement.
func (p *Processor) Handle(ctx context.Context, provider string, rawBody []byte, headers verifier.Headers) (Status, error) {
	ev, err := p.registry.Verify(ctx, provider, rawBody, headers)
	if err != nil {
		return "", p.rejected(provider, err)
	}

	cmd, routeErr := p.router.Route(ev)
	subID := ""
	if cmd != nil {
		subID = cmd.Meta().ProviderSubID
	}

	claim, err := p.guard.Claim(ctx, idempotency.ClaimRequest{
		Provider:               ev.Provider,
		EventID:                ev.EventID,
		EventType:              ev.EventType,
		ProviderSubscriptionID: subID,
		Payload:                ev.Payload,
		ReceivedAt:             ev.ReceivedAt,
	})
	if err != nil {
		log.Errorf("[Webhook] %s event %s (%s) could not be claimed: %v", ev.Provider, ev.EventID, ev.EventType, err)
		p.metrics.WebhookRequest(provider, "unavailable")
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if claim == idempotency.AlreadyProcessed {
		log.Infof("[Webhook] %s event %s (%s) is a duplicate delivery", ev.Provider, ev.EventID, ev.EventType)
		p.metrics.WebhookRequest(provider, string(StatusDuplicate))
		return StatusDuplicate, nil
	}

	if routeErr != nil {
		if errors.Is(routeErr, events.ErrUnhandledEvent) {
			p.finish(ctx, ev, models.WebhookOutcomeIgnored, routeErr.Error(), time.Now())
			p.metrics.WebhookRequest(provider, string(StatusIgnored))
			return StatusIgnored, nil
		}
		log.Errorf("[Webhook] %s event %s (%s) could not be decoded: %v", ev.Provider, ev.EventID, ev.EventType, routeErr)
		p.finish(ctx, ev, models.WebhookOutcomeFailed, routeErr.Error(), time.Now())
		p.metrics.WebhookRequest(provider, string(StatusClaimed))
		return StatusClaimed, nil
	}

	if _, err := p.queue.Enqueue("webhook:"+ev.Provider, func(jobCtx context.Context) error {
		return p.process(jobCtx, ev, cmd)
	}); err != nil {
		// the event stays claimed; reconciliation repairs the subscription
		log.Errorf("[Webhook] %s event %s (%s) claimed but not queued: %v", ev.Provider, ev.EventID, ev.EventType, err)
		p.finish(ctx, ev, models.WebhookOutcomeFailed, err.Error(), time.Now())
	}
	p.metrics.WebhookRequest(provider, string(StatusClaimed))
	return StatusClaimed, nil
}

func (p *Processor) rejected(provider string, err error) error {
	if errors.Is(err, verifier.ErrProviderUnavailable) {
		log.Warnf("[Webhook] %s verification endpoint unavailable: %v", provider, err)
		p.metrics.WebhookRequest(provider, "unavailable")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	log.Warnf("[Webhook] %s delivery rejected: %v", provider, err)
	p.metrics.VerificationFailure(provider, failureClass(err))
	p.metrics.WebhookRequest(provider, "rejected")
	return err
}

// process is the worker side of a claimed delivery.
func (p *Processor) process(ctx context.Context, ev *verifier.VerifiedEvent, cmd events.Command) error {
	started := time.Now()
	res, err := p.applier.Apply(ctx, cmd)
	outcome, detail := classify(err)

	switch outcome {
	case models.WebhookOutcomeProcessed:
		log.Infof("[Webhook] %s event %s (%s) applied as %s: changed=%v", ev.Provider, ev.EventID, ev.EventType, cmd.Name(), res != nil && res.Changed)
	case models.WebhookOutcomeIgnored:
		log.Warnf("[Webhook] %s event %s (%s) acknowledged without a local subscription: %v", ev.Provider, ev.EventID, ev.EventType, err)
	default:
		log.Errorf("[Webhook] %s event %s (%s) failed as %s for subscription %s: %v", ev.Provider, ev.EventID, ev.EventType, cmd.Name(), cmd.Meta().ProviderSubID, err)
	}

	p.finish(ctx, ev, outcome, detail, started)
	if outcome == models.WebhookOutcomeFailed {
		return err
	}
	return nil
}

// finish writes the outcome on a context that survives the job deadline.
func (p *Processor) finish(ctx context.Context, ev *verifier.VerifiedEvent, outcome, detail string, started time.Time) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()
	if err := p.guard.MarkOutcome(writeCtx, ev.Provider, ev.EventID, outcome, detail); err != nil {
		log.Errorf("[Webhook] %s event %s outcome %s not recorded: %v", ev.Provider, ev.EventID, outcome, err)
	}
	p.metrics.WebhookOutcome(ev.Provider, outcome, time.Since(started))
}

func classify(err error) (outcome, detail string) {
	switch {
	case err == nil:
		return models.WebhookOutcomeProcessed, ""
	case errors.Is(err, subscription.ErrNotFound), errors.Is(err, events.ErrUnhandledEvent):
		return models.WebhookOutcomeIgnored, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return models.WebhookOutcomeFailed, "processing timed out: " + err.Error()
	default:
		return models.WebhookOutcomeFailed, err.Error()
	}
}

// failureClass is the metric label for a verification failure. It never
// carries header or secret values.
func failureClass(err error) string {
	switch {
	case errors.Is(err, verifier.ErrMissingHeader):
		return "missing_header"
	case errors.Is(err, verifier.ErrInvalidSignatureForm):
		return "malformed_header"
	case errors.Is(err, verifier.ErrSignatureMismatch):
		return "mismatch"
	case errors.Is(err, verifier.ErrTimestampOutOfRange):
		return "timestamp"
	case errors.Is(err, verifier.ErrSecretNotConfigured):
		return "not_configured"
	case errors.Is(err, verifier.ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, verifier.ErrUnsupportedProvider):
		return "unsupported"
	}
	return "other"
}
