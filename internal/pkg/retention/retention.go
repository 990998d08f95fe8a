// Package retention prunes old webhook event records, archiving them first
// when an archive is configured.
package retention

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/idempotency"
	"github.com/ManuelReschke/quotaledger/internal/pkg/metrics"
)

const (
	DefaultWindow = 90 * 24 * time.Hour
	pageSize      = 500
)

// Archiver stores one archive object.
type Archiver interface {
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
}

type Result struct {
	Cutoff   time.Time `json:"cutoff"`
	Archived int       `json:"archived"`
	Objects  []string  `json:"objects,omitempty"`
	Pruned   int64     `json:"pruned"`
}

type Job struct {
	guard    *idempotency.Guard
	archiver Archiver
	window   time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewJob prunes events older than window. archiver may be nil.
func NewJob(guard *idempotency.Guard, archiver Archiver, window time.Duration, m *metrics.Metrics) *Job {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Job{
		guard:    guard,
		archiver: archiver,
		window:   window,
		metrics:  m,
		now:      time.Now,
	}
}

// archivedEvent is one JSONL line.
type archivedEvent struct {
	ID                     uint            `json:"id"`
	Provider               string          `json:"provider"`
	ProviderEventID        string          `json:"provider_event_id"`
	EventType              string          `json:"event_type"`
	ProviderSubscriptionID string          `json:"provider_subscription_id,omitempty"`
	Outcome                string          `json:"outcome"`
	OutcomeDetail          string          `json:"outcome_detail,omitempty"`
	ReceivedAt             time.Time       `json:"received_at"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty"`
	Payload                json.RawMessage `json:"payload,omitempty"`
}

// Run archives and then deletes every event received before the cutoff. A
// failed upload aborts the run before anything is deleted.
func (j *Job) Run(ctx context.Context) (*Result, error) {
	res := &Result{Cutoff: j.now().UTC().Add(-j.window)}

	if j.archiver != nil {
		var afterID uint
		for page := 1; ; page++ {
			rows, err := j.guard.ListBefore(ctx, res.Cutoff, afterID, pageSize)
			if err != nil {
				return res, fmt.Errorf("list events before %s: %w", res.Cutoff.Format(time.RFC3339), err)
			}
			if len(rows) == 0 {
				break
			}
			afterID = rows[len(rows)-1].ID

			body, err := encode(rows)
			if err != nil {
				return res, err
			}
			key := fmt.Sprintf("%s/%s-%04d.jsonl.gz", res.Cutoff.Format("2006/01/02"), res.Cutoff.Format("150405"), page)
			objectKey, err := j.archiver.Put(ctx, key, "application/gzip", body)
			if err != nil {
				return res, err
			}
			res.Archived += len(rows)
			res.Objects = append(res.Objects, objectKey)
			if len(rows) < pageSize {
				break
			}
		}
	}

	pruned, err := j.guard.Prune(ctx, res.Cutoff, pageSize)
	res.Pruned = pruned
	j.metrics.RetentionPruned(pruned)
	if err != nil {
		return res, fmt.Errorf("prune events: %w", err)
	}
	log.Infof("[Retention] Pruned %d webhook events received before %s (%d archived)", pruned, res.Cutoff.Format(time.RFC3339), res.Archived)
	return res, nil
}

func encode(rows []models.ProcessedWebhookEvent) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, r := range rows {
		line := archivedEvent{
			ID:                     r.ID,
			Provider:               r.Provider,
			ProviderEventID:        r.ProviderEventID,
			EventType:              r.EventType,
			ProviderSubscriptionID: r.ProviderSubscriptionID,
			Outcome:                r.Outcome,
			OutcomeDetail:          r.OutcomeDetail,
			ReceivedAt:             r.ReceivedAt,
			CompletedAt:            r.CompletedAt,
		}
		if json.Valid([]byte(r.PayloadJSON)) {
			line.Payload = json.RawMessage(r.PayloadJSON)
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encode event %d: %w", r.ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
