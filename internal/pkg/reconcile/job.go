// Package reconcile compares local subscriptions against the providers and
// repairs divergences by sending the same commands live webhooks produce.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/cache"
	"github.com/ManuelReschke/quotaledger/internal/pkg/events"
	"github.com/ManuelReschke/quotaledger/internal/pkg/metrics"
	"github.com/ManuelReschke/quotaledger/internal/pkg/subscription"
)

// ErrAlreadyRunning is returned when another instance holds the run lock.
var ErrAlreadyRunning = errors.New("reconciliation already running")

const (
	lockKey          = "quotaledger:reconcile:lock"
	lockTTL          = 30 * time.Minute
	pageSize         = 100
	fetchTimeout     = 20 * time.Second
	eventTypeRepair  = "reconciliation"
	defaultFanOut    = 4
	periodTolerance  = time.Minute
	maxStoredMessage = 2000
)

// Applier is the command entry point shared with the webhook pipeline.
type Applier interface {
	Apply(ctx context.Context, cmd events.Command) (*subscription.Result, error)
	ResolveBestPlan(ctx context.Context, provider string, refs []string) (string, string, error)
}

// Divergence describes one corrected or uncorrectable difference.
type Divergence struct {
	SubscriptionID string   `json:"subscription_id"`
	UserID         uint     `json:"user_id"`
	Provider       string   `json:"provider"`
	Reference      string   `json:"reference"`
	Fields         []string `json:"fields"`
	LocalStatus    string   `json:"local_status"`
	RemoteStatus   string   `json:"remote_status"`
	Command        string   `json:"command"`
	Error          string   `json:"error,omitempty"`
}

type Report struct {
	RunID       string        `json:"run_id"`
	Trigger     string        `json:"trigger"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Checked     int           `json:"checked"`
	Consistent  int           `json:"consistent"`
	Corrected   int           `json:"corrected"`
	Unreachable int           `json:"unreachable"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Divergences []Divergence  `json:"divergences"`
}

type Job struct {
	db       *gorm.DB
	store    *subscription.Store
	applier  Applier
	fetchers map[string]Fetcher
	redis    *redis.Client
	metrics  *metrics.Metrics
	fanOut   int
	now      func() time.Time
}

type Option func(*Job)

// WithLock makes runs exclusive across instances sharing client.
func WithLock(client *redis.Client) Option {
	return func(j *Job) { j.redis = client }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(j *Job) { j.metrics = m }
}

func WithConcurrency(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.fanOut = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}

func NewJob(db *gorm.DB, applier Applier, fetchers []Fetcher, opts ...Option) *Job {
	j := &Job{
		db:       db,
		store:    subscription.NewStore(db),
		applier:  applier,
		fetchers: make(map[string]Fetcher, len(fetchers)),
		fanOut:   defaultFanOut,
		now:      time.Now,
	}
	for _, f := range fetchers {
		j.fetchers[f.Provider()] = f
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run checks every linked subscription once and returns the report. The
// run is persisted whether or not it completes.
func (j *Job) Run(ctx context.Context, trigger string) (*Report, error) {
	if j.redis != nil {
		lock, err := cache.AcquireLock(ctx, j.redis, lockKey, lockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire reconciliation lock: %w", err)
		}
		if lock == nil {
			log.Infof("[Reconcile] Another instance is reconciling, skipping %s run", trigger)
			j.metrics.ReconcileRun(trigger, "locked", 0)
			return nil, ErrAlreadyRunning
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warnf("[Reconcile] Releasing lock: %v", err)
			}
		}()
	}

	report := &Report{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: j.now().UTC(),
	}
	run := &models.ReconciliationRun{
		ID:        report.RunID,
		Trigger:   trigger,
		StartedAt: report.StartedAt,
	}
	if err := j.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("record reconciliation run: %w", err)
	}
	log.Infof("[Reconcile] Run %s started (%s)", report.RunID, trigger)

	runErr := j.sweep(ctx, report)
	report.Duration = j.now().UTC().Sub(report.StartedAt)
	sort.Slice(report.Divergences, func(a, b int) bool {
		return report.Divergences[a].SubscriptionID < report.Divergences[b].SubscriptionID
	})

	status := "ok"
	if runErr != nil {
		status = "error"
	}
	j.finish(ctx, run, report, runErr)
	j.metrics.ReconcileRun(trigger, status, report.Duration)
	log.Infof("[Reconcile] Run %s finished in %s: checked=%d consistent=%d corrected=%d unreachable=%d skipped=%d failed=%d",
		report.RunID, report.Duration, report.Checked, report.Consistent, report.Corrected, report.Unreachable, report.Skipped, report.Failed)
	return report, runErr
}

func (j *Job) sweep(ctx context.Context, report *Report) error {
	var mu sync.Mutex
	afterID := ""
	for {
		subs, err := j.store.ListLinked(ctx, afterID, pageSize)
		if err != nil {
			return fmt.Errorf("list linked subscriptions: %w", err)
		}
		if len(subs) == 0 {
			return nil
		}
		afterID = subs[len(subs)-1].ID

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(j.fanOut)
		for i := range subs {
			sub := subs[i]
			for provider, ref := range sub.ProviderReferences() {
				g.Go(func() error {
					result, div := j.check(gctx, &sub, provider, ref)
					mu.Lock()
					defer mu.Unlock()
					report.add(result, div)
					j.metrics.ReconcileResult(provider, result)
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(subs) < pageSize {
			return nil
		}
	}
}

const (
	resultConsistent  = "consistent"
	resultCorrected   = "corrected"
	resultUnreachable = "unreachable"
	resultSkipped     = "skipped"
	resultFailed      = "failed"
)

func (r *Report) add(result string, div *Divergence) {
	r.Checked++
	switch result {
	case resultConsistent:
		r.Consistent++
	case resultCorrected:
		r.Corrected++
	case resultUnreachable:
		r.Unreachable++
	case resultSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
	if div != nil {
		r.Divergences = append(r.Divergences, *div)
	}
}

func (j *Job) check(ctx context.Context, sub *models.Subscription, provider, ref string) (string, *Divergence) {
	f, ok := j.fetchers[provider]
	if !ok {
		return resultSkipped, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	remote, err := f.Fetch(fetchCtx, ref)
	cancel()
	if err != nil {
		log.Warnf("[Reconcile] %s %s for subscription %s unreachable: %v", provider, ref, sub.ID, err)
		return resultUnreachable, nil
	}

	_, remotePlan, err := j.applier.ResolveBestPlan(ctx, provider, remote.PlanRefs)
	if err != nil {
		log.Errorf("[Reconcile] Resolving %s plan for %s: %v", provider, sub.ID, err)
		return resultFailed, nil
	}

	remote = j.deferCancel(sub, remote)
	fields := diff(sub, remote, remotePlan)
	if len(fields) == 0 {
		return resultConsistent, nil
	}

	cmd := j.command(sub, provider, ref, remote, remotePlan)
	div := &Divergence{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Provider:       provider,
		Reference:      ref,
		Fields:         fields,
		LocalStatus:    sub.Status,
		RemoteStatus:   remote.Status,
		Command:        cmd.Name(),
	}
	if _, err := j.applier.Apply(ctx, cmd); err != nil {
		div.Error = err.Error()
		log.Errorf("[Reconcile] Correcting %s (%s %s) with %s failed: %v", sub.ID, provider, ref, cmd.Name(), err)
		return resultFailed, div
	}
	log.Warnf("[Reconcile] Corrected divergence on %s (%s %s): %v local=%s remote=%s via %s",
		sub.ID, provider, ref, fields, sub.Status, remote.Status, cmd.Name())
	return resultCorrected, div
}

// deferCancel turns a deferred provider cancellation into the state the live
// webhook leaves behind: still paid, flagged to end with the period.
func (j *Job) deferCancel(sub *models.Subscription, remote *ProviderState) *ProviderState {
	if !remote.CancelDeferred || remote.Status != models.SubscriptionStatusCancelled || !sub.IsPaidLifecycle() {
		return remote
	}
	end := remote.PeriodEnd
	if end == nil {
		end = sub.PeriodEnd
	}
	if end == nil || !end.After(j.now()) {
		return remote
	}
	st := *remote
	st.Status = sub.Status
	st.PeriodEnd = end
	st.CancelAtPeriodEnd = true
	return &st
}

// diff lists the field groups where the provider disagrees with the row.
func diff(sub *models.Subscription, remote *ProviderState, remotePlan string) []string {
	var fields []string
	remotePaid := remote.Status == models.SubscriptionStatusActive || remote.Status == models.SubscriptionStatusTrial
	// a lapsed row is consistent with either lapsed provider status
	if remote.Status != "" && remote.Status != sub.Status && (remotePaid || sub.IsPaidLifecycle()) {
		fields = append(fields, "status")
	}
	if remotePaid && remotePlan != "" && remotePlan != sub.Plan && remotePlan != sub.PendingPlan {
		fields = append(fields, "plan")
	}
	if remotePaid && remote.PeriodEnd != nil && !sameInstant(sub.PeriodEnd, remote.PeriodEnd) {
		fields = append(fields, "period")
	}
	if remotePaid && remote.CancelAtPeriodEnd != sub.CancelAtPeriodEnd {
		fields = append(fields, "cancel_at_period_end")
	}
	return fields
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	d := a.Sub(*b)
	return d < periodTolerance && d > -periodTolerance
}

// command is the live-webhook equivalent of the provider state, stamped now
// so it takes precedence over every event already applied.
func (j *Job) command(sub *models.Subscription, provider, ref string, remote *ProviderState, remotePlan string) events.Command {
	env := events.Envelope{
		Provider:      provider,
		ProviderSubID: ref,
		EventID:       "reconcile:" + sub.ID,
		EventType:     eventTypeRepair,
		OccurredAt:    j.now().UTC(),
	}
	localPaid := sub.IsPaidLifecycle()

	switch remote.Status {
	case models.SubscriptionStatusCancelled:
		return events.CancelSubscription{Envelope: env, Effective: events.CancelImmediately, PeriodEnd: remote.PeriodEnd}
	case models.SubscriptionStatusExpired:
		return events.ExpireSubscription{Envelope: env}
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrial:
		if !localPaid {
			return events.ActivateSubscription{
				Envelope:    env,
				Plan:        remotePlan,
				PeriodStart: remote.PeriodStart,
				PeriodEnd:   remote.PeriodEnd,
				Trial:       remote.Status == models.SubscriptionStatusTrial,
			}
		}
	}

	cancel := remote.CancelAtPeriodEnd
	return events.UpdateSubscription{
		Envelope:          env,
		Status:            remote.Status,
		Plan:              remotePlan,
		PlanImmediate:     true,
		PeriodStart:       remote.PeriodStart,
		PeriodEnd:         remote.PeriodEnd,
		CancelAtPeriodEnd: &cancel,
	}
}

func (j *Job) finish(ctx context.Context, run *models.ReconciliationRun, report *Report, runErr error) {
	finished := j.now().UTC()
	updates := map[string]interface{}{
		"finished_at": &finished,
		"checked":     report.Checked,
		"consistent":  report.Consistent,
		"corrected":   report.Corrected,
		"unreachable": report.Unreachable,
		"skipped":     report.Skipped,
		"failed":      report.Failed,
	}
	if runErr != nil {
		msg := runErr.Error()
		if r := []rune(strings.ToValidUTF8(msg, "")); len(r) > maxStoredMessage {
			msg = string(r[:maxStoredMessage])
		}
		updates["error_message"] = msg
	}
	if err := j.db.WithContext(context.WithoutCancel(ctx)).Model(run).Updates(updates).Error; err != nil {
		log.Errorf("[Reconcile] Recording run %s: %v", run.ID, err)
	}
}

// LastRun returns the most recently started run.
func (j *Job) LastRun(ctx context.Context) (*models.ReconciliationRun, error) {
	var run models.ReconciliationRun
	if err := j.db.WithContext(ctx).Order("started_at DESC").First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}
