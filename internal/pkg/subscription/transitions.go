package subscription

import (
	"fmt"
	"time"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/entitlements"
	"github.com/ManuelReschke/quotaledger/internal/pkg/events"
)

// Every field group keeps the provider time of its last accepted write. A
// write is accepted when it is not older than that time, which makes the
// transitions below independent of delivery order and safe to repeat.

func accept(stored *time.Time, ts time.Time) bool {
	return stored == nil || !ts.Before(*stored)
}

func stamp(ts time.Time) *time.Time {
	return &ts
}

func setStatus(s *models.Subscription, status string, ts time.Time) bool {
	if !accept(s.StatusChangedAt, ts) {
		return false
	}
	s.Status = status
	s.StatusChangedAt = stamp(ts)
	return true
}

func setPlan(s *models.Subscription, plan string, ts time.Time) bool {
	if !accept(s.PlanChangedAt, ts) {
		return false
	}
	s.Plan = plan
	s.PendingPlan = ""
	s.PlanChangedAt = stamp(ts)
	return true
}

func setCancel(s *models.Subscription, flag bool, ts time.Time) bool {
	if !accept(s.CancelChangedAt, ts) {
		return false
	}
	s.CancelAtPeriodEnd = flag
	s.CancelChangedAt = stamp(ts)
	return true
}

// setPeriod writes new bounds and reports whether the period end moved
// forward. A missing start keeps the stored one when it still precedes end.
func setPeriod(s *models.Subscription, start, end *time.Time, ts time.Time) (bool, error) {
	if end == nil {
		return false, nil
	}
	st := start
	if st == nil {
		if s.PeriodStart != nil && s.PeriodStart.Before(*end) {
			st = s.PeriodStart
		} else {
			v := end.AddDate(0, -1, 0)
			st = &v
		}
	}
	if !end.After(*st) {
		return false, fmt.Errorf("%w: period end %s not after start %s", ErrIllegalTransition, end.Format(time.RFC3339), st.Format(time.RFC3339))
	}
	if !accept(s.PeriodChangedAt, ts) {
		return false, nil
	}
	moved := s.PeriodEnd == nil || end.After(*s.PeriodEnd)
	s.PeriodStart = stamp(st.UTC())
	s.PeriodEnd = stamp(end.UTC())
	s.PeriodChangedAt = stamp(ts)
	return moved, nil
}

func isCanonicalStatus(status string) bool {
	switch status {
	case models.SubscriptionStatusTrial, models.SubscriptionStatusActive,
		models.SubscriptionStatusCancelled, models.SubscriptionStatusExpired:
		return true
	}
	return false
}

// apply mutates s according to cmd. now is only used for commands that carry
// no provider time and for defaulting a missing billing period.
func apply(s *models.Subscription, cmd events.Command, now time.Time) error {
	ts := cmd.Meta().OccurredAt
	if ts.IsZero() {
		ts = now
	}
	ts = ts.UTC()

	switch c := cmd.(type) {
	case events.ActivateSubscription:
		return activate(s, c, ts, now)
	case events.CancelSubscription:
		return cancel(s, c, ts)
	case events.ExpireSubscription:
		expire(s, ts)
		return nil
	case events.UpdateSubscription:
		return update(s, c, ts)
	case events.RecordPayment:
		recordPayment(s, c)
		return nil
	}
	return fmt.Errorf("%w: unsupported command %T", ErrIllegalTransition, cmd)
}

func activate(s *models.Subscription, c events.ActivateSubscription, ts, now time.Time) error {
	status := models.SubscriptionStatusActive
	if c.Trial {
		status = models.SubscriptionStatusTrial
	}
	setStatus(s, status, ts)
	setCancel(s, false, ts)

	if c.PeriodEnd != nil {
		if _, err := setPeriod(s, c.PeriodStart, c.PeriodEnd, ts); err != nil {
			return err
		}
	} else if s.PeriodEnd == nil || !s.PeriodEnd.After(now) {
		start := ts
		if c.PeriodStart != nil {
			start = c.PeriodStart.UTC()
		}
		s.PeriodStart = stamp(start)
		s.PeriodEnd = stamp(start.AddDate(0, 1, 0))
		// a derived period carries no provider time, so any provider
		// supplied period replaces it regardless of order
		s.PeriodChangedAt = nil
	}

	if c.Plan != "" {
		setPlan(s, c.Plan, ts)
	}
	return nil
}

func cancel(s *models.Subscription, c events.CancelSubscription, ts time.Time) error {
	if c.Effective == events.CancelAtPeriodEnd {
		setCancel(s, true, ts)
		if c.PeriodEnd != nil && s.PeriodEnd == nil {
			if _, err := setPeriod(s, nil, c.PeriodEnd, ts); err != nil {
				return err
			}
		}
		return nil
	}
	setStatus(s, models.SubscriptionStatusCancelled, ts)
	setPlan(s, models.PlanFree, ts)
	return nil
}

func expire(s *models.Subscription, ts time.Time) {
	if !s.IsPaidLifecycle() {
		return
	}
	if setStatus(s, models.SubscriptionStatusExpired, ts) {
		setPlan(s, models.PlanFree, ts)
	}
}

func update(s *models.Subscription, c events.UpdateSubscription, ts time.Time) error {
	if c.Status != "" && !isCanonicalStatus(c.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, c.Status)
	}

	if c.Status != "" && setStatus(s, c.Status, ts) && !s.IsPaidLifecycle() {
		setPlan(s, models.PlanFree, ts)
	}

	moved, err := setPeriod(s, c.PeriodStart, c.PeriodEnd, ts)
	if err != nil {
		return err
	}

	if c.CancelAtPeriodEnd != nil {
		setCancel(s, *c.CancelAtPeriodEnd, ts)
	}

	switch {
	case c.Plan == "" || !s.IsPaidLifecycle():
	case c.Plan == s.Plan:
		if accept(s.PlanChangedAt, ts) {
			s.PendingPlan = ""
		}
	case entitlements.IsDowngrade(s.Plan, c.Plan) && !c.PlanImmediate && !moved:
		// takes effect at the next renewal
		if accept(s.PlanChangedAt, ts) {
			s.PendingPlan = c.Plan
		}
	default:
		setPlan(s, c.Plan, ts)
	}

	if moved && s.PendingPlan != "" {
		setPlan(s, s.PendingPlan, ts)
	}
	return nil
}

func recordPayment(s *models.Subscription, c events.RecordPayment) {
	paidAt := c.PaidAt.UTC()
	if s.LastPaymentAt != nil && !paidAt.After(*s.LastPaymentAt) {
		return
	}
	s.LastPaymentAt = stamp(paidAt)
	s.LastPaymentAmount = c.Amount
	s.LastPaymentCurrency = c.Currency
}

// ExpiryDue reports whether a paid row has run past its period with nothing
// left to renew it: a cancellation was scheduled, or a trial never converted.
func ExpiryDue(s *models.Subscription, now time.Time) bool {
	if !s.IsPaidLifecycle() || s.PeriodEnd == nil || !now.After(*s.PeriodEnd) {
		return false
	}
	return s.CancelAtPeriodEnd || s.Status == models.SubscriptionStatusTrial
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// changes lists the columns that differ between prev and next.
func changes(prev, next *models.Subscription) map[string]interface{} {
	u := map[string]interface{}{}
	if prev.Plan != next.Plan {
		u["plan"] = next.Plan
	}
	if prev.PendingPlan != next.PendingPlan {
		u["pending_plan"] = next.PendingPlan
	}
	if prev.Status != next.Status {
		u["status"] = next.Status
	}
	if prev.CancelAtPeriodEnd != next.CancelAtPeriodEnd {
		u["cancel_at_period_end"] = next.CancelAtPeriodEnd
	}
	if prev.LastPaymentAmount != next.LastPaymentAmount {
		u["last_payment_amount"] = next.LastPaymentAmount
	}
	if prev.LastPaymentCurrency != next.LastPaymentCurrency {
		u["last_payment_currency"] = next.LastPaymentCurrency
	}

	times := []struct {
		col  string
		a, b *time.Time
	}{
		{"period_start", prev.PeriodStart, next.PeriodStart},
		{"period_end", prev.PeriodEnd, next.PeriodEnd},
		{"status_changed_at", prev.StatusChangedAt, next.StatusChangedAt},
		{"plan_changed_at", prev.PlanChangedAt, next.PlanChangedAt},
		{"period_changed_at", prev.PeriodChangedAt, next.PeriodChangedAt},
		{"cancel_changed_at", prev.CancelChangedAt, next.CancelChangedAt},
		{"last_payment_at", prev.LastPaymentAt, next.LastPaymentAt},
	}
	for _, t := range times {
		if !sameTime(t.a, t.b) {
			u[t.col] = t.b
		}
	}

	refs := []struct {
		col  string
		a, b *string
	}{
		{"stripe_subscription_id", prev.StripeSubscriptionID, next.StripeSubscriptionID},
		{"paypal_subscription_id", prev.PaypalSubscriptionID, next.PaypalSubscriptionID},
		{"paddle_subscription_id", prev.PaddleSubscriptionID, next.PaddleSubscriptionID},
		{"patreon_member_id", prev.PatreonMemberID, next.PatreonMemberID},
	}
	for _, r := range refs {
		if !sameRef(r.a, r.b) {
			u[r.col] = r.b
		}
	}
	return u
}
