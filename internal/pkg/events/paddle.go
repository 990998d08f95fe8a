package events

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/verifier"
)

type paddleEvent struct {
	Data json.RawMessage `json:"data"`
}

type paddleSubscription struct {
	ID                   string         `json:"id"`
	Status               string         `json:"status"`
	CustomerID           string         `json:"customer_id"`
	CustomData           map[string]any `json:"custom_data"`
	CurrentBillingPeriod *struct {
		StartsAt *time.Time `json:"starts_at"`
		EndsAt   *time.Time `json:"ends_at"`
	} `json:"current_billing_period"`
	ScheduledChange *struct {
		Action      string     `json:"action"`
		EffectiveAt *time.Time `json:"effective_at"`
	} `json:"scheduled_change"`
	Items []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"items"`
}

func (s *paddleSubscription) period() (*time.Time, *time.Time) {
	if s.CurrentBillingPeriod == nil {
		return nil, nil
	}
	return timePtr(s.CurrentBillingPeriod.StartsAt), timePtr(s.CurrentBillingPeriod.EndsAt)
}

func (s *paddleSubscription) planRef() string {
	if len(s.Items) == 0 {
		return ""
	}
	return s.Items[0].Price.ID
}

type paddleTransaction struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	CustomerID     string         `json:"customer_id"`
	CurrencyCode   string         `json:"currency_code"`
	BilledAt       *time.Time     `json:"billed_at"`
	CustomData     map[string]any `json:"custom_data"`
	Details        struct {
		Totals struct {
			Total string `json:"total"`
		} `json:"totals"`
	} `json:"details"`
}

func customUserID(data map[string]any) uint {
	switch v := data["user_id"].(type) {
	case string:
		return parseUserID(v)
	case float64:
		if v > 0 {
			return uint(v)
		}
	}
	return 0
}

func decodePaddle(ev *verifier.VerifiedEvent) (Command, error) {
	var raw paddleEvent
	if err := json.Unmarshal(ev.Payload, &raw); err != nil {
		return nil, decodeErr(ev, err)
	}

	if strings.HasPrefix(ev.EventType, "transaction.") {
		if ev.EventType != "transaction.completed" {
			return nil, unhandled(ev)
		}
		var tx paddleTransaction
		if err := json.Unmarshal(raw.Data, &tx); err != nil {
			return nil, decodeErr(ev, err)
		}
		if tx.SubscriptionID == "" {
			return nil, unhandled(ev)
		}
		env := envelopeOf(ev, tx.SubscriptionID)
		env.CustomerID = tx.CustomerID
		env.UserID = customUserID(tx.CustomData)
		cmd := RecordPayment{Envelope: env, PaidAt: ev.OccurredAt, Currency: strings.ToLower(tx.CurrencyCode)}
		if p := timePtr(tx.BilledAt); p != nil {
			cmd.PaidAt = *p
		}
		// Paddle totals are already in minor units
		if n, err := strconv.ParseInt(strings.TrimSpace(tx.Details.Totals.Total), 10, 64); err == nil {
			cmd.Amount = n
		}
		return cmd, nil
	}

	if !strings.HasPrefix(ev.EventType, "subscription.") {
		return nil, unhandled(ev)
	}

	var s paddleSubscription
	if err := json.Unmarshal(raw.Data, &s); err != nil {
		return nil, decodeErr(ev, err)
	}
	env := envelopeOf(ev, s.ID)
	env.CustomerID = s.CustomerID
	env.UserID = customUserID(s.CustomData)
	start, end := s.period()

	switch ev.EventType {
	case "subscription.created", "subscription.activated":
		if s.Status != "active" && s.Status != "trialing" {
			return nil, unhandled(ev)
		}
		return ActivateSubscription{
			Envelope:    env,
			PlanRef:     s.planRef(),
			PeriodStart: start,
			PeriodEnd:   end,
			Trial:       s.Status == "trialing",
		}, nil
	case "subscription.canceled":
		return CancelSubscription{Envelope: env, Effective: CancelImmediately, PeriodEnd: end}, nil
	case "subscription.updated", "subscription.paused", "subscription.resumed", "subscription.past_due", "subscription.trialing":
		if s.Status == "canceled" {
			return CancelSubscription{Envelope: env, Effective: CancelImmediately, PeriodEnd: end}, nil
		}
		cancelScheduled := s.ScheduledChange != nil && s.ScheduledChange.Action == "cancel"
		return UpdateSubscription{
			Envelope:          env,
			Status:            PaddleStatus(s.Status),
			PlanRef:           s.planRef(),
			PeriodStart:       start,
			PeriodEnd:         end,
			CancelAtPeriodEnd: boolPtr(cancelScheduled),
		}, nil
	}
	return nil, unhandled(ev)
}

// PaddleStatus maps a Paddle subscription status to a lifecycle status, or
// "" when the status keeps the current one.
func PaddleStatus(status string) string {
	switch status {
	case "active":
		return models.SubscriptionStatusActive
	case "trialing":
		return models.SubscriptionStatusTrial
	case "paused":
		return models.SubscriptionStatusCancelled
	}
	return ""
}
