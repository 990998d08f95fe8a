package events

import (
	"encoding/json"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/verifier"
)

type stripeEvent struct {
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type stripePrice struct {
	ID        string `json:"id"`
	LookupKey string `json:"lookup_key"`
	Product   string `json:"product"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price              stripePrice `json:"price"`
			CurrentPeriodStart int64       `json:"current_period_start"`
			CurrentPeriodEnd   int64       `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// period prefers the top-level fields and falls back to the first item,
// where newer API versions report them.
func (s *stripeSubscription) period() (int64, int64) {
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if (start == 0 || end == 0) && len(s.Items.Data) > 0 {
		start, end = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return start, end
}

func (s *stripeSubscription) planRef() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	p := s.Items.Data[0].Price
	if p.LookupKey != "" {
		return p.LookupKey
	}
	return p.ID
}

type stripeInvoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	Currency     string `json:"currency"`
	Created      int64  `json:"created"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

func decodeStripe(ev *verifier.VerifiedEvent) (Command, error) {
	var raw stripeEvent
	if err := json.Unmarshal(ev.Payload, &raw); err != nil {
		return nil, decodeErr(ev, err)
	}

	switch ev.EventType {
	case "checkout.session.completed":
		var s stripeCheckoutSession
		if err := json.Unmarshal(raw.Data.Object, &s); err != nil {
			return nil, decodeErr(ev, err)
		}
		if s.Mode != "subscription" || s.Subscription == "" {
			return nil, unhandled(ev)
		}
		env := envelopeOf(ev, s.Subscription)
		env.CustomerID = s.Customer
		env.UserID = parseUserID(s.ClientReferenceID)
		if env.UserID == 0 {
			env.UserID = parseUserID(s.Metadata["user_id"])
		}
		return ActivateSubscription{Envelope: env, PlanRef: s.Metadata["plan"]}, nil

	case "customer.subscription.created", "customer.subscription.updated",
		"customer.subscription.deleted", "customer.subscription.trial_will_end":
		var s stripeSubscription
		if err := json.Unmarshal(raw.Data.Object, &s); err != nil {
			return nil, decodeErr(ev, err)
		}
		return stripeSubscriptionCommand(ev, &s)

	case "invoice.payment_succeeded", "invoice.paid":
		var inv stripeInvoice
		if err := json.Unmarshal(raw.Data.Object, &inv); err != nil {
			return nil, decodeErr(ev, err)
		}
		subID := inv.Subscription
		if subID == "" {
			subID = inv.Parent.SubscriptionDetails.Subscription
		}
		if subID == "" {
			return nil, unhandled(ev)
		}
		env := envelopeOf(ev, subID)
		env.CustomerID = inv.Customer
		paidAt := inv.StatusTransitions.PaidAt
		if paidAt == 0 {
			paidAt = inv.Created
		}
		cmd := RecordPayment{Envelope: env, Amount: inv.AmountPaid, Currency: inv.Currency, PaidAt: ev.OccurredAt}
		if p := unixPtr(paidAt); p != nil {
			cmd.PaidAt = *p
		}
		return cmd, nil
	}
	return nil, unhandled(ev)
}

func stripeSubscriptionCommand(ev *verifier.VerifiedEvent, s *stripeSubscription) (Command, error) {
	env := envelopeOf(ev, s.ID)
	env.CustomerID = s.Customer
	env.UserID = parseUserID(s.Metadata["user_id"])
	start, end := s.period()

	switch ev.EventType {
	case "customer.subscription.deleted":
		return CancelSubscription{Envelope: env, Effective: CancelImmediately, PeriodEnd: unixPtr(end)}, nil
	case "customer.subscription.created":
		switch s.Status {
		case "active", "trialing":
			return ActivateSubscription{
				Envelope:    env,
				PlanRef:     s.planRef(),
				PeriodStart: unixPtr(start),
				PeriodEnd:   unixPtr(end),
				Trial:       s.Status == "trialing",
			}, nil
		}
		// incomplete subscriptions become active through a later update
		return nil, unhandled(ev)
	}

	// customer.subscription.updated / trial_will_end
	switch s.Status {
	case "canceled":
		return CancelSubscription{Envelope: env, Effective: CancelImmediately, PeriodEnd: unixPtr(end)}, nil
	case "incomplete_expired":
		return ExpireSubscription{Envelope: env}, nil
	case "incomplete":
		return nil, unhandled(ev)
	}
	return UpdateSubscription{
		Envelope:          env,
		Status:            StripeStatus(s.Status),
		PlanRef:           s.planRef(),
		PeriodStart:       unixPtr(start),
		PeriodEnd:         unixPtr(end),
		CancelAtPeriodEnd: boolPtr(s.CancelAtPeriodEnd),
	}, nil
}

// StripeStatus maps a Stripe subscription status to a lifecycle status, or
// "" when the status keeps the current one.
func StripeStatus(status string) string {
	switch status {
	case "active":
		return models.SubscriptionStatusActive
	case "trialing":
		return models.SubscriptionStatusTrial
	case "paused":
		return models.SubscriptionStatusCancelled
	}
	// past_due and unpaid keep access until the period ends
	return ""
}
