package events

import (
	"encoding/json"
	"strings"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/verifier"
)

type paypalEvent struct {
	Resource json.RawMessage `json:"resource"`
}

type paypalSubscription struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	PlanID      string `json:"plan_id"`
	CustomID    string `json:"custom_id"`
	StartTime   string `json:"start_time"`
	BillingInfo struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     struct {
			Time string `json:"time"`
		} `json:"last_payment"`
	} `json:"billing_info"`
	Subscriber struct {
		PayerID string `json:"payer_id"`
	} `json:"subscriber"`
}

func (s *paypalSubscription) periodStart() string {
	if s.BillingInfo.LastPayment.Time != "" {
		return s.BillingInfo.LastPayment.Time
	}
	return s.StartTime
}

type paypalSale struct {
	ID                 string `json:"id"`
	BillingAgreementID string `json:"billing_agreement_id"`
	CustomID           string `json:"custom"`
	CreateTime         string `json:"create_time"`
	Amount             struct {
		Total    string `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func decodePaypal(ev *verifier.VerifiedEvent) (Command, error) {
	var raw paypalEvent
	if err := json.Unmarshal(ev.Payload, &raw); err != nil {
		return nil, decodeErr(ev, err)
	}

	if ev.EventType == "PAYMENT.SALE.COMPLETED" {
		var sale paypalSale
		if err := json.Unmarshal(raw.Resource, &sale); err != nil {
			return nil, decodeErr(ev, err)
		}
		if sale.BillingAgreementID == "" {
			return nil, unhandled(ev)
		}
		env := envelopeOf(ev, sale.BillingAgreementID)
		env.UserID = parseUserID(sale.CustomID)
		cmd := RecordPayment{
			Envelope: env,
			PaidAt:   ev.OccurredAt,
			Amount:   parseMinorUnits(sale.Amount.Total),
			Currency: strings.ToLower(sale.Amount.Currency),
		}
		if p := rfc3339Ptr(sale.CreateTime); p != nil {
			cmd.PaidAt = *p
		}
		return cmd, nil
	}

	if !strings.HasPrefix(ev.EventType, "BILLING.SUBSCRIPTION.") {
		return nil, unhandled(ev)
	}

	var s paypalSubscription
	if err := json.Unmarshal(raw.Resource, &s); err != nil {
		return nil, decodeErr(ev, err)
	}
	env := envelopeOf(ev, s.ID)
	env.UserID = parseUserID(s.CustomID)
	env.CustomerID = s.Subscriber.PayerID
	periodEnd := rfc3339Ptr(s.BillingInfo.NextBillingTime)

	switch ev.EventType {
	case "BILLING.SUBSCRIPTION.ACTIVATED":
		return ActivateSubscription{
			Envelope:    env,
			PlanRef:     s.PlanID,
			PeriodStart: rfc3339Ptr(s.periodStart()),
			PeriodEnd:   periodEnd,
		}, nil
	case "BILLING.SUBSCRIPTION.UPDATED", "BILLING.SUBSCRIPTION.RE-ACTIVATED":
		return UpdateSubscription{
			Envelope:    env,
			Status:      PaypalStatus(s.Status),
			PlanRef:     s.PlanID,
			PeriodStart: rfc3339Ptr(s.periodStart()),
			PeriodEnd:   periodEnd,
		}, nil
	case "BILLING.SUBSCRIPTION.CANCELLED":
		return CancelSubscription{Envelope: env, Effective: CancelAtPeriodEnd, PeriodEnd: periodEnd}, nil
	case "BILLING.SUBSCRIPTION.SUSPENDED":
		return CancelSubscription{Envelope: env, Effective: CancelImmediately}, nil
	case "BILLING.SUBSCRIPTION.EXPIRED":
		return ExpireSubscription{Envelope: env}, nil
	}
	return nil, unhandled(ev)
}

// PaypalStatus maps a PayPal subscription status to a lifecycle status.
func PaypalStatus(status string) string {
	switch strings.ToUpper(status) {
	case "ACTIVE":
		return models.SubscriptionStatusActive
	case "SUSPENDED", "CANCELLED":
		return models.SubscriptionStatusCancelled
	case "EXPIRED":
		return models.SubscriptionStatusExpired
	}
	return ""
}
