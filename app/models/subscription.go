package models

import "time"

const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

const (
	SubscriptionStatusTrial     = "trial"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"
)

// Subscription is the single billing record owned by a user. Rows are never
// hard-deleted; a lapsed subscription is downgraded to FREE instead.
//
// The *ChangedAt columns hold the provider timestamp of the last accepted write
// for each field group and are used to discard events that arrive out of order.
type Subscription struct {
	ID                   string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID               uint       `gorm:"not null;uniqueIndex:ux_subscriptions_user" json:"user_id"`
	Plan                 string     `gorm:"type:varchar(20);not null;default:'free';index" json:"plan"`
	PendingPlan          string     `gorm:"type:varchar(20);not null;default:''" json:"pending_plan,omitempty"`
	Status               string     `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	PeriodStart          *time.Time `gorm:"default:null" json:"period_start,omitempty"`
	PeriodEnd            *time.Time `gorm:"default:null;index" json:"period_end,omitempty"`
	CancelAtPeriodEnd    bool       `gorm:"not null;default:false" json:"cancel_at_period_end"`
	StripeSubscriptionID *string    `gorm:"type:varchar(191);uniqueIndex:ux_subscriptions_stripe" json:"stripe_subscription_id,omitempty"`
	PaypalSubscriptionID *string    `gorm:"type:varchar(191);uniqueIndex:ux_subscriptions_paypal" json:"paypal_subscription_id,omitempty"`
	PaddleSubscriptionID *string    `gorm:"type:varchar(191);uniqueIndex:ux_subscriptions_paddle" json:"paddle_subscription_id,omitempty"`
	PatreonMemberID      *string    `gorm:"type:varchar(191);uniqueIndex:ux_subscriptions_patreon" json:"patreon_member_id,omitempty"`
	StatusChangedAt      *time.Time `gorm:"default:null" json:"-"`
	PlanChangedAt        *time.Time `gorm:"default:null" json:"-"`
	PeriodChangedAt      *time.Time `gorm:"default:null" json:"-"`
	CancelChangedAt      *time.Time `gorm:"default:null" json:"-"`
	LastPaymentAt        *time.Time `gorm:"default:null" json:"last_payment_at,omitempty"`
	LastPaymentAmount    int64      `gorm:"not null;default:0" json:"last_payment_amount"`
	LastPaymentCurrency  string     `gorm:"type:varchar(8);not null;default:''" json:"last_payment_currency"`
	Version              int64      `gorm:"not null;default:1" json:"-"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProviderReferenceColumn returns the column holding the external
// subscription id for a provider.
func ProviderReferenceColumn(provider string) (string, bool) {
	switch provider {
	case BillingProviderStripe:
		return "stripe_subscription_id", true
	case BillingProviderPaypal:
		return "paypal_subscription_id", true
	case BillingProviderPaddle:
		return "paddle_subscription_id", true
	case BillingProviderPatreon:
		return "patreon_member_id", true
	}
	return "", false
}

// ProviderReference returns the external id stored for provider, or "".
func (s *Subscription) ProviderReference(provider string) string {
	var ref *string
	switch provider {
	case BillingProviderStripe:
		ref = s.StripeSubscriptionID
	case BillingProviderPaypal:
		ref = s.PaypalSubscriptionID
	case BillingProviderPaddle:
		ref = s.PaddleSubscriptionID
	case BillingProviderPatreon:
		ref = s.PatreonMemberID
	}
	if ref == nil {
		return ""
	}
	return *ref
}

// SetProviderReference stores ref as the external id for provider.
func (s *Subscription) SetProviderReference(provider, ref string) {
	v := &ref
	if ref == "" {
		v = nil
	}
	switch provider {
	case BillingProviderStripe:
		s.StripeSubscriptionID = v
	case BillingProviderPaypal:
		s.PaypalSubscriptionID = v
	case BillingProviderPaddle:
		s.PaddleSubscriptionID = v
	case BillingProviderPatreon:
		s.PatreonMemberID = v
	}
}

// ProviderReferences lists every non-empty provider reference on the row.
func (s *Subscription) ProviderReferences() map[string]string {
	out := make(map[string]string, 4)
	for _, p := range BillingProviders {
		if ref := s.ProviderReference(p); ref != "" {
			out[p] = ref
		}
	}
	return out
}

// IsPaidLifecycle reports whether the row currently grants paid access.
func (s *Subscription) IsPaidLifecycle() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusTrial
}

// EffectivePlan is the plan that governs quota right now. Cancelled and
// expired rows fall back to FREE regardless of the stored plan.
func (s *Subscription) EffectivePlan() string {
	if !s.IsPaidLifecycle() || s.Plan == "" {
		return PlanFree
	}
	return s.Plan
}
