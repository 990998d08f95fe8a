package models

import "time"

const (
	BillingProviderStripe  = "stripe"
	BillingProviderPaypal  = "paypal"
	BillingProviderPaddle  = "paddle"
	BillingProviderPatreon = "patreon"
)

// BillingProviders is the closed set of providers with a webhook endpoint.
var BillingProviders = []string{
	BillingProviderStripe,
	BillingProviderPaypal,
	BillingProviderPaddle,
	BillingProviderPatreon,
}

// IsBillingProvider reports whether p names a supported provider.
func IsBillingProvider(p string) bool {
	for _, known := range BillingProviders {
		if known == p {
			return true
		}
	}
	return false
}

// BillingAccount links a provider customer id to a local user so that events
// which only carry the customer (invoices, payments) can be attributed.
type BillingAccount struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UserID            uint      `gorm:"not null;index:ux_billing_accounts_user_provider,unique,priority:1" json:"user_id"`
	Provider          string    `gorm:"type:varchar(20);not null;index:ux_billing_accounts_user_provider,unique,priority:2;index:ux_billing_accounts_provider_account,unique,priority:1" json:"provider"`
	ProviderAccountID string    `gorm:"type:varchar(191);not null;index:ux_billing_accounts_provider_account,unique,priority:2" json:"provider_account_id"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
