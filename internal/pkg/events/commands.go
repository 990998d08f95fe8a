// Package events turns verified provider deliveries into typed subscription
// commands.
package events

import "time"

// Envelope carries the identity shared by every command.
type Envelope struct {
	Provider      string
	ProviderSubID string
	EventID       string
	EventType     string
	// OccurredAt is the provider's event time and orders conflicting writes.
	OccurredAt time.Time

	// Optional attribution hints from metadata.
	UserID     uint
	CustomerID string
}

func (e Envelope) Meta() Envelope { return e }

func (Envelope) command() {}

// Command is one of the typed commands below.
type Command interface {
	Meta() Envelope
	Name() string
	command()
}

type ActivateSubscription struct {
	Envelope
	// PlanRef is the provider price/tier reference; Plan is the resolved
	// internal plan and is filled in before the command is applied.
	PlanRef     string
	Plan        string
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Trial       bool
}

func (ActivateSubscription) Name() string { return "activate" }

// CancelEffect tells when a cancellation removes access.
type CancelEffect int

const (
	CancelAtPeriodEnd CancelEffect = iota
	CancelImmediately
)

func (e CancelEffect) String() string {
	if e == CancelImmediately {
		return "immediate"
	}
	return "period_end"
}

type CancelSubscription struct {
	Envelope
	Effective CancelEffect
	PeriodEnd *time.Time
}

func (CancelSubscription) Name() string { return "cancel" }

type ExpireSubscription struct {
	Envelope
}

func (ExpireSubscription) Name() string { return "expire" }

type UpdateSubscription struct {
	Envelope
	// Status is a canonical subscription status; empty leaves it unchanged.
	Status            string
	PlanRef           string
	Plan              string
	PlanImmediate     bool
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd *bool
}

func (UpdateSubscription) Name() string { return "update" }

type RecordPayment struct {
	Envelope
	PaidAt   time.Time
	Amount   int64
	Currency string
}

func (RecordPayment) Name() string { return "record_payment" }

// WithPlan returns cmd with its resolved plan set, for the commands that
// carry one.
func WithPlan(cmd Command, plan string) Command {
	switch c := cmd.(type) {
	case ActivateSubscription:
		c.Plan = plan
		return c
	case UpdateSubscription:
		c.Plan = plan
		return c
	}
	return cmd
}

// PlanRef returns the provider plan reference carried by cmd, if any.
func PlanRef(cmd Command) string {
	switch c := cmd.(type) {
	case ActivateSubscription:
		return c.PlanRef
	case UpdateSubscription:
		return c.PlanRef
	}
	return ""
}

// ResolvedPlan returns the internal plan already set on cmd, if any.
func ResolvedPlan(cmd Command) string {
	switch c := cmd.(type) {
	case ActivateSubscription:
		return c.Plan
	case UpdateSubscription:
		return c.Plan
	}
	return ""
}
