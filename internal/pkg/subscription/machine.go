// Package subscription owns the per-user subscription row and the state
// machine that moves it between TRIAL, ACTIVE, CANCELLED and EXPIRED.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/events"
	"github.com/ManuelReschke/quotaledger/internal/pkg/metrics"
)

var (
	ErrNotFound               = errors.New("subscription not found")
	ErrConcurrentModification = errors.New("subscription modified concurrently")
	ErrIllegalTransition      = errors.New("illegal subscription transition")
)

const defaultMaxRetries = 5

// CustomerResolver maps a provider customer id to a local user. It returns
// zero when the customer is unknown.
type CustomerResolver interface {
	UserForCustomer(ctx context.Context, provider, customerID string) (uint, error)
}

// Result is the row after a command was applied.
type Result struct {
	Subscription *models.Subscription
	Changed      bool
	Linked       bool
}

type Machine struct {
	store      *Store
	customers  CustomerResolver
	metrics    *metrics.Metrics
	now        func() time.Time
	maxRetries int
}

type Option func(*Machine)

func WithCustomerResolver(r CustomerResolver) Option {
	return func(m *Machine) { m.customers = r }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithMaxRetries(n int) Option {
	return func(m *Machine) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

func NewMachine(store *Store, opts ...Option) *Machine {
	m := &Machine{
		store:      store,
		now:        time.Now,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Store() *Store {
	return m.store
}

type loader func(ctx context.Context) (sub *models.Subscription, link bool, err error)

// Apply runs cmd against the subscription it addresses. Unknown provider
// references are linked onto the hinted user's row; without a hint the
// command fails with ErrNotFound.
func (m *Machine) Apply(ctx context.Context, cmd events.Command) (*Result, error) {
	meta := cmd.Meta()
	res, err := m.run(ctx, cmd, func(ctx context.Context) (*models.Subscription, bool, error) {
		return m.locate(ctx, cmd)
	})
	switch {
	case errors.Is(err, ErrNotFound):
		m.metrics.SubscriptionCommand(cmd.Name(), "not_found")
	case err != nil:
		m.metrics.SubscriptionCommand(cmd.Name(), "error")
	case res.Changed:
		m.metrics.SubscriptionCommand(cmd.Name(), "changed")
		log.Infof("[Subscription] %s %s/%s applied to %s (status=%s plan=%s)",
			cmd.Name(), meta.Provider, meta.ProviderSubID, res.Subscription.ID, res.Subscription.Status, res.Subscription.Plan)
	default:
		m.metrics.SubscriptionCommand(cmd.Name(), "unchanged")
	}
	return res, err
}

// ApplyToUser runs cmd against the user's row regardless of provider
// references. Used for internal corrections.
func (m *Machine) ApplyToUser(ctx context.Context, userID uint, cmd events.Command) (*Result, error) {
	return m.run(ctx, cmd, func(ctx context.Context) (*models.Subscription, bool, error) {
		sub, err := m.store.EnsureForUser(ctx, userID)
		return sub, false, err
	})
}

func (m *Machine) run(ctx context.Context, cmd events.Command, load loader) (*Result, error) {
	meta := cmd.Meta()
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sub, link, err := load(ctx)
		if err != nil {
			return nil, err
		}

		next := *sub
		if link {
			next.SetProviderReference(meta.Provider, meta.ProviderSubID)
		}
		if err := apply(&next, cmd, m.now()); err != nil {
			return nil, err
		}

		updates := changes(sub, &next)
		if len(updates) == 0 {
			return &Result{Subscription: sub}, nil
		}
		ok, err := m.store.UpdateVersioned(ctx, sub.ID, sub.Version, updates)
		if err != nil {
			return nil, fmt.Errorf("update subscription %s: %w", sub.ID, err)
		}
		if ok {
			next.Version = sub.Version + 1
			return &Result{Subscription: &next, Changed: true, Linked: link}, nil
		}
		m.metrics.SubscriptionConflict()
		log.Debugf("[Subscription] version conflict on %s (attempt %d)", sub.ID, attempt+1)
	}
	return nil, fmt.Errorf("%w: %s/%s after %d attempts", ErrConcurrentModification, meta.Provider, meta.ProviderSubID, m.maxRetries+1)
}

func (m *Machine) locate(ctx context.Context, cmd events.Command) (*models.Subscription, bool, error) {
	meta := cmd.Meta()
	sub, err := m.store.FindByProviderRef(ctx, meta.Provider, meta.ProviderSubID)
	if err == nil {
		return sub, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	userID := meta.UserID
	if userID == 0 && meta.CustomerID != "" && m.customers != nil {
		userID, err = m.customers.UserForCustomer(ctx, meta.Provider, meta.CustomerID)
		if err != nil {
			return nil, false, err
		}
	}
	if userID == 0 {
		return nil, false, fmt.Errorf("%w: %s/%s", ErrNotFound, meta.Provider, meta.ProviderSubID)
	}

	sub, err = m.store.EnsureForUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	// a different reference for the same provider belongs to a replaced
	// subscription; only a new activation may take its place
	if existing := sub.ProviderReference(meta.Provider); existing != "" {
		if _, activation := cmd.(events.ActivateSubscription); !activation {
			return nil, false, fmt.Errorf("%w: %s/%s (user %d is linked to %s)", ErrNotFound, meta.Provider, meta.ProviderSubID, userID, existing)
		}
	}
	return sub, true, nil
}

// Current returns the user's subscription as it stands now. Rows whose
// period ran out with nothing left to renew them are expired on the way.
func (m *Machine) Current(ctx context.Context, userID uint) (*models.Subscription, error) {
	sub, err := m.store.EnsureForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if !ExpiryDue(sub, now) {
		return sub, nil
	}

	ts := *sub.PeriodEnd
	if sub.StatusChangedAt != nil && sub.StatusChangedAt.After(ts) {
		ts = *sub.StatusChangedAt
	}
	cmd := events.ExpireSubscription{Envelope: events.Envelope{
		EventType:  "lazy_expiry",
		OccurredAt: ts,
	}}
	res, err := m.run(ctx, cmd, func(ctx context.Context) (*models.Subscription, bool, error) {
		row, err := m.store.FindByID(ctx, sub.ID)
		return row, false, err
	})
	if err != nil {
		log.Warnf("[Subscription] lazy expiry of %s not persisted: %v", sub.ID, err)
		view := *sub
		view.Status = models.SubscriptionStatusExpired
		view.Plan = models.PlanFree
		return &view, nil
	}
	if res.Changed {
		log.Infof("[Subscription] %s expired lazily (period ended %s)", sub.ID, sub.PeriodEnd.Format(time.RFC3339))
	}
	return res.Subscription, nil
}
