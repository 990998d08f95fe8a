package events

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/verifier"
)

var (
	// ErrUnhandledEvent is returned for event types with no command. Callers
	// acknowledge these.
	ErrUnhandledEvent = errors.New("unhandled event type")
	ErrDecode         = errors.New("event payload could not be decoded")
)

type decoder func(ev *verifier.VerifiedEvent) (Command, error)

// Router maps provider event types to commands.
type Router struct {
	decoders map[string]decoder
}

func NewRouter() *Router {
	return &Router{
		decoders: map[string]decoder{
			models.BillingProviderStripe:  decodeStripe,
			models.BillingProviderPaddle:  decodePaddle,
			models.BillingProviderPaypal:  decodePaypal,
			models.BillingProviderPatreon: decodePatreon,
		},
	}
}

// Route decodes ev once into a typed command. ErrUnhandledEvent means the
// event is acknowledged without action.
func (r *Router) Route(ev *verifier.VerifiedEvent) (Command, error) {
	dec, ok := r.decoders[ev.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s", ErrUnhandledEvent, ev.Provider)
	}
	cmd, err := dec(ev)
	if errors.Is(err, ErrUnhandledEvent) {
		log.Infof("[EventRouter] %s event %s of type %q acknowledged without action", ev.Provider, ev.EventID, ev.EventType)
	}
	return cmd, err
}

func envelopeOf(ev *verifier.VerifiedEvent, subID string) Envelope {
	return Envelope{
		Provider:      ev.Provider,
		ProviderSubID: strings.TrimSpace(subID),
		EventID:       ev.EventID,
		EventType:     ev.EventType,
		OccurredAt:    ev.OccurredAt,
	}
}

func unhandled(ev *verifier.VerifiedEvent) error {
	return fmt.Errorf("%w: %s", ErrUnhandledEvent, ev.EventType)
}

func decodeErr(ev *verifier.VerifiedEvent, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrDecode, ev.Provider, ev.EventType, err)
}

func parseUserID(s string) uint {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return uint(n)
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func rfc3339Ptr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func timePtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func boolPtr(b bool) *bool { return &b }

// parseMinorUnits converts a decimal amount string ("12.50") into minor units.
func parseMinorUnits(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	whole, frac, _ := strings.Cut(s, ".")
	frac = (frac + "00")[:2]
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0
	}
	if strings.HasPrefix(whole, "-") {
		return w*100 - f
	}
	return w*100 + f
}
