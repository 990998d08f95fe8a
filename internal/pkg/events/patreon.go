package events

import (
	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/patreon"
	"github.com/ManuelReschke/quotaledger/internal/pkg/verifier"
)

func decodePatreon(ev *verifier.VerifiedEvent) (Command, error) {
	switch ev.EventType {
	case "members:create", "members:update", "members:delete",
		"members:pledge:create", "members:pledge:update", "members:pledge:delete":
	default:
		return nil, unhandled(ev)
	}

	m, err := patreon.ParseMember(ev.Payload)
	if err != nil {
		return nil, decodeErr(ev, err)
	}

	env := envelopeOf(ev, m.MemberID)
	env.CustomerID = m.PatreonUserID
	env.UserID = parseUserID(m.UserIDHint)

	planRef := ""
	if len(m.TierIDs) > 0 {
		planRef = m.TierIDs[0]
	}
	start, end := timePtr(m.LastChargeDate), timePtr(m.NextChargeDate)

	switch ev.EventType {
	case "members:delete", "members:pledge:delete":
		return CancelSubscription{Envelope: env, Effective: CancelImmediately}, nil
	case "members:create", "members:pledge:create":
		if m.PatronStatus != patreon.StatusActivePatron {
			return nil, unhandled(ev)
		}
		return ActivateSubscription{Envelope: env, PlanRef: planRef, PeriodStart: start, PeriodEnd: end}, nil
	}

	switch patreon.MembershipStatus(m.PatronStatus) {
	case models.SubscriptionStatusCancelled:
		return CancelSubscription{Envelope: env, Effective: CancelImmediately}, nil
	case models.SubscriptionStatusActive:
		return UpdateSubscription{
			Envelope:    env,
			Status:      models.SubscriptionStatusActive,
			PlanRef:     planRef,
			PeriodStart: start,
			PeriodEnd:   end,
		}, nil
	}
	// declined charge: nothing changes until the period runs out
	return UpdateSubscription{Envelope: env, PeriodStart: start, PeriodEnd: end}, nil
}
