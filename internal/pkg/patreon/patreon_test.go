package patreon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
)

const memberPayload = `{
  "data": {
    "id": "mem_42",
    "type": "member",
    "attributes": {
      "patron_status": "active_patron",
      "last_charge_date": "2026-10-01T00:00:00Z",
      "next_charge_date": "2026-11-01T00:00:00Z",
      "currently_entitled_amount_cents": 500,
      "note": "vip user_id=17"
    },
    "relationships": {
      "user": {"data": {"id": "pu_9", "type": "user"}},
      "currently_entitled_tiers": {"data": [{"id": "tier_pro", "type": "tier"}]}
    }
  }
}`

func TestMembershipStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "active_patron", want: models.SubscriptionStatusActive},
		{in: "former_patron", want: models.SubscriptionStatusCancelled},
		{in: "declined_patron", want: ""},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		if got := MembershipStatus(tt.in); got != tt.want {
			t.Fatalf("MembershipStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseMember(t *testing.T) {
	m, err := ParseMember([]byte(memberPayload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.MemberID != "mem_42" || m.PatreonUserID != "pu_9" {
		t.Fatalf("unexpected ids: %+v", m)
	}
	if len(m.TierIDs) != 1 || m.TierIDs[0] != "tier_pro" {
		t.Fatalf("unexpected tiers: %v", m.TierIDs)
	}
	if m.NextChargeDate == nil || m.NextChargeDate.Month() != 11 {
		t.Fatalf("expected next charge date to be parsed, got %v", m.NextChargeDate)
	}
	if m.UserIDHint != "17" {
		t.Fatalf("expected user id hint 17, got %q", m.UserIDHint)
	}
}

func TestParseMemberRejectsOtherTypes(t *testing.T) {
	if _, err := ParseMember([]byte(`{"data":{"id":"x","type":"campaign"}}`)); err == nil {
		t.Fatalf("expected error for non-member payload")
	}
	if _, err := ParseMember([]byte(`{"data":{"type":"member"}}`)); err == nil {
		t.Fatalf("expected error for missing member id")
	}
}

func TestClientGetMember(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer creator-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/oauth2/v2/members/mem_42":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(memberPayload))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(&config.PatreonConfig{AccessToken: "creator-token", BaseURL: srv.URL})

	m, err := c.GetMember(context.Background(), "mem_42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.PatronStatus != StatusActivePatron {
		t.Fatalf("unexpected status %q", m.PatronStatus)
	}

	if _, err := c.GetMember(context.Background(), "mem_missing"); err != ErrMemberNotFound {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
}
