// Package patreon talks to the Patreon v2 API and decodes member webhooks.
package patreon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
)

var ErrMemberNotFound = errors.New("patreon member not found")

// Patron statuses reported on member resources.
const (
	StatusActivePatron   = "active_patron"
	StatusDeclinedPatron = "declined_patron"
	StatusFormerPatron   = "former_patron"
)

type Client struct {
	AccessToken string
	APIBaseURL  string
	HTTPClient  *http.Client
}

// Member is the subset of a member resource the service cares about.
type Member struct {
	MemberID       string
	PatreonUserID  string
	PatronStatus   string
	TierIDs        []string
	LastChargeDate *time.Time
	NextChargeDate *time.Time
	AmountCents    int64
	UserIDHint     string
}

func NewClient(cfg *config.PatreonConfig) *Client {
	return &Client{
		AccessToken: strings.TrimSpace(cfg.AccessToken),
		APIBaseURL:  strings.TrimRight(cfg.BaseURL, "/") + "/api/oauth2/v2",
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// GetMember fetches the current state of a membership with the creator token.
func (c *Client) GetMember(ctx context.Context, memberID string) (*Member, error) {
	if c.AccessToken == "" {
		return nil, errors.New("patreon creator access token is not configured")
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return nil, errors.New("member id is required")
	}

	u, err := url.Parse(c.APIBaseURL + "/members/" + url.PathEscape(memberID))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("include", "currently_entitled_tiers,user")
	q.Set("fields[member]", "patron_status,last_charge_date,next_charge_date,currently_entitled_amount_cents,note")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrMemberNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("patreon member request failed: status=%d", resp.StatusCode)
	}
	return ParseMember(body)
}

type relData struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type memberDocument struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			PatronStatus                 string     `json:"patron_status"`
			LastChargeDate               *time.Time `json:"last_charge_date"`
			NextChargeDate               *time.Time `json:"next_charge_date"`
			CurrentlyEntitledAmountCents int64      `json:"currently_entitled_amount_cents"`
			Note                         string     `json:"note"`
		} `json:"attributes"`
		Relationships struct {
			User struct {
				Data relData `json:"data"`
			} `json:"user"`
			CurrentlyEntitledTiers struct {
				Data []relData `json:"data"`
			} `json:"currently_entitled_tiers"`
		} `json:"relationships"`
	} `json:"data"`
	Included []struct {
		ID            string `json:"id"`
		Type          string `json:"type"`
		Relationships struct {
			CurrentlyEntitledTiers struct {
				Data []relData `json:"data"`
			} `json:"currently_entitled_tiers"`
		} `json:"relationships"`
	} `json:"included"`
}

// ParseMember decodes a member document, as sent by webhooks and returned by
// the members endpoint.
func ParseMember(payload []byte) (*Member, error) {
	var raw memberDocument
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	if raw.Data.Type != "" && raw.Data.Type != "member" {
		return nil, fmt.Errorf("unsupported patreon data type: %s", raw.Data.Type)
	}

	out := &Member{
		MemberID:       strings.TrimSpace(raw.Data.ID),
		PatreonUserID:  strings.TrimSpace(raw.Data.Relationships.User.Data.ID),
		PatronStatus:   strings.TrimSpace(raw.Data.Attributes.PatronStatus),
		LastChargeDate: raw.Data.Attributes.LastChargeDate,
		NextChargeDate: raw.Data.Attributes.NextChargeDate,
		AmountCents:    raw.Data.Attributes.CurrentlyEntitledAmountCents,
		UserIDHint:     noteUserID(raw.Data.Attributes.Note),
	}
	for _, td := range raw.Data.Relationships.CurrentlyEntitledTiers.Data {
		if tid := strings.TrimSpace(td.ID); tid != "" {
			out.TierIDs = append(out.TierIDs, tid)
		}
	}

	// some payload variants only expose tiers via included.member
	if len(out.TierIDs) == 0 && out.MemberID != "" {
		for _, inc := range raw.Included {
			if inc.Type != "member" || strings.TrimSpace(inc.ID) != out.MemberID {
				continue
			}
			for _, td := range inc.Relationships.CurrentlyEntitledTiers.Data {
				if tid := strings.TrimSpace(td.ID); tid != "" {
					out.TierIDs = append(out.TierIDs, tid)
				}
			}
			break
		}
	}

	if out.MemberID == "" {
		return nil, errors.New("patreon payload missing member id")
	}
	return out, nil
}

// noteUserID reads a "user_id=<n>" marker creators may put in the member note.
func noteUserID(note string) string {
	for _, part := range strings.Fields(note) {
		if v, ok := strings.CutPrefix(part, "user_id="); ok {
			return v
		}
	}
	return ""
}

// MembershipStatus maps a patron status onto a subscription status. An empty
// result means the status carries no lifecycle change (declined charges keep
// access until the period ends).
func MembershipStatus(patronStatus string) string {
	switch strings.ToLower(strings.TrimSpace(patronStatus)) {
	case StatusActivePatron:
		return models.SubscriptionStatusActive
	case StatusFormerPatron:
		return models.SubscriptionStatusCancelled
	default:
		return ""
	}
}
