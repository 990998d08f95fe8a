package verifier

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
)

// PatreonVerifier checks X-Patreon-Signature, a hex HMAC of the body.
type PatreonVerifier struct {
	cfg *config.PatreonConfig
}

func NewPatreonVerifier(cfg *config.PatreonConfig) *PatreonVerifier {
	return &PatreonVerifier{cfg: cfg}
}

func (v *PatreonVerifier) Provider() string { return models.BillingProviderPatreon }

func (v *PatreonVerifier) Verify(_ context.Context, rawBody []byte, headers Headers) (*VerifiedEvent, error) {
	sig := headers.Get(HeaderPatreonSignature)
	if sig == "" || headers.Get(HeaderPatreonEvent) == "" {
		return nil, reject(v.Provider(), ErrMissingHeader)
	}
	if !VerifyPatreonSignature(rawBody, sig, v.cfg.WebhookSecret) {
		return nil, reject(v.Provider(), ErrSignatureMismatch)
	}

	ev, err := decodeEnvelope(v.Provider(), rawBody, headers)
	if err != nil {
		return nil, reject(v.Provider(), err)
	}
	return ev, nil
}

// VerifyPatreonSignature accepts HMAC-MD5 as documented by Patreon and falls
// back to SHA256 for environments configured that way.
func VerifyPatreonSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}

	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	if verifyHMAC(payload, decodedSig, []byte(secret), md5.New) {
		return true
	}
	return verifyHMAC(payload, decodedSig, []byte(secret), sha256.New)
}

func verifyHMAC(payload, expectedSig, secret []byte, hashFunc func() hash.Hash) bool {
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}
