package crm

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"leadrouter_backend/internal/leads"
	"leadrouter_backend/platform/apperr"
	"leadrouter_backend/platform/phone"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw request
// body, keyed with the tenant's webhook secret.
const SignatureHeader = "X-Webhook-Signature"

// Envelope is the CRM's webhook payload for an inbound contact message.
type Envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	LocationID string    `json:"locationId"`
	ContactID  string    `json:"contactId"`
	Channel    string    `json:"channel"`
	Phone      string    `json:"phone"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

// VerifySignature checks the webhook HMAC over the raw body. The compare is
// constant time; a failed check must never reach business logic.
func VerifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Sign computes the webhook signature for a body. Used by tests and by the
// CRM's delivery side.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseEnvelope decodes and validates a verified webhook body. Deliveries
// older than the freshness window are rejected before deduplication so a
// replayed capture cannot burn ledger entries.
func ParseEnvelope(tenantID string, body []byte, freshness time.Duration, now time.Time) (leads.InboundMessage, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return leads.InboundMessage{}, apperr.BadRequest("malformed webhook payload")
	}
	if env.ContactID == "" {
		return leads.InboundMessage{}, apperr.BadRequest("missing contactId")
	}
	if env.Timestamp.IsZero() {
		return leads.InboundMessage{}, apperr.BadRequest("missing timestamp")
	}
	if freshness > 0 && now.Sub(env.Timestamp) > freshness {
		return leads.InboundMessage{}, apperr.Stale(
			fmt.Sprintf("delivery older than freshness window (%s)", freshness))
	}

	return leads.InboundMessage{
		TenantID:   tenantID,
		ContactID:  env.ContactID,
		EventKey:   eventKey(env),
		Channel:    env.Channel,
		Phone:      phone.NormalizeE164(env.Phone),
		Body:       env.Body,
		OccurredAt: env.Timestamp,
	}, nil
}

// eventKey derives the idempotency key: the CRM's event id when present,
// otherwise a digest of the identifying fields.
func eventKey(env Envelope) string {
	if env.ID != "" {
		return env.ID
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", env.ContactID, env.Type, env.Timestamp.UnixNano())))
	return hex.EncodeToString(sum[:])
}
