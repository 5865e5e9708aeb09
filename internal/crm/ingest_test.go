package crm

import (
	"testing"
	"time"

	"leadrouter_backend/platform/apperr"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"contactId":"c-1"}`)
	secret := "tenant-secret"

	if !VerifySignature(secret, body, Sign(secret, body)) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(secret, body, Sign("other-secret", body)) {
		t.Error("wrong-secret signature accepted")
	}
	if VerifySignature(secret, []byte(`{"contactId":"c-2"}`), Sign(secret, body)) {
		t.Error("signature for different body accepted")
	}
	if VerifySignature(secret, body, "") {
		t.Error("empty signature accepted")
	}
}

func TestParseEnvelope(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	t.Run("valid", func(t *testing.T) {
		body := []byte(`{"id":"evt-9","type":"InboundMessage","contactId":"c-1","channel":"sms","phone":"(212) 867-5309","body":"hello","timestamp":"2026-04-01T11:58:00Z"}`)
		msg, err := ParseEnvelope("loc-1", body, window, now)
		if err != nil {
			t.Fatalf("ParseEnvelope() error = %v", err)
		}
		if msg.EventKey != "evt-9" {
			t.Errorf("EventKey = %q, want event id", msg.EventKey)
		}
		if msg.Phone != "+12128675309" {
			t.Errorf("Phone = %q, want normalized E.164", msg.Phone)
		}
		if msg.ContactID != "c-1" || msg.TenantID != "loc-1" {
			t.Errorf("identity fields wrong: %+v", msg)
		}
	})

	t.Run("derived key without event id", func(t *testing.T) {
		body := []byte(`{"type":"InboundMessage","contactId":"c-1","timestamp":"2026-04-01T11:58:00Z"}`)
		first, err := ParseEnvelope("loc-1", body, window, now)
		if err != nil {
			t.Fatalf("ParseEnvelope() error = %v", err)
		}
		second, _ := ParseEnvelope("loc-1", body, window, now)
		if first.EventKey == "" || first.EventKey != second.EventKey {
			t.Errorf("derived key not stable: %q vs %q", first.EventKey, second.EventKey)
		}
	})

	t.Run("outside freshness window", func(t *testing.T) {
		body := []byte(`{"id":"evt-1","contactId":"c-1","timestamp":"2026-04-01T11:00:00Z"}`)
		_, err := ParseEnvelope("loc-1", body, window, now)
		if !apperr.Is(err, apperr.KindStale) {
			t.Errorf("error = %v, want stale", err)
		}
	})

	t.Run("missing contact", func(t *testing.T) {
		body := []byte(`{"id":"evt-1","timestamp":"2026-04-01T11:58:00Z"}`)
		_, err := ParseEnvelope("loc-1", body, window, now)
		if !apperr.Is(err, apperr.KindBadRequest) {
			t.Errorf("error = %v, want bad request", err)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := ParseEnvelope("loc-1", []byte("{"), window, now)
		if !apperr.Is(err, apperr.KindBadRequest) {
			t.Errorf("error = %v, want bad request", err)
		}
	})
}
