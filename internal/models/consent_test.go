package models

import (
	"errors"
	"testing"
	"time"
)

func newTestConsent(t *testing.T, retention string) GDPRConsent {
	t.Helper()
	c, err := NewConsent("C1", "P1", ConsentDataProcessing, "2.1", BasisConsent, "intake processing", []string{"health"}, retention)
	if err != nil {
		t.Fatalf("NewConsent error: %v", err)
	}
	return c
}

func TestConsentGrantRevokeLifecycle(t *testing.T) {
	c := newTestConsent(t, "3 years")
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if c.IsValid() {
		t.Fatalf("fresh consent must not be valid")
	}
	granted, err := c.Grant(now, "signed on tablet")
	if err != nil {
		t.Fatalf("Grant error: %v", err)
	}
	if !granted.IsValid() || granted.GrantedAt == nil || !granted.GrantedAt.Equal(now) {
		t.Fatalf("unexpected granted state: %+v", granted)
	}
	if len(granted.AuditLog) != 1 || granted.AuditLog[0].Action != "granted" {
		t.Fatalf("missing grant audit entry: %+v", granted.AuditLog)
	}
	// Original stays untouched.
	if c.Granted || len(c.AuditLog) != 0 {
		t.Fatalf("Grant mutated the receiver: %+v", c)
	}

	revoked, err := granted.Revoke(now.Add(time.Hour), "patient request")
	if err != nil {
		t.Fatalf("Revoke error: %v", err)
	}
	if revoked.IsValid() || revoked.RevokedAt == nil {
		t.Fatalf("unexpected revoked state: %+v", revoked)
	}
	if len(revoked.AuditLog) != 2 || revoked.AuditLog[1].Action != "revoked" {
		t.Fatalf("missing revoke audit entry: %+v", revoked.AuditLog)
	}
}

func TestConsentInvalidTransitions(t *testing.T) {
	c := newTestConsent(t, "3 years")
	now := time.Now().UTC()

	if _, err := c.Revoke(now, ""); !errors.Is(err, ErrConsentState) {
		t.Fatalf("revoke before grant: want ErrConsentState, got %v", err)
	}
	granted, err := c.Grant(now, "")
	if err != nil {
		t.Fatalf("Grant error: %v", err)
	}
	if _, err := granted.Grant(now, ""); !errors.Is(err, ErrConsentState) {
		t.Fatalf("double grant: want ErrConsentState, got %v", err)
	}
}

func TestConsentExpiration(t *testing.T) {
	grantTime := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		retention string
		want      time.Time
	}{
		{"3 years", time.Date(2028, 6, 1, 10, 0, 0, 0, time.UTC)},
		{"6 months", time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)},
		{"90 days", grantTime.AddDate(0, 0, 90)},
		{"whenever", time.Date(2028, 6, 1, 10, 0, 0, 0, time.UTC)}, // unparseable: 3-year default
		{"", time.Date(2028, 6, 1, 10, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		c := newTestConsent(t, tc.retention)
		if exp := c.ExpirationDate(); exp != nil {
			t.Fatalf("retention %q: expected nil expiry before grant, got %v", tc.retention, exp)
		}
		granted, err := c.Grant(grantTime, "")
		if err != nil {
			t.Fatalf("Grant error: %v", err)
		}
		exp := granted.ExpirationDate()
		if exp == nil || !exp.Equal(tc.want) {
			t.Fatalf("retention %q: expiry = %v, want %v", tc.retention, exp, tc.want)
		}
	}
}

func TestConsentIsExpired(t *testing.T) {
	granted, err := newTestConsent(t, "1 year").Grant(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), "")
	if err != nil {
		t.Fatalf("Grant error: %v", err)
	}
	if granted.IsExpired(time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("not yet expired")
	}
	if !granted.IsExpired(time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected expired one year after grant")
	}
	if newTestConsent(t, "1 year").IsExpired(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("ungranted consent never expires")
	}
}
