package models

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ConsentType is a named category of data-processing purpose, tracked
// and audited independently per patient.
type ConsentType string

const (
	ConsentDataProcessing   ConsentType = "data_processing"
	ConsentDataStorage      ConsentType = "data_storage"
	ConsentGDTExport        ConsentType = "gdt_export"
	ConsentOCRProcessing    ConsentType = "ocr_processing"
	ConsentVoiceRecognition ConsentType = "voice_recognition"
	ConsentAnalytics        ConsentType = "analytics"
)

// LegalBasis maps to GDPR Art. 6(1) lit a-f.
type LegalBasis string

const (
	BasisConsent             LegalBasis = "consent"
	BasisContract            LegalBasis = "contract"
	BasisLegalObligation     LegalBasis = "legal_obligation"
	BasisVitalInterests      LegalBasis = "vital_interests"
	BasisPublicInterest      LegalBasis = "public_interest"
	BasisLegitimateInterests LegalBasis = "legitimate_interests"
)

// ConsentAuditEntry is one line of a consent's audit trail.
type ConsentAuditEntry struct {
	Action    string    `json:"action"` // granted | revoked
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// ErrConsentState marks grant/revoke calls that are invalid in the
// consent's current state. These indicate a workflow bug in the caller,
// not a runtime data condition.
var ErrConsentState = errors.New("invalid consent state transition")

// retentionPattern accepts strings like "3 years", "6 months", "90 days".
var retentionPattern = regexp.MustCompile(`(?i)(\d+)\s*(year|month|day)s?`)

const defaultRetentionYears = 3

// GDPRConsent tracks one consent category for one patient. Created
// ungranted; Grant and Revoke are pure transitions returning new
// instances with an appended audit entry.
type GDPRConsent struct {
	ID                   string              `json:"id"`
	PatientID            string              `json:"patient_id"`
	Type                 ConsentType         `json:"type"`
	Granted              bool                `json:"granted"`
	GrantedAt            *time.Time          `json:"granted_at,omitempty"`
	RevokedAt            *time.Time          `json:"revoked_at,omitempty"`
	PrivacyPolicyVersion string              `json:"privacy_policy_version"`
	LegalBasis           LegalBasis          `json:"legal_basis"`
	Purpose              string              `json:"purpose"`
	DataCategories       []string            `json:"data_categories"`
	Recipients           []string            `json:"recipients,omitempty"`
	RetentionPeriod      string              `json:"retention_period"` // e.g. "3 years"
	AuditLog             []ConsentAuditEntry `json:"audit_log"`
}

// NewConsent creates an ungranted consent record.
func NewConsent(id, patientID string, typ ConsentType, policyVersion string, basis LegalBasis, purpose string, categories []string, retention string) (GDPRConsent, error) {
	if id == "" || patientID == "" {
		return GDPRConsent{}, errors.New("consent id and patient id required")
	}
	if typ == "" {
		return GDPRConsent{}, errors.New("consent type required")
	}
	if basis == "" {
		basis = BasisConsent
	}
	return GDPRConsent{
		ID:                   id,
		PatientID:            patientID,
		Type:                 typ,
		Granted:              false,
		PrivacyPolicyVersion: policyVersion,
		LegalBasis:           basis,
		Purpose:              purpose,
		DataCategories:       append([]string(nil), categories...),
		RetentionPeriod:      retention,
		AuditLog:             []ConsentAuditEntry{},
	}, nil
}

// Grant returns a granted copy. Granting an already-granted consent is
// a caller bug and fails with ErrConsentState.
func (c GDPRConsent) Grant(now time.Time, note string) (GDPRConsent, error) {
	if c.Granted {
		return GDPRConsent{}, ErrConsentState
	}
	next := c
	next.Granted = true
	t := now
	next.GrantedAt = &t
	next.RevokedAt = nil
	next.AuditLog = appendConsentAudit(c.AuditLog, "granted", now, note)
	return next, nil
}

// Revoke returns a revoked copy. Revoking a consent that is not
// currently granted fails with ErrConsentState.
func (c GDPRConsent) Revoke(now time.Time, note string) (GDPRConsent, error) {
	if !c.Granted {
		return GDPRConsent{}, ErrConsentState
	}
	next := c
	next.Granted = false
	t := now
	next.RevokedAt = &t
	next.AuditLog = appendConsentAudit(c.AuditLog, "revoked", now, note)
	return next, nil
}

// IsValid reports whether the consent is active: granted with no
// revocation recorded.
func (c GDPRConsent) IsValid() bool {
	return c.Granted && c.RevokedAt == nil
}

// ExpirationDate computes grant time plus the parsed retention period.
// It returns nil before any grant; that is not an error.
func (c GDPRConsent) ExpirationDate() *time.Time {
	if c.GrantedAt == nil {
		return nil
	}
	exp := addRetention(*c.GrantedAt, c.RetentionPeriod)
	return &exp
}

// IsExpired compares now against the computed expiry.
func (c GDPRConsent) IsExpired(now time.Time) bool {
	exp := c.ExpirationDate()
	if exp == nil {
		return false
	}
	return now.After(*exp)
}

func addRetention(granted time.Time, retention string) time.Time {
	m := retentionPattern.FindStringSubmatch(retention)
	if m == nil {
		return granted.AddDate(defaultRetentionYears, 0, 0)
	}
	amount, err := strconv.Atoi(m[1])
	if err != nil {
		return granted.AddDate(defaultRetentionYears, 0, 0)
	}
	switch strings.ToLower(m[2]) {
	case "year":
		return granted.AddDate(amount, 0, 0)
	case "month":
		return granted.AddDate(0, amount, 0)
	default:
		return granted.AddDate(0, 0, amount)
	}
}

func appendConsentAudit(log []ConsentAuditEntry, action string, now time.Time, note string) []ConsentAuditEntry {
	return append(append([]ConsentAuditEntry(nil), log...), ConsentAuditEntry{
		Action:    action,
		Timestamp: now,
		Note:      note,
	})
}
