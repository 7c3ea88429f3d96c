package models

import (
	"errors"
	"time"
)

// Patient carries an encrypted demographic payload; only the language
// preference and bookkeeping fields live in plaintext. The payload
// decrypts to a Demographics value.
type Patient struct {
	ID            string       `json:"id"`
	EncryptedData string       `json:"encrypted_data"` // envelope string of Demographics JSON
	Language      string       `json:"language"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	AuditLog      []AuditEntry `json:"audit_log"`
}

// Demographics is the plaintext shape of a patient's encrypted payload.
type Demographics struct {
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	BirthDate       string `json:"birth_date"` // ISO 8601 or DD.MM.YYYY
	Gender          string `json:"gender"`     // male | female | other
	Insurance       string `json:"insurance,omitempty"`
	InsuranceNumber string `json:"insurance_number,omitempty"`
	Street          string `json:"street,omitempty"`
	ZipCode         string `json:"zip_code,omitempty"`
	City            string `json:"city,omitempty"`
}

// NewPatient wraps an already-encrypted demographics payload.
func NewPatient(id, encryptedData, language string, now time.Time) (Patient, error) {
	if id == "" {
		return Patient{}, errors.New("patient id required")
	}
	if encryptedData == "" {
		return Patient{}, errors.New("encrypted demographics required")
	}
	if language == "" {
		language = "de"
	}
	return Patient{
		ID:            id,
		EncryptedData: encryptedData,
		Language:      language,
		CreatedAt:     now,
		UpdatedAt:     now,
		AuditLog:      []AuditEntry{{Action: AuditCreated, Timestamp: now}},
	}, nil
}

// WithAuditEntry appends a note to the patient's trail, e.g. after an
// export, and returns the updated copy.
func (p Patient) WithAuditEntry(action AuditAction, note string, now time.Time) Patient {
	next := p
	next.UpdatedAt = now
	next.AuditLog = append(append([]AuditEntry(nil), p.AuditLog...), AuditEntry{
		Action:    action,
		Timestamp: now,
		Note:      note,
	})
	return next
}
