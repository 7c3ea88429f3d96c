package models

import (
	"errors"
	"time"
)

// AnswerSource records how an answer entered the system.
type AnswerSource string

const (
	SourceManual AnswerSource = "manual"
	SourceVoice  AnswerSource = "voice"
	SourceOCR    AnswerSource = "ocr"
)

// AuditAction is one step of an entity's audit trail.
type AuditAction string

const (
	AuditCreated AuditAction = "created"
	AuditUpdated AuditAction = "updated"
	AuditDeleted AuditAction = "deleted"
)

// AuditEntry is one timestamped line of an entity audit log.
type AuditEntry struct {
	Action    AuditAction `json:"action"`
	Timestamp time.Time   `json:"timestamp"`
	Note      string      `json:"note,omitempty"`
}

// Answer stores one encrypted response to one question. The plaintext
// value never exists on this type: encryption happens before
// construction, decryption outside of it. QuestionType is kept in
// plaintext for repository indexing only.
type Answer struct {
	ID              string       `json:"id"`
	QuestionnaireID string       `json:"questionnaire_id"`
	QuestionID      string       `json:"question_id"`
	EncryptedValue  string       `json:"encrypted_value"`
	QuestionType    QuestionType `json:"question_type"`
	Source          AnswerSource `json:"source"`
	Confidence      *float64     `json:"confidence,omitempty"` // 0..1, voice/OCR only
	AnsweredAt      time.Time    `json:"answered_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	AuditLog        []AuditEntry `json:"audit_log"`
}

// NewAnswer constructs a freshly answered question with a single
// "created" audit entry.
func NewAnswer(id, questionnaireID, questionID, encryptedValue string, qt QuestionType, source AnswerSource, confidence *float64, now time.Time) (Answer, error) {
	if id == "" || questionnaireID == "" || questionID == "" {
		return Answer{}, errors.New("answer id, questionnaire id and question id required")
	}
	if encryptedValue == "" {
		return Answer{}, errors.New("encrypted value required")
	}
	if source == "" {
		source = SourceManual
	}
	if confidence != nil && (*confidence < 0 || *confidence > 1) {
		return Answer{}, errors.New("confidence must be within [0,1]")
	}
	return Answer{
		ID:              id,
		QuestionnaireID: questionnaireID,
		QuestionID:      questionID,
		EncryptedValue:  encryptedValue,
		QuestionType:    qt,
		Source:          source,
		Confidence:      confidence,
		AnsweredAt:      now,
		UpdatedAt:       now,
		AuditLog: []AuditEntry{{
			Action:    AuditCreated,
			Timestamp: now,
			Note:      "answer created via " + string(source),
		}},
	}, nil
}

// Update returns a copy holding the new ciphertext with an appended
// audit entry. The receiver is left untouched. Confidence always takes
// the new value: a manual correction clears the score of an earlier
// dictation instead of carrying it along.
func (a Answer) Update(encryptedValue string, source AnswerSource, confidence *float64, now time.Time) Answer {
	next := a
	next.EncryptedValue = encryptedValue
	if source != "" {
		next.Source = source
	}
	next.Confidence = confidence
	next.UpdatedAt = now
	next.AuditLog = append(append([]AuditEntry(nil), a.AuditLog...), AuditEntry{
		Action:    AuditUpdated,
		Timestamp: now,
		Note:      "answer updated via " + string(next.Source),
	})
	return next
}
