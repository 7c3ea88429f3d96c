package models

import (
	"errors"
	"sort"
	"time"
)

// QuestionnaireStatus is a plain three-value field set by explicit
// caller action. Transitions are deliberately unconstrained; see
// CanTransition for the advisory table.
type QuestionnaireStatus string

const (
	StatusDraft      QuestionnaireStatus = "draft"
	StatusInProgress QuestionnaireStatus = "in_progress"
	StatusCompleted  QuestionnaireStatus = "completed"
)

var validStatus = map[QuestionnaireStatus]bool{
	StatusDraft:      true,
	StatusInProgress: true,
	StatusCompleted:  true,
}

// CanTransition reports whether moving from one status to the other
// follows the expected draft -> in_progress -> completed flow. It is
// advisory only: WithStatus accepts any valid target status.
func CanTransition(from, to QuestionnaireStatus) bool {
	switch from {
	case StatusDraft:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusCompleted || to == StatusDraft
	case StatusCompleted:
		return false
	}
	return false
}

// Questionnaire is a template snapshot bound to one patient. Sections
// and questions are fixed at creation; only status and timestamps
// change, always through copy-on-write methods.
type Questionnaire struct {
	ID          string              `json:"id"`
	PatientID   string              `json:"patient_id"`
	Version     string              `json:"version"`
	Sections    []Section           `json:"sections"`
	Status      QuestionnaireStatus `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// NewQuestionnaire snapshots the template sections for one patient.
// Sections are sorted by order index; ties preserve insertion order.
func NewQuestionnaire(id, patientID, version string, sections []Section, now time.Time) (Questionnaire, error) {
	if id == "" {
		return Questionnaire{}, errors.New("questionnaire id required")
	}
	if patientID == "" {
		return Questionnaire{}, errors.New("patient id required")
	}
	if len(sections) == 0 {
		return Questionnaire{}, errors.New("questionnaire must have at least one section")
	}
	sorted := append([]Section(nil), sections...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	return Questionnaire{
		ID:        id,
		PatientID: patientID,
		Version:   version,
		Sections:  sorted,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// FindQuestion looks a question up across all sections.
func (q Questionnaire) FindQuestion(questionID string) (Question, bool) {
	for _, s := range q.Sections {
		for _, qu := range s.Questions {
			if qu.ID == questionID {
				return qu, true
			}
		}
	}
	return Question{}, false
}

// FindSection returns the section with the given id.
func (q Questionnaire) FindSection(sectionID string) (Section, bool) {
	for _, s := range q.Sections {
		if s.ID == sectionID {
			return s, true
		}
	}
	return Section{}, false
}

// AllQuestions flattens the section structure in display order.
func (q Questionnaire) AllQuestions() []Question {
	var out []Question
	for _, s := range q.Sections {
		out = append(out, s.Questions...)
	}
	return out
}

// RequiredCount returns the number of required questions in the template.
func (q Questionnaire) RequiredCount() int {
	n := 0
	for _, qu := range q.AllQuestions() {
		if qu.Required {
			n++
		}
	}
	return n
}

// WithStatus returns a copy with the new status. Moving to completed
// stamps CompletedAt; any other status clears it.
func (q Questionnaire) WithStatus(status QuestionnaireStatus, now time.Time) (Questionnaire, error) {
	if !validStatus[status] {
		return Questionnaire{}, errors.New("unknown questionnaire status")
	}
	next := q
	next.Status = status
	next.UpdatedAt = now
	if status == StatusCompleted {
		t := now
		next.CompletedAt = &t
	} else {
		next.CompletedAt = nil
	}
	return next, nil
}
