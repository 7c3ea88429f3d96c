package services

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/curaform/anamnese/internal/models"
)

// dateLayouts are the accepted answer date forms: ISO and the dotted
// local form. time.Parse rejects calendar overflow, so "31.02.2024"
// fails instead of rolling into March.
var dateLayouts = []string{"2006-01-02", "02.01.2006"}

// ParseAnswerDate parses a date answer in either accepted form as a
// UTC calendar date.
func ParseAnswerDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD or DD.MM.YYYY", s)
}

// ValidateAnswer checks one value against one question. It returns
// field errors as data; an empty slice means the answer is acceptable.
// The required check runs first, then the type-specific rules.
func ValidateAnswer(q models.Question, value models.AnswerValue) []FieldError {
	if isEmpty(q, value) {
		if q.Required {
			return []FieldError{{Field: q.ID, Code: CodeRequiredMissing, Message: "answer required"}}
		}
		return nil
	}

	switch {
	case q.Type == models.TypeText || q.Type == models.TypeTextarea:
		return validateText(q, value)
	case q.Type == models.TypeNumber:
		return validateNumber(q, value)
	case q.Type == models.TypeDate:
		return validateDate(q, value)
	case q.Type.IsSingleChoice():
		return validateSingleChoice(q, value)
	case q.Type.IsMultiChoice():
		return validateMultiChoice(q, value)
	}
	return nil
}

// ValidateAnswers validates a batch, keyed by question id.
func ValidateAnswers(questions []models.Question, answers map[string]models.AnswerValue) []FieldError {
	var errs []FieldError
	for _, q := range questions {
		errs = append(errs, ValidateAnswer(q, answers[q.ID])...)
	}
	return errs
}

// isEmpty treats nil, blank strings and empty arrays as unanswered.
// A bare checkbox answered false counts as unanswered too: an
// unchecked required confirmation box has not been confirmed.
func isEmpty(q models.Question, value models.AnswerValue) bool {
	if value == nil {
		return true
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v) == ""
	case bool:
		return q.Type == models.TypeCheckbox && len(q.Options) == 0 && !v
	}
	if items, ok := models.SliceValue(value); ok {
		return len(items) == 0
	}
	return false
}

func invalid(q models.Question, msg string) []FieldError {
	return []FieldError{{Field: q.ID, Code: CodeInvalidInput, Message: msg}}
}

func validateText(q models.Question, value models.AnswerValue) []FieldError {
	s, ok := value.(string)
	if !ok {
		return invalid(q, "expected text")
	}
	rules := q.Validation
	if rules == nil {
		return nil
	}
	length := len([]rune(s))
	if rules.MinLength != nil && length < *rules.MinLength {
		return invalid(q, fmt.Sprintf("at least %d characters required", *rules.MinLength))
	}
	if rules.MaxLength != nil && length > *rules.MaxLength {
		return invalid(q, fmt.Sprintf("at most %d characters allowed", *rules.MaxLength))
	}
	if rules.Pattern != "" {
		// A broken template pattern must not block patient input.
		if re, err := regexp.Compile(rules.Pattern); err == nil && !re.MatchString(s) {
			return invalid(q, "value does not match expected format")
		}
	}
	return nil
}

func validateNumber(q models.Question, value models.AnswerValue) []FieldError {
	n, ok := models.NumericValue(value)
	if !ok {
		return invalid(q, "expected a number")
	}
	rules := q.Validation
	if rules == nil {
		return nil
	}
	if rules.Min != nil && n < *rules.Min {
		return invalid(q, fmt.Sprintf("must be at least %v", *rules.Min))
	}
	if rules.Max != nil && n > *rules.Max {
		return invalid(q, fmt.Sprintf("must be at most %v", *rules.Max))
	}
	return nil
}

func validateDate(q models.Question, value models.AnswerValue) []FieldError {
	s, ok := value.(string)
	if !ok {
		return invalid(q, "expected a date string")
	}
	t, err := ParseAnswerDate(s)
	if err != nil {
		return invalid(q, err.Error())
	}
	rules := q.Validation
	if rules == nil {
		return nil
	}
	if rules.MinDate != "" {
		if min, err := ParseAnswerDate(rules.MinDate); err == nil && t.Before(min) {
			return invalid(q, "date before earliest allowed")
		}
	}
	if rules.MaxDate != "" {
		if max, err := ParseAnswerDate(rules.MaxDate); err == nil && t.After(max) {
			return invalid(q, "date after latest allowed")
		}
	}
	return nil
}

func validateSingleChoice(q models.Question, value models.AnswerValue) []FieldError {
	if _, ok := q.FindOption(models.StringifyValue(value)); !ok {
		return invalid(q, "value is not a configured option")
	}
	return nil
}

// validateMultiChoice accepts a bare boolean for option-less
// checkboxes, a non-negative integer bitset, or the legacy array form
// whose elements must all be configured option values.
func validateMultiChoice(q models.Question, value models.AnswerValue) []FieldError {
	if _, ok := value.(bool); ok {
		if len(q.Options) == 0 {
			return nil
		}
		return invalid(q, "expected a selection, not a boolean")
	}
	if n, ok := models.IntValue(value); ok {
		if n < 0 {
			return invalid(q, "selection bitset cannot be negative")
		}
		return nil
	}
	if items, ok := models.SliceValue(value); ok {
		for _, item := range items {
			if _, found := q.FindOption(models.StringifyValue(item)); !found {
				return invalid(q, fmt.Sprintf("%q is not a configured option", models.StringifyValue(item)))
			}
		}
		return nil
	}
	return invalid(q, "expected a selection")
}
