package services

import (
	"math"

	"github.com/curaform/anamnese/internal/models"
)

// EvaluateConditions reports whether a question is visible given the
// current answers. Conditions combine with AND; no conditions means
// always visible.
func EvaluateConditions(conditions []models.Condition, answers map[string]models.AnswerValue) bool {
	for _, c := range conditions {
		if !evaluateCondition(c, answers) {
			return false
		}
	}
	return true
}

func evaluateCondition(c models.Condition, answers map[string]models.AnswerValue) bool {
	answer, answered := answers[c.QuestionID]
	if answer == nil {
		answered = false
	}

	switch c.Operator {
	case models.OpEquals:
		return answered && models.ValueEquals(answer, c.Value)
	case models.OpNotEquals:
		// An unanswered gate does not equal anything.
		return !answered || !models.ValueEquals(answer, c.Value)
	case models.OpContains:
		return answered && containsValue(answer, c.Value)
	case models.OpNotContains:
		return !answered || !containsValue(answer, c.Value)
	case models.OpGreater:
		a, aok := models.NumericValue(answer)
		b, bok := models.NumericValue(c.Value)
		return answered && aok && bok && a > b
	case models.OpLess:
		a, aok := models.NumericValue(answer)
		b, bok := models.NumericValue(c.Value)
		return answered && aok && bok && a < b
	}
	return false
}

// containsValue tests membership. Array answers compare element-wise;
// integer answers are bitsets and the condition value is the
// power-of-two option value whose bit is tested.
func containsValue(answer models.AnswerValue, conditionValue any) bool {
	if items, ok := models.SliceValue(answer); ok {
		for _, item := range items {
			if models.ValueEquals(item, conditionValue) {
				return true
			}
		}
		return false
	}
	if bitset, ok := models.IntValue(answer); ok {
		if mask, ok := models.IntValue(conditionValue); ok && mask > 0 {
			return bitset&mask != 0
		}
	}
	return false
}

// VisibleQuestions filters the questionnaire's questions to those
// currently visible. A non-empty sectionID restricts to one section.
func VisibleQuestions(q models.Questionnaire, answers map[string]models.AnswerValue, sectionID string) []models.Question {
	questions := q.AllQuestions()
	if sectionID != "" {
		section, ok := q.FindSection(sectionID)
		if !ok {
			return nil
		}
		questions = section.Questions
	}
	var out []models.Question
	for _, question := range questions {
		if EvaluateConditions(question.Conditions, answers) {
			out = append(out, question)
		}
	}
	return out
}

// Progress is the answered share of currently visible questions, in
// whole percent. Visibility depends on answers, so progress must be
// recomputed after every mutation; with nothing visible it is 0.
func Progress(q models.Questionnaire, answers map[string]models.AnswerValue) int {
	visible := VisibleQuestions(q, answers, "")
	if len(visible) == 0 {
		return 0
	}
	answered := 0
	for _, question := range visible {
		if v, ok := answers[question.ID]; ok && v != nil {
			answered++
		}
	}
	return int(math.Round(float64(answered) / float64(len(visible)) * 100))
}
