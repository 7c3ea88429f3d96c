package services

import (
	"testing"
	"time"

	"github.com/curaform/anamnese/internal/models"
)

func gatedQuestionnaire(t *testing.T) models.Questionnaire {
	t.Helper()
	sections := []models.Section{{
		ID:       "S1",
		TitleKey: "section.personal",
		Order:    1,
		Questions: []models.Question{
			{
				ID:      "gender",
				Type:    models.TypeRadio,
				Options: []models.Option{{Value: "male", LabelKey: "gender.male"}, {Value: "female", LabelKey: "gender.female"}},
			},
			{
				ID:         "pregnant",
				Type:       models.TypeRadio,
				Options:    []models.Option{{Value: "yes", LabelKey: "answer.yes"}, {Value: "no", LabelKey: "answer.no"}},
				Conditions: []models.Condition{{QuestionID: "gender", Operator: models.OpEquals, Value: "female"}},
			},
		},
	}}
	q, err := models.NewQuestionnaire("QN1", "P1", "1.0", sections, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewQuestionnaire error: %v", err)
	}
	return q
}

func TestProgressWithGatedQuestion(t *testing.T) {
	q := gatedQuestionnaire(t)

	// Nothing answered: only the gate is visible, progress 0.
	if p := Progress(q, map[string]models.AnswerValue{}); p != 0 {
		t.Fatalf("initial progress = %d, want 0", p)
	}

	// Gate answered "female": dependent question appears, 1 of 2.
	answers := map[string]models.AnswerValue{"gender": "female"}
	if p := Progress(q, answers); p != 50 {
		t.Fatalf("progress after gate = %d, want 50", p)
	}
	answers["pregnant"] = "no"
	if p := Progress(q, answers); p != 100 {
		t.Fatalf("progress fully answered = %d, want 100", p)
	}

	// Gate answered "male": dependent question stays hidden and the
	// questionnaire completes with a single visible question.
	male := map[string]models.AnswerValue{"gender": "male"}
	if got := VisibleQuestions(q, male, ""); len(got) != 1 || got[0].ID != "gender" {
		t.Fatalf("visible questions for male = %v", got)
	}
	if p := Progress(q, male); p != 100 {
		t.Fatalf("progress for male = %d, want 100", p)
	}
}

func TestProgressNoVisibleQuestions(t *testing.T) {
	sections := []models.Section{{
		ID:    "S1",
		Order: 1,
		Questions: []models.Question{{
			ID:         "hidden",
			Type:       models.TypeText,
			Conditions: []models.Condition{{QuestionID: "never", Operator: models.OpEquals, Value: "x"}},
		}},
	}}
	q, err := models.NewQuestionnaire("QN1", "P1", "1.0", sections, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewQuestionnaire error: %v", err)
	}
	if p := Progress(q, map[string]models.AnswerValue{}); p != 0 {
		t.Fatalf("progress with nothing visible = %d, want 0", p)
	}
}

func TestEvaluateConditionOperators(t *testing.T) {
	answers := map[string]models.AnswerValue{
		"age":       float64(42),
		"allergies": 5, // bitset: options 1 and 4
		"meds":      []any{"aspirin", "ibuprofen"},
	}

	cases := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"equals numeric coercion", models.Condition{QuestionID: "age", Operator: models.OpEquals, Value: 42}, true},
		{"equals unanswered", models.Condition{QuestionID: "missing", Operator: models.OpEquals, Value: "x"}, false},
		{"not_equals unanswered", models.Condition{QuestionID: "missing", Operator: models.OpNotEquals, Value: "x"}, true},
		{"greater", models.Condition{QuestionID: "age", Operator: models.OpGreater, Value: 18}, true},
		{"less", models.Condition{QuestionID: "age", Operator: models.OpLess, Value: 18}, false},
		{"greater non-numeric", models.Condition{QuestionID: "meds", Operator: models.OpGreater, Value: 1}, false},
		{"contains array member", models.Condition{QuestionID: "meds", Operator: models.OpContains, Value: "aspirin"}, true},
		{"not_contains array", models.Condition{QuestionID: "meds", Operator: models.OpNotContains, Value: "insulin"}, true},
		{"contains bitset bit set", models.Condition{QuestionID: "allergies", Operator: models.OpContains, Value: 4}, true},
		{"contains bitset bit clear", models.Condition{QuestionID: "allergies", Operator: models.OpContains, Value: 2}, false},
	}
	for _, tc := range cases {
		if got := evaluateCondition(tc.cond, answers); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestConditionsCombineWithAND(t *testing.T) {
	conds := []models.Condition{
		{QuestionID: "a", Operator: models.OpEquals, Value: "yes"},
		{QuestionID: "b", Operator: models.OpGreater, Value: 10},
	}
	answers := map[string]models.AnswerValue{"a": "yes", "b": float64(5)}
	if EvaluateConditions(conds, answers) {
		t.Fatalf("one failing condition must hide the question")
	}
	answers["b"] = float64(11)
	if !EvaluateConditions(conds, answers) {
		t.Fatalf("all conditions met, question must be visible")
	}
	if !EvaluateConditions(nil, map[string]models.AnswerValue{}) {
		t.Fatalf("no conditions means always visible")
	}
}
