package models

// QuestionType identifies the input widget and the value shape an
// answer to the question is allowed to take.
type QuestionType string

const (
	TypeText        QuestionType = "text"
	TypeTextarea    QuestionType = "textarea"
	TypeNumber      QuestionType = "number"
	TypeDate        QuestionType = "date"
	TypeCheckbox    QuestionType = "checkbox"
	TypeRadio       QuestionType = "radio"
	TypeSelect      QuestionType = "select"
	TypeMultiSelect QuestionType = "multiselect"
)

// IsMultiChoice reports whether answers to t are stored as a bitset of
// option values (or, legacy, as an array of option values).
func (t QuestionType) IsMultiChoice() bool {
	return t == TypeMultiSelect || t == TypeCheckbox
}

// IsSingleChoice reports whether answers to t must match exactly one
// configured option value.
func (t QuestionType) IsSingleChoice() bool {
	return t == TypeRadio || t == TypeSelect
}

// ConditionOperator compares a prior answer against a condition value.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpGreater     ConditionOperator = "greater"
	OpLess        ConditionOperator = "less"
)

// Condition gates a question's visibility on another question's answer.
// Conditions on one question combine with AND semantics.
type Condition struct {
	QuestionID string            `json:"question_id"`
	Operator   ConditionOperator `json:"operator"`
	Value      any               `json:"value"`
}

// Option is one selectable choice. Value is an integer for choice
// questions participating in bitset encoding, or a string for legacy
// templates.
type Option struct {
	Value    any    `json:"value"`
	LabelKey string `json:"label_key"`
}

// IntValue returns the option value as an int when it is numeric.
func (o Option) IntValue() (int, bool) {
	switch v := o.Value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// ValidationRules are the optional per-question constraints checked by
// the answer validator. Zero values mean "no constraint".
type ValidationRules struct {
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MinLength *int     `json:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	MinDate   string   `json:"min_date,omitempty"` // ISO 8601
	MaxDate   string   `json:"max_date,omitempty"`
}

// Question is one entry of a section. Questions are part of the fixed
// template snapshot of a questionnaire and are never mutated after
// creation.
type Question struct {
	ID             string           `json:"id"`
	Type           QuestionType     `json:"type"`
	LabelKey       string           `json:"label_key"`
	PlaceholderKey string           `json:"placeholder_key,omitempty"`
	Required       bool             `json:"required"`
	Options        []Option         `json:"options,omitempty"`
	Validation     *ValidationRules `json:"validation,omitempty"`
	// Conditions should only reference questions that precede this one
	// logically; this is a template-authoring contract, not enforced here.
	Conditions []Condition    `json:"conditions,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// FindOption returns the option whose value string-equals v.
func (q Question) FindOption(v string) (Option, bool) {
	for _, o := range q.Options {
		if StringifyValue(o.Value) == v {
			return o, true
		}
	}
	return Option{}, false
}

// Section groups questions. Order indices need not be contiguous, only
// comparable.
type Section struct {
	ID             string     `json:"id"`
	TitleKey       string     `json:"title_key"`
	DescriptionKey string     `json:"description_key,omitempty"`
	Questions      []Question `json:"questions"`
	Order          int        `json:"order"`
}
