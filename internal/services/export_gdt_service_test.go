package services

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/curaform/anamnese/internal/crypto"
	"github.com/curaform/anamnese/internal/models"
)

// exportFixture wires stub stores with one patient, one questionnaire
// and a granted gdt_export consent.
type exportFixture struct {
	patients       *stubPatientStore
	questionnaires *stubQuestionnaireStore
	consents       *stubConsentStore
	answers        *AnswerService
	enc            crypto.EncryptionService
	key            string
	questionnaire  models.Questionnaire
}

func newExportFixture(t *testing.T) *exportFixture {
	t.Helper()
	enc := crypto.NewAESGCMService()
	key := serviceKey(1)

	answerStore := newStubAnswerStore()
	questionnaires := newStubQuestionnaireStore()
	patients := newStubPatientStore()
	consents := newStubConsentStore()

	answers := NewAnswerService(answerStore, questionnaires, patients, enc, nil)

	demographics := models.Demographics{
		FirstName:       "Anna",
		LastName:        "Meier",
		BirthDate:       "1990-01-01",
		Gender:          "female",
		Insurance:       "AOK",
		InsuranceNumber: "A123456789",
		Street:          "Hauptstr. 1",
		ZipCode:         "10115",
		City:            "Berlin",
	}
	payload, err := json.Marshal(demographics)
	if err != nil {
		t.Fatalf("marshal demographics: %v", err)
	}
	env, err := enc.Encrypt(string(payload), key)
	if err != nil {
		t.Fatalf("encrypt demographics: %v", err)
	}
	patient, err := models.NewPatient("patient-1234", env.Encode(), "de", time.Now().UTC())
	if err != nil {
		t.Fatalf("NewPatient error: %v", err)
	}
	patients.patients[patient.ID] = patient

	sections := []models.Section{{
		ID:       "S1",
		TitleKey: "Beschwerden",
		Order:    1,
		Questions: []models.Question{
			{ID: "smoker", Type: models.TypeCheckbox, LabelKey: "Raucher"},
			{ID: "allergies", Type: models.TypeMultiSelect, LabelKey: "Allergien", Options: []models.Option{
				{Value: 1, LabelKey: "Pollen"},
				{Value: 2, LabelKey: "Penicillin"},
			}},
			{ID: "pain", Type: models.TypeSelect, LabelKey: "Schmerzgrad", Options: []models.Option{
				{Value: 1, LabelKey: "leicht"},
				{Value: 2, LabelKey: "stark"},
			}},
		},
	}}
	questionnaire, err := models.NewQuestionnaire("QN1", patient.ID, "1.0", sections, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewQuestionnaire error: %v", err)
	}
	questionnaires.questionnaires[questionnaire.ID] = questionnaire

	f := &exportFixture{
		patients:       patients,
		questionnaires: questionnaires,
		consents:       consents,
		answers:        answers,
		enc:            enc,
		key:            key,
		questionnaire:  questionnaire,
	}
	f.saveAnswer(t, "smoker", false)
	f.saveAnswer(t, "allergies", 3)
	f.saveAnswer(t, "pain", float64(2))
	return f
}

func (f *exportFixture) saveAnswer(t *testing.T, questionID string, value models.AnswerValue) {
	t.Helper()
	res, err := f.answers.SaveAnswer(context.Background(), SaveAnswerInput{
		QuestionnaireID: f.questionnaire.ID,
		QuestionID:      questionID,
		Value:           value,
		Key:             f.key,
	})
	if err != nil || len(res.FieldErrors) > 0 {
		t.Fatalf("save %s: %v %+v", questionID, err, res)
	}
}

func (f *exportFixture) grantExportConsent(t *testing.T) {
	t.Helper()
	c, err := models.NewConsent("C1", "patient-1234", models.ConsentGDTExport, "2.1", models.BasisConsent, "", nil, "3 years")
	if err != nil {
		t.Fatalf("NewConsent error: %v", err)
	}
	granted, err := c.Grant(time.Now().UTC(), "")
	if err != nil {
		t.Fatalf("Grant error: %v", err)
	}
	f.consents.consents[granted.ID] = granted
}

func newGDTService(f *exportFixture) *GDTExportService {
	svc := NewGDTExportService(f.patients, f.questionnaires, f.consents, f.answers, f.enc, nil)
	svc.now = func() time.Time { return time.Date(2025, 7, 14, 10, 30, 0, 0, time.UTC) }
	return svc
}

func TestGDTExportRequiresConsent(t *testing.T) {
	f := newExportFixture(t)
	svc := newGDTService(f)

	_, err := svc.Export(context.Background(), GDTExportInput{
		PatientID:       "patient-1234",
		QuestionnaireID: f.questionnaire.ID,
		Key:             f.key,
		OutputDir:       t.TempDir(),
	})
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorForbidden {
		t.Fatalf("export without consent: want forbidden, got %v", err)
	}
}

func TestGDTExportWritesDocument(t *testing.T) {
	f := newExportFixture(t)
	f.grantExportConsent(t)
	svc := newGDTService(f)
	dir := t.TempDir()

	res, err := svc.Export(context.Background(), GDTExportInput{
		PatientID:       "patient-1234",
		QuestionnaireID: f.questionnaire.ID,
		Key:             f.key,
		SenderID:        "ANAMNESE",
		ReceiverID:      "PVS",
		OutputDir:       dir,
	})
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if !strings.HasSuffix(res.FilePath, ".gdt") {
		t.Fatalf("unexpected file name %q", res.FilePath)
	}

	raw, err := os.ReadFile(res.FilePath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	content := string(raw)

	// Identity block: truncated id, reformatted birth date, gender code.
	for _, want := range []string{"3000patient-", "310301011990", "3110F", "3101Meier", "3102Anna", "3105A123456789"} {
		if !strings.Contains(content, want) {
			t.Fatalf("missing %q in export:\n%s", want, content)
		}
	}

	// Free-text block: underlined upper-cased section title and
	// formatted answers.
	if !strings.Contains(content, "BESCHWERDEN") {
		t.Fatalf("section title missing")
	}
	if !strings.Contains(content, strings.Repeat("=", len("BESCHWERDEN"))) {
		t.Fatalf("section underline missing")
	}
	if !strings.Contains(content, "Raucher: Nein") {
		t.Fatalf("boolean answer not localized: %s", content)
	}
	if !strings.Contains(content, "Allergien: Pollen, Penicillin") {
		t.Fatalf("bitset answer not decoded to labels: %s", content)
	}
	if !strings.Contains(content, "Schmerzgrad: stark") {
		t.Fatalf("single-choice answer not resolved to label: %s", content)
	}

	// Export is audited on the patient record.
	patient, _ := f.patients.GetPatient(context.Background(), "patient-1234")
	last := patient.AuditLog[len(patient.AuditLog)-1]
	if !strings.Contains(last.Note, "gdt export") {
		t.Fatalf("missing export audit entry: %+v", patient.AuditLog)
	}
}

func TestGDTExportEncryptedVariant(t *testing.T) {
	f := newExportFixture(t)
	f.grantExportConsent(t)
	svc := newGDTService(f)
	dir := t.TempDir()

	res, err := svc.Export(context.Background(), GDTExportInput{
		PatientID:       "patient-1234",
		QuestionnaireID: f.questionnaire.ID,
		Key:             f.key,
		EncryptOutput:   true,
		OutputDir:       dir,
	})
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if !strings.HasSuffix(res.FilePath, ".gdt.enc") {
		t.Fatalf("encrypted export should end in .gdt.enc, got %q", res.FilePath)
	}
	raw, err := os.ReadFile(res.FilePath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	env, err := crypto.DecodeEnvelope(string(raw))
	if err != nil {
		t.Fatalf("encrypted export is not an envelope: %v", err)
	}
	plaintext, err := f.enc.Decrypt(env, f.key)
	if err != nil {
		t.Fatalf("decrypt export: %v", err)
	}
	if !strings.Contains(plaintext, "3101Meier") {
		t.Fatalf("decrypted export missing record data")
	}
}

func TestFormatAnswerValue(t *testing.T) {
	multi := models.Question{Type: models.TypeMultiSelect, Options: []models.Option{
		{Value: 1, LabelKey: "Pollen"},
		{Value: 2, LabelKey: "Penicillin"},
	}}
	single := models.Question{Type: models.TypeRadio, Options: []models.Option{
		{Value: 1, LabelKey: "ja"},
		{Value: 2, LabelKey: "nein"},
	}}
	text := models.Question{Type: models.TypeText}

	cases := []struct {
		name  string
		q     models.Question
		value models.AnswerValue
		want  string
	}{
		{"bool de yes", text, true, "Ja"},
		{"bool de no", text, false, "Nein"},
		{"legacy array", multi, []any{"a", "b"}, "a, b"},
		{"bitset to labels", multi, 3, "Pollen, Penicillin"},
		{"bitset unmatched", multi, 8, "8"},
		{"single choice label", single, float64(2), "nein"},
		{"plain string", text, "seit 2 Wochen", "seit 2 Wochen"},
		{"whole float", text, float64(70), "70"},
	}
	for _, tc := range cases {
		if got := FormatAnswerValue(tc.q, tc.value, "de"); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
	if got := FormatAnswerValue(text, true, "en"); got != "Yes" {
		t.Fatalf("english yes = %q", got)
	}
}

func TestGDTExportUnknownPatient(t *testing.T) {
	f := newExportFixture(t)
	f.grantExportConsent(t)
	svc := newGDTService(f)

	_, err := svc.Export(context.Background(), GDTExportInput{
		PatientID:       "patient-1234",
		QuestionnaireID: "missing",
		Key:             f.key,
		OutputDir:       t.TempDir(),
	})
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorNotFound {
		t.Fatalf("want not_found, got %v", err)
	}
}
