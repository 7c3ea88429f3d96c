package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/curaform/anamnese/internal/crypto"
	"github.com/curaform/anamnese/internal/gdt"
	"github.com/curaform/anamnese/internal/models"
	"github.com/curaform/anamnese/internal/utils"
)

// GDTExportService assembles a patient's decrypted intake into a GDT
// record for the practice system. The gdt_export consent must be
// active; without it the export is forbidden.
type GDTExportService struct {
	patients       PatientStore
	questionnaires QuestionnaireStore
	consents       ConsentStore
	answers        *AnswerService
	enc            crypto.EncryptionService
	log            *zap.Logger
	now            func() time.Time
}

func NewGDTExportService(patients PatientStore, questionnaires QuestionnaireStore, consents ConsentStore, answers *AnswerService, enc crypto.EncryptionService, log *zap.Logger) *GDTExportService {
	if log == nil {
		log = zap.NewNop()
	}
	return &GDTExportService{
		patients:       patients,
		questionnaires: questionnaires,
		consents:       consents,
		answers:        answers,
		enc:            enc,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

type GDTExportInput struct {
	PatientID       string
	QuestionnaireID string
	Key             string
	SenderID        string
	ReceiverID      string
	Version         string // gdt.Version21 or gdt.Version30
	OutputDir       string
	// EncryptOutput wraps the record in an encryption envelope instead
	// of the default plaintext expected by practice systems. Whether a
	// plaintext handoff is acceptable is a deployment decision.
	EncryptOutput bool
	Locale        string
}

type GDTExportResult struct {
	FilePath string
	Document gdt.Document
}

// Export builds and writes the GDT file for one questionnaire.
func (s *GDTExportService) Export(ctx context.Context, in GDTExportInput) (*GDTExportResult, error) {
	if in.Version == "" {
		in.Version = gdt.Version21
	}
	if in.Locale == "" {
		in.Locale = "de"
	}

	allowed, err := s.consents.HasActiveConsent(ctx, in.PatientID, models.ConsentGDTExport)
	if err != nil {
		return nil, fmt.Errorf("check export consent: %w", err)
	}
	if !allowed {
		return nil, NewForbiddenError("gdt export consent not granted")
	}

	patient, err := s.patients.GetPatient(ctx, in.PatientID)
	if err != nil {
		return nil, fmt.Errorf("lookup patient: %w", err)
	}
	if patient == nil {
		return nil, NewNotFoundError("patient not found")
	}
	demographics, err := s.decryptDemographics(*patient, in.Key)
	if err != nil {
		return nil, err
	}

	questionnaire, err := s.questionnaires.GetQuestionnaire(ctx, in.QuestionnaireID)
	if err != nil {
		return nil, fmt.Errorf("lookup questionnaire: %w", err)
	}
	if questionnaire == nil {
		return nil, NewNotFoundError("questionnaire not found")
	}

	answers, err := s.answers.AnswersMap(ctx, in.QuestionnaireID, in.Key)
	if err != nil {
		return nil, err
	}

	doc, err := s.buildDocument(*patient, demographics, *questionnaire, answers, in)
	if err != nil {
		return nil, err
	}

	path, err := s.writeFile(doc, in)
	if err != nil {
		return nil, err
	}

	audited := patient.WithAuditEntry(models.AuditUpdated, "gdt export to "+receiverOrDefault(in.ReceiverID), s.now())
	if err := s.patients.SavePatient(ctx, audited); err != nil {
		return nil, fmt.Errorf("record export audit: %w", err)
	}
	s.log.Info("gdt export written",
		zap.String("patient_id", in.PatientID),
		zap.String("file", path),
		zap.Bool("encrypted", in.EncryptOutput))
	return &GDTExportResult{FilePath: path, Document: doc}, nil
}

func receiverOrDefault(receiver string) string {
	if receiver == "" {
		return "PVS"
	}
	return receiver
}

func (s *GDTExportService) decryptDemographics(p models.Patient, key string) (models.Demographics, error) {
	env, err := crypto.DecodeEnvelope(p.EncryptedData)
	if err != nil {
		return models.Demographics{}, fmt.Errorf("decode patient payload: %w", err)
	}
	plaintext, err := s.enc.Decrypt(env, key)
	if err != nil {
		return models.Demographics{}, err
	}
	var d models.Demographics
	if err := json.Unmarshal([]byte(plaintext), &d); err != nil {
		return models.Demographics{}, fmt.Errorf("decode demographics: %w", err)
	}
	return d, nil
}

func (s *GDTExportService) buildDocument(p models.Patient, d models.Demographics, q models.Questionnaire, answers map[string]models.AnswerValue, in GDTExportInput) (gdt.Document, error) {
	birthDate, err := gdt.FormatBirthDate(d.BirthDate)
	if err != nil {
		return gdt.Document{}, NewInvalidError(err.Error())
	}

	builder := gdt.NewBuilder().WithClock(s.now)
	builder.AddPatient(gdt.PatientBlock{
		PatientID: p.ID,
		LastName:  d.LastName,
		FirstName: d.FirstName,
		BirthDate: birthDate,
		Gender:    gdt.GenderCode(d.Gender),
	})
	if d.Insurance != "" && d.InsuranceNumber != "" {
		builder.AddInsurance(gdt.InsuranceBlock{
			Number: d.InsuranceNumber,
			Name:   d.Insurance,
			Type:   "1",
		})
	}
	builder.AddAnamnesisText(s.buildAnamnesisText(q, answers, in.Locale))
	return builder.Build(in.Version, in.SenderID, in.ReceiverID, p.ID), nil
}

// buildAnamnesisText renders each section as an upper-cased title
// underlined with '=' of the title's length, followed by one
// "label: value" line per answered question.
func (s *GDTExportService) buildAnamnesisText(q models.Questionnaire, answers map[string]models.AnswerValue, locale string) string {
	var b strings.Builder
	b.WriteString(utils.T(locale, "export.anamnesis"))
	b.WriteString("\n\n")

	for _, section := range q.Sections {
		title := strings.ToUpper(section.TitleKey)
		b.WriteString(title)
		b.WriteString("\n")
		b.WriteString(strings.Repeat("=", len([]rune(title))))
		b.WriteString("\n\n")

		for _, question := range section.Questions {
			value, ok := answers[question.ID]
			if !ok || value == nil {
				continue
			}
			b.WriteString(question.LabelKey)
			b.WriteString(": ")
			b.WriteString(FormatAnswerValue(question, value, locale))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatAnswerValue renders a decrypted answer for the free-text block:
// booleans localize to yes/no, legacy arrays join with commas, bitsets
// on multi-choice questions decode to labels (falling back to the raw
// integer when no option matches), numeric single-choice values resolve
// to the option label, and everything else is string-coerced.
func FormatAnswerValue(q models.Question, value models.AnswerValue, locale string) string {
	switch v := value.(type) {
	case bool:
		if v {
			return utils.T(locale, "answer.yes")
		}
		return utils.T(locale, "answer.no")
	}

	if items, ok := models.SliceValue(value); ok {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = models.StringifyValue(item)
		}
		return strings.Join(parts, ", ")
	}

	if n, ok := models.IntValue(value); ok {
		if q.Type.IsMultiChoice() {
			if labels := DecodeBitsetLabels(q, n); len(labels) > 0 {
				return strings.Join(labels, ", ")
			}
			return models.StringifyValue(value)
		}
		if q.Type.IsSingleChoice() {
			if opt, ok := q.FindOption(models.StringifyValue(value)); ok {
				return opt.LabelKey
			}
		}
	}

	return models.StringifyValue(value)
}

func (s *GDTExportService) writeFile(doc gdt.Document, in GDTExportInput) (string, error) {
	dir := in.OutputDir
	if dir == "" {
		dir = "exports"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	pid := in.PatientID
	if len(pid) > 8 {
		pid = pid[:8]
	}
	stamp := s.now().Format("2006-01-02T15-04-05")
	name := fmt.Sprintf("anamnese_%s_%s.gdt", pid, stamp)

	if in.EncryptOutput {
		env, err := s.enc.Encrypt(doc.Encode(), in.Key)
		if err != nil {
			return "", fmt.Errorf("encrypt gdt record: %w", err)
		}
		path := filepath.Join(dir, name+".enc")
		if err := os.WriteFile(path, []byte(env.Encode()), 0o600); err != nil {
			return "", fmt.Errorf("write encrypted gdt file: %w", err)
		}
		return path, nil
	}

	raw, err := doc.EncodeLatin1()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", fmt.Errorf("write gdt file: %w", err)
	}
	return path, nil
}
