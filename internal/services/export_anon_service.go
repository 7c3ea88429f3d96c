package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/curaform/anamnese/internal/crypto"
	"github.com/curaform/anamnese/internal/models"
)

const (
	anonymizedExportType = "ANONYMIZED_ANAMNESE"

	// Version 2.0 marks exports whose answers carry catalogue
	// enrichment; plain exports stay at 1.0.
	anonymizedVersionPlain    = "1.0"
	anonymizedVersionEnriched = "2.0"
)

// AnonymizedExport is the research JSON payload. It must contain no
// direct identifiers: demographics are reduced to year of birth,
// gender and language.
type AnonymizedExport struct {
	ExportType   string                      `json:"exportType"`
	Version      string                      `json:"version"`
	Timestamp    string                      `json:"timestamp"`
	Demographics AnonymizedDemographics      `json:"demographics"`
	Answers      map[string]AnonymizedAnswer `json:"answers"`
}

type AnonymizedDemographics struct {
	YearOfBirth int    `json:"yearOfBirth,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Language    string `json:"language,omitempty"`
}

type AnonymizedAnswer struct {
	Value          any      `json:"value"`
	StatisticGroup string   `json:"statisticGroup,omitempty"`
	ResearchTags   []string `json:"researchTags,omitempty"`
	ICD10Codes     []string `json:"icd10Codes,omitempty"`
}

// AnonymizedExportService strips identifying data and emits the
// research format. Catalogue enrichment is best-effort: a missing or
// partial catalogue degrades to unenriched answers, never to a failure.
type AnonymizedExportService struct {
	patients       PatientStore
	questionnaires QuestionnaireStore
	answers        *AnswerService
	enc            crypto.EncryptionService
	metadata       MetadataLookup // optional
	log            *zap.Logger
	now            func() time.Time
}

func NewAnonymizedExportService(patients PatientStore, questionnaires QuestionnaireStore, answers *AnswerService, enc crypto.EncryptionService, metadata MetadataLookup, log *zap.Logger) *AnonymizedExportService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AnonymizedExportService{
		patients:       patients,
		questionnaires: questionnaires,
		answers:        answers,
		enc:            enc,
		metadata:       metadata,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

type AnonymizedExportInput struct {
	PatientID       string
	QuestionnaireID string
	Key             string
	OutputDir       string
}

type AnonymizedExportResult struct {
	FilePath string
	Export   AnonymizedExport
}

// Export builds the anonymized payload and writes it as JSON.
func (s *AnonymizedExportService) Export(ctx context.Context, in AnonymizedExportInput) (*AnonymizedExportResult, error) {
	patient, err := s.patients.GetPatient(ctx, in.PatientID)
	if err != nil {
		return nil, fmt.Errorf("lookup patient: %w", err)
	}
	if patient == nil {
		return nil, NewNotFoundError("patient not found")
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
	demographics, err := s.anonymizeDemographics(*patient, in.Key)
	if err != nil {
		return nil, err
	}

	processed, enriched := s.processAnswers(*questionnaire, answers)
	version := anonymizedVersionPlain
	if enriched {
		version = anonymizedVersionEnriched
	}

	export := AnonymizedExport{
		ExportType:   anonymizedExportType,
		Version:      version,
		Timestamp:    s.now().Format(time.RFC3339),
		Demographics: demographics,
		Answers:      processed,
	}

	path, err := s.writeFile(export, in.OutputDir)
	if err != nil {
		return nil, err
	}
	s.log.Info("anonymized export written",
		zap.String("questionnaire_id", in.QuestionnaireID),
		zap.String("version", version),
		zap.String("file", path))
	return &AnonymizedExportResult{FilePath: path, Export: export}, nil
}

// anonymizeDemographics decrypts the patient payload and keeps only
// year of birth, gender and language. Names, address and the exact
// birth date never reach the export.
func (s *AnonymizedExportService) anonymizeDemographics(p models.Patient, key string) (AnonymizedDemographics, error) {
	env, err := crypto.DecodeEnvelope(p.EncryptedData)
	if err != nil {
		return AnonymizedDemographics{}, fmt.Errorf("decode patient payload: %w", err)
	}
	plaintext, err := s.enc.Decrypt(env, key)
	if err != nil {
		return AnonymizedDemographics{}, err
	}
	var d models.Demographics
	if err := json.Unmarshal([]byte(plaintext), &d); err != nil {
		return AnonymizedDemographics{}, fmt.Errorf("decode demographics: %w", err)
	}
	out := AnonymizedDemographics{Gender: d.Gender, Language: p.Language}
	if len(d.BirthDate) >= 4 {
		if year, err := strconv.Atoi(d.BirthDate[:4]); err == nil {
			out.YearOfBirth = year
		} else if t, err := ParseAnswerDate(d.BirthDate); err == nil {
			out.YearOfBirth = t.Year()
		}
	}
	return out, nil
}

// processAnswers maps each answered question to its export entry,
// preferring the integer/bitset representation for choice questions.
// The second return reports whether any entry received enrichment.
func (s *AnonymizedExportService) processAnswers(q models.Questionnaire, answers map[string]models.AnswerValue) (map[string]AnonymizedAnswer, bool) {
	processed := make(map[string]AnonymizedAnswer)
	enriched := false
	for _, section := range q.Sections {
		for _, question := range section.Questions {
			value, ok := answers[question.ID]
			if !ok || value == nil {
				continue
			}
			entry := AnonymizedAnswer{Value: resolveAnonymizedValue(question, value)}
			if s.metadata != nil {
				if meta, ok := s.metadata.Lookup(question.ID); ok {
					entry.StatisticGroup = meta.StatisticGroup
					entry.ResearchTags = meta.ResearchTags
					entry.ICD10Codes = meta.ICD10Codes
					if meta.StatisticGroup != "" || len(meta.ResearchTags) > 0 || len(meta.ICD10Codes) > 0 {
						enriched = true
					}
				}
			}
			processed[question.ID] = entry
		}
	}
	return processed, enriched
}

// resolveAnonymizedValue prefers the underlying integer representation
// of choice answers over display labels; a stringly-typed selection is
// mapped back through the option list when possible.
func resolveAnonymizedValue(q models.Question, value models.AnswerValue) any {
	if len(q.Options) == 0 {
		return value
	}
	if _, ok := models.NumericValue(value); ok {
		return value
	}
	if _, ok := models.SliceValue(value); ok {
		return value
	}
	if opt, ok := q.FindOption(models.StringifyValue(value)); ok {
		if n, isInt := opt.IntValue(); isInt {
			return n
		}
	}
	return value
}

func (s *AnonymizedExportService) writeFile(export AnonymizedExport, dir string) (string, error) {
	if dir == "" {
		dir = "exports"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	payload, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode anonymized export: %w", err)
	}
	name := fmt.Sprintf("anamnese_anon_%d.json", s.now().UnixMilli())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return "", fmt.Errorf("write anonymized export: %w", err)
	}
	return path, nil
}
