package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curaform/anamnese/internal/crypto"
	"github.com/curaform/anamnese/internal/models"
)

// AnswerStore persists encrypted answers. Saves for one question id
// are last-write-wins upserts; SaveAnswers is atomic over the batch.
type AnswerStore interface {
	SaveAnswer(ctx context.Context, a models.Answer) error
	SaveAnswers(ctx context.Context, as []models.Answer) error
	GetAnswerByQuestion(ctx context.Context, questionnaireID, questionID string) (*models.Answer, error)
	ListAnswersByQuestionnaire(ctx context.Context, questionnaireID string) ([]models.Answer, error)
	DeleteAnswersByQuestionnaire(ctx context.Context, questionnaireID string) error
}

// QuestionnaireStore persists questionnaire instances and resolves the
// current template for creating new ones.
type QuestionnaireStore interface {
	SaveQuestionnaire(ctx context.Context, q models.Questionnaire) error
	GetQuestionnaire(ctx context.Context, id string) (*models.Questionnaire, error)
	ListQuestionnairesByPatient(ctx context.Context, patientID string) ([]models.Questionnaire, error)
	LoadTemplate(ctx context.Context) ([]models.Section, string, error)
}

// PatientStore persists patient records.
type PatientStore interface {
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	SavePatient(ctx context.Context, p models.Patient) error
}

// defaultLoadTimeout bounds the decrypting answer load when opening a
// questionnaire. On expiry the caller proceeds with an empty answer
// map; the load itself is cancelled, not abandoned.
const defaultLoadTimeout = 4 * time.Second

// AnswerService validates, encrypts and persists answers, and loads
// questionnaires with their decrypted answer map.
type AnswerService struct {
	answers        AnswerStore
	questionnaires QuestionnaireStore
	patients       PatientStore
	enc            crypto.EncryptionService
	log            *zap.Logger
	now            func() time.Time
	idGen          func() string
	loadTimeout    time.Duration
}

func NewAnswerService(answers AnswerStore, questionnaires QuestionnaireStore, patients PatientStore, enc crypto.EncryptionService, log *zap.Logger) *AnswerService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AnswerService{
		answers:        answers,
		questionnaires: questionnaires,
		patients:       patients,
		enc:            enc,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
		idGen:          uuid.NewString,
		loadTimeout:    defaultLoadTimeout,
	}
}

type SaveAnswerInput struct {
	QuestionnaireID string
	QuestionID      string
	Value           models.AnswerValue
	Key             string
	Source          models.AnswerSource
	Confidence      *float64
}

// SaveAnswerResult reports either the persisted answer or the
// validation problems that kept it from being persisted.
type SaveAnswerResult struct {
	Answer      *models.Answer
	FieldErrors []FieldError
}

// SaveAnswer validates one value against its question, encrypts it and
// upserts it. Validation failures are data in the result, not errors.
func (s *AnswerService) SaveAnswer(ctx context.Context, in SaveAnswerInput) (*SaveAnswerResult, error) {
	questionnaire, question, err := s.resolveQuestion(ctx, in.QuestionnaireID, in.QuestionID)
	if err != nil {
		return nil, err
	}
	if errs := ValidateAnswer(question, in.Value); len(errs) > 0 {
		return &SaveAnswerResult{FieldErrors: errs}, nil
	}

	answer, err := s.encryptAnswer(ctx, *questionnaire, question, in)
	if err != nil {
		return nil, err
	}
	if err := s.answers.SaveAnswer(ctx, answer); err != nil {
		return nil, NewStorageError(fmt.Sprintf("save answer: %v", err))
	}
	return &SaveAnswerResult{Answer: &answer}, nil
}

type SaveAnswersInput struct {
	QuestionnaireID string
	Values          map[string]models.AnswerValue
	Key             string
	Source          models.AnswerSource
}

// SaveAnswers validates the whole batch first and persists it in one
// storage transaction; any validation failure blocks the entire batch.
func (s *AnswerService) SaveAnswers(ctx context.Context, in SaveAnswersInput) (*SaveAnswerResult, error) {
	questionnaire, err := s.questionnaires.GetQuestionnaire(ctx, in.QuestionnaireID)
	if err != nil {
		return nil, fmt.Errorf("lookup questionnaire: %w", err)
	}
	if questionnaire == nil {
		return nil, NewNotFoundError("questionnaire not found")
	}

	questionIDs := make([]string, 0, len(in.Values))
	for id := range in.Values {
		questionIDs = append(questionIDs, id)
	}
	sort.Strings(questionIDs)

	var fieldErrs []FieldError
	batch := make([]models.Answer, 0, len(questionIDs))
	for _, qid := range questionIDs {
		question, ok := questionnaire.FindQuestion(qid)
		if !ok {
			return nil, NewNotFoundError(fmt.Sprintf("question %s not in questionnaire", qid))
		}
		if errs := ValidateAnswer(question, in.Values[qid]); len(errs) > 0 {
			fieldErrs = append(fieldErrs, errs...)
			continue
		}
		answer, err := s.encryptAnswer(ctx, *questionnaire, question, SaveAnswerInput{
			QuestionnaireID: in.QuestionnaireID,
			QuestionID:      qid,
			Value:           in.Values[qid],
			Key:             in.Key,
			Source:          in.Source,
		})
		if err != nil {
			return nil, err
		}
		batch = append(batch, answer)
	}
	if len(fieldErrs) > 0 {
		return &SaveAnswerResult{FieldErrors: fieldErrs}, nil
	}

	if err := s.answers.SaveAnswers(ctx, batch); err != nil {
		return nil, NewStorageError(fmt.Sprintf("save answers: %v", err))
	}
	return &SaveAnswerResult{}, nil
}

func (s *AnswerService) resolveQuestion(ctx context.Context, questionnaireID, questionID string) (*models.Questionnaire, models.Question, error) {
	questionnaire, err := s.questionnaires.GetQuestionnaire(ctx, questionnaireID)
	if err != nil {
		return nil, models.Question{}, fmt.Errorf("lookup questionnaire: %w", err)
	}
	if questionnaire == nil {
		return nil, models.Question{}, NewNotFoundError("questionnaire not found")
	}
	question, ok := questionnaire.FindQuestion(questionID)
	if !ok {
		return nil, models.Question{}, NewNotFoundError("question not in questionnaire")
	}
	return questionnaire, question, nil
}

// encryptAnswer normalizes, serializes and encrypts a validated value,
// producing either a fresh answer or an update of the stored one with
// an appended audit entry.
func (s *AnswerService) encryptAnswer(ctx context.Context, questionnaire models.Questionnaire, question models.Question, in SaveAnswerInput) (models.Answer, error) {
	value := NormalizeForStorage(question, in.Value)
	plaintext, err := json.Marshal(value)
	if err != nil {
		return models.Answer{}, fmt.Errorf("encode answer value: %w", err)
	}
	env, err := s.enc.Encrypt(string(plaintext), in.Key)
	if err != nil {
		return models.Answer{}, fmt.Errorf("encrypt answer: %w", err)
	}
	encrypted := env.Encode()

	existing, err := s.answers.GetAnswerByQuestion(ctx, questionnaire.ID, question.ID)
	if err != nil {
		return models.Answer{}, fmt.Errorf("lookup existing answer: %w", err)
	}
	if existing != nil {
		return existing.Update(encrypted, in.Source, in.Confidence, s.now()), nil
	}
	answer, err := models.NewAnswer(s.idGen(), questionnaire.ID, question.ID, encrypted, question.Type, in.Source, in.Confidence, s.now())
	if err != nil {
		return models.Answer{}, NewInvalidError(err.Error())
	}
	return answer, nil
}

// NormalizeForStorage converts legacy array-form multi-choice answers
// into the bitset form when every element resolves to a power-of-two
// option value. Anything unresolvable keeps its original shape.
func NormalizeForStorage(q models.Question, value models.AnswerValue) models.AnswerValue {
	if !q.Type.IsMultiChoice() {
		return value
	}
	items, ok := models.SliceValue(value)
	if !ok {
		return value
	}
	if bitset, ok := EncodeOptionValues(q, items); ok {
		return bitset
	}
	return value
}

// AnswersMap loads and decrypts all answers of a questionnaire into a
// value-by-question-id map. A single undecryptable or malformed record
// is logged and skipped; the load as a whole still succeeds.
func (s *AnswerService) AnswersMap(ctx context.Context, questionnaireID, key string) (map[string]models.AnswerValue, error) {
	stored, err := s.answers.ListAnswersByQuestionnaire(ctx, questionnaireID)
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("list answers: %v", err))
	}
	out := make(map[string]models.AnswerValue, len(stored))
	for _, a := range stored {
		env, err := crypto.DecodeEnvelope(a.EncryptedValue)
		if err != nil {
			s.log.Warn("skipping malformed answer envelope",
				zap.String("answer_id", a.ID),
				zap.String("question_id", a.QuestionID),
				zap.Error(err))
			continue
		}
		plaintext, err := s.enc.Decrypt(env, key)
		if err != nil {
			s.log.Warn("skipping undecryptable answer",
				zap.String("answer_id", a.ID),
				zap.String("question_id", a.QuestionID),
				zap.Error(err))
			continue
		}
		var value models.AnswerValue
		if err := json.Unmarshal([]byte(plaintext), &value); err != nil {
			s.log.Warn("skipping undecodable answer value",
				zap.String("answer_id", a.ID),
				zap.String("question_id", a.QuestionID),
				zap.Error(err))
			continue
		}
		out[a.QuestionID] = value
	}
	return out, nil
}

type LoadQuestionnaireInput struct {
	PatientID       string
	QuestionnaireID string // empty: latest for patient, or a fresh instance
	Key             string
}

type LoadQuestionnaireResult struct {
	Questionnaire models.Questionnaire
	Answers       map[string]models.AnswerValue
	Progress      int
}

// LoadQuestionnaire resolves the patient's questionnaire (by id, the
// most recent one, or a fresh instance snapshotted from the current
// template) and loads its decrypted answers under a deadline. When the
// deadline expires the load returns with an empty answer map so the
// intake can still be opened.
func (s *AnswerService) LoadQuestionnaire(ctx context.Context, in LoadQuestionnaireInput) (*LoadQuestionnaireResult, error) {
	patient, err := s.patients.GetPatient(ctx, in.PatientID)
	if err != nil {
		return nil, fmt.Errorf("lookup patient: %w", err)
	}
	if patient == nil {
		return nil, NewNotFoundError("patient not found")
	}

	questionnaire, err := s.resolveQuestionnaire(ctx, in)
	if err != nil {
		return nil, err
	}

	loadCtx, cancel := context.WithTimeout(ctx, s.loadTimeout)
	defer cancel()
	answers, err := s.AnswersMap(loadCtx, questionnaire.ID, in.Key)
	if err != nil {
		if errors.Is(loadCtx.Err(), context.DeadlineExceeded) {
			s.log.Warn("answer load timed out, opening with empty answers",
				zap.String("questionnaire_id", questionnaire.ID),
				zap.Duration("timeout", s.loadTimeout))
			answers = map[string]models.AnswerValue{}
		} else {
			return nil, err
		}
	}

	return &LoadQuestionnaireResult{
		Questionnaire: *questionnaire,
		Answers:       answers,
		Progress:      Progress(*questionnaire, answers),
	}, nil
}

func (s *AnswerService) resolveQuestionnaire(ctx context.Context, in LoadQuestionnaireInput) (*models.Questionnaire, error) {
	if in.QuestionnaireID != "" {
		q, err := s.questionnaires.GetQuestionnaire(ctx, in.QuestionnaireID)
		if err != nil {
			return nil, fmt.Errorf("lookup questionnaire: %w", err)
		}
		if q == nil {
			return nil, NewNotFoundError("questionnaire not found")
		}
		return q, nil
	}

	existing, err := s.questionnaires.ListQuestionnairesByPatient(ctx, in.PatientID)
	if err != nil {
		return nil, fmt.Errorf("list questionnaires: %w", err)
	}
	if len(existing) > 0 {
		return &existing[0], nil
	}

	sections, version, err := s.questionnaires.LoadTemplate(ctx)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	fresh, err := models.NewQuestionnaire(s.idGen(), in.PatientID, version, sections, s.now())
	if err != nil {
		return nil, NewInvalidError(err.Error())
	}
	if err := s.questionnaires.SaveQuestionnaire(ctx, fresh); err != nil {
		return nil, NewStorageError(fmt.Sprintf("save questionnaire: %v", err))
	}
	s.log.Info("questionnaire created from template",
		zap.String("questionnaire_id", fresh.ID),
		zap.String("patient_id", in.PatientID),
		zap.String("version", version))
	return &fresh, nil
}

// SetStatus applies an explicit status change. Unusual jumps are
// allowed but logged; completion stamps the completion timestamp and
// any other status clears it.
func (s *AnswerService) SetStatus(ctx context.Context, questionnaireID string, status models.QuestionnaireStatus) (*models.Questionnaire, error) {
	questionnaire, err := s.questionnaires.GetQuestionnaire(ctx, questionnaireID)
	if err != nil {
		return nil, fmt.Errorf("lookup questionnaire: %w", err)
	}
	if questionnaire == nil {
		return nil, NewNotFoundError("questionnaire not found")
	}
	if !models.CanTransition(questionnaire.Status, status) {
		s.log.Debug("unusual questionnaire status transition",
			zap.String("questionnaire_id", questionnaireID),
			zap.String("from", string(questionnaire.Status)),
			zap.String("to", string(status)))
	}
	next, err := questionnaire.WithStatus(status, s.now())
	if err != nil {
		return nil, NewInvalidError(err.Error())
	}
	if err := s.questionnaires.SaveQuestionnaire(ctx, next); err != nil {
		return nil, NewStorageError(fmt.Sprintf("save questionnaire: %v", err))
	}
	return &next, nil
}
