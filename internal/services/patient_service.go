package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curaform/anamnese/internal/crypto"
	"github.com/curaform/anamnese/internal/models"
)

// PatientService registers patients. Demographics are encrypted before
// the entity is constructed; the store only ever sees the envelope.
type PatientService struct {
	patients PatientStore
	enc      crypto.EncryptionService
	log      *zap.Logger
	now      func() time.Time
	idGen    func() string
}

func NewPatientService(patients PatientStore, enc crypto.EncryptionService, log *zap.Logger) *PatientService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PatientService{
		patients: patients,
		enc:      enc,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		idGen:    uuid.NewString,
	}
}

type CreatePatientInput struct {
	Demographics models.Demographics `json:"demographics"`
	Language     string              `json:"language"`
	Key          string              `json:"-"`
}

// Create validates, encrypts and stores a new patient record. The
// response carries only the envelope, never the demographics.
func (s *PatientService) Create(ctx context.Context, in CreatePatientInput) (*models.Patient, error) {
	if strings.TrimSpace(in.Demographics.FirstName) == "" || strings.TrimSpace(in.Demographics.LastName) == "" {
		return nil, NewInvalidError("first and last name required")
	}
	if in.Demographics.BirthDate != "" {
		if _, err := ParseAnswerDate(in.Demographics.BirthDate); err != nil {
			return nil, NewInvalidError(err.Error())
		}
	}

	plaintext, err := json.Marshal(in.Demographics)
	if err != nil {
		return nil, fmt.Errorf("encode demographics: %w", err)
	}
	env, err := s.enc.Encrypt(string(plaintext), in.Key)
	if err != nil {
		return nil, fmt.Errorf("encrypt demographics: %w", err)
	}

	patient, err := models.NewPatient(s.idGen(), env.Encode(), in.Language, s.now())
	if err != nil {
		return nil, NewInvalidError(err.Error())
	}
	if err := s.patients.SavePatient(ctx, patient); err != nil {
		return nil, NewStorageError(fmt.Sprintf("save patient: %v", err))
	}
	s.log.Info("patient registered", zap.String("patient_id", patient.ID), zap.String("language", patient.Language))
	return &patient, nil
}

// Get returns the stored patient record with its encrypted payload.
func (s *PatientService) Get(ctx context.Context, id string) (*models.Patient, error) {
	p, err := s.patients.GetPatient(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup patient: %w", err)
	}
	if p == nil {
		return nil, NewNotFoundError("patient not found")
	}
	return p, nil
}
