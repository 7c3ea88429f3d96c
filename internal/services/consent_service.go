package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curaform/anamnese/internal/models"
)

// ConsentStore persists consent records and answers the "is this
// processing allowed right now" question for guards like the exports.
type ConsentStore interface {
	SaveConsent(ctx context.Context, c models.GDPRConsent) error
	GetConsent(ctx context.Context, id string) (*models.GDPRConsent, error)
	ListConsentsByPatient(ctx context.Context, patientID string) ([]models.GDPRConsent, error)
	HasActiveConsent(ctx context.Context, patientID string, typ models.ConsentType) (bool, error)
}

// ConsentService drives the consent lifecycle against the store. State
// transitions themselves live on the entity; the service persists them
// and keeps the audit trail honest.
type ConsentService struct {
	store ConsentStore
	log   *zap.Logger
	now   func() time.Time
	idGen func() string
}

func NewConsentService(store ConsentStore, log *zap.Logger) *ConsentService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConsentService{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		idGen: uuid.NewString,
	}
}

type CreateConsentInput struct {
	PatientID            string
	Type                 models.ConsentType
	PrivacyPolicyVersion string
	LegalBasis           models.LegalBasis
	Purpose              string
	DataCategories       []string
	RetentionPeriod      string
}

// Create registers a new, ungranted consent record.
func (s *ConsentService) Create(ctx context.Context, in CreateConsentInput) (*models.GDPRConsent, error) {
	c, err := models.NewConsent(s.idGen(), in.PatientID, in.Type, in.PrivacyPolicyVersion, in.LegalBasis, in.Purpose, in.DataCategories, in.RetentionPeriod)
	if err != nil {
		return nil, NewInvalidError(err.Error())
	}
	if err := s.store.SaveConsent(ctx, c); err != nil {
		return nil, fmt.Errorf("save consent: %w", err)
	}
	return &c, nil
}

// Grant transitions a consent to granted. A double grant is a caller
// workflow bug and surfaces as a conflict.
func (s *ConsentService) Grant(ctx context.Context, id, note string) (*models.GDPRConsent, error) {
	return s.transition(ctx, id, func(c models.GDPRConsent) (models.GDPRConsent, error) {
		return c.Grant(s.now(), note)
	})
}

// Revoke withdraws a granted consent.
func (s *ConsentService) Revoke(ctx context.Context, id, note string) (*models.GDPRConsent, error) {
	return s.transition(ctx, id, func(c models.GDPRConsent) (models.GDPRConsent, error) {
		return c.Revoke(s.now(), note)
	})
}

func (s *ConsentService) transition(ctx context.Context, id string, step func(models.GDPRConsent) (models.GDPRConsent, error)) (*models.GDPRConsent, error) {
	c, err := s.store.GetConsent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup consent: %w", err)
	}
	if c == nil {
		return nil, NewNotFoundError("consent not found")
	}
	next, err := step(*c)
	if err != nil {
		if errors.Is(err, models.ErrConsentState) {
			// Expected never to happen with correct caller-side state
			// tracking, so it is worth an error-level log when it does.
			s.log.Error("invalid consent transition",
				zap.String("consent_id", id),
				zap.String("type", string(c.Type)),
				zap.Bool("granted", c.Granted))
			return nil, NewConflictError(err.Error())
		}
		return nil, err
	}
	if err := s.store.SaveConsent(ctx, next); err != nil {
		return nil, fmt.Errorf("save consent: %w", err)
	}
	return &next, nil
}

// List returns all consent records of a patient.
func (s *ConsentService) List(ctx context.Context, patientID string) ([]models.GDPRConsent, error) {
	cs, err := s.store.ListConsentsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list consents: %w", err)
	}
	return cs, nil
}
