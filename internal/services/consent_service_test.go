package services

import (
	"context"
	"testing"
	"time"

	"github.com/curaform/anamnese/internal/models"
)

type stubConsentStore struct {
	consents map[string]models.GDPRConsent
}

func newStubConsentStore() *stubConsentStore {
	return &stubConsentStore{consents: map[string]models.GDPRConsent{}}
}

func (s *stubConsentStore) SaveConsent(ctx context.Context, c models.GDPRConsent) error {
	s.consents[c.ID] = c
	return nil
}

func (s *stubConsentStore) GetConsent(ctx context.Context, id string) (*models.GDPRConsent, error) {
	if c, ok := s.consents[id]; ok {
		copy := c
		return &copy, nil
	}
	return nil, nil
}

func (s *stubConsentStore) ListConsentsByPatient(ctx context.Context, patientID string) ([]models.GDPRConsent, error) {
	var out []models.GDPRConsent
	for _, c := range s.consents {
		if c.PatientID == patientID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *stubConsentStore) HasActiveConsent(ctx context.Context, patientID string, typ models.ConsentType) (bool, error) {
	for _, c := range s.consents {
		if c.PatientID == patientID && c.Type == typ && c.IsValid() {
			return true, nil
		}
	}
	return false, nil
}

func newTestConsentService() (*ConsentService, *stubConsentStore) {
	store := newStubConsentStore()
	svc := NewConsentService(store, nil)
	svc.now = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) }
	svc.idGen = func() string { return "CONSENT-1" }
	return svc, store
}

func TestConsentServiceCreateGrantRevoke(t *testing.T) {
	svc, store := newTestConsentService()
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateConsentInput{
		PatientID:            "P1",
		Type:                 models.ConsentGDTExport,
		PrivacyPolicyVersion: "2.1",
		LegalBasis:           models.BasisConsent,
		Purpose:              "transfer to practice system",
		DataCategories:       []string{"health", "demographics"},
		RetentionPeriod:      "3 years",
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if created.Granted {
		t.Fatalf("fresh consent must be ungranted")
	}

	granted, err := svc.Grant(ctx, created.ID, "signed")
	if err != nil {
		t.Fatalf("Grant error: %v", err)
	}
	if !granted.IsValid() {
		t.Fatalf("granted consent not valid: %+v", granted)
	}
	active, err := store.HasActiveConsent(ctx, "P1", models.ConsentGDTExport)
	if err != nil || !active {
		t.Fatalf("HasActiveConsent = %v, %v", active, err)
	}

	revoked, err := svc.Revoke(ctx, created.ID, "patient request")
	if err != nil {
		t.Fatalf("Revoke error: %v", err)
	}
	if revoked.IsValid() {
		t.Fatalf("revoked consent still valid")
	}
}

func TestConsentServiceDoubleGrantConflicts(t *testing.T) {
	svc, _ := newTestConsentService()
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateConsentInput{PatientID: "P1", Type: models.ConsentDataProcessing})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := svc.Grant(ctx, created.ID, ""); err != nil {
		t.Fatalf("Grant error: %v", err)
	}
	_, err = svc.Grant(ctx, created.ID, "")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorConflict {
		t.Fatalf("double grant: want conflict, got %v", err)
	}
}

func TestConsentServiceUnknownID(t *testing.T) {
	svc, _ := newTestConsentService()
	_, err := svc.Grant(context.Background(), "missing", "")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorNotFound {
		t.Fatalf("want not_found, got %v", err)
	}
}
