package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/curaform/anamnese/internal/crypto"
	"github.com/curaform/anamnese/internal/models"
	"github.com/curaform/anamnese/internal/services"
)

func newTestStore(t *testing.T, name string) *SQLiteStore {
	t.Helper()
	sqlDB, err := sql.Open("sqlite3", "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := RunMigrations(sqlDB, ""); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	store, err := NewSQLiteStore(sqlDB, nil)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}

// A database that holds an encrypted patient record but no answers yet
// must still pin the master key: the patient envelope is part of the
// verification sample, so a wrong password cannot unlock.
func TestUnlockVerifiesAgainstPatientEnvelope(t *testing.T) {
	store := newTestStore(t, "unlock_patient_envelope")
	ctx := context.Background()
	enc := crypto.NewAESGCMService()
	sessions := services.NewSessionService(store, store, enc, nil, nil)

	first, err := sessions.Unlock(ctx, "praxis-passwort")
	if err != nil {
		t.Fatalf("first unlock: %v", err)
	}
	if !first.FreshInstall {
		t.Fatalf("empty database must report fresh install")
	}

	env, err := enc.Encrypt(`{"lastName":"Meier"}`, first.Key)
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	patient, err := models.NewPatient("P1", env.Encode(), "de", time.Now().UTC())
	if err != nil {
		t.Fatalf("NewPatient error: %v", err)
	}
	if err := store.SavePatient(ctx, patient); err != nil {
		t.Fatalf("SavePatient error: %v", err)
	}

	if _, err := sessions.Unlock(ctx, "totally-wrong"); !errors.Is(err, services.ErrUnlockFailed) {
		t.Fatalf("wrong password with stored patient: want ErrUnlockFailed, got %v", err)
	}
	again, err := sessions.Unlock(ctx, "praxis-passwort")
	if err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
	if again.FreshInstall {
		t.Fatalf("stored patient must not count as fresh install")
	}
	if again.Key != first.Key {
		t.Fatalf("key not stable across sessions")
	}
}

func TestSampleEncryptedValuesPrefersPatients(t *testing.T) {
	store := newTestStore(t, "sample_order")
	ctx := context.Background()
	now := time.Now().UTC()

	patient, err := models.NewPatient("P1", "patient-envelope", "de", now)
	if err != nil {
		t.Fatalf("NewPatient error: %v", err)
	}
	if err := store.SavePatient(ctx, patient); err != nil {
		t.Fatalf("SavePatient error: %v", err)
	}
	q, err := models.NewQuestionnaire("QN1", "P1", "1.0", []models.Section{{ID: "S1", Order: 1}}, now)
	if err != nil {
		t.Fatalf("NewQuestionnaire error: %v", err)
	}
	if err := store.SaveQuestionnaire(ctx, q); err != nil {
		t.Fatalf("SaveQuestionnaire error: %v", err)
	}
	a, err := models.NewAnswer("A1", "QN1", "weight", "answer-envelope", models.TypeNumber, models.SourceManual, nil, now)
	if err != nil {
		t.Fatalf("NewAnswer error: %v", err)
	}
	if err := store.SaveAnswer(ctx, a); err != nil {
		t.Fatalf("SaveAnswer error: %v", err)
	}

	samples, err := store.SampleEncryptedValues(ctx, 3)
	if err != nil {
		t.Fatalf("SampleEncryptedValues error: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected both envelopes sampled, got %v", samples)
	}
	if samples[0] != "patient-envelope" || samples[1] != "answer-envelope" {
		t.Fatalf("patient envelope must come first: %v", samples)
	}

	// The limit caps the combined sample.
	capped, err := store.SampleEncryptedValues(ctx, 1)
	if err != nil {
		t.Fatalf("SampleEncryptedValues error: %v", err)
	}
	if len(capped) != 1 || capped[0] != "patient-envelope" {
		t.Fatalf("limit 1 must return only the patient envelope: %v", capped)
	}
}
