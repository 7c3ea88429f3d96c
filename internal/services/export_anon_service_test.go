package services

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func newAnonService(f *exportFixture, metadata MetadataLookup) *AnonymizedExportService {
	svc := NewAnonymizedExportService(f.patients, f.questionnaires, f.answers, f.enc, metadata, nil)
	svc.now = func() time.Time { return time.Date(2025, 7, 14, 10, 30, 0, 0, time.UTC) }
	return svc
}

func TestAnonymizedExportStripsIdentity(t *testing.T) {
	f := newExportFixture(t)
	svc := newAnonService(f, nil)

	res, err := svc.Export(context.Background(), AnonymizedExportInput{
		PatientID:       "patient-1234",
		QuestionnaireID: f.questionnaire.ID,
		Key:             f.key,
		OutputDir:       t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}

	raw, err := os.ReadFile(res.FilePath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	serialized := string(raw)

	var export AnonymizedExport
	if err := json.Unmarshal(raw, &export); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if export.ExportType != "ANONYMIZED_ANAMNESE" || export.Version != "1.0" {
		t.Fatalf("unexpected export header: %+v", export)
	}
	if export.Demographics.YearOfBirth != 1990 || export.Demographics.Gender != "female" || export.Demographics.Language != "de" {
		t.Fatalf("unexpected demographics: %+v", export.Demographics)
	}

	// No direct identifiers anywhere in the serialized output.
	for _, forbidden := range []string{"1990-01-01", "Anna", "Meier", "Hauptstr", "A123456789", "10115"} {
		if strings.Contains(serialized, forbidden) {
			t.Fatalf("identifier %q leaked into export:\n%s", forbidden, serialized)
		}
	}
}

func TestAnonymizedExportPrefersIntegerRepresentations(t *testing.T) {
	f := newExportFixture(t)
	svc := newAnonService(f, nil)

	res, err := svc.Export(context.Background(), AnonymizedExportInput{
		PatientID:       "patient-1234",
		QuestionnaireID: f.questionnaire.ID,
		Key:             f.key,
		OutputDir:       t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}

	allergies := res.Export.Answers["allergies"]
	if n, ok := allergies.Value.(float64); !ok && allergies.Value != 3 {
		t.Fatalf("bitset answer value = %#v, want 3", allergies.Value)
	} else if ok && n != 3 {
		t.Fatalf("bitset answer value = %v, want 3", n)
	}
	pain := res.Export.Answers["pain"]
	if n, ok := pain.Value.(float64); !ok && pain.Value != 2 {
		t.Fatalf("single-choice value = %#v, want 2", pain.Value)
	} else if ok && n != 2 {
		t.Fatalf("single-choice value = %v, want 2", n)
	}
}

func TestAnonymizedExportEnrichment(t *testing.T) {
	f := newExportFixture(t)
	metadata := NewQuestionMetadataIndex(map[string]QuestionMetadata{
		"allergies": {
			StatisticGroup: "allergology",
			ICD10Codes:     []string{"T78.4"},
			ResearchTags:   []string{"allergy-screening"},
		},
	})
	svc := newAnonService(f, metadata)

	res, err := svc.Export(context.Background(), AnonymizedExportInput{
		PatientID:       "patient-1234",
		QuestionnaireID: f.questionnaire.ID,
		Key:             f.key,
		OutputDir:       t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if res.Export.Version != "2.0" {
		t.Fatalf("enriched export version = %q, want 2.0", res.Export.Version)
	}
	entry := res.Export.Answers["allergies"]
	if entry.StatisticGroup != "allergology" || len(entry.ICD10Codes) != 1 || len(entry.ResearchTags) != 1 {
		t.Fatalf("enrichment missing: %+v", entry)
	}
	// Unmatched questions simply carry no metadata.
	if other := res.Export.Answers["pain"]; other.StatisticGroup != "" || other.ICD10Codes != nil {
		t.Fatalf("unmatched question must stay unenriched: %+v", other)
	}
}

func TestAnonymizedExportWithoutMetadataStaysPlain(t *testing.T) {
	f := newExportFixture(t)
	// A catalogue that matches nothing keeps the export at version 1.0.
	svc := newAnonService(f, NewQuestionMetadataIndex(map[string]QuestionMetadata{}))

	res, err := svc.Export(context.Background(), AnonymizedExportInput{
		PatientID:       "patient-1234",
		QuestionnaireID: f.questionnaire.ID,
		Key:             f.key,
		OutputDir:       t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if res.Export.Version != "1.0" {
		t.Fatalf("unenriched export version = %q, want 1.0", res.Export.Version)
	}
}
