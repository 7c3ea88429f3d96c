package services

import (
	"encoding/json"
	"fmt"
	"os"
)

// QuestionMetadata is the statistical enrichment attached to a question
// by the research question catalogue: a statistic-group label,
// ICD-10 classification codes and free research tags.
type QuestionMetadata struct {
	StatisticGroup string   `json:"statistic_group,omitempty"`
	ICD10Codes     []string `json:"icd10_codes,omitempty"`
	ResearchTags   []string `json:"research_tags,omitempty"`
}

// MetadataLookup resolves enrichment per question id. An unmatched
// lookup is expected and simply omits the metadata fields.
type MetadataLookup interface {
	Lookup(questionID string) (QuestionMetadata, bool)
}

// QuestionMetadataIndex is a static, file-loaded MetadataLookup.
type QuestionMetadataIndex struct {
	entries map[string]QuestionMetadata
}

func NewQuestionMetadataIndex(entries map[string]QuestionMetadata) *QuestionMetadataIndex {
	return &QuestionMetadataIndex{entries: entries}
}

// LoadQuestionMetadataIndex reads the catalogue from a JSON file
// mapping question id to metadata.
func LoadQuestionMetadataIndex(path string) (*QuestionMetadataIndex, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question metadata: %w", err)
	}
	var entries map[string]QuestionMetadata
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode question metadata: %w", err)
	}
	return &QuestionMetadataIndex{entries: entries}, nil
}

func (i *QuestionMetadataIndex) Lookup(questionID string) (QuestionMetadata, bool) {
	if i == nil {
		return QuestionMetadata{}, false
	}
	m, ok := i.entries[questionID]
	return m, ok
}
