// Package db provides the sqlite-backed implementation of the
// repository interfaces consumed by the domain services.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/curaform/anamnese/internal/models"
	"github.com/curaform/anamnese/internal/services"
)

// SQLiteStore persists patients, questionnaires, answers and consents.
// Answers are upserted by (questionnaire_id, question_id), giving
// last-write-wins semantics per question.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

var (
	_ services.AnswerStore        = (*SQLiteStore)(nil)
	_ services.QuestionnaireStore = (*SQLiteStore)(nil)
	_ services.PatientStore       = (*SQLiteStore)(nil)
	_ services.ConsentStore       = (*SQLiteStore)(nil)
	_ services.EnvelopeSampler    = (*SQLiteStore)(nil)
	_ services.SettingsStore      = (*SQLiteStore)(nil)
)

func NewSQLiteStore(db *sql.DB, log *zap.Logger) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if log == nil {
		log = zap.NewNop()
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db, log: log}, nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func toNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func fromNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (s *SQLiteStore) decodeJSON(ns sql.NullString, out any, what string) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return
	}
	if err := json.Unmarshal([]byte(ns.String), out); err != nil {
		s.log.Warn("sqlite store: decode column", zap.String("column", what), zap.Error(err))
	}
}

// Patients

func (s *SQLiteStore) SavePatient(ctx context.Context, p models.Patient) error {
	audit, err := encodeJSON(p.AuditLog)
	if err != nil {
		return fmt.Errorf("encode patient audit: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patients (id, encrypted_data, language, created_at, updated_at, audit_log)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			encrypted_data = excluded.encrypted_data,
			language = excluded.language,
			updated_at = excluded.updated_at,
			audit_log = excluded.audit_log`,
		p.ID, p.EncryptedData, p.Language, formatTime(p.CreatedAt), formatTime(p.UpdatedAt), audit)
	if err != nil {
		return fmt.Errorf("save patient: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, encrypted_data, language, created_at, updated_at, audit_log
		FROM patients WHERE id = ?`, id)
	var p models.Patient
	var createdAt, updatedAt string
	var audit sql.NullString
	err := row.Scan(&p.ID, &p.EncryptedData, &p.Language, &createdAt, &updatedAt, &audit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	s.decodeJSON(audit, &p.AuditLog, "patients.audit_log")
	return &p, nil
}

// Templates and questionnaires

// SaveTemplate stores a questionnaire template snapshot under its
// version string.
func (s *SQLiteStore) SaveTemplate(ctx context.Context, version string, sections []models.Section, now time.Time) error {
	enc, err := encodeJSON(sections)
	if err != nil {
		return fmt.Errorf("encode template sections: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (version, sections, created_at) VALUES (?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET sections = excluded.sections`,
		version, enc, formatTime(now))
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}

// LoadTemplate returns the most recently created template snapshot.
func (s *SQLiteStore) LoadTemplate(ctx context.Context) ([]models.Section, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, sections FROM templates ORDER BY created_at DESC, version DESC LIMIT 1`)
	var version, sectionsJSON string
	err := row.Scan(&version, &sectionsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", errors.New("no questionnaire template installed")
	}
	if err != nil {
		return nil, "", fmt.Errorf("load template: %w", err)
	}
	var sections []models.Section
	if err := json.Unmarshal([]byte(sectionsJSON), &sections); err != nil {
		return nil, "", fmt.Errorf("decode template sections: %w", err)
	}
	return sections, version, nil
}

func (s *SQLiteStore) SaveQuestionnaire(ctx context.Context, q models.Questionnaire) error {
	sections, err := encodeJSON(q.Sections)
	if err != nil {
		return fmt.Errorf("encode questionnaire sections: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO questionnaires (id, patient_id, version, sections, status, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		q.ID, q.PatientID, q.Version, sections, string(q.Status),
		formatTime(q.CreatedAt), formatTime(q.UpdatedAt), toNullTime(q.CompletedAt))
	if err != nil {
		return fmt.Errorf("save questionnaire: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetQuestionnaire(ctx context.Context, id string) (*models.Questionnaire, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, patient_id, version, sections, status, created_at, updated_at, completed_at
		FROM questionnaires WHERE id = ?`, id)
	q, err := scanQuestionnaire(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get questionnaire: %w", err)
	}
	return q, nil
}

func (s *SQLiteStore) ListQuestionnairesByPatient(ctx context.Context, patientID string) ([]models.Questionnaire, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_id, version, sections, status, created_at, updated_at, completed_at
		FROM questionnaires WHERE patient_id = ? ORDER BY updated_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list questionnaires: %w", err)
	}
	defer rows.Close()
	var out []models.Questionnaire
	for rows.Next() {
		q, err := scanQuestionnaire(rows)
		if err != nil {
			return nil, fmt.Errorf("scan questionnaire: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanQuestionnaire(row rowScanner) (*models.Questionnaire, error) {
	var q models.Questionnaire
	var sectionsJSON, status, createdAt, updatedAt string
	var completedAt sql.NullString
	if err := row.Scan(&q.ID, &q.PatientID, &q.Version, &sectionsJSON, &status, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sectionsJSON), &q.Sections); err != nil {
		return nil, fmt.Errorf("decode sections: %w", err)
	}
	q.Status = models.QuestionnaireStatus(status)
	q.CreatedAt = parseTime(createdAt)
	q.UpdatedAt = parseTime(updatedAt)
	q.CompletedAt = fromNullTime(completedAt)
	return &q, nil
}

// Answers

const upsertAnswerSQL = `
	INSERT INTO answers (id, questionnaire_id, question_id, encrypted_value, question_type, source, confidence, answered_at, updated_at, audit_log)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(questionnaire_id, question_id) DO UPDATE SET
		encrypted_value = excluded.encrypted_value,
		source = excluded.source,
		confidence = excluded.confidence,
		updated_at = excluded.updated_at,
		audit_log = excluded.audit_log`

func answerArgs(a models.Answer) ([]any, error) {
	audit, err := encodeJSON(a.AuditLog)
	if err != nil {
		return nil, fmt.Errorf("encode answer audit: %w", err)
	}
	var confidence sql.NullFloat64
	if a.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *a.Confidence, Valid: true}
	}
	return []any{
		a.ID, a.QuestionnaireID, a.QuestionID, a.EncryptedValue, string(a.QuestionType),
		string(a.Source), confidence, formatTime(a.AnsweredAt), formatTime(a.UpdatedAt), audit,
	}, nil
}

func (s *SQLiteStore) SaveAnswer(ctx context.Context, a models.Answer) error {
	args, err := answerArgs(a)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertAnswerSQL, args...); err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return nil
}

// SaveAnswers writes the batch inside one transaction; any failure
// rolls the whole batch back.
func (s *SQLiteStore) SaveAnswers(ctx context.Context, as []models.Answer) error {
	if len(as) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin answer batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, upsertAnswerSQL)
	if err != nil {
		return fmt.Errorf("prepare answer batch: %w", err)
	}
	defer stmt.Close()
	for _, a := range as {
		args, err := answerArgs(a)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("save answer %s: %w", a.QuestionID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetAnswerByQuestion(ctx context.Context, questionnaireID, questionID string) (*models.Answer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, questionnaire_id, question_id, encrypted_value, question_type, source, confidence, answered_at, updated_at, audit_log
		FROM answers WHERE questionnaire_id = ? AND question_id = ?`, questionnaireID, questionID)
	a, err := s.scanAnswer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get answer: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAnswersByQuestionnaire(ctx context.Context, questionnaireID string) ([]models.Answer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, questionnaire_id, question_id, encrypted_value, question_type, source, confidence, answered_at, updated_at, audit_log
		FROM answers WHERE questionnaire_id = ? ORDER BY answered_at`, questionnaireID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()
	var out []models.Answer
	for rows.Next() {
		a, err := s.scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteAnswersByQuestionnaire(ctx context.Context, questionnaireID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM answers WHERE questionnaire_id = ?`, questionnaireID); err != nil {
		return fmt.Errorf("delete answers: %w", err)
	}
	return nil
}

// SampleEncryptedValues returns the newest stored ciphertexts for key
// verification at unlock. Patient envelopes come first so a database
// that already holds demographics but no answers yet still pins the
// key; answer envelopes fill the remainder of the sample.
func (s *SQLiteStore) SampleEncryptedValues(ctx context.Context, limit int) ([]string, error) {
	out, err := s.sampleColumn(ctx, `
		SELECT encrypted_data FROM patients ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sample patients: %w", err)
	}
	if len(out) < limit {
		answers, err := s.sampleColumn(ctx, `
			SELECT encrypted_value FROM answers ORDER BY updated_at DESC LIMIT ?`, limit-len(out))
		if err != nil {
			return nil, fmt.Errorf("sample answers: %w", err)
		}
		out = append(out, answers...)
	}
	return out, nil
}

func (s *SQLiteStore) sampleColumn(ctx context.Context, query string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) scanAnswer(row rowScanner) (*models.Answer, error) {
	var a models.Answer
	var qt, source, answeredAt, updatedAt string
	var confidence sql.NullFloat64
	var audit sql.NullString
	if err := row.Scan(&a.ID, &a.QuestionnaireID, &a.QuestionID, &a.EncryptedValue, &qt, &source, &confidence, &answeredAt, &updatedAt, &audit); err != nil {
		return nil, err
	}
	a.QuestionType = models.QuestionType(qt)
	a.Source = models.AnswerSource(source)
	if confidence.Valid {
		c := confidence.Float64
		a.Confidence = &c
	}
	a.AnsweredAt = parseTime(answeredAt)
	a.UpdatedAt = parseTime(updatedAt)
	s.decodeJSON(audit, &a.AuditLog, "answers.audit_log")
	return &a, nil
}

// Consents

func (s *SQLiteStore) SaveConsent(ctx context.Context, c models.GDPRConsent) error {
	categories, err := encodeJSON(c.DataCategories)
	if err != nil {
		return fmt.Errorf("encode consent categories: %w", err)
	}
	recipients, err := encodeJSON(c.Recipients)
	if err != nil {
		return fmt.Errorf("encode consent recipients: %w", err)
	}
	audit, err := encodeJSON(c.AuditLog)
	if err != nil {
		return fmt.Errorf("encode consent audit: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consents (id, patient_id, type, granted, granted_at, revoked_at, privacy_policy_version, legal_basis, purpose, data_categories, recipients, retention_period, audit_log)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			granted = excluded.granted,
			granted_at = excluded.granted_at,
			revoked_at = excluded.revoked_at,
			audit_log = excluded.audit_log`,
		c.ID, c.PatientID, string(c.Type), c.Granted, toNullTime(c.GrantedAt), toNullTime(c.RevokedAt),
		c.PrivacyPolicyVersion, string(c.LegalBasis), c.Purpose, categories, recipients, c.RetentionPeriod, audit)
	if err != nil {
		return fmt.Errorf("save consent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConsent(ctx context.Context, id string) (*models.GDPRConsent, error) {
	row := s.db.QueryRowContext(ctx, consentSelect+` WHERE id = ?`, id)
	c, err := s.scanConsent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get consent: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListConsentsByPatient(ctx context.Context, patientID string) ([]models.GDPRConsent, error) {
	rows, err := s.db.QueryContext(ctx, consentSelect+` WHERE patient_id = ? ORDER BY type`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list consents: %w", err)
	}
	defer rows.Close()
	var out []models.GDPRConsent
	for rows.Next() {
		c, err := s.scanConsent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HasActiveConsent(ctx context.Context, patientID string, typ models.ConsentType) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM consents
		WHERE patient_id = ? AND type = ? AND granted = 1 AND revoked_at IS NULL`,
		patientID, string(typ))
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("check consent: %w", err)
	}
	return n > 0, nil
}

const consentSelect = `
	SELECT id, patient_id, type, granted, granted_at, revoked_at, privacy_policy_version, legal_basis, purpose, data_categories, recipients, retention_period, audit_log
	FROM consents`

func (s *SQLiteStore) scanConsent(row rowScanner) (*models.GDPRConsent, error) {
	var c models.GDPRConsent
	var typ, basis string
	var grantedAt, revokedAt, purpose, categories, recipients, retention, audit sql.NullString
	if err := row.Scan(&c.ID, &c.PatientID, &typ, &c.Granted, &grantedAt, &revokedAt, &c.PrivacyPolicyVersion, &basis, &purpose, &categories, &recipients, &retention, &audit); err != nil {
		return nil, err
	}
	c.Type = models.ConsentType(typ)
	c.LegalBasis = models.LegalBasis(basis)
	c.GrantedAt = fromNullTime(grantedAt)
	c.RevokedAt = fromNullTime(revokedAt)
	c.Purpose = purpose.String
	c.RetentionPeriod = retention.String
	s.decodeJSON(categories, &c.DataCategories, "consents.data_categories")
	s.decodeJSON(recipients, &c.Recipients, "consents.recipients")
	s.decodeJSON(audit, &c.AuditLog, "consents.audit_log")
	return &c, nil
}

// Settings

const masterSaltKey = "master_key_salt"

func (s *SQLiteStore) MasterSalt(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, masterSaltKey)
	var v string
	err := row.Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load master salt: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) SetMasterSalt(ctx context.Context, salt string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, masterSaltKey, salt)
	if err != nil {
		return fmt.Errorf("store master salt: %w", err)
	}
	return nil
}
