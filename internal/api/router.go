// Package api exposes the intake domain over HTTP. Routing follows
// plain net/http with method checks per handler; the encryption key is
// carried in the X-Encryption-Key header and never appears in URLs.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/curaform/anamnese/internal/middleware"
	"github.com/curaform/anamnese/internal/models"
	"github.com/curaform/anamnese/internal/services"
)

type Router struct {
	sessions *services.SessionService
	answers  *services.AnswerService
	consents *services.ConsentService
	patients *services.PatientService
	gdt      *services.GDTExportService
	anon     *services.AnonymizedExportService
	log      *zap.Logger
}

func NewRouter(sessions *services.SessionService, answers *services.AnswerService, consents *services.ConsentService, patients *services.PatientService, gdtExport *services.GDTExportService, anonExport *services.AnonymizedExportService, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		sessions: sessions,
		answers:  answers,
		consents: consents,
		patients: patients,
		gdt:      gdtExport,
		anon:     anonExport,
		log:      log,
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/session/unlock", rt.handleUnlock)         // POST
	mux.HandleFunc("/api/patients", rt.handlePatients)             // POST
	mux.HandleFunc("/api/patients/", rt.handlePatientByID)         // GET
	mux.HandleFunc("/api/questionnaires", rt.handleQuestionnaires) // GET
	mux.HandleFunc("/api/questionnaires/", rt.handleQuestionnaireScoped)
	mux.HandleFunc("/api/answers", rt.handleAnswer)          // POST
	mux.HandleFunc("/api/answers/bulk", rt.handleAnswerBulk) // POST
	mux.HandleFunc("/api/consents", rt.handleConsents)       // POST, GET
	mux.HandleFunc("/api/consents/", rt.handleConsentScoped)
	mux.HandleFunc("/api/export/gdt", rt.handleGDTExport)         // POST
	mux.HandleFunc("/api/export/anonymized", rt.handleAnonExport) // POST
	mux.HandleFunc("/api/health", rt.handleHealth)                // GET
}

const keyHeader = "X-Encryption-Key"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusForCode(code services.ErrorCode) int {
	switch code {
	case services.ErrorInvalid:
		return http.StatusBadRequest
	case services.ErrorForbidden:
		return http.StatusForbidden
	case services.ErrorNotFound:
		return http.StatusNotFound
	case services.ErrorConflict:
		return http.StatusConflict
	case services.ErrorUnauthorized:
		return http.StatusUnauthorized
	case services.ErrorStorage:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func (rt *Router) writeError(w http.ResponseWriter, err error) {
	if se, ok := services.AsServiceError(err); ok {
		writeJSON(w, statusForCode(se.Code), map[string]any{"error": se.Message, "code": se.Code})
		return
	}
	rt.log.Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return false
	}
	return true
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// POST /api/session/unlock {password}
func (rt *Router) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := rt.sessions.Unlock(r.Context(), req.Password)
	if err != nil {
		if err == services.ErrUnlockFailed {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error(), "code": services.ErrorUnauthorized})
			return
		}
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":         res.SessionToken,
		"key":           res.Key,
		"fresh_install": res.FreshInstall,
	})
}

// POST /api/patients {demographics, language}
func (rt *Router) handlePatients(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req services.CreatePatientInput
	if !decodeBody(w, r, &req) {
		return
	}
	req.Key = r.Header.Get(keyHeader)
	p, err := rt.patients.Create(r.Context(), req)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GET /api/patients/{id}
func (rt *Router) handlePatientByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/patients/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	p, err := rt.patients.Get(r.Context(), id)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GET /api/questionnaires?patient_id=&questionnaire_id=
func (rt *Router) handleQuestionnaires(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := rt.answers.LoadQuestionnaire(r.Context(), services.LoadQuestionnaireInput{
		PatientID:       r.URL.Query().Get("patient_id"),
		QuestionnaireID: r.URL.Query().Get("questionnaire_id"),
		Key:             r.Header.Get(keyHeader),
	})
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"questionnaire": res.Questionnaire,
		"answers":       res.Answers,
		"progress":      res.Progress,
	})
}

// POST /api/questionnaires/{id}/status {status}
func (rt *Router) handleQuestionnaireScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/questionnaires/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "status" {
		http.NotFound(w, r)
		return
	}
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	q, err := rt.answers.SetStatus(r.Context(), parts[0], models.QuestionnaireStatus(req.Status))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// POST /api/answers {questionnaire_id, question_id, value, source, confidence}
func (rt *Router) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		QuestionnaireID string   `json:"questionnaire_id"`
		QuestionID      string   `json:"question_id"`
		Value           any      `json:"value"`
		Source          string   `json:"source"`
		Confidence      *float64 `json:"confidence"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := rt.answers.SaveAnswer(r.Context(), services.SaveAnswerInput{
		QuestionnaireID: req.QuestionnaireID,
		QuestionID:      req.QuestionID,
		Value:           req.Value,
		Key:             r.Header.Get(keyHeader),
		Source:          answerSource(req.Source),
		Confidence:      req.Confidence,
	})
	if err != nil {
		rt.writeError(w, err)
		return
	}
	if len(res.FieldErrors) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"field_errors": res.FieldErrors})
		return
	}
	writeJSON(w, http.StatusOK, res.Answer)
}

// POST /api/answers/bulk {questionnaire_id, values}
func (rt *Router) handleAnswerBulk(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		QuestionnaireID string         `json:"questionnaire_id"`
		Values          map[string]any `json:"values"`
		Source          string         `json:"source"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := rt.answers.SaveAnswers(r.Context(), services.SaveAnswersInput{
		QuestionnaireID: req.QuestionnaireID,
		Values:          req.Values,
		Key:             r.Header.Get(keyHeader),
		Source:          answerSource(req.Source),
	})
	if err != nil {
		rt.writeError(w, err)
		return
	}
	if len(res.FieldErrors) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"field_errors": res.FieldErrors})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func answerSource(s string) models.AnswerSource {
	switch models.AnswerSource(s) {
	case models.SourceVoice:
		return models.SourceVoice
	case models.SourceOCR:
		return models.SourceOCR
	}
	return models.SourceManual
}

// POST /api/consents | GET /api/consents?patient_id=
func (rt *Router) handleConsents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req services.CreateConsentInput
		if !decodeBody(w, r, &req) {
			return
		}
		c, err := rt.consents.Create(r.Context(), req)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	case http.MethodGet:
		cs, err := rt.consents.List(r.Context(), r.URL.Query().Get("patient_id"))
		if err != nil {
			rt.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cs)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /api/consents/{id}/grant | /api/consents/{id}/revoke
func (rt *Router) handleConsentScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/consents/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	var (
		c   any
		err error
	)
	switch parts[1] {
	case "grant":
		c, err = rt.consents.Grant(r.Context(), parts[0], req.Note)
	case "revoke":
		c, err = rt.consents.Revoke(r.Context(), parts[0], req.Note)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// POST /api/export/gdt
func (rt *Router) handleGDTExport(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req services.GDTExportInput
	if !decodeBody(w, r, &req) {
		return
	}
	req.Key = r.Header.Get(keyHeader)
	if sid, ok := middleware.SessionIDFromContext(r.Context()); ok {
		rt.log.Info("gdt export requested", zap.String("session", sid), zap.String("patient", req.PatientID))
	}
	res, err := rt.gdt.Export(r.Context(), req)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": res.FilePath})
}

// POST /api/export/anonymized
func (rt *Router) handleAnonExport(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req services.AnonymizedExportInput
	if !decodeBody(w, r, &req) {
		return
	}
	req.Key = r.Header.Get(keyHeader)
	res, err := rt.anon.Export(r.Context(), req)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": res.FilePath, "version": res.Export.Version})
}

// GET /api/health
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
