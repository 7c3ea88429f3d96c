package main

import (
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/curaform/anamnese/internal/api"
	"github.com/curaform/anamnese/internal/crypto"
	"github.com/curaform/anamnese/internal/middleware"
	"github.com/curaform/anamnese/internal/services"
	"github.com/curaform/anamnese/internal/utils"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	sqlitePath := utils.EnvOr("ANAMNESE_DB_PATH", "data/anamnese.db")
	sqlDB, store, err := openDatabase(sqlitePath, os.Getenv("ANAMNESE_MIGRATIONS_DIR"), logger)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer func() { _ = sqlDB.Close() }()

	if err := seedTemplate(store, logger); err != nil {
		logger.Fatal("install questionnaire template", zap.Error(err))
	}

	enc := crypto.NewAESGCMService()
	var metadata services.MetadataLookup
	if path := os.Getenv("ANAMNESE_METADATA_PATH"); path != "" {
		index, err := services.LoadQuestionMetadataIndex(path)
		if err != nil {
			logger.Warn("question metadata catalogue unavailable", zap.String("path", path), zap.Error(err))
		} else {
			metadata = index
		}
	}

	answers := services.NewAnswerService(store, store, store, enc, logger)
	consents := services.NewConsentService(store, logger)
	patients := services.NewPatientService(store, enc, logger)
	sessions := services.NewSessionService(store, store, enc, middleware.SignToken, logger)
	gdtExport := services.NewGDTExportService(store, store, store, answers, enc, logger)
	anonExport := services.NewAnonymizedExportService(store, store, answers, enc, metadata, logger)

	mux := http.NewServeMux()
	api.NewRouter(sessions, answers, consents, patients, gdtExport, anonExport, logger).Register(mux)

	// Everything except unlock and health requires an unlocked session.
	protected := middleware.RequireSession(mux)
	gate := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/session/unlock", "/api/health":
			mux.ServeHTTP(w, r)
		default:
			protected.ServeHTTP(w, r)
		}
	})
	handler := middleware.SecureHeaders(middleware.WithAuth(gate))

	addr := utils.EnvOr("ANAMNESE_ADDR", ":8080")
	logger.Info("anamnese server listening", zap.String("addr", addr), zap.String("db", sqlitePath))
	if err := http.ListenAndServe(addr, handler); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
