package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dbstore "github.com/curaform/anamnese/internal/db"
	"github.com/curaform/anamnese/internal/models"
	"github.com/curaform/anamnese/internal/utils"
)

// openDatabase opens (creating if necessary) the sqlite database, runs
// pending migrations and returns the store bound to it.
func openDatabase(sqlitePath, migrationsDir string, logger *zap.Logger) (*sql.DB, *dbstore.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", filepath.ToSlash(sqlitePath))
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := dbstore.RunMigrations(sqlDB, migrationsDir); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	store, err := dbstore.NewSQLiteStore(sqlDB, logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return sqlDB, store, nil
}

// seedTemplate installs the questionnaire template from the configured
// JSON file. Without a configured path the template already present in
// the database (if any) keeps serving.
func seedTemplate(store *dbstore.SQLiteStore, logger *zap.Logger) error {
	path := os.Getenv("ANAMNESE_TEMPLATE_PATH")
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read template file: %w", err)
	}
	var sections []models.Section
	if err := json.Unmarshal(raw, &sections); err != nil {
		return fmt.Errorf("decode template file: %w", err)
	}
	version := utils.EnvOr("ANAMNESE_TEMPLATE_VERSION", "1.0")
	if err := store.SaveTemplate(context.Background(), version, sections, time.Now().UTC()); err != nil {
		return err
	}
	logger.Info("questionnaire template installed", zap.String("version", version), zap.Int("sections", len(sections)))
	return nil
}
