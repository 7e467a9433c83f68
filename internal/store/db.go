// Package store persists connections, jobs, items and assessments in SQLite
// through gorm.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

// pragmas enable WAL so list/report readers never wait on the transfer loop.
// Write transactions take the lock up front so concurrent writers queue on
// busy_timeout instead of failing on lock upgrade.
const pragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

// Store bundles the repositories over one database handle.
type Store struct {
	DB          *gorm.DB
	Connections *ConnectionRepo
	Jobs        *JobRepo
	Items       *ItemRepo
	Assessments *AssessmentRepo
}

// Open opens (creating if needed) the SQLite database at path and migrates the schema.
func Open(path string, log *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+pragmas), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.AutoMigrate(&models.Connection{}, &models.Job{}, &models.Item{}, &models.Assessment{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	log.Debug("database ready", zap.String("path", path))
	return New(db), nil
}

// New wraps an already-open handle.
func New(db *gorm.DB) *Store {
	return &Store{
		DB:          db,
		Connections: &ConnectionRepo{db: db},
		Jobs:        &JobRepo{db: db},
		Items:       &ItemRepo{db: db},
		Assessments: &AssessmentRepo{db: db},
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	return err
}
