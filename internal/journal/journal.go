// Package journal persists execution results using GORM, on SQLite (pure Go,
// no CGO, through the glebarez/sqlite driver) or PostgreSQL.
// All GORM usage is confined to this package; callers see Entry values only.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/sandbox"
)

// ErrNotFound is returned by Get for an unknown execution id.
var ErrNotFound = errors.New("execution not found")

const defaultListLimit = 50

// Entry is one journaled execution.
type Entry struct {
	sandbox.ExecutionResult
	RequestKind string `json:"request_kind"`
	Command     string `json:"command"`
}

// ListOptions filters List.
type ListOptions struct {
	Limit       int    // Default: 50
	RequestKind string // Empty = all kinds.
	Outcome     string // "success", "failure", or empty for both.
}

// Store is the execution journal.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured backend and migrates the schema.
func Open(cfg *config.JournalConfig, slogger *slog.Logger) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("journal config is required")
	}
	if slogger == nil {
		slogger = slog.Default()
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gcfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	driver := cfg.JournalDriver()
	switch driver {
	case "sqlite":
		db, err = openSQLite(cfg.Path, gcfg)
	case "postgres":
		gcfg.PrepareStmt = true
		db, err = gorm.Open(postgres.Open(cfg.DSN), gcfg)
		if err != nil {
			err = fmt.Errorf("connecting to postgres: %w", err)
		}
	default:
		err = fmt.Errorf("unsupported journal driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := configurePool(db, driver, cfg.MaxOpenConns); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ExecutionModel{}); err != nil {
		return nil, fmt.Errorf("auto-migrating journal: %w", err)
	}

	slogger.Info("execution journal opened", slog.String("driver", driver))
	return &Store{db: db, driver: driver, logger: slogger}, nil
}

func openSQLite(path string, gcfg *gorm.Config) (*gorm.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := gorm.Open(sqlite.Open(dsn), gcfg)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	return db, nil
}

// configurePool sizes the connection pool. SQLite gets a single writer
// connection; WAL handles concurrent readers.
func configurePool(db *gorm.DB, driver string, maxOpen int) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
		return nil
	}
	if maxOpen <= 0 {
		maxOpen = 10
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(max(1, maxOpen/5))
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	return nil
}

// Record stores one entry. Recording an id twice replaces the first entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("entry has no execution id")
	}
	model := toModel(e)
	if err := s.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("recording execution %s: %w", e.ID, err)
	}
	return nil
}

// Get returns the entry for id.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	var m ExecutionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("getting execution %s: %w", id, err)
	}
	return toEntry(&m), nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	q := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id").
		Limit(limit)
	if opts.RequestKind != "" {
		q = q.Where("request_kind = ?", opts.RequestKind)
	}
	switch opts.Outcome {
	case "success":
		q = q.Where("success = ?", true)
	case "failure":
		q = q.Where("success = ?", false)
	}

	var models []ExecutionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	entries := make([]Entry, len(models))
	for i := range models {
		entries[i] = toEntry(&models[i])
	}
	return entries, nil
}

// Prune deletes entries older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&ExecutionModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning executions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the database connection for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
