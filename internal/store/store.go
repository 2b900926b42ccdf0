// Package store provides GORM-backed persistence for sessions, drafts and
// transition records. It is the single writer for all session state.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Default expiration tiers, measured from last_activity_at.
const (
	DefaultReminderAfter   = 30 * time.Minute
	DefaultAbandonAfter    = 60 * time.Minute
	DefaultHistoricalAfter = 120 * time.Minute
	DefaultDraftTTL        = 24 * time.Hour
)

// Config holds database configuration.
type Config struct {
	Driver   string          // "sqlite" or "postgres"
	Path     string          // SQLite database file path
	DSN      string          // Postgres connection string
	MaxConns int             // Maximum open connections (default: 4)
	LogLevel logger.LogLevel // GORM log level (logger.Silent for production)

	// Expiration tiers; zero values take the defaults above.
	ReminderAfter   time.Duration
	AbandonAfter    time.Duration
	HistoricalAfter time.Duration
	DraftTTL        time.Duration
}

// Store wraps the GORM connection and owns all session mutation.
type Store struct {
	db    *gorm.DB
	sqlDB *sql.DB

	reminderAfter   time.Duration
	abandonAfter    time.Duration
	historicalAfter time.Duration
	draftTTL        time.Duration

	// now is swappable for clock-sensitive tests.
	now func() time.Time
}

// NewStore opens the database, runs migrations, and applies SQLite pragmas
// for concurrent access.
func NewStore(cfg Config) (*Store, error) {
	applyDefaults(&cfg)

	// 1. Open the dialect-specific connection.
	var dialector gorm.Dialector
	var sqlDB *sql.DB
	switch cfg.Driver {
	case DriverSQLite, "":
		// Foreign keys enabled in the DSN; WAL set after open.
		raw, err := sql.Open("sqlite3", cfg.Path+"?_foreign_keys=ON")
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		sqlDB = raw
		dialector = sqlite.Dialector{Conn: raw}
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}

	// 2. Wrap with GORM.
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:      logger.Default.LogMode(cfg.LogLevel),
		PrepareStmt: true,
	})
	if err != nil {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	if sqlDB == nil {
		sqlDB, err = db.DB()
		if err != nil {
			return nil, fmt.Errorf("underlying db: %w", err)
		}
	}

	// 3. Configure the connection pool.
	sqlDB.SetMaxOpenConns(cfg.MaxConns)
	sqlDB.SetMaxIdleConns(cfg.MaxConns)
	sqlDB.SetConnMaxLifetime(0)

	// 4. Verify the connection.
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// 5. Run migrations before any pragma tuning.
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	// 6. WAL mode and busy timeout so concurrent writers retry instead of
	// failing immediately.
	if cfg.Driver == DriverSQLite || cfg.Driver == "" {
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA synchronous=NORMAL"); err != nil {
			return nil, fmt.Errorf("set synchronous mode: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	return &Store{
		db:              db,
		sqlDB:           sqlDB,
		reminderAfter:   cfg.ReminderAfter,
		abandonAfter:    cfg.AbandonAfter,
		historicalAfter: cfg.HistoricalAfter,
		draftTTL:        cfg.DraftTTL,
		now:             time.Now,
	}, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	if cfg.ReminderAfter <= 0 {
		cfg.ReminderAfter = DefaultReminderAfter
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = DefaultAbandonAfter
	}
	if cfg.HistoricalAfter <= 0 {
		cfg.HistoricalAfter = DefaultHistoricalAfter
	}
	if cfg.DraftTTL <= 0 {
		cfg.DraftTTL = DefaultDraftTTL
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.sqlDB.Ping()
}

// ReminderAfter returns the idle duration after which a reminder is due.
func (s *Store) ReminderAfter() time.Duration { return s.reminderAfter }

// AbandonAfter returns the idle duration after which sessions are abandoned.
func (s *Store) AbandonAfter() time.Duration { return s.abandonAfter }
