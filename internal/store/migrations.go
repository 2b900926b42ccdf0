package store

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: core tables.
		{
			ID: "001_core_tables",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&sessionRow{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&draftRow{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&transitionRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("sessions", "drafts", "transition_records")
			},
		},

		// Migration 002: partial unique index guaranteeing at most one live
		// session per user. Concurrent creates race here and exactly one
		// wins; GORM struct tags cannot express the WHERE clause.
		{
			ID: "002_live_session_uniqueness",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_live_user
					 ON sessions(user_id)
					 WHERE state NOT IN ('COMPLETED', 'ABANDONED')`,
				).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`DROP INDEX IF EXISTS idx_sessions_live_user`).Error
			},
		},
	})

	return m.Migrate()
}
