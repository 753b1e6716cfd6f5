package db

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func (s *Store) migrate() error {
	return runMigrations(s.db)
}

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Core tables (Conversation, Message)
		{
			ID: "001_core_tables",
			Migrate: func(tx *gorm.DB) error {
				// AutoMigrate creates tables with all indexes from struct tags
				if err := tx.AutoMigrate(&Conversation{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&Message{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("conversations", "messages")
			},
		},

		// Migration 002: Analysis queue with the active-item uniqueness
		// guarantee. The partial index cannot be expressed in struct tags.
		{
			ID: "002_analysis_queue",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&QueueItem{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active
					ON analysis_queue(conversation_id, analysis_type)
					WHERE status IN ('pending', 'claimed')`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				if err := tx.Exec("DROP INDEX IF EXISTS idx_queue_active").Error; err != nil {
					return err
				}
				return tx.Migrator().DropTable("analysis_queue")
			},
		},

		// Migration 003: Learnings
		{
			ID: "003_learnings",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Learning{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("learnings")
			},
		},

		// Migration 004: Workflow signatures
		{
			ID: "004_workflow_signatures",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&WorkflowSignature{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("workflow_signatures")
			},
		},

		// Migration 005: Suggestions
		{
			ID: "005_suggestions",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Suggestion{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("suggestions")
			},
		},

		// Migration 006: Covering index for the retention sweep, which scans
		// terminal items by application time.
		{
			ID: "006_retention_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_queue_retention
					ON analysis_queue(status, results_applied_at_epoch, created_at_epoch)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_queue_retention").Error
			},
		},
	})

	return m.Migrate()
}
