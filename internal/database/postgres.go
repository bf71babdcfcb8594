package database

import (
	"fmt"
	"time"

	"github.com/shridarpatil/wasend/internal/config"
	"github.com/shridarpatil/wasend/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewPostgres creates a new PostgreSQL connection
func NewPostgres(cfg *config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	return db, nil
}

// MigrationModel holds model info for migration
type MigrationModel struct {
	Name  string
	Model interface{}
}

// GetMigrationModels returns all models to migrate with their names
func GetMigrationModels() []MigrationModel {
	return []MigrationModel{
		{"Sender", &models.Sender{}},
		{"Template", &models.Template{}},
		{"Campaign", &models.Campaign{}},
		{"CampaignContact", &models.CampaignContact{}},
		{"SendQueueEntry", &models.SendQueueEntry{}},
		{"Message", &models.Message{}},
		{"MessageStatusLog", &models.MessageStatusLog{}},
		{"UserReplyLimit", &models.UserReplyLimit{}},
		{"Notification", &models.Notification{}},
	}
}

// AutoMigrate runs auto migration for all models and creates indexes
func AutoMigrate(db *gorm.DB) error {
	for _, m := range GetMigrationModels() {
		if err := db.AutoMigrate(m.Model); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", m.Name, err)
		}
	}
	return CreateIndexes(db)
}

// getIndexes returns all index creation SQL statements.
// The send_queue partial indexes back the processor's claim query; the
// unique WAMID index is the at-most-once dispatch backstop.
func getIndexes() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_send_queue_claim ON send_queue(campaign_id, status, created_at) WHERE status IN ('ready', 'processing')`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_send_queue_wamid ON send_queue(whats_app_message_id) WHERE whats_app_message_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_send_queue_template_order ON send_queue(campaign_id, template_order, retry_count, status) WHERE status = 'ready'`,
		`CREATE INDEX IF NOT EXISTS idx_send_queue_spam ON send_queue(campaign_id, updated_at) WHERE spam_error_detected = true`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender_phone_created ON messages(sender_id, user_phone, created_at DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_outgoing_wamid ON messages(whats_app_message_id) WHERE direction = 'outgoing' AND whats_app_message_id <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_status_logs_wamid ON message_status_logs(campaign_id, whats_app_message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status, scheduled_start_time)`,
	}
}

// CreateIndexes creates additional indexes not handled by GORM tags
func CreateIndexes(db *gorm.DB) error {
	for _, idx := range getIndexes() {
		if err := db.Exec(idx).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
