package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shridarpatil/wasend/internal/config"
	"github.com/shridarpatil/wasend/internal/models"
	"github.com/shridarpatil/wasend/internal/queue"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// Scheduler runs the periodic sweep: start due scheduled campaigns, expire
// spam pauses, and refresh the derived delivery counters on running
// campaigns.
type Scheduler struct {
	Config    *config.Config
	DB        *gorm.DB
	Log       logf.Logger
	Publisher *queue.Publisher
}

// New creates a Scheduler
func New(cfg *config.Config, db *gorm.DB, rdb *redis.Client, log logf.Logger) *Scheduler {
	var pub *queue.Publisher
	if rdb != nil {
		pub = queue.NewPublisher(rdb, log)
	}
	return &Scheduler{Config: cfg, DB: db, Log: log, Publisher: pub}
}

// Run ticks until the context is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	interval := time.Duration(s.Config.Engine.SchedulerIntervalSeconds) * time.Second
	s.Log.Info("Scheduler starting", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Log.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.StartDueCampaigns(ctx); err != nil {
		s.Log.Error("Failed to start due campaigns", "error", err)
	}
	if err := s.ResumeSpamPaused(ctx); err != nil {
		s.Log.Error("Failed to resume spam-paused campaigns", "error", err)
	}
	if err := s.RefreshDerivedCounters(ctx); err != nil {
		s.Log.Error("Failed to refresh derived counters", "error", err)
	}
}

// StartDueCampaigns transitions scheduled campaigns whose start time has
// arrived: materialize their queue rows from the stored contacts and flip
// them to running.
func (s *Scheduler) StartDueCampaigns(ctx context.Context) error {
	var due []models.Campaign
	err := s.DB.Where("status = ? AND scheduled_start_time IS NOT NULL AND scheduled_start_time <= ?",
		models.CampaignStatusScheduled, time.Now()).Find(&due).Error
	if err != nil {
		return err
	}

	for i := range due {
		if err := s.startCampaign(&due[i]); err != nil {
			s.Log.Error("Failed to start scheduled campaign",
				"error", err, "campaign_id", due[i].ID)
			continue
		}
		s.Log.Info("Scheduled campaign started",
			"campaign_id", due[i].ID, "name", due[i].Name)
	}
	return nil
}

func (s *Scheduler) startCampaign(campaign *models.Campaign) error {
	orderByName := make(map[string]int, len(campaign.TemplateNames))
	for i, name := range campaign.TemplateNames {
		orderByName[name] = i
	}

	return s.DB.Transaction(func(tx *gorm.DB) error {
		// Guard against a concurrent scheduler instance starting it too
		res := tx.Model(&models.Campaign{}).
			Where("id = ? AND status = ?", campaign.ID, models.CampaignStatusScheduled).
			Updates(map[string]interface{}{
				"status":     models.CampaignStatusRunning,
				"start_time": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var contacts []models.CampaignContact
		if err := tx.Where("campaign_id = ? AND is_valid = ?", campaign.ID, true).
			Order("created_at ASC").Find(&contacts).Error; err != nil {
			return err
		}

		entries := make([]models.SendQueueEntry, 0, len(contacts))
		for i := range contacts {
			order, ok := orderByName[contacts[i].TemplateName]
			if !ok {
				return fmt.Errorf("contact references unknown template %q", contacts[i].TemplateName)
			}
			entries = append(entries, models.SendQueueEntry{
				CampaignID:    campaign.ID,
				SenderID:      campaign.SenderID,
				TemplateName:  contacts[i].TemplateName,
				TemplateOrder: order,
				Phone:         contacts[i].Phone,
				Payload:       contacts[i].Variables,
				Status:        models.QueueStatusReady,
			})
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.CreateInBatches(entries, 500).Error
	})
}

// ResumeSpamPaused lifts first-offense spam pauses whose deadline passed.
// Second-offense pauses have no deadline and stay until an operator acts.
func (s *Scheduler) ResumeSpamPaused(ctx context.Context) error {
	var paused []models.Campaign
	err := s.DB.Where("status = ? AND spam_pause_count = 1 AND spam_paused_until IS NOT NULL AND spam_paused_until <= ?",
		models.CampaignStatusPaused, time.Now()).Find(&paused).Error
	if err != nil {
		return err
	}

	for i := range paused {
		campaign := &paused[i]
		err := s.DB.Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.Campaign{}).
				Where("id = ? AND status = ? AND spam_pause_count = 1", campaign.ID, models.CampaignStatusPaused).
				Updates(map[string]interface{}{
					"status":            models.CampaignStatusRunning,
					"spam_paused_until": nil,
					"pause_reason":      "",
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}

			// Clear the flags so the next offense starts a fresh window
			return tx.Model(&models.SendQueueEntry{}).
				Where("campaign_id = ? AND spam_error_detected = ?", campaign.ID, true).
				Update("spam_error_detected", false).Error
		})
		if err != nil {
			s.Log.Error("Failed to resume campaign", "error", err, "campaign_id", campaign.ID)
			continue
		}
		s.Log.Info("Spam pause expired, campaign resumed", "campaign_id", campaign.ID)
	}
	return nil
}

// derivedCountersQuery folds each WAMID's status log down to its highest
// rank. failed ranks below sent, so it can never mask delivered/read.
const derivedCountersQuery = `
SELECT
	COUNT(DISTINCT CASE WHEN r.max_rank >= 2 THEN r.wamid END) AS delivered,
	COUNT(DISTINCT CASE WHEN r.max_rank >= 3 THEN r.wamid END) AS read_count
FROM (
	SELECT whats_app_message_id AS wamid,
		MAX(CASE status
			WHEN 'sent' THEN 1
			WHEN 'delivered' THEN 2
			WHEN 'read' THEN 3
			ELSE 0 END) AS max_rank
	FROM message_status_logs
	WHERE campaign_id = ?
	GROUP BY whats_app_message_id
) r`

const repliedCountQuery = `
SELECT COUNT(DISTINCT m.user_phone)
FROM messages m
WHERE m.direction = 'incoming'
  AND m.sender_id = ?
  AND m.user_phone IN (
	SELECT phone FROM send_queue WHERE campaign_id = ? AND status = 'sent'
  )`

// RefreshDerivedCounters recomputes total_delivered, total_read and
// total_replied for campaigns that are running or recently finished.
// Webhook ingestion only appends status logs; this sweep is the single
// writer of the derived columns, which keeps replayed webhooks idempotent.
func (s *Scheduler) RefreshDerivedCounters(ctx context.Context) error {
	cutoff := time.Now().Add(-24 * time.Hour)
	var campaigns []models.Campaign
	err := s.DB.Where("status = ? OR (status IN ? AND end_time > ?)",
		models.CampaignStatusRunning,
		[]models.CampaignStatus{models.CampaignStatusCompleted, models.CampaignStatusPaused},
		cutoff).Find(&campaigns).Error
	if err != nil {
		return err
	}

	for i := range campaigns {
		if err := s.refreshCampaignCounters(ctx, &campaigns[i]); err != nil {
			s.Log.Error("Failed to refresh counters", "error", err, "campaign_id", campaigns[i].ID)
		}
	}
	return nil
}

func (s *Scheduler) refreshCampaignCounters(ctx context.Context, campaign *models.Campaign) error {
	var derived struct {
		Delivered int
		ReadCount int
	}
	if err := s.DB.Raw(derivedCountersQuery, campaign.ID).Scan(&derived).Error; err != nil {
		return err
	}

	var replied int
	if err := s.DB.Raw(repliedCountQuery, campaign.SenderID, campaign.ID).Scan(&replied).Error; err != nil {
		return err
	}

	if derived.Delivered == campaign.TotalDelivered &&
		derived.ReadCount == campaign.TotalRead &&
		replied == campaign.TotalReplied {
		return nil
	}

	err := s.DB.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
		Updates(map[string]interface{}{
			"total_delivered": derived.Delivered,
			"total_read":      derived.ReadCount,
			"total_replied":   replied,
		}).Error
	if err != nil {
		return err
	}

	if s.Publisher != nil {
		_ = s.Publisher.PublishCampaignStats(ctx, &queue.CampaignStatsUpdate{
			CampaignID:     campaign.ID.String(),
			Status:         string(campaign.Status),
			TotalContacts:  campaign.TotalContacts,
			TotalSent:      campaign.TotalSent,
			TotalFailed:    campaign.TotalFailed,
			TotalDelivered: derived.Delivered,
			TotalRead:      derived.ReadCount,
			TotalReplied:   replied,
		})
	}
	return nil
}
