package processor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shridarpatil/wasend/internal/models"
	"github.com/shridarpatil/wasend/pkg/whatsapp"
	"gorm.io/gorm"
)

// persistOutcome applies one send result to the queue row and campaign
func (p *Processor) persistOutcome(ctx context.Context, campaign *models.Campaign, entry *models.SendQueueEntry, res whatsapp.SendResult) error {
	switch res.Outcome {
	case whatsapp.OutcomeOK:
		return p.persistSent(campaign, entry, res.MessageID)

	case whatsapp.OutcomeTransient, whatsapp.OutcomeRateLimited:
		return p.persistRetryable(campaign, entry, res, false)

	case whatsapp.OutcomeSpamRateLimited:
		if err := p.persistRetryable(campaign, entry, res, true); err != nil {
			return err
		}
		return p.checkSpamPause(ctx, campaign)

	case whatsapp.OutcomePermanent:
		return p.persistFailed(campaign, entry, res)

	case whatsapp.OutcomeAuthFailed:
		return p.failCampaign(ctx, campaign, entry, res)
	}
	return fmt.Errorf("unhandled outcome %v", res.Outcome)
}

// persistSent marks the row sent, records the outgoing message and bumps
// total_sent, all in one transaction. A unique violation on the WAMID means
// this dispatch was already persisted by an earlier attempt, so the row is
// marked sent without counting it again.
func (p *Processor) persistSent(campaign *models.Campaign, entry *models.SendQueueEntry, wamid string) error {
	now := time.Now()

	err := p.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SendQueueEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]interface{}{
				"status":               models.QueueStatusSent,
				"whats_app_message_id": wamid,
				"actual_sent_at":       now,
				"sent_at":              now,
				"error_message":        "",
			}).Error; err != nil {
			return err
		}

		msg := models.Message{
			SenderID:          entry.SenderID,
			CampaignID:        &entry.CampaignID,
			UserPhone:         entry.Phone,
			Direction:         models.DirectionOutgoing,
			MessageType:       "template",
			TemplateName:      entry.TemplateName,
			WhatsAppMessageID: wamid,
			Status:            models.DeliveryStatusSent,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}

		return tx.Model(&models.Campaign{}).
			Where("id = ?", campaign.ID).
			Update("total_sent", gorm.Expr("total_sent + 1")).Error
	})

	if err != nil && isDuplicateKey(err) {
		p.Log.Warn("WAMID already recorded; treating dispatch as already persisted",
			"entry_id", entry.ID, "wamid", wamid)
		return p.DB.Model(&models.SendQueueEntry{}).
			Where("id = ?", entry.ID).
			Update("status", models.QueueStatusSent).Error
	}
	return err
}

// persistRetryable schedules a retry, or terminally fails the row once this
// failure exhausts max_retries
func (p *Processor) persistRetryable(campaign *models.Campaign, entry *models.SendQueueEntry, res whatsapp.SendResult, spam bool) error {
	attempt := entry.RetryCount + 1
	updates := map[string]interface{}{
		"retry_count":   attempt,
		"error_message": res.ErrorMessage,
	}
	if spam {
		updates["spam_error_detected"] = true
	}

	if attempt >= p.Config.Engine.MaxRetries {
		updates["status"] = models.QueueStatusFailed
		return p.DB.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&models.SendQueueEntry{}).
				Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
				return err
			}
			return tx.Model(&models.Campaign{}).
				Where("id = ?", campaign.ID).
				Update("total_failed", gorm.Expr("total_failed + 1")).Error
		})
	}

	updates["status"] = models.QueueStatusReady
	updates["next_retry_at"] = time.Now().Add(p.backoff(attempt))
	return p.DB.Model(&models.SendQueueEntry{}).
		Where("id = ?", entry.ID).
		Updates(updates).Error
}

// persistFailed terminally fails the row and bumps total_failed
func (p *Processor) persistFailed(campaign *models.Campaign, entry *models.SendQueueEntry, res whatsapp.SendResult) error {
	return p.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SendQueueEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]interface{}{
				"status":        models.QueueStatusFailed,
				"error_message": res.ErrorMessage,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Campaign{}).
			Where("id = ?", campaign.ID).
			Update("total_failed", gorm.Expr("total_failed + 1")).Error
	})
}

// backoff computes the retry delay for the given attempt: exponential from
// the configured base, capped, with up to 20% jitter either way
func (p *Processor) backoff(retryCount int) time.Duration {
	base := time.Duration(p.Config.Engine.BackoffBaseSeconds) * time.Second
	max := time.Duration(p.Config.Engine.BackoffMaxSeconds) * time.Second

	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}

	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// checkSpamPause pauses the campaign when spam errors cluster: at least
// spam_threshold rows flagged within spam_window_minutes. First offense
// pauses with an auto-resume deadline; the second pause is permanent until
// an operator resumes manually.
func (p *Processor) checkSpamPause(ctx context.Context, campaign *models.Campaign) error {
	windowStart := time.Now().Add(-time.Duration(p.Config.Engine.SpamWindowMinutes) * time.Minute)

	var count int64
	err := p.DB.Model(&models.SendQueueEntry{}).
		Where("campaign_id = ? AND spam_error_detected = ? AND updated_at > ?",
			campaign.ID, true, windowStart).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count < int64(p.Config.Engine.SpamThreshold) {
		return nil
	}

	now := time.Now()
	resumeAt := now.Add(time.Duration(p.Config.Engine.SpamFirstPauseMinutes) * time.Minute)

	// First offense: timed pause with auto-resume
	res := p.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ? AND spam_pause_count = 0", campaign.ID, models.CampaignStatusRunning).
		Updates(map[string]interface{}{
			"status":            models.CampaignStatusPaused,
			"spam_pause_count":  1,
			"spam_paused_until": resumeAt,
			"pause_reason": fmt.Sprintf("Spam rate limit; auto-resume at %s",
				resumeAt.UTC().Format(time.RFC3339)),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		p.Log.Warn("Campaign auto-paused on spam errors",
			"campaign_id", campaign.ID, "resume_at", resumeAt)
		p.notify(ctx, models.NotificationSpamPaused, "Campaign auto-paused",
			fmt.Sprintf("Campaign %q hit the provider spam limit and is paused until %s",
				campaign.Name, resumeAt.UTC().Format(time.RFC3339)),
			campaign)
		return nil
	}

	// Second offense: pause without a deadline, manual resume only
	res = p.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ? AND spam_pause_count = 1", campaign.ID, models.CampaignStatusRunning).
		Updates(map[string]interface{}{
			"status":            models.CampaignStatusPaused,
			"spam_pause_count":  2,
			"spam_paused_until": nil,
			"pause_reason":      "Spam rate limit hit repeatedly; manual resume required",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		p.Log.Warn("Campaign paused permanently on repeated spam errors", "campaign_id", campaign.ID)
		p.notify(ctx, models.NotificationSpamPaused, "Campaign paused",
			fmt.Sprintf("Campaign %q hit the provider spam limit again and needs manual resume", campaign.Name),
			campaign)
	}
	return nil
}

// failCampaign handles a campaign-fatal credential failure. The row goes
// back to ready untouched so a credential fix plus manual resume can retry
// it; the campaign stops claiming.
func (p *Processor) failCampaign(ctx context.Context, campaign *models.Campaign, entry *models.SendQueueEntry, res whatsapp.SendResult) error {
	err := p.DB.Model(&models.SendQueueEntry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"status":        models.QueueStatusReady,
			"error_message": res.ErrorMessage,
		}).Error
	if err != nil {
		return err
	}

	upd := p.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaign.ID, models.CampaignStatusRunning).
		Updates(map[string]interface{}{
			"status":   models.CampaignStatusFailed,
			"end_time": time.Now(),
		})
	if upd.Error != nil {
		return upd.Error
	}

	if upd.RowsAffected > 0 {
		p.Log.Error("Campaign failed on authentication error",
			"campaign_id", campaign.ID, "error_code", res.ErrorCode, "error", res.ErrorMessage)
		p.notify(ctx, models.NotificationCampaignFailed, "Campaign failed",
			fmt.Sprintf("Campaign %q stopped: provider rejected the sender credentials (%s)",
				campaign.Name, res.ErrorMessage),
			campaign)
	}
	return nil
}

// checkCompletion completes the campaign once every row is terminal. The
// conditional update fires at most once, which keeps the notification to
// exactly one emission.
func (p *Processor) checkCompletion(ctx context.Context, campaignID uuid.UUID) error {
	var pending int64
	err := p.DB.Model(&models.SendQueueEntry{}).
		Where("campaign_id = ? AND status IN ?", campaignID,
			[]models.QueueStatus{models.QueueStatusReady, models.QueueStatusProcessing}).
		Count(&pending).Error
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	res := p.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ? AND total_sent + total_failed >= total_contacts",
			campaignID, models.CampaignStatusRunning).
		Updates(map[string]interface{}{
			"status":   models.CampaignStatusCompleted,
			"end_time": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected > 0 {
		var campaign models.Campaign
		if err := p.DB.Where("id = ?", campaignID).First(&campaign).Error; err != nil {
			return err
		}
		p.Log.Info("Campaign completed",
			"campaign_id", campaignID, "sent", campaign.TotalSent, "failed", campaign.TotalFailed)
		p.notify(ctx, models.NotificationCampaignCompleted, "Campaign completed",
			fmt.Sprintf("Campaign %q finished: %d sent, %d failed",
				campaign.Name, campaign.TotalSent, campaign.TotalFailed),
			&campaign)
	}
	return nil
}

// notify persists a notification row and publishes it to subscribers
func (p *Processor) notify(ctx context.Context, ntype, title, body string, campaign *models.Campaign) {
	n := models.Notification{
		Type:       ntype,
		Title:      title,
		Body:       body,
		CampaignID: &campaign.ID,
		SenderID:   &campaign.SenderID,
	}
	if err := p.DB.Create(&n).Error; err != nil {
		p.Log.Error("Failed to persist notification", "error", err, "type", ntype)
		return
	}
	if p.Publisher != nil {
		if err := p.Publisher.PublishNotification(ctx, &n); err != nil {
			p.Log.Error("Failed to publish notification", "error", err, "type", ntype)
		}
	}
}

// ReapStuckRows reclaims processing rows older than the grace period. They
// belong to a worker that died mid-batch.
func (p *Processor) ReapStuckRows() {
	cutoff := time.Now().Add(-time.Duration(p.Config.Engine.ProcessingGraceMinutes) * time.Minute)

	res := p.DB.Model(&models.SendQueueEntry{}).
		Where("status = ? AND updated_at < ?", models.QueueStatusProcessing, cutoff).
		Update("status", models.QueueStatusReady)
	if res.Error != nil {
		p.Log.Error("Reaper pass failed", "error", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		p.Log.Warn("Reclaimed stuck processing rows", "count", res.RowsAffected)
	}
}

// isDuplicateKey reports whether err is a unique-constraint violation
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}
