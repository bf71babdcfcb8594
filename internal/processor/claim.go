package processor

import (
	"github.com/shridarpatil/wasend/internal/models"
)

// claimQuery atomically flips a batch of claimable rows to processing and
// returns them. SKIP LOCKED keeps concurrent workers off each other's rows.
// First attempts (retry_count = 0) are restricted to the campaign's current
// template index; retries of earlier templates pass through freely.
const claimQuery = `
WITH claimed AS (
	UPDATE send_queue
	SET status = 'processing', updated_at = NOW()
	WHERE id IN (
		SELECT id FROM send_queue
		WHERE campaign_id = ?
		  AND status = 'ready'
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		  AND (retry_count > 0 OR template_order = ?)
		ORDER BY template_order ASC, created_at ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	)
	RETURNING *
)
SELECT * FROM claimed ORDER BY template_order ASC, created_at ASC`

// claimBatch claims up to batch_size rows for one campaign
func (p *Processor) claimBatch(campaign *models.Campaign) ([]models.SendQueueEntry, error) {
	var entries []models.SendQueueEntry
	err := p.DB.Raw(claimQuery,
		campaign.ID, campaign.CurrentTemplateIndex, p.Config.Engine.BatchSize,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// advanceQuery moves a campaign to the next template once no first-attempt
// rows remain at the current index. The guard on current_template_index
// makes the advance idempotent under concurrent workers.
const advanceQuery = `
UPDATE campaigns
SET current_template_index = current_template_index + 1, updated_at = NOW()
WHERE id = ?
  AND current_template_index = ?
  AND current_template_index + 1 < ?
  AND NOT EXISTS (
	SELECT 1 FROM send_queue
	WHERE campaign_id = ?
	  AND template_order = ?
	  AND retry_count = 0
	  AND status IN ('ready', 'processing')
  )`

// advanceTemplateIndex advances current_template_index when the current
// template's first attempts are all dispatched. Returns whether it moved.
func (p *Processor) advanceTemplateIndex(campaign *models.Campaign) (bool, error) {
	if campaign.CurrentTemplateIndex+1 >= len(campaign.TemplateNames) {
		return false, nil
	}

	res := p.DB.Exec(advanceQuery,
		campaign.ID, campaign.CurrentTemplateIndex, len(campaign.TemplateNames),
		campaign.ID, campaign.CurrentTemplateIndex,
	)
	if res.Error != nil {
		return false, res.Error
	}

	if res.RowsAffected > 0 {
		campaign.CurrentTemplateIndex++
		p.Log.Info("Advanced template index",
			"campaign_id", campaign.ID, "index", campaign.CurrentTemplateIndex)
		return true, nil
	}
	return false, nil
}
