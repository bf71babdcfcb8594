package handlers

import (
	"fmt"
	"time"

	"github.com/shridarpatil/wasend/internal/contactcsv"
	"github.com/shridarpatil/wasend/internal/models"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
	"gorm.io/gorm"
)

// CampaignRequest is the payload for creating a campaign
type CampaignRequest struct {
	Name               string   `json:"name"`
	SenderID           string   `json:"sender_id"`
	TemplateNames      []string `json:"template_names"`
	CSVData            string   `json:"csv_data"`
	ScheduledStartTime string   `json:"scheduled_start_time,omitempty"`
}

// InvalidContact reports one rejected CSV row
type InvalidContact struct {
	Phone  string `json:"phone"`
	Reason string `json:"reason"`
}

// CampaignCreateResponse is returned from campaign creation
type CampaignCreateResponse struct {
	Campaign        *models.Campaign `json:"campaign"`
	ValidContacts   int              `json:"valid_contacts"`
	InvalidContacts []InvalidContact `json:"invalid_contacts"`
}

// ListCampaigns returns campaigns, newest first, optionally filtered by status
func (a *App) ListCampaigns(r *fastglue.Request) error {
	q := a.DB.Order("created_at DESC")
	if status := string(r.RequestCtx.QueryArgs().Peek("status")); status != "" {
		q = q.Where("status = ?", status)
	}

	var campaigns []models.Campaign
	if err := q.Find(&campaigns).Error; err != nil {
		a.Log.Error("Failed to list campaigns", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to fetch campaigns", nil, "")
	}
	return r.SendEnvelope(campaigns)
}

// GetCampaign returns a single campaign by ID
func (a *App) GetCampaign(r *fastglue.Request) error {
	id, err := pathUUID(r, "id")
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}

	var campaign models.Campaign
	if err := a.DB.Where("id = ?", id).First(&campaign).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Campaign not found", nil, "")
	}
	return r.SendEnvelope(campaign)
}

// CreateCampaign validates templates and contacts, then creates the campaign.
// Immediate campaigns get their send queue materialized in the same
// transaction; scheduled ones only store contacts and wait for the scheduler.
func (a *App) CreateCampaign(r *fastglue.Request) error {
	var req CampaignRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}

	if req.Name == "" || req.SenderID == "" || len(req.TemplateNames) == 0 || req.CSVData == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest,
			"name, sender_id, template_names and csv_data are required", nil, "")
	}

	var sender models.Sender
	if err := a.DB.Where("id = ? AND is_active = ?", req.SenderID, true).First(&sender).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Sender not found or inactive", nil, "")
	}

	// Every listed template must exist on this sender and be eligible for
	// bulk sends. One bad template rejects the whole campaign.
	var templates []models.Template
	if err := a.DB.Where("sender_id = ? AND name IN ?", sender.ID, req.TemplateNames).
		Find(&templates).Error; err != nil {
		a.Log.Error("Failed to load templates", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to load templates", nil, "")
	}
	byName := make(map[string]*models.Template, len(templates))
	for i := range templates {
		byName[templates[i].Name] = &templates[i]
	}
	for _, name := range req.TemplateNames {
		tpl, ok := byName[name]
		if !ok {
			return r.SendErrorEnvelope(fasthttp.StatusBadRequest,
				fmt.Sprintf("Template %q not found on sender", name), nil, "")
		}
		if !tpl.EligibleForCampaign() {
			return r.SendErrorEnvelope(fasthttp.StatusBadRequest,
				fmt.Sprintf("Template %q is not eligible for campaigns", name), nil, "")
		}
	}

	parsed, err := contactcsv.Parse([]byte(req.CSVData),
		a.Config.Engine.PhoneCountryPrefix, a.Config.Engine.PhoneTotalDigits)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest,
			fmt.Sprintf("Invalid CSV: %v", err), nil, "")
	}
	if parsed.ValidCount == 0 {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "CSV contains no valid contacts", nil, "")
	}

	var scheduledAt *time.Time
	if req.ScheduledStartTime != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledStartTime)
		if err != nil {
			return r.SendErrorEnvelope(fasthttp.StatusBadRequest,
				"scheduled_start_time must be RFC3339", nil, "")
		}
		scheduledAt = &t
	}

	campaign := &models.Campaign{
		SenderID:             sender.ID,
		Name:                 req.Name,
		TemplateNames:        models.StringList(req.TemplateNames),
		TotalContacts:        parsed.ValidCount,
		InvalidContactsCount: parsed.InvalidCount,
		ScheduledStartTime:   scheduledAt,
	}
	now := time.Now()
	scheduled := scheduledAt != nil && scheduledAt.After(now)
	if scheduled {
		campaign.Status = models.CampaignStatusScheduled
	} else {
		campaign.Status = models.CampaignStatusRunning
		campaign.StartTime = &now
	}

	// Contact i of the valid set gets template i mod k, so templates are
	// assigned round-robin in CSV order.
	k := len(req.TemplateNames)
	err = a.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(campaign).Error; err != nil {
			return err
		}

		contacts := make([]models.CampaignContact, 0, len(parsed.Contacts))
		entries := make([]models.SendQueueEntry, 0, parsed.ValidCount)
		valid := 0
		for _, c := range parsed.Contacts {
			contact := models.CampaignContact{
				CampaignID:    campaign.ID,
				Phone:         c.PhoneNumber,
				Variables:     c.Variables,
				IsValid:       c.IsValid,
				InvalidReason: c.InvalidReason,
			}
			if c.IsValid {
				order := valid % k
				contact.TemplateName = req.TemplateNames[order]
				if !scheduled {
					entries = append(entries, models.SendQueueEntry{
						CampaignID:    campaign.ID,
						SenderID:      sender.ID,
						TemplateName:  contact.TemplateName,
						TemplateOrder: order,
						Phone:         c.PhoneNumber,
						Payload:       c.Variables,
						Status:        models.QueueStatusReady,
					})
				}
				valid++
			}
			contacts = append(contacts, contact)
		}

		if err := tx.CreateInBatches(contacts, 500).Error; err != nil {
			return err
		}
		if len(entries) > 0 {
			if err := tx.CreateInBatches(entries, 500).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		a.Log.Error("Failed to create campaign", "error", err, "name", req.Name)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to create campaign", nil, "")
	}

	a.Log.Info("Campaign created", "campaign_id", campaign.ID, "name", campaign.Name,
		"valid_contacts", parsed.ValidCount, "invalid_contacts", parsed.InvalidCount,
		"scheduled", scheduled)

	invalid := make([]InvalidContact, 0, parsed.InvalidCount)
	for _, c := range parsed.Contacts {
		if !c.IsValid {
			invalid = append(invalid, InvalidContact{Phone: c.PhoneNumber, Reason: c.InvalidReason})
		}
	}
	return r.SendEnvelope(CampaignCreateResponse{
		Campaign:        campaign,
		ValidContacts:   parsed.ValidCount,
		InvalidContacts: invalid,
	})
}

// StopCampaign pauses a running campaign. Rows already claimed by the
// processor finish their in-flight sends; nothing new is claimed.
func (a *App) StopCampaign(r *fastglue.Request) error {
	id, err := pathUUID(r, "id")
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}

	res := a.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", id, models.CampaignStatusRunning).
		Updates(map[string]interface{}{
			"status":       models.CampaignStatusPaused,
			"pause_reason": "Stopped by operator",
		})
	if res.Error != nil {
		a.Log.Error("Failed to stop campaign", "error", res.Error, "campaign_id", id)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to stop campaign", nil, "")
	}
	if res.RowsAffected == 0 {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Campaign is not running", nil, "")
	}

	a.Log.Info("Campaign stopped", "campaign_id", id)
	return r.SendEnvelope(map[string]string{"status": "paused"})
}

// ResumeCampaign restarts a paused or failed campaign and clears any spam
// pause state. This is the manual escape hatch for second-offense spam
// pauses, and for campaigns failed on credentials once the sender is fixed.
func (a *App) ResumeCampaign(r *fastglue.Request) error {
	id, err := pathUUID(r, "id")
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}

	err = a.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Campaign{}).
			Where("id = ? AND status IN ?", id,
				[]models.CampaignStatus{models.CampaignStatusPaused, models.CampaignStatusFailed}).
			Updates(map[string]interface{}{
				"status":            models.CampaignStatusRunning,
				"spam_paused_until": nil,
				"pause_reason":      "",
				"end_time":          nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		// Reset flagged rows so a future offense counts a fresh window
		return tx.Model(&models.SendQueueEntry{}).
			Where("campaign_id = ? AND spam_error_detected = ?", id, true).
			Update("spam_error_detected", false).Error
	})
	if err == gorm.ErrRecordNotFound {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Campaign is not paused or failed", nil, "")
	}
	if err != nil {
		a.Log.Error("Failed to resume campaign", "error", err, "campaign_id", id)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to resume campaign", nil, "")
	}

	a.Log.Info("Campaign resumed", "campaign_id", id)
	return r.SendEnvelope(map[string]string{"status": "running"})
}

// DeleteCampaign removes a campaign and its contacts and queue rows.
// Running campaigns must be stopped first.
func (a *App) DeleteCampaign(r *fastglue.Request) error {
	id, err := pathUUID(r, "id")
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}

	var campaign models.Campaign
	if err := a.DB.Where("id = ?", id).First(&campaign).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Campaign not found", nil, "")
	}
	if campaign.Status == models.CampaignStatusRunning {
		return r.SendErrorEnvelope(fasthttp.StatusConflict, "Stop the campaign before deleting it", nil, "")
	}

	err = a.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("campaign_id = ?", id).Delete(&models.SendQueueEntry{}).Error; err != nil {
			return err
		}
		if err := tx.Where("campaign_id = ?", id).Delete(&models.CampaignContact{}).Error; err != nil {
			return err
		}
		return tx.Delete(&campaign).Error
	})
	if err != nil {
		a.Log.Error("Failed to delete campaign", "error", err, "campaign_id", id)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to delete campaign", nil, "")
	}

	a.Log.Info("Campaign deleted", "campaign_id", id, "name", campaign.Name)
	return r.SendEnvelope(map[string]string{"status": "deleted"})
}

// RetryFailedMessages re-queues a campaign's terminally failed rows with a
// fresh retry budget. A completed campaign goes back to running so the
// processor picks the rows up again.
func (a *App) RetryFailedMessages(r *fastglue.Request) error {
	id, err := pathUUID(r, "id")
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}

	var campaign models.Campaign
	if err := a.DB.Where("id = ?", id).First(&campaign).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Campaign not found", nil, "")
	}

	var requeued int64
	err = a.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SendQueueEntry{}).
			Where("campaign_id = ? AND status = ?", id, models.QueueStatusFailed).
			Updates(map[string]interface{}{
				"status":              models.QueueStatusReady,
				"retry_count":         0,
				"next_retry_at":       nil,
				"spam_error_detected": false,
				"error_message":       "",
			})
		if res.Error != nil {
			return res.Error
		}
		requeued = res.RowsAffected
		if requeued == 0 {
			return nil
		}

		// Requeued rows are first attempts again, so the sequential gate
		// applies to them. Rewind the template index to the earliest ready
		// first-attempt row or the processor can never claim them.
		var minOrder int
		if err := tx.Model(&models.SendQueueEntry{}).
			Where("campaign_id = ? AND status = ? AND retry_count = 0", id, models.QueueStatusReady).
			Select("COALESCE(MIN(template_order), 0)").Scan(&minOrder).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"total_failed": gorm.Expr("GREATEST(total_failed - ?, 0)", requeued),
		}
		if minOrder < campaign.CurrentTemplateIndex {
			updates["current_template_index"] = minOrder
		}
		if campaign.Status == models.CampaignStatusCompleted ||
			campaign.Status == models.CampaignStatusFailed {
			updates["status"] = models.CampaignStatusRunning
			updates["end_time"] = nil
		}
		return tx.Model(&models.Campaign{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		a.Log.Error("Failed to retry failed messages", "error", err, "campaign_id", id)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to retry messages", nil, "")
	}

	a.Log.Info("Failed messages re-queued", "campaign_id", id, "count", requeued)
	return r.SendEnvelope(map[string]interface{}{"requeued": requeued})
}
