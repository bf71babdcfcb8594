package handlers

import (
	"github.com/shridarpatil/wasend/internal/models"
	"github.com/shridarpatil/wasend/pkg/whatsapp"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
)

// SenderRequest is the payload for creating or updating a sender
type SenderRequest struct {
	Name              string  `json:"name"`
	PhoneNumberID     string  `json:"phone_number_id"`
	BusinessAccountID string  `json:"business_account_id"`
	AccessToken       string  `json:"access_token"`
	AppSecret         string  `json:"app_secret"`
	APIVersion        string  `json:"api_version"`
	MaxSendRatePerSec float64 `json:"max_send_rate_per_sec"`
	IsActive          *bool   `json:"is_active"`
}

func senderAccount(s *models.Sender) *whatsapp.Account {
	return &whatsapp.Account{
		PhoneNumberID:     s.PhoneNumberID,
		BusinessAccountID: s.BusinessAccountID,
		APIVersion:        s.APIVersion,
		AccessToken:       s.AccessToken,
	}
}

// ListSenders returns all configured senders. Tokens and secrets are never
// serialized.
func (a *App) ListSenders(r *fastglue.Request) error {
	var senders []models.Sender
	if err := a.DB.Order("created_at ASC").Find(&senders).Error; err != nil {
		a.Log.Error("Failed to list senders", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to fetch senders", nil, "")
	}
	return r.SendEnvelope(senders)
}

// GetSender returns a single sender by ID
func (a *App) GetSender(r *fastglue.Request) error {
	id, err := pathUUID(r, "id")
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid sender ID", nil, "")
	}

	var sender models.Sender
	if err := a.DB.Where("id = ?", id).First(&sender).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Sender not found", nil, "")
	}
	return r.SendEnvelope(sender)
}

// CreateSender registers a new business phone number
func (a *App) CreateSender(r *fastglue.Request) error {
	var req SenderRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}
	if req.Name == "" || req.PhoneNumberID == "" || req.BusinessAccountID == "" || req.AccessToken == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest,
			"name, phone_number_id, business_account_id and access_token are required", nil, "")
	}

	sender := &models.Sender{
		Name:              req.Name,
		PhoneNumberID:     req.PhoneNumberID,
		BusinessAccountID: req.BusinessAccountID,
		AccessToken:       req.AccessToken,
		AppSecret:         req.AppSecret,
		APIVersion:        req.APIVersion,
		IsActive:          true,
	}
	if req.MaxSendRatePerSec > 0 {
		sender.MaxSendRatePerSec = req.MaxSendRatePerSec
	}
	if req.IsActive != nil {
		sender.IsActive = *req.IsActive
	}

	if err := a.DB.Create(sender).Error; err != nil {
		a.Log.Error("Failed to create sender", "error", err, "phone_number_id", req.PhoneNumberID)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to create sender", nil, "")
	}

	a.Log.Info("Sender created", "sender_id", sender.ID, "name", sender.Name)
	return r.SendEnvelope(sender)
}

// UpdateSender updates a sender's settings. Empty token and secret fields
// leave the stored credentials unchanged.
func (a *App) UpdateSender(r *fastglue.Request) error {
	id, err := pathUUID(r, "id")
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid sender ID", nil, "")
	}

	var sender models.Sender
	if err := a.DB.Where("id = ?", id).First(&sender).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Sender not found", nil, "")
	}

	var req SenderRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}

	updates := map[string]interface{}{}
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.AccessToken != "" {
		updates["access_token"] = req.AccessToken
	}
	if req.AppSecret != "" {
		updates["app_secret"] = req.AppSecret
	}
	if req.APIVersion != "" {
		updates["api_version"] = req.APIVersion
	}
	if req.MaxSendRatePerSec > 0 {
		updates["max_send_rate_per_sec"] = req.MaxSendRatePerSec
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if len(updates) > 0 {
		if err := a.DB.Model(&sender).Updates(updates).Error; err != nil {
			a.Log.Error("Failed to update sender", "error", err, "sender_id", id)
			return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to update sender", nil, "")
		}
	}

	return r.SendEnvelope(sender)
}

// DeleteSender removes a sender. Senders with active campaigns are protected.
func (a *App) DeleteSender(r *fastglue.Request) error {
	id, err := pathUUID(r, "id")
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid sender ID", nil, "")
	}

	var active int64
	err = a.DB.Model(&models.Campaign{}).
		Where("sender_id = ? AND status IN ?", id,
			[]models.CampaignStatus{models.CampaignStatusRunning, models.CampaignStatusScheduled, models.CampaignStatusPaused}).
		Count(&active).Error
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to check campaigns", nil, "")
	}
	if active > 0 {
		return r.SendErrorEnvelope(fasthttp.StatusConflict, "Sender has active campaigns", nil, "")
	}

	res := a.DB.Where("id = ?", id).Delete(&models.Sender{})
	if res.Error != nil {
		a.Log.Error("Failed to delete sender", "error", res.Error, "sender_id", id)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to delete sender", nil, "")
	}
	if res.RowsAffected == 0 {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Sender not found", nil, "")
	}

	a.Log.Info("Sender deleted", "sender_id", id)
	return r.SendEnvelope(map[string]string{"status": "deleted"})
}

// TestSenderConnection verifies credentials against Meta and refreshes the
// sender's verified name, quality rating and messaging tier.
func (a *App) TestSenderConnection(r *fastglue.Request) error {
	id, err := pathUUID(r, "id")
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid sender ID", nil, "")
	}

	var sender models.Sender
	if err := a.DB.Where("id = ?", id).First(&sender).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Sender not found", nil, "")
	}

	info, err := a.WhatsApp.GetPhoneNumberInfo(r.RequestCtx, senderAccount(&sender))
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadGateway,
			"Connection test failed", map[string]string{"error": err.Error()}, "")
	}

	err = a.DB.Model(&sender).Updates(map[string]interface{}{
		"verified_name":  info.VerifiedName,
		"quality_rating": info.QualityRating,
		"messaging_tier": info.MessagingLimitTier,
	}).Error
	if err != nil {
		a.Log.Error("Failed to store phone number info", "error", err, "sender_id", id)
	}

	return r.SendEnvelope(info)
}
