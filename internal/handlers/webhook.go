package handlers

import (
	"time"

	"github.com/google/uuid"
	"github.com/shridarpatil/wasend/internal/models"
	"github.com/shridarpatil/wasend/pkg/whatsapp"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookVerify handles Meta's GET subscription challenge
func (a *App) WebhookVerify(r *fastglue.Request) error {
	args := r.RequestCtx.QueryArgs()
	mode := string(args.Peek("hub.mode"))
	token := string(args.Peek("hub.verify_token"))
	challenge := string(args.Peek("hub.challenge"))

	result, err := whatsapp.VerifyWebhook(mode, token, challenge, a.Config.WhatsApp.WebhookVerifyToken)
	if err != nil {
		a.Log.Warn("Webhook verification rejected", "error", err)
		return r.SendBytes(fasthttp.StatusForbidden, "text/plain", []byte("Forbidden"))
	}
	return r.SendBytes(fasthttp.StatusOK, "text/plain", []byte(result))
}

// WebhookReceive ingests status and message events from Meta. The request is
// acknowledged with 200 regardless of outcome so Meta does not retry;
// payloads that fail signature verification are dropped silently.
func (a *App) WebhookReceive(r *fastglue.Request) error {
	body := append([]byte(nil), r.RequestCtx.PostBody()...)
	signature := string(r.RequestCtx.Request.Header.Peek("X-Hub-Signature-256"))

	payload, err := whatsapp.ParseWebhook(body)
	if err != nil {
		a.Log.Warn("Unparseable webhook payload", "error", err)
		return r.SendEnvelope(map[string]string{"status": "received"})
	}

	sender := a.verifyWebhookSender(body, signature, payload)
	if sender == nil {
		a.Log.Warn("Webhook signature verification failed, dropping payload")
		return r.SendEnvelope(map[string]string{"status": "received"})
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.processWebhook(payload)
	}()

	return r.SendEnvelope(map[string]string{"status": "received"})
}

// verifyWebhookSender finds a sender whose app secret validates the payload
// signature. Candidates come from the business account IDs in the payload
// itself; the signature covers the whole body so one match accepts it.
func (a *App) verifyWebhookSender(body []byte, signature string, payload *whatsapp.WebhookPayload) *models.Sender {
	wabaIDs := make([]string, 0, len(payload.Entry))
	for _, entry := range payload.Entry {
		wabaIDs = append(wabaIDs, entry.ID)
	}
	if len(wabaIDs) == 0 {
		return nil
	}

	var candidates []models.Sender
	if err := a.DB.Where("business_account_id IN ?", wabaIDs).Find(&candidates).Error; err != nil {
		a.Log.Error("Failed to load webhook senders", "error", err)
		return nil
	}

	for i := range candidates {
		if whatsapp.VerifySignature(body, signature, candidates[i].AppSecret) {
			return &candidates[i]
		}
	}
	return nil
}

func (a *App) processWebhook(payload *whatsapp.WebhookPayload) {
	senders := a.sendersForPayload(payload)

	for _, status := range payload.ExtractStatuses() {
		sender := resolveSender(senders, status.PhoneNumberID, status.BusinessAccountID)
		if sender == nil {
			continue
		}
		if err := a.recordStatus(sender, status); err != nil {
			a.Log.Error("Failed to record status event",
				"error", err, "wamid", status.MessageID, "status", status.Status)
		}
	}

	for _, msg := range payload.ExtractMessages() {
		sender := resolveSender(senders, msg.PhoneNumberID, msg.BusinessAccountID)
		if sender == nil {
			continue
		}
		if err := a.recordIncomingMessage(sender, msg); err != nil {
			a.Log.Error("Failed to record incoming message",
				"error", err, "wamid", msg.ID, "from", msg.From)
		}
	}
}

func (a *App) sendersForPayload(payload *whatsapp.WebhookPayload) []models.Sender {
	wabaIDs := make([]string, 0, len(payload.Entry))
	for _, entry := range payload.Entry {
		wabaIDs = append(wabaIDs, entry.ID)
	}
	var senders []models.Sender
	if err := a.DB.Where("business_account_id IN ?", wabaIDs).Find(&senders).Error; err != nil {
		a.Log.Error("Failed to load senders for webhook", "error", err)
	}
	return senders
}

func resolveSender(senders []models.Sender, phoneNumberID, wabaID string) *models.Sender {
	for i := range senders {
		if senders[i].PhoneNumberID == phoneNumberID {
			return &senders[i]
		}
	}
	for i := range senders {
		if senders[i].BusinessAccountID == wabaID {
			return &senders[i]
		}
	}
	return nil
}

// recordStatus appends one provider status event to the log and bumps the
// message's visible status if the event ranks higher. The log append is
// unconditional; the derived campaign counters fold duplicates and
// out-of-order events down to each WAMID's highest rank, so webhook replays
// stay idempotent.
func (a *App) recordStatus(sender *models.Sender, status whatsapp.ParsedStatus) error {
	delivery := models.DeliveryStatus(status.Status)
	switch delivery {
	case models.DeliveryStatusSent, models.DeliveryStatusDelivered,
		models.DeliveryStatusRead, models.DeliveryStatusFailed:
	default:
		return nil
	}

	// Attribute the event to a campaign through the queue row that sent it.
	// Non-campaign messages log with a nil campaign ID.
	var campaignID *uuid.UUID
	var entry models.SendQueueEntry
	err := a.DB.Where("whats_app_message_id = ?", status.MessageID).First(&entry).Error
	if err == nil {
		campaignID = &entry.CampaignID
	} else if err != gorm.ErrRecordNotFound {
		return err
	}

	log := models.MessageStatusLog{
		WhatsAppMessageID: status.MessageID,
		CampaignID:        campaignID,
		SenderID:          sender.ID,
		Status:            delivery,
		ErrorCode:         status.ErrorCode,
		ErrorMessage:      status.ErrorMsg,
	}
	if err := a.DB.Create(&log).Error; err != nil {
		return err
	}

	return a.bumpMessageStatus(status.MessageID, delivery)
}

// bumpMessageStatus raises an outgoing message's status, never lowers it
func (a *App) bumpMessageStatus(wamid string, delivery models.DeliveryStatus) error {
	var msg models.Message
	err := a.DB.Where("whats_app_message_id = ? AND direction = ?",
		wamid, models.DirectionOutgoing).First(&msg).Error
	if err == gorm.ErrRecordNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if delivery.Rank() <= msg.Status.Rank() {
		return nil
	}
	return a.DB.Model(&models.Message{}).Where("id = ?", msg.ID).
		Update("status", delivery).Error
}

// recordIncomingMessage stores an inbound reply and bumps the per-user reply
// counter. Replayed message events are skipped by WAMID.
func (a *App) recordIncomingMessage(sender *models.Sender, msg whatsapp.ParsedMessage) error {
	var existing int64
	err := a.DB.Model(&models.Message{}).
		Where("whats_app_message_id = ? AND direction = ?", msg.ID, models.DirectionIncoming).
		Count(&existing).Error
	if err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	now := time.Now()
	return a.DB.Transaction(func(tx *gorm.DB) error {
		record := models.Message{
			SenderID:          sender.ID,
			UserPhone:         msg.From,
			Direction:         models.DirectionIncoming,
			MessageType:       msg.Type,
			MessageBody:       msg.Text,
			WhatsAppMessageID: msg.ID,
			Status:            models.DeliveryStatusDelivered,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_phone"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"reply_count":   gorm.Expr("user_reply_limits.reply_count + 1"),
				"last_reply_at": now,
			}),
		}).Create(&models.UserReplyLimit{
			UserPhone:   msg.From,
			ReplyCount:  1,
			LastReplyAt: &now,
		}).Error
	})
}
