package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shridarpatil/wasend/internal/models"
	"github.com/shridarpatil/wasend/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func statusPayload(wabaID, phoneNumberID, wamid, status string) []byte {
	return []byte(fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": %q,
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": %q},
					"statuses": [{
						"id": %q,
						"status": %q,
						"timestamp": "1700000000",
						"recipient_id": "919876543210"
					}]
				}
			}]
		}]
	}`, wabaID, phoneNumberID, wamid, status))
}

func messagePayload(wabaID, phoneNumberID, wamid, from, text string) []byte {
	return []byte(fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": %q,
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": %q},
					"contacts": [{"profile": {"name": "Alice"}}],
					"messages": [{
						"from": %q,
						"id": %q,
						"timestamp": "1700000000",
						"type": "text",
						"text": {"body": %q}
					}]
				}
			}]
		}]
	}`, wabaID, phoneNumberID, from, wamid, text))
}

func deliverWebhook(t *testing.T, a *App, body []byte, signature string) int {
	t.Helper()
	req := testutil.NewRawRequest(t, body)
	testutil.SetHeader(req, "X-Hub-Signature-256", signature)
	require.NoError(t, a.WebhookReceive(req))
	a.WaitForBackgroundTasks()
	return testutil.GetResponseStatusCode(req)
}

func TestWebhookVerifyChallenge(t *testing.T) {
	a := testApp(t)

	req := testutil.NewGETRequest(t)
	testutil.SetQueryParam(req, "hub.mode", "subscribe")
	testutil.SetQueryParam(req, "hub.verify_token", "verify-token")
	testutil.SetQueryParam(req, "hub.challenge", "challenge-123")
	require.NoError(t, a.WebhookVerify(req))
	assert.Equal(t, fasthttp.StatusOK, testutil.GetResponseStatusCode(req))
	assert.Equal(t, "challenge-123", string(testutil.GetResponseBody(req)))

	req = testutil.NewGETRequest(t)
	testutil.SetQueryParam(req, "hub.mode", "subscribe")
	testutil.SetQueryParam(req, "hub.verify_token", "wrong")
	testutil.SetQueryParam(req, "hub.challenge", "challenge-123")
	require.NoError(t, a.WebhookVerify(req))
	assert.Equal(t, fasthttp.StatusForbidden, testutil.GetResponseStatusCode(req))
}

func TestWebhookStatusEvents(t *testing.T) {
	a := testApp(t)
	sender := createTestSender(t, a)

	campaign := &models.Campaign{
		SenderID:      sender.ID,
		Name:          "tracked",
		TemplateNames: models.StringList{"tpl_a"},
		Status:        models.CampaignStatusRunning,
	}
	require.NoError(t, a.DB.Create(campaign).Error)

	wamid := "wamid.TRACK1"
	require.NoError(t, a.DB.Create(&models.SendQueueEntry{
		CampaignID: campaign.ID, SenderID: sender.ID,
		TemplateName: "tpl_a", Phone: "919876543210",
		Status: models.QueueStatusSent, WhatsAppMessageID: &wamid,
	}).Error)
	require.NoError(t, a.DB.Create(&models.Message{
		SenderID: sender.ID, CampaignID: &campaign.ID,
		UserPhone: "919876543210", Direction: models.DirectionOutgoing,
		WhatsAppMessageID: wamid, Status: models.DeliveryStatusSent,
	}).Error)

	// delivered, then read, then an out-of-order sent and a late failed
	for _, status := range []string{"delivered", "read", "sent", "failed"} {
		body := statusPayload(sender.BusinessAccountID, sender.PhoneNumberID, wamid, status)
		code := deliverWebhook(t, a, body, signPayload(sender.AppSecret, body))
		assert.Equal(t, fasthttp.StatusOK, code)
	}

	var logs []models.MessageStatusLog
	require.NoError(t, a.DB.Where("whats_app_message_id = ?", wamid).Find(&logs).Error)
	assert.Len(t, logs, 4, "every event is appended to the log")
	for _, l := range logs {
		require.NotNil(t, l.CampaignID)
		assert.Equal(t, campaign.ID, *l.CampaignID)
	}

	// Visible message status never regresses below read
	var msg models.Message
	require.NoError(t, a.DB.Where("whats_app_message_id = ? AND direction = ?",
		wamid, models.DirectionOutgoing).First(&msg).Error)
	assert.Equal(t, models.DeliveryStatusRead, msg.Status)

	// Replaying an event appends another log row but the status holds
	body := statusPayload(sender.BusinessAccountID, sender.PhoneNumberID, wamid, "delivered")
	deliverWebhook(t, a, body, signPayload(sender.AppSecret, body))
	require.NoError(t, a.DB.Where("whats_app_message_id = ? AND direction = ?",
		wamid, models.DirectionOutgoing).First(&msg).Error)
	assert.Equal(t, models.DeliveryStatusRead, msg.Status)
}

func TestWebhookBadSignatureDropped(t *testing.T) {
	a := testApp(t)
	sender := createTestSender(t, a)

	body := statusPayload(sender.BusinessAccountID, sender.PhoneNumberID, "wamid.X", "delivered")
	code := deliverWebhook(t, a, body, signPayload("wrong-secret", body))
	assert.Equal(t, fasthttp.StatusOK, code, "always acknowledged")

	var logs int64
	require.NoError(t, a.DB.Model(&models.MessageStatusLog{}).Count(&logs).Error)
	assert.Zero(t, logs, "unverified payloads are dropped")
}

func TestWebhookUnknownSenderDropped(t *testing.T) {
	a := testApp(t)

	body := statusPayload(uuid.New().String(), "555", "wamid.X", "delivered")
	code := deliverWebhook(t, a, body, signPayload("whatever", body))
	assert.Equal(t, fasthttp.StatusOK, code)

	var logs int64
	require.NoError(t, a.DB.Model(&models.MessageStatusLog{}).Count(&logs).Error)
	assert.Zero(t, logs)
}

func TestWebhookIncomingReply(t *testing.T) {
	a := testApp(t)
	sender := createTestSender(t, a)

	body := messagePayload(sender.BusinessAccountID, sender.PhoneNumberID,
		"wamid.IN1", "919876543210", "thanks!")
	deliverWebhook(t, a, body, signPayload(sender.AppSecret, body))

	var msg models.Message
	require.NoError(t, a.DB.Where("whats_app_message_id = ?", "wamid.IN1").First(&msg).Error)
	assert.Equal(t, models.DirectionIncoming, msg.Direction)
	assert.Equal(t, "919876543210", msg.UserPhone)
	assert.Equal(t, "thanks!", msg.MessageBody)

	var limit models.UserReplyLimit
	require.NoError(t, a.DB.Where("user_phone = ?", "919876543210").First(&limit).Error)
	assert.Equal(t, 1, limit.ReplyCount)
	require.NotNil(t, limit.LastReplyAt)

	// Replayed message events are skipped by WAMID
	deliverWebhook(t, a, body, signPayload(sender.AppSecret, body))

	var count int64
	require.NoError(t, a.DB.Model(&models.Message{}).
		Where("whats_app_message_id = ?", "wamid.IN1").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	require.NoError(t, a.DB.Where("user_phone = ?", "919876543210").First(&limit).Error)
	assert.Equal(t, 1, limit.ReplyCount, "replay does not bump the reply counter")

	// A second distinct reply does
	body2 := messagePayload(sender.BusinessAccountID, sender.PhoneNumberID,
		"wamid.IN2", "919876543210", "one more")
	deliverWebhook(t, a, body2, signPayload(sender.AppSecret, body2))

	require.NoError(t, a.DB.Where("user_phone = ?", "919876543210").First(&limit).Error)
	assert.Equal(t, 2, limit.ReplyCount)
}
