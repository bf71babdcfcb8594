package handlers

import (
	"testing"

	"github.com/shridarpatil/wasend/internal/models"
	"github.com/shridarpatil/wasend/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCampaignStatsPerTemplate(t *testing.T) {
	a := testApp(t)
	sender := createTestSender(t, a)

	campaign := &models.Campaign{
		SenderID:      sender.ID,
		Name:          "measured",
		TemplateNames: models.StringList{"tpl_a", "tpl_b"},
		TotalContacts: 4,
		Status:        models.CampaignStatusCompleted,
	}
	require.NoError(t, a.DB.Create(campaign).Error)

	// tpl_a: one read, one delivered. tpl_b: one sent with a failed webhook
	// event, one terminally failed before dispatch.
	type seed struct {
		template string
		order    int
		phone    string
		status   models.QueueStatus
		wamid    string
		events   []models.DeliveryStatus
	}
	seeds := []seed{
		{"tpl_a", 0, "919900000001", models.QueueStatusSent, "wamid.S1",
			[]models.DeliveryStatus{models.DeliveryStatusSent, models.DeliveryStatusDelivered, models.DeliveryStatusRead}},
		{"tpl_a", 0, "919900000002", models.QueueStatusSent, "wamid.S2",
			[]models.DeliveryStatus{models.DeliveryStatusDelivered}},
		{"tpl_b", 1, "919900000003", models.QueueStatusSent, "wamid.S3",
			[]models.DeliveryStatus{models.DeliveryStatusSent, models.DeliveryStatusFailed}},
		{"tpl_b", 1, "919900000004", models.QueueStatusFailed, "", nil},
	}
	for _, s := range seeds {
		entry := models.SendQueueEntry{
			CampaignID: campaign.ID, SenderID: sender.ID,
			TemplateName: s.template, TemplateOrder: s.order,
			Phone: s.phone, Status: s.status,
		}
		if s.wamid != "" {
			wamid := s.wamid
			entry.WhatsAppMessageID = &wamid
		}
		require.NoError(t, a.DB.Create(&entry).Error)

		for _, ev := range s.events {
			require.NoError(t, a.DB.Create(&models.MessageStatusLog{
				WhatsAppMessageID: s.wamid,
				CampaignID:        &campaign.ID,
				SenderID:          sender.ID,
				Status:            ev,
			}).Error)
		}
	}

	// One tpl_a recipient replied. The tpl_b contact whose send failed also
	// wrote in; a reply without a successful send must not count.
	require.NoError(t, a.DB.Create(&models.Message{
		SenderID: sender.ID, UserPhone: "919900000001",
		Direction: models.DirectionIncoming, Status: models.DeliveryStatusDelivered,
	}).Error)
	require.NoError(t, a.DB.Create(&models.Message{
		SenderID: sender.ID, UserPhone: "919900000004",
		Direction: models.DirectionIncoming, Status: models.DeliveryStatusDelivered,
	}).Error)

	req := testutil.NewGETRequest(t)
	testutil.SetPathParam(req, "id", campaign.ID.String())
	require.NoError(t, a.CampaignStats(req))

	var resp CampaignStatsResponse
	testutil.ParseEnvelopeResponse(t, req, &resp)
	require.Len(t, resp.Templates, 2)

	tplA := resp.Templates[0]
	assert.Equal(t, "tpl_a", tplA.TemplateName)
	assert.Equal(t, 2, tplA.Total)
	assert.Equal(t, 2, tplA.Sent)
	assert.Equal(t, 0, tplA.Failed)
	assert.Equal(t, 2, tplA.Delivered)
	assert.Equal(t, 1, tplA.Read)
	assert.Equal(t, 0, tplA.FailedDelivery)
	assert.Equal(t, 1, tplA.Replied)

	tplB := resp.Templates[1]
	assert.Equal(t, "tpl_b", tplB.TemplateName)
	assert.Equal(t, 2, tplB.Total)
	assert.Equal(t, 1, tplB.Sent)
	assert.Equal(t, 1, tplB.Failed)
	assert.Equal(t, 0, tplB.Delivered)
	assert.Equal(t, 1, tplB.FailedDelivery)
	assert.Equal(t, 0, tplB.Replied)
}

func TestCampaignStatsNotFound(t *testing.T) {
	a := testApp(t)

	req := testutil.NewGETRequest(t)
	testutil.SetPathParam(req, "id", "00000000-0000-0000-0000-000000000001")
	require.NoError(t, a.CampaignStats(req))
	testutil.AssertErrorResponse(t, req, 404, "not found")
}
