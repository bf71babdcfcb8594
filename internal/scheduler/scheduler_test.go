package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shridarpatil/wasend/internal/config"
	"github.com/shridarpatil/wasend/internal/models"
	"github.com/shridarpatil/wasend/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testScheduler(t *testing.T) (*Scheduler, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	cfg := &config.Config{Engine: config.EngineConfig{SchedulerIntervalSeconds: 30}}
	return New(cfg, db, nil, testutil.NopLogger()), db
}

func createSender(t *testing.T, db *gorm.DB) *models.Sender {
	t.Helper()
	s := &models.Sender{
		Name:              "sched-sender",
		PhoneNumberID:     uuid.New().String(),
		BusinessAccountID: uuid.New().String(),
		AccessToken:       "tok",
		IsActive:          true,
	}
	require.NoError(t, db.Create(s).Error)
	return s
}

func TestStartDueCampaignMaterializesQueue(t *testing.T) {
	s, db := testScheduler(t)
	sender := createSender(t, db)

	past := time.Now().Add(-time.Minute)
	campaign := &models.Campaign{
		SenderID:           sender.ID,
		Name:               "scheduled-blast",
		TemplateNames:      models.StringList{"tpl_a", "tpl_b", "tpl_c"},
		TotalContacts:      7,
		Status:             models.CampaignStatusScheduled,
		ScheduledStartTime: &past,
	}
	require.NoError(t, db.Create(campaign).Error)

	// 7 valid contacts distributed round-robin at create time
	templates := []string{"tpl_a", "tpl_b", "tpl_c"}
	for i := 0; i < 7; i++ {
		contact := models.CampaignContact{
			CampaignID:   campaign.ID,
			Phone:        "91990000000" + string(rune('0'+i)),
			TemplateName: templates[i%3],
			Variables:    models.StringMap{"1": "hi"},
			IsValid:      true,
		}
		require.NoError(t, db.Create(&contact).Error)
	}
	// Invalid contacts never reach the queue
	require.NoError(t, db.Create(&models.CampaignContact{
		CampaignID: campaign.ID, Phone: "123", IsValid: false, InvalidReason: "bad",
	}).Error)

	require.NoError(t, s.StartDueCampaigns(context.Background()))

	var got models.Campaign
	require.NoError(t, db.Where("id = ?", campaign.ID).First(&got).Error)
	assert.Equal(t, models.CampaignStatusRunning, got.Status)
	assert.NotNil(t, got.StartTime)

	var entries []models.SendQueueEntry
	require.NoError(t, db.Where("campaign_id = ?", campaign.ID).
		Order("template_order ASC").Find(&entries).Error)
	require.Len(t, entries, 7)

	// 3 on tpl_a, 2 on tpl_b, 2 on tpl_c; orders sorted 0,0,0,1,1,2,2
	wantOrders := []int{0, 0, 0, 1, 1, 2, 2}
	for i, e := range entries {
		assert.Equal(t, wantOrders[i], e.TemplateOrder)
		assert.Equal(t, models.QueueStatusReady, e.Status)
	}

	// A second sweep must not duplicate the queue
	require.NoError(t, s.StartDueCampaigns(context.Background()))
	var count int64
	require.NoError(t, db.Model(&models.SendQueueEntry{}).
		Where("campaign_id = ?", campaign.ID).Count(&count).Error)
	assert.Equal(t, int64(7), count)
}

func TestStartSkipsFutureCampaigns(t *testing.T) {
	s, db := testScheduler(t)
	sender := createSender(t, db)

	future := time.Now().Add(time.Hour)
	campaign := &models.Campaign{
		SenderID:           sender.ID,
		Name:               "future-blast",
		TemplateNames:      models.StringList{"tpl_a"},
		Status:             models.CampaignStatusScheduled,
		ScheduledStartTime: &future,
	}
	require.NoError(t, db.Create(campaign).Error)

	require.NoError(t, s.StartDueCampaigns(context.Background()))

	var got models.Campaign
	require.NoError(t, db.Where("id = ?", campaign.ID).First(&got).Error)
	assert.Equal(t, models.CampaignStatusScheduled, got.Status)
}

func TestResumeSpamPausedAfterDeadline(t *testing.T) {
	s, db := testScheduler(t)
	sender := createSender(t, db)

	expired := time.Now().Add(-time.Minute)
	campaign := &models.Campaign{
		SenderID:        sender.ID,
		Name:            "spam-paused",
		TemplateNames:   models.StringList{"tpl_a"},
		Status:          models.CampaignStatusPaused,
		SpamPauseCount:  1,
		SpamPausedUntil: &expired,
		PauseReason:     "Spam rate limit; auto-resume at ...",
	}
	require.NoError(t, db.Create(campaign).Error)

	entry := models.SendQueueEntry{
		CampaignID:        campaign.ID,
		SenderID:          sender.ID,
		TemplateName:      "tpl_a",
		TemplateOrder:     0,
		Phone:             "919900000001",
		Status:            models.QueueStatusReady,
		SpamErrorDetected: true,
	}
	require.NoError(t, db.Create(&entry).Error)

	require.NoError(t, s.ResumeSpamPaused(context.Background()))

	var got models.Campaign
	require.NoError(t, db.Where("id = ?", campaign.ID).First(&got).Error)
	assert.Equal(t, models.CampaignStatusRunning, got.Status)
	assert.Nil(t, got.SpamPausedUntil)
	assert.Empty(t, got.PauseReason)

	var gotEntry models.SendQueueEntry
	require.NoError(t, db.Where("id = ?", entry.ID).First(&gotEntry).Error)
	assert.False(t, gotEntry.SpamErrorDetected)
}

func TestPermanentSpamPauseNotResumed(t *testing.T) {
	s, db := testScheduler(t)
	sender := createSender(t, db)

	campaign := &models.Campaign{
		SenderID:       sender.ID,
		Name:           "perm-paused",
		TemplateNames:  models.StringList{"tpl_a"},
		Status:         models.CampaignStatusPaused,
		SpamPauseCount: 2,
	}
	require.NoError(t, db.Create(campaign).Error)

	require.NoError(t, s.ResumeSpamPaused(context.Background()))

	var got models.Campaign
	require.NoError(t, db.Where("id = ?", campaign.ID).First(&got).Error)
	assert.Equal(t, models.CampaignStatusPaused, got.Status)
}

func TestRefreshDerivedCounters(t *testing.T) {
	s, db := testScheduler(t)
	sender := createSender(t, db)

	campaign := &models.Campaign{
		SenderID:      sender.ID,
		Name:          "counted",
		TemplateNames: models.StringList{"tpl_a"},
		TotalContacts: 3,
		TotalSent:     3,
		Status:        models.CampaignStatusRunning,
	}
	require.NoError(t, db.Create(campaign).Error)

	// Three sent rows; W1 read, W2 delivered, W3 only sent.
	// W1 also gets a late failed event, which must not regress it.
	wamids := []string{"wamid.W1", "wamid.W2", "wamid.W3"}
	phones := []string{"919900000001", "919900000002", "919900000003"}
	for i, w := range wamids {
		wamid := w
		require.NoError(t, db.Create(&models.SendQueueEntry{
			CampaignID: campaign.ID, SenderID: sender.ID,
			TemplateName: "tpl_a", Phone: phones[i],
			Status: models.QueueStatusSent, WhatsAppMessageID: &wamid,
		}).Error)
	}

	logs := []struct {
		wamid  string
		status models.DeliveryStatus
	}{
		{"wamid.W1", models.DeliveryStatusSent},
		{"wamid.W1", models.DeliveryStatusDelivered},
		{"wamid.W1", models.DeliveryStatusRead},
		{"wamid.W1", models.DeliveryStatusFailed},
		{"wamid.W2", models.DeliveryStatusDelivered},
		{"wamid.W3", models.DeliveryStatusSent},
		// Duplicate event must not double-count
		{"wamid.W2", models.DeliveryStatusDelivered},
	}
	for _, l := range logs {
		require.NoError(t, db.Create(&models.MessageStatusLog{
			WhatsAppMessageID: l.wamid,
			CampaignID:        &campaign.ID,
			SenderID:          sender.ID,
			Status:            l.status,
		}).Error)
	}

	// One recipient replied
	require.NoError(t, db.Create(&models.Message{
		SenderID:  sender.ID,
		UserPhone: "919900000001",
		Direction: models.DirectionIncoming,
		Status:    models.DeliveryStatusDelivered,
	}).Error)

	require.NoError(t, s.RefreshDerivedCounters(context.Background()))

	var got models.Campaign
	require.NoError(t, db.Where("id = ?", campaign.ID).First(&got).Error)
	assert.Equal(t, 2, got.TotalDelivered, "W1 and W2 reached delivered or better")
	assert.Equal(t, 1, got.TotalRead, "only W1 reached read")
	assert.Equal(t, 1, got.TotalReplied)
}
