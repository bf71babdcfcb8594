package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shridarpatil/wasend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

func setupPubSub(t *testing.T) (*Publisher, *Subscriber) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log := logf.New(logf.Opts{Level: logf.FatalLevel})
	return NewPublisher(rdb, log), NewSubscriber(rdb, log)
}

func TestNotificationRoundTrip(t *testing.T) {
	pub, sub := setupPubSub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := sub.Notifications(ctx)
	// Give the subscription a moment to register before publishing
	time.Sleep(100 * time.Millisecond)

	n := &models.Notification{
		Type:  models.NotificationCampaignCompleted,
		Title: "Campaign completed",
		Body:  "Diwali blast finished",
	}
	require.NoError(t, pub.PublishNotification(ctx, n))

	select {
	case got := <-ch:
		assert.Equal(t, models.NotificationCampaignCompleted, got.Type)
		assert.Equal(t, "Campaign completed", got.Title)
	case <-ctx.Done():
		t.Fatal("timed out waiting for notification")
	}
}

func TestCampaignStatsRoundTrip(t *testing.T) {
	pub, sub := setupPubSub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := sub.CampaignStats(ctx)
	time.Sleep(100 * time.Millisecond)

	update := &CampaignStatsUpdate{
		CampaignID:    "c-1",
		Status:        "running",
		TotalContacts: 100,
		TotalSent:     42,
	}
	require.NoError(t, pub.PublishCampaignStats(ctx, update))

	select {
	case got := <-ch:
		assert.Equal(t, "c-1", got.CampaignID)
		assert.Equal(t, 42, got.TotalSent)
	case <-ctx.Done():
		t.Fatal("timed out waiting for stats update")
	}
}

func TestSubscriberStopsOnCancel(t *testing.T) {
	_, sub := setupPubSub(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := sub.Notifications(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
