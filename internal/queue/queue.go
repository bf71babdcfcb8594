package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shridarpatil/wasend/internal/models"
	"github.com/zerodha/logf"
)

const (
	// ChannelNotifications carries operator-facing notification events
	ChannelNotifications = "wasend:notifications"
	// ChannelCampaignStats carries live campaign counter updates for UIs
	ChannelCampaignStats = "wasend:campaign_stats"
)

// CampaignStatsUpdate is a lightweight counter snapshot published after
// queue batches so dashboards track progress without polling.
type CampaignStatsUpdate struct {
	CampaignID     string `json:"campaign_id"`
	Status         string `json:"status"`
	TotalContacts  int    `json:"total_contacts"`
	TotalSent      int    `json:"total_sent"`
	TotalFailed    int    `json:"total_failed"`
	TotalDelivered int    `json:"total_delivered"`
	TotalRead      int    `json:"total_read"`
	TotalReplied   int    `json:"total_replied"`
}

// Publisher fans engine events out over Redis pub/sub
type Publisher struct {
	rdb *redis.Client
	log logf.Logger
}

// NewPublisher creates a Publisher
func NewPublisher(rdb *redis.Client, log logf.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: log}
}

// PublishNotification publishes a persisted notification to subscribers
func (p *Publisher) PublishNotification(ctx context.Context, n *models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := p.rdb.Publish(ctx, ChannelNotifications, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// PublishCampaignStats publishes a campaign counter snapshot
func (p *Publisher) PublishCampaignStats(ctx context.Context, update *CampaignStatsUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal stats update: %w", err)
	}
	if err := p.rdb.Publish(ctx, ChannelCampaignStats, data).Err(); err != nil {
		return fmt.Errorf("failed to publish stats update: %w", err)
	}
	return nil
}

// Subscriber consumes engine events from Redis pub/sub
type Subscriber struct {
	rdb *redis.Client
	log logf.Logger
}

// NewSubscriber creates a Subscriber
func NewSubscriber(rdb *redis.Client, log logf.Logger) *Subscriber {
	return &Subscriber{rdb: rdb, log: log}
}

// Notifications subscribes to the notification channel and streams decoded
// events until the context is cancelled. Malformed payloads are logged and
// skipped.
func (s *Subscriber) Notifications(ctx context.Context) <-chan models.Notification {
	out := make(chan models.Notification)
	sub := s.rdb.Subscribe(ctx, ChannelNotifications)

	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var n models.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					s.log.Error("Failed to decode notification", "error", err)
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// CampaignStats subscribes to the campaign stats channel and streams decoded
// snapshots until the context is cancelled.
func (s *Subscriber) CampaignStats(ctx context.Context) <-chan CampaignStatsUpdate {
	out := make(chan CampaignStatsUpdate)
	sub := s.rdb.Subscribe(ctx, ChannelCampaignStats)

	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var u CampaignStatsUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
					s.log.Error("Failed to decode stats update", "error", err)
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
