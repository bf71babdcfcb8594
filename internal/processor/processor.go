package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shridarpatil/wasend/internal/config"
	"github.com/shridarpatil/wasend/internal/models"
	"github.com/shridarpatil/wasend/internal/queue"
	"github.com/shridarpatil/wasend/internal/ratelimit"
	"github.com/shridarpatil/wasend/pkg/whatsapp"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// Processor drives send_queue rows to a terminal state. Each tick it claims
// a batch per running campaign, pushes the rows through the rate controller
// and the outbound client, and persists the outcome.
type Processor struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	Log       logf.Logger
	WhatsApp  *whatsapp.Client
	Rate      *ratelimit.Controller
	Publisher *queue.Publisher

	// senders caches credentials by sender id, refreshed on the reaper pass
	mu      sync.RWMutex
	senders map[uuid.UUID]*models.Sender
}

// New creates a Processor wired to the shared clients
func New(cfg *config.Config, db *gorm.DB, rdb *redis.Client, log logf.Logger) *Processor {
	baseURL := cfg.WhatsApp.BaseURL
	if baseURL == "" {
		baseURL = whatsapp.BaseURL
	}
	client := whatsapp.NewWithTimeout(log, baseURL,
		time.Duration(cfg.WhatsApp.SendTimeoutSeconds)*time.Second)

	return &Processor{
		Config:    cfg,
		DB:        db,
		Redis:     rdb,
		Log:       log,
		WhatsApp:  client,
		Rate:      ratelimit.NewController(log),
		Publisher: queue.NewPublisher(rdb, log),
		senders:   make(map[uuid.UUID]*models.Sender),
	}
}

// Run polls until the context is cancelled. The reaper and rate-persistence
// sweeps run on their own slower ticker.
func (p *Processor) Run(ctx context.Context) error {
	p.Log.Info("Queue processor starting",
		"tick_ms", p.Config.Engine.TickMs, "batch_size", p.Config.Engine.BatchSize)

	if err := p.refreshSenders(); err != nil {
		p.Log.Error("Initial sender refresh failed", "error", err)
	}

	tick := time.NewTicker(time.Duration(p.Config.Engine.TickMs) * time.Millisecond)
	defer tick.Stop()
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Log.Info("Queue processor stopped")
			return nil
		case <-sweep.C:
			p.ReapStuckRows()
			if err := p.refreshSenders(); err != nil {
				p.Log.Error("Sender refresh failed", "error", err)
			}
			p.persistStableRates()
		case <-tick.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one polling pass over all active campaigns
func (p *Processor) Tick(ctx context.Context) {
	var campaigns []models.Campaign
	err := p.DB.Where("status = ?", models.CampaignStatusRunning).Find(&campaigns).Error
	if err != nil {
		// Database hiccups are absorbed; the reaper recovers any stuck rows
		p.Log.Error("Failed to load running campaigns", "error", err)
		return
	}

	var wg sync.WaitGroup
	for i := range campaigns {
		wg.Add(1)
		go func(c *models.Campaign) {
			defer wg.Done()
			if err := p.ProcessCampaignBatch(ctx, c); err != nil {
				p.Log.Error("Batch failed", "error", err, "campaign_id", c.ID)
			}
		}(&campaigns[i])
	}
	wg.Wait()
}

// ProcessCampaignBatch claims and dispatches one batch for a campaign
func (p *Processor) ProcessCampaignBatch(ctx context.Context, campaign *models.Campaign) error {
	sender, err := p.senderByID(campaign.SenderID)
	if err != nil {
		return fmt.Errorf("failed to resolve sender: %w", err)
	}
	p.Rate.Register(sender.ID.String(), sender.MaxSendRatePerSec, sender.LastStableRatePerSec)

	entries, err := p.claimBatch(campaign)
	if err != nil {
		return fmt.Errorf("failed to claim batch: %w", err)
	}

	if len(entries) == 0 {
		// Nothing claimable at the current template index: the index may
		// advance, or the campaign may be done
		if advanced, err := p.advanceTemplateIndex(campaign); err != nil {
			return err
		} else if !advanced {
			if err := p.checkCompletion(ctx, campaign.ID); err != nil {
				return err
			}
		}
		return nil
	}

	templates, err := p.loadTemplates(campaign.SenderID, entries)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	account := &whatsapp.Account{
		PhoneNumberID:     sender.PhoneNumberID,
		BusinessAccountID: sender.BusinessAccountID,
		APIVersion:        sender.APIVersion,
		AccessToken:       sender.AccessToken,
	}

	for i := range entries {
		entry := &entries[i]

		// Re-check campaign state between rows so stop takes effect
		// without waiting out the batch
		if i > 0 && i%10 == 0 {
			var status models.CampaignStatus
			if err := p.DB.Model(&models.Campaign{}).
				Select("status").Where("id = ?", campaign.ID).Scan(&status).Error; err == nil &&
				status != models.CampaignStatusRunning {
				p.releaseUnsent(entries[i:])
				return nil
			}
		}

		if err := p.Rate.Acquire(ctx, sender.ID.String()); err != nil {
			// Context cancelled mid-batch: release what we did not send
			p.releaseUnsent(entries[i:])
			return nil
		}

		res := p.send(ctx, account, templates, entry)
		p.observe(sender.ID.String(), res.Outcome)

		if err := p.persistOutcome(ctx, campaign, entry, res); err != nil {
			p.Log.Error("Failed to persist outcome",
				"error", err, "entry_id", entry.ID, "campaign_id", campaign.ID)
		}

		if res.Outcome == whatsapp.OutcomeAuthFailed {
			// Credentials are dead; stop claiming for this campaign
			p.releaseUnsent(entries[i+1:])
			return nil
		}
	}

	if err := p.checkCompletion(ctx, campaign.ID); err != nil {
		return err
	}
	p.publishStats(ctx, campaign.ID)
	return nil
}

// send resolves the template and calls the outbound client
func (p *Processor) send(ctx context.Context, account *whatsapp.Account, templates map[string]*models.Template, entry *models.SendQueueEntry) whatsapp.SendResult {
	tmpl, ok := templates[entry.TemplateName]
	if !ok {
		return whatsapp.SendResult{
			Outcome:      whatsapp.OutcomePermanent,
			ErrorMessage: fmt.Sprintf("template %s not found on sender", entry.TemplateName),
		}
	}

	params := &whatsapp.TemplateParams{
		Name:       entry.TemplateName,
		Language:   tmpl.Language,
		BodyParams: orderedBodyParams(entry.Payload),
	}

	sendCtx, cancel := context.WithTimeout(ctx,
		time.Duration(p.Config.WhatsApp.SendTimeoutSeconds)*time.Second)
	defer cancel()

	return p.WhatsApp.SendTemplate(sendCtx, account, entry.Phone, params)
}

// observe feeds sender-throughput outcomes into the rate controller.
// Permanent and auth failures say nothing about throughput and are skipped.
func (p *Processor) observe(senderID string, outcome whatsapp.Outcome) {
	switch outcome {
	case whatsapp.OutcomeOK:
		p.Rate.Observe(senderID, false)
	case whatsapp.OutcomeTransient, whatsapp.OutcomeRateLimited, whatsapp.OutcomeSpamRateLimited:
		p.Rate.Observe(senderID, true)
	}
}

// releaseUnsent flips claimed-but-unsent rows back to ready
func (p *Processor) releaseUnsent(entries []models.SendQueueEntry) {
	if len(entries) == 0 {
		return
	}
	ids := make([]uuid.UUID, 0, len(entries))
	for i := range entries {
		ids = append(ids, entries[i].ID)
	}
	err := p.DB.Model(&models.SendQueueEntry{}).
		Where("id IN ? AND status = ?", ids, models.QueueStatusProcessing).
		Update("status", models.QueueStatusReady).Error
	if err != nil {
		p.Log.Error("Failed to release unsent rows", "error", err)
	}
}

// loadTemplates fetches the templates referenced by a batch, keyed by name
func (p *Processor) loadTemplates(senderID uuid.UUID, entries []models.SendQueueEntry) (map[string]*models.Template, error) {
	names := make([]string, 0, 4)
	seen := map[string]bool{}
	for i := range entries {
		if !seen[entries[i].TemplateName] {
			seen[entries[i].TemplateName] = true
			names = append(names, entries[i].TemplateName)
		}
	}

	var templates []models.Template
	err := p.DB.Where("sender_id = ? AND name IN ?", senderID, names).Find(&templates).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]*models.Template, len(templates))
	for i := range templates {
		out[templates[i].Name] = &templates[i]
	}
	return out, nil
}

func (p *Processor) senderByID(id uuid.UUID) (*models.Sender, error) {
	p.mu.RLock()
	s, ok := p.senders[id]
	p.mu.RUnlock()
	if ok {
		return s, nil
	}

	var sender models.Sender
	if err := p.DB.Where("id = ?", id).First(&sender).Error; err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.senders[id] = &sender
	p.mu.Unlock()
	return &sender, nil
}

// refreshSenders reloads the credential cache
func (p *Processor) refreshSenders() error {
	var senders []models.Sender
	if err := p.DB.Where("is_active = ?", true).Find(&senders).Error; err != nil {
		return err
	}

	fresh := make(map[uuid.UUID]*models.Sender, len(senders))
	for i := range senders {
		fresh[senders[i].ID] = &senders[i]
	}

	p.mu.Lock()
	p.senders = fresh
	p.mu.Unlock()
	return nil
}

// persistStableRates writes each sender's last known-good rate back so a
// restart resumes near it instead of the configured maximum
func (p *Processor) persistStableRates() {
	for senderID, stable := range p.Rate.StableRates() {
		if stable <= 0 {
			continue
		}
		id, err := uuid.Parse(senderID)
		if err != nil {
			continue
		}
		err = p.DB.Model(&models.Sender{}).Where("id = ?", id).
			Update("last_stable_rate_per_sec", stable).Error
		if err != nil {
			p.Log.Error("Failed to persist stable rate", "error", err, "sender_id", senderID)
		}
	}
}

// publishStats pushes a live counter snapshot for dashboards
func (p *Processor) publishStats(ctx context.Context, campaignID uuid.UUID) {
	if p.Publisher == nil {
		return
	}
	var campaign models.Campaign
	if err := p.DB.Where("id = ?", campaignID).First(&campaign).Error; err != nil {
		return
	}
	_ = p.Publisher.PublishCampaignStats(ctx, &queue.CampaignStatsUpdate{
		CampaignID:     campaign.ID.String(),
		Status:         string(campaign.Status),
		TotalContacts:  campaign.TotalContacts,
		TotalSent:      campaign.TotalSent,
		TotalFailed:    campaign.TotalFailed,
		TotalDelivered: campaign.TotalDelivered,
		TotalRead:      campaign.TotalRead,
		TotalReplied:   campaign.TotalReplied,
	})
}

// orderedBodyParams flattens the payload map into positional body
// parameters. Numeric keys ("1", "2", ...) take their numeric order;
// otherwise the CSV column order is unknown and keys sort alphabetically.
func orderedBodyParams(payload models.StringMap) []string {
	if len(payload) == 0 {
		return nil
	}

	numeric := make([]string, 0, len(payload))
	for i := 1; i <= len(payload); i++ {
		v, ok := payload[fmt.Sprintf("%d", i)]
		if !ok {
			numeric = nil
			break
		}
		numeric = append(numeric, v)
	}
	if numeric != nil {
		return numeric
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, payload[k])
	}
	return out
}
