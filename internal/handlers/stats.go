package handlers

import (
	"github.com/shridarpatil/wasend/internal/models"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
)

// TemplateStats is the per-template breakdown of a campaign
type TemplateStats struct {
	TemplateName   string `json:"template_name"`
	TemplateOrder  int    `json:"template_order"`
	Total          int    `json:"total"`
	Sent           int    `json:"sent"`
	Failed         int    `json:"failed"`
	Delivered      int    `json:"delivered"`
	Read           int    `json:"read" gorm:"column:read_count"`
	FailedDelivery int    `json:"failed_delivery" gorm:"column:failed_delivery"`
	Replied        int    `json:"replied"`
}

// CampaignStatsResponse aggregates campaign totals with per-template rows
type CampaignStatsResponse struct {
	Campaign  *models.Campaign `json:"campaign"`
	Templates []TemplateStats  `json:"templates"`
}

// templateStatsQuery computes every per-template counter in one pass over
// the queue. Delivery counters fold each WAMID's status log to its highest
// rank (sent=1, delivered=2, read=3); a failed event only counts when the
// message never reached delivered. A replier only counts against rows that
// were actually sent, the same predicate the scheduler's replied counter
// uses.
const templateStatsQuery = `
SELECT
	sq.template_name,
	MIN(sq.template_order) AS template_order,
	COUNT(*) AS total,
	COUNT(*) FILTER (WHERE sq.status = 'sent') AS sent,
	COUNT(*) FILTER (WHERE sq.status = 'failed') AS failed,
	COUNT(DISTINCT CASE WHEN d.max_rank >= 2 THEN sq.whats_app_message_id END) AS delivered,
	COUNT(DISTINCT CASE WHEN d.max_rank >= 3 THEN sq.whats_app_message_id END) AS read_count,
	COUNT(DISTINCT CASE WHEN d.saw_failed AND d.max_rank < 2 THEN sq.whats_app_message_id END) AS failed_delivery,
	COUNT(DISTINCT im.user_phone) AS replied
FROM send_queue sq
LEFT JOIN (
	SELECT whats_app_message_id AS wamid,
		MAX(CASE status
			WHEN 'sent' THEN 1
			WHEN 'delivered' THEN 2
			WHEN 'read' THEN 3
			ELSE 0 END) AS max_rank,
		BOOL_OR(status = 'failed') AS saw_failed
	FROM message_status_logs
	WHERE campaign_id = ?
	GROUP BY whats_app_message_id
) d ON d.wamid = sq.whats_app_message_id
LEFT JOIN (
	SELECT DISTINCT sender_id, user_phone
	FROM messages
	WHERE direction = 'incoming'
) im ON im.sender_id = sq.sender_id AND im.user_phone = sq.phone AND sq.status = 'sent'
WHERE sq.campaign_id = ?
GROUP BY sq.template_name
ORDER BY template_order`

// CampaignStats returns the campaign with its per-template delivery breakdown
func (a *App) CampaignStats(r *fastglue.Request) error {
	id, err := pathUUID(r, "id")
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}

	var campaign models.Campaign
	if err := a.DB.Where("id = ?", id).First(&campaign).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Campaign not found", nil, "")
	}

	var templates []TemplateStats
	if err := a.DB.Raw(templateStatsQuery, id, id).Scan(&templates).Error; err != nil {
		a.Log.Error("Failed to compute campaign stats", "error", err, "campaign_id", id)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to compute stats", nil, "")
	}

	return r.SendEnvelope(CampaignStatsResponse{
		Campaign:  &campaign,
		Templates: templates,
	})
}
