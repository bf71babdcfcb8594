package handlers

import (
	"encoding/json"

	"github.com/shridarpatil/wasend/internal/models"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListTemplates returns templates, optionally filtered by sender
func (a *App) ListTemplates(r *fastglue.Request) error {
	q := a.DB.Order("name ASC")
	if senderID := string(r.RequestCtx.QueryArgs().Peek("sender_id")); senderID != "" {
		q = q.Where("sender_id = ?", senderID)
	}

	var templates []models.Template
	if err := q.Find(&templates).Error; err != nil {
		a.Log.Error("Failed to list templates", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to fetch templates", nil, "")
	}
	return r.SendEnvelope(templates)
}

// TemplateUpdateRequest toggles local template flags
type TemplateUpdateRequest struct {
	IsActive      *bool `json:"is_active"`
	IsQuarantined *bool `json:"is_quarantined"`
}

// UpdateTemplate toggles the locally managed flags on a template. Status,
// category and components only change through sync.
func (a *App) UpdateTemplate(r *fastglue.Request) error {
	id, err := pathUUID(r, "id")
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid template ID", nil, "")
	}

	var tpl models.Template
	if err := a.DB.Where("id = ?", id).First(&tpl).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Template not found", nil, "")
	}

	var req TemplateUpdateRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}

	updates := map[string]interface{}{}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.IsQuarantined != nil {
		updates["is_quarantined"] = *req.IsQuarantined
	}
	if len(updates) > 0 {
		if err := a.DB.Model(&tpl).Updates(updates).Error; err != nil {
			a.Log.Error("Failed to update template", "error", err, "template_id", id)
			return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to update template", nil, "")
		}
	}
	return r.SendEnvelope(tpl)
}

// SyncTemplates pulls the sender's template catalog from Meta and upserts it
// locally. Status and category always follow Meta; the local is_active and
// is_quarantined flags are preserved.
func (a *App) SyncTemplates(r *fastglue.Request) error {
	id, err := pathUUID(r, "id")
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid sender ID", nil, "")
	}

	var sender models.Sender
	if err := a.DB.Where("id = ?", id).First(&sender).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Sender not found", nil, "")
	}

	fetched, err := a.WhatsApp.FetchTemplates(r.RequestCtx, senderAccount(&sender))
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadGateway,
			"Failed to fetch templates from Meta", map[string]string{"error": err.Error()}, "")
	}

	synced := 0
	for _, mt := range fetched {
		components := models.JSONB{}
		if raw, err := json.Marshal(mt.Components); err == nil {
			var arr []interface{}
			if err := json.Unmarshal(raw, &arr); err == nil {
				components["components"] = arr
			}
		}

		tpl := models.Template{
			SenderID:   sender.ID,
			Name:       mt.Name,
			Language:   mt.Language,
			Category:   mt.Category,
			Status:     mt.Status,
			Components: components,
			IsActive:   true,
		}
		err := a.DB.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "sender_id"}, {Name: "name"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"language":   mt.Language,
				"category":   mt.Category,
				"status":     mt.Status,
				"components": components,
				"updated_at": gorm.Expr("NOW()"),
			}),
		}).Create(&tpl).Error
		if err != nil {
			a.Log.Error("Failed to upsert template", "error", err, "name", mt.Name)
			continue
		}
		synced++
	}

	a.Log.Info("Templates synced", "sender_id", sender.ID, "count", synced)
	return r.SendEnvelope(map[string]interface{}{"synced": synced})
}
