package handlers

import (
	"github.com/shridarpatil/wasend/internal/models"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
)

// ListNotifications returns the most recent notifications, unread first
func (a *App) ListNotifications(r *fastglue.Request) error {
	q := a.DB.Order("created_at DESC").Limit(100)
	if string(r.RequestCtx.QueryArgs().Peek("unread")) == "true" {
		q = q.Where("is_read = ?", false)
	}

	var notifications []models.Notification
	if err := q.Find(&notifications).Error; err != nil {
		a.Log.Error("Failed to list notifications", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to fetch notifications", nil, "")
	}
	return r.SendEnvelope(notifications)
}

// MarkNotificationRead marks one notification as read
func (a *App) MarkNotificationRead(r *fastglue.Request) error {
	id, err := pathUUID(r, "id")
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid notification ID", nil, "")
	}

	res := a.DB.Model(&models.Notification{}).Where("id = ?", id).Update("is_read", true)
	if res.Error != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to update notification", nil, "")
	}
	if res.RowsAffected == 0 {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Notification not found", nil, "")
	}
	return r.SendEnvelope(map[string]string{"status": "read"})
}

// MarkAllNotificationsRead marks every unread notification as read
func (a *App) MarkAllNotificationsRead(r *fastglue.Request) error {
	res := a.DB.Model(&models.Notification{}).Where("is_read = ?", false).Update("is_read", true)
	if res.Error != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to update notifications", nil, "")
	}
	return r.SendEnvelope(map[string]interface{}{"marked": res.RowsAffected})
}
