package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shridarpatil/wasend/internal/queue"
	"github.com/zerodha/fastglue"
)

const eventHeartbeat = 30 * time.Second

// StreamEvents pushes engine events to dashboards as server-sent events:
// notifications on `notification` and live counter snapshots on
// `campaign_stats`. The stream ends when the client disconnects.
func (a *App) StreamEvents(r *fastglue.Request) error {
	sub := queue.NewSubscriber(a.Redis, a.Log)
	ctx, cancel := context.WithCancel(context.Background())
	notifications := sub.Notifications(ctx)
	stats := sub.CampaignStats(ctx)

	r.RequestCtx.SetContentType("text/event-stream")
	r.RequestCtx.Response.Header.Set("Cache-Control", "no-cache")
	r.RequestCtx.Response.Header.Set("Connection", "keep-alive")

	r.RequestCtx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		heartbeat := time.NewTicker(eventHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case n, ok := <-notifications:
				if !ok || !writeSSE(w, "notification", n) {
					return
				}
			case s, ok := <-stats:
				if !ok || !writeSSE(w, "campaign_stats", s) {
					return
				}
			case <-heartbeat.C:
				// Comment lines keep idle connections from being reaped
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
	return nil
}

// writeSSE writes one event frame and reports whether the client is still
// there. Payloads that fail to marshal are skipped, not fatal.
func writeSSE(w *bufio.Writer, event string, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return false
	}
	return w.Flush() == nil
}
