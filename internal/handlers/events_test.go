package handlers

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/shridarpatil/wasend/internal/config"
	"github.com/shridarpatil/wasend/internal/queue"
	"github.com/shridarpatil/wasend/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSSEFrame(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	ok := writeSSE(w, "campaign_stats", queue.CampaignStatsUpdate{
		CampaignID: "c1",
		Status:     "running",
		TotalSent:  3,
	})
	require.True(t, ok)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: campaign_stats\ndata: "))
	assert.True(t, strings.HasSuffix(out, "\n\n"), "frames end with a blank line")
	assert.Contains(t, out, `"total_sent":3`)
}

func TestStreamEventsSetsStreamHeaders(t *testing.T) {
	a := &App{
		Config: &config.Config{},
		Redis:  testutil.SetupTestRedis(t),
		Log:    testutil.NopLogger(),
	}

	req := testutil.NewGETRequest(t)
	require.NoError(t, a.StreamEvents(req))

	assert.Equal(t, "text/event-stream",
		string(req.RequestCtx.Response.Header.ContentType()))
	assert.Equal(t, "no-cache",
		string(req.RequestCtx.Response.Header.Peek("Cache-Control")))
}
