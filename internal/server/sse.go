package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/luckbys/bkcrm-sub006/internal/realtime"
)

// Stream cadence. Snapshot checks are cheap (an in-memory copy), so the
// stream polls the controller rather than competing for its single-consumer
// update channel.
const (
	streamInterval    = 250 * time.Millisecond
	heartbeatInterval = 15 * time.Second
)

// handleStream is the SSE endpoint: it emits a snapshot event whenever the
// merged conversation changes and a state event on connection-state
// transitions, plus periodic heartbeats.
func handleStream(ctrl *realtime.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		var lastSnap []byte
		lastState := realtime.ConnState("")

		emit := func() {
			if state := ctrl.State(); state != lastState {
				lastState = state
				writeSSE(c.Writer, "state", map[string]string{"state": string(state)})
				c.Writer.Flush()
			}

			snap := ctrl.Snapshot()
			if snap == nil {
				return
			}
			raw, err := json.Marshal(snap)
			if err != nil {
				return
			}
			if bytes.Equal(raw, lastSnap) {
				return
			}
			lastSnap = raw
			fmt.Fprintf(c.Writer, "event: snapshot\ndata: %s\n\n", raw)
			c.Writer.Flush()
		}

		emit()

		ctx := c.Request.Context()
		ticker := time.NewTicker(streamInterval)
		heartbeat := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				emit()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
