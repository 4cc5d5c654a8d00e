package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/state"
	"github.com/gin-gonic/gin"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	streamEventReady         = "ready"
	streamEventHeartbeat     = "heartbeat"
)

// handleChannelEvents streams the notifications of one channel as server-sent events named after their kind.
func (h *httpHandler) handleChannelEvents(c *gin.Context) {
	channel := state.NormalizeName(c.Param("channel"))
	if channel == "" || strings.ContainsAny(channel, ": \t\r\n") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.notifier.Subscribe(ctx, channel)
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(streamEventReady, gin.H{"channel": channel})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case notification, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(notification.Kind), notification)
			return true
		case now := <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": now.UTC().Unix()})
			return true
		}
	})
}
