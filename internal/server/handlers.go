package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/concord/internal/engine"
	"github.com/MarcoPoloResearchLab/concord/internal/eventbus"
	"github.com/MarcoPoloResearchLab/concord/internal/moderation"
	"github.com/gin-gonic/gin"
)

type nickRequestPayload struct {
	Nick string `json:"nick"`
}

type topicRequestPayload struct {
	Topic string `json:"topic"`
}

type modeRequestPayload struct {
	Mode   string `json:"mode"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

type moderationRequestPayload struct {
	Action string `json:"action"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

type moderationResponsePayload struct {
	Entry      moderation.Entry `json:"entry"`
	Authorized bool             `json:"authorized"`
}

type messageRequestPayload struct {
	Nick string `json:"nick"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type partResponsePayload struct {
	Left bool `json:"left"`
}

// nickFor prefers the nick in the body and falls back to the one carried by the token.
func nickFor(c *gin.Context, requested string) string {
	if nick := strings.TrimSpace(requested); nick != "" {
		return nick
	}
	return c.GetString(nickContextKey)
}

func bindOptionalJSON(c *gin.Context, target any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(target); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return false
	}
	return true
}

func (h *httpHandler) handleChannelView(c *gin.Context) {
	view, err := h.channels.ChannelView(c.Request.Context(), c.Param("channel"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	var request nickRequestPayload
	if !bindOptionalJSON(c, &request) {
		return
	}
	result, err := h.channels.RequestJoin(c.Request.Context(), c.GetString(actorContextKey), c.Param("channel"), nickFor(c, request.Nick))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handlePart(c *gin.Context) {
	var request nickRequestPayload
	if !bindOptionalJSON(c, &request) {
		return
	}
	left, err := h.channels.RequestPart(c.Request.Context(), c.GetString(actorContextKey), c.Param("channel"), nickFor(c, request.Nick))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, partResponsePayload{Left: left})
}

func (h *httpHandler) handleTopic(c *gin.Context) {
	var request topicRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	topic, err := h.channels.RequestTopicChange(c.Request.Context(), c.GetString(actorContextKey), c.Param("channel"), request.Topic)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, topic)
}

func (h *httpHandler) handleMode(c *gin.Context) {
	var request modeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	change, err := engine.ParseModeChange(request.Mode, request.Target, request.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.channels.RequestModeChange(c.Request.Context(), c.GetString(actorContextKey), c.Param("channel"), change)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleModeration(c *gin.Context) {
	var request moderationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	action, err := moderation.ParseAction(request.Action)
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.channels.RequestModerationAction(c.Request.Context(), moderation.Entry{
		Channel: c.Param("channel"),
		Action:  action,
		Target:  request.Target,
		Actor:   c.GetString(actorContextKey),
		Reason:  request.Reason,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, moderationResponsePayload{Entry: result.Entry, Authorized: result.Authorized})
}

func (h *httpHandler) handleModerationLog(c *gin.Context) {
	entries, err := h.channels.ModerationLog(c.Request.Context(), c.Param("channel"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if entries == nil {
		entries = []moderation.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *httpHandler) handleMessage(c *gin.Context) {
	var request messageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind := eventbus.Kind(strings.ToLower(strings.TrimSpace(request.Kind)))
	if kind == "" {
		kind = eventbus.KindMessage
	}
	event, err := h.channels.RequestMessage(c.Request.Context(), c.GetString(actorContextKey), c.Param("channel"), nickFor(c, request.Nick), kind, request.Text)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, event)
}

func (h *httpHandler) handleNickClaim(c *gin.Context) {
	fact, err := h.channels.RequestNickClaim(c.Request.Context(), c.GetString(actorContextKey), c.Param("nick"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, fact)
}
