package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/auth"
	"github.com/MarcoPoloResearchLab/concord/internal/engine"
	"github.com/MarcoPoloResearchLab/concord/internal/eventbus"
	"github.com/MarcoPoloResearchLab/concord/internal/moderation"
	"github.com/MarcoPoloResearchLab/concord/internal/notify"
	"github.com/MarcoPoloResearchLab/concord/internal/peers"
	"github.com/MarcoPoloResearchLab/concord/internal/peersync"
	"github.com/MarcoPoloResearchLab/concord/internal/state"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	actorContextKey = "concord_actor"
	nickContextKey  = "concord_nick"
)

var (
	errMissingChannelService = errors.New("channel service dependency required")
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingNotifier       = errors.New("notifier dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// ChannelService is the protocol surface of the engine.
type ChannelService interface {
	Replica() string
	RequestJoin(ctx context.Context, actor, channel, nick string) (engine.JoinResult, error)
	RequestPart(ctx context.Context, actor, channel, nick string) (bool, error)
	RequestTopicChange(ctx context.Context, actor, channel, topic string) (state.TopicFact, error)
	RequestModeChange(ctx context.Context, actor, channel string, change engine.ModeChange) (engine.ModeResult, error)
	RequestModerationAction(ctx context.Context, entry moderation.Entry) (moderation.AppendResult, error)
	RequestNickClaim(ctx context.Context, actor, nick string) (state.NickOwnerFact, error)
	RequestMessage(ctx context.Context, actor, channel, nick string, kind eventbus.Kind, text string) (eventbus.Event, error)
	ChannelView(ctx context.Context, channel string) (engine.ChannelView, error)
	ModerationLog(ctx context.Context, channel string) ([]moderation.Entry, error)
}

// TokenValidator validates actor bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.ActorClaims, error)
}

// PeerLister reports the connected peers.
type PeerLister interface {
	Peers() []peersync.PeerInfo
}

// PeerDirectory lists every peer identity seen so far.
type PeerDirectory interface {
	List(ctx context.Context) ([]peers.PeerIdentity, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Channels          ChannelService
	Tokens            TokenValidator
	Notifier          *notify.Dispatcher
	Peers             PeerLister
	Directory         PeerDirectory
	PeerTransport     http.Handler
	Metrics           http.Handler
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Channels == nil {
		return nil, errMissingChannelService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Notifier == nil {
		return nil, errMissingNotifier
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		channels:  deps.Channels,
		tokens:    deps.Tokens,
		notifier:  deps.Notifier,
		peers:     deps.Peers,
		directory: deps.Directory,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	if deps.PeerTransport != nil {
		router.GET("/s2s", gin.WrapH(deps.PeerTransport))
	}
	router.GET("/v1/peers", handler.handlePeers)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/channels/:channel", handler.handleChannelView)
	protected.POST("/channels/:channel/join", handler.handleJoin)
	protected.POST("/channels/:channel/part", handler.handlePart)
	protected.POST("/channels/:channel/topic", handler.handleTopic)
	protected.POST("/channels/:channel/mode", handler.handleMode)
	protected.GET("/channels/:channel/moderation", handler.handleModerationLog)
	protected.POST("/channels/:channel/moderation", handler.handleModeration)
	protected.POST("/channels/:channel/messages", handler.handleMessage)
	protected.GET("/channels/:channel/events", handler.handleChannelEvents)
	protected.POST("/nicks/:nick/claim", handler.handleNickClaim)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			allowed = append(allowed, trimmed)
		}
	}
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowed
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	channels  ChannelService
	tokens    TokenValidator
	notifier  *notify.Dispatcher
	peers     PeerLister
	directory PeerDirectory
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if header == "" {
		// EventSource cannot set headers.
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, claims.Subject)
	c.Set(nickContextKey, claims.Nick)
	c.Next()
}

// respondError maps engine refusals onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrNotAuthorized), errors.Is(err, engine.ErrBanned):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrNickOwned), errors.Is(err, moderation.ErrDuplicateEntry):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, moderation.ErrInvalidEntry), errors.Is(err, moderation.ErrUnknownAction):
		status = http.StatusBadRequest
	}

	code := "internal_error"
	var serviceErr *engine.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	} else if status == http.StatusBadRequest {
		code = "invalid_request"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "replica": h.channels.Replica()})
}

type peersResponsePayload struct {
	Connected []peersync.PeerInfo  `json:"connected"`
	Known     []peers.PeerIdentity `json:"known"`
}

func (h *httpHandler) handlePeers(c *gin.Context) {
	response := peersResponsePayload{Connected: []peersync.PeerInfo{}, Known: []peers.PeerIdentity{}}
	if h.peers != nil {
		response.Connected = h.peers.Peers()
	}
	if h.directory != nil {
		known, err := h.directory.List(c.Request.Context())
		if err != nil {
			h.logger.Error("failed to list peer identities", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "peer_list_failed"})
			return
		}
		response.Known = known
	}
	c.JSON(http.StatusOK, response)
}
