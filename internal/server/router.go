package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultMaxMessageBytes  = 1 << 20
	defaultHandshakeTimeout = 10 * time.Second
	heartbeatInterval       = 25 * time.Second
	documentIDParam         = "documentID"
)

var (
	errMissingGate          = errors.New("authentication gate dependency required")
	errMissingRegistry      = errors.New("session registry dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type Dependencies struct {
	Gate             *auth.Gate
	Registry         *session.Registry
	Realtime         *RealtimeDispatcher
	Metrics          *metrics.Collectors
	Gatherer         prometheus.Gatherer
	Logger           *zap.Logger
	AllowedOrigins   []string
	MaxMessageBytes  int64
	HandshakeTimeout time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxMessageBytes := deps.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	handshakeTimeout := deps.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		gate:             deps.Gate,
		registry:         deps.Registry,
		realtime:         deps.Realtime,
		metrics:          deps.Metrics,
		logger:           logger,
		maxMessageBytes:  maxMessageBytes,
		handshakeTimeout: handshakeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(deps.AllowedOrigins),
		},
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	documents := router.Group("/documents/:" + documentIDParam)
	documents.Use(handler.resolveDocument)
	documents.GET("/sync", handler.handleSync)
	documents.GET("/events", handler.authorizeRequest, handler.handleEvents)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.ToLower(origin)] = struct{}{}
	}
	return func(request *http.Request) bool {
		origin := request.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	gate             *auth.Gate
	registry         *session.Registry
	realtime         *RealtimeDispatcher
	metrics          *metrics.Collectors
	logger           *zap.Logger
	maxMessageBytes  int64
	handshakeTimeout time.Duration
	upgrader         websocket.Upgrader
}

const (
	documentIDContextKey = "collab_document_id"
	identityContextKey   = "collab_identity"
)

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) resolveDocument(c *gin.Context) {
	documentID, err := crdt.NewDocumentID(c.Param(documentIDParam))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	c.Set(documentIDContextKey, documentID)
	c.Next()
}

func documentIDFrom(c *gin.Context) crdt.DocumentID {
	value, _ := c.Get(documentIDContextKey)
	documentID, _ := value.(crdt.DocumentID)
	return documentID
}

// handleSync upgrades to a websocket and hands it to the connection state machine.
// The bearer token arrives in the hello frame, never in the URL.
func (h *httpHandler) handleSync(c *gin.Context) {
	documentID := documentIDFrom(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("document_id", documentID.String()), zap.Error(err))
		return
	}
	conn.SetReadLimit(h.maxMessageBytes)

	connection := &connection{
		conn:             conn,
		documentID:       documentID,
		gate:             h.gate,
		registry:         h.registry,
		metrics:          h.metrics,
		handshakeTimeout: h.handshakeTimeout,
		logger:           h.logger.With(zap.String("document_id", documentID.String())),
	}
	connection.serve(c.Request.Context())
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.gate.Verify(c.Request.Context(), token)
	if err != nil {
		h.metrics.AuthRejected()
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

type documentEventPayload struct {
	DocumentID string `json:"documentId"`
	Version    uint64 `json:"version"`
	Timestamp  string `json:"timestamp"`
	Source     string `json:"source"`
}

// handleEvents streams document-saved notifications as server-sent events.
func (h *httpHandler) handleEvents(c *gin.Context) {
	documentID := documentIDFrom(c)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, documentID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, documentEventPayload{
				DocumentID: message.DocumentID.String(),
				Version:    message.Version,
				Timestamp:  message.Timestamp.Format(time.RFC3339Nano),
				Source:     realtimeSourceCollab,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC().Format(time.RFC3339Nano), "source": realtimeSourceCollab})
			return true
		}
	})
}
