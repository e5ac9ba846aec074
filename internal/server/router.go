package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/timberline/internal/auth"
	"github.com/MarcoPoloResearchLab/timberline/internal/broadcast"
	"github.com/MarcoPoloResearchLab/timberline/internal/database"
	"github.com/MarcoPoloResearchLab/timberline/internal/records"
	"github.com/MarcoPoloResearchLab/timberline/internal/session"
	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityContextKey = "timberline_identity"

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingRepositories  = errors.New("repositories dependency required")
	errMissingBroadcaster   = errors.New("broadcaster dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Broadcaster is the session fan-out registry plus its health counters.
type Broadcaster interface {
	session.Broadcaster
	Counts() map[string]int
}

// Dependencies are the collaborators of the HTTP surface.
type Dependencies struct {
	Authenticator   session.Authenticator
	Repositories    session.Repositories
	Broadcaster     Broadcaster
	KeyUsage        session.KeyUsage
	Session         session.Config
	AllowedOrigins  []string
	MaxMessageBytes int64
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router serving the websocket endpoint, health
// and the read-only change feed.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Repositories == nil {
		return nil, errMissingRepositories
	}
	if deps.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		authenticator:   deps.Authenticator,
		repositories:    deps.Repositories,
		broadcaster:     deps.Broadcaster,
		keyUsage:        deps.KeyUsage,
		sessionConfig:   deps.Session,
		originPatterns:  originPatterns(deps.AllowedOrigins),
		maxMessageBytes: deps.MaxMessageBytes,
		logger:          logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebSocket)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/changes", handler.handleChanges)
	protected.GET("/entities/:kind", handler.handleEntities)
	protected.GET("/entities/:kind/:id", handler.handleEntity)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	patterns := originPatterns(allowedOrigins)
	if len(patterns) == 1 && patterns[0] == "*" {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = patterns
	}
	return cors.New(config)
}

func originPatterns(allowedOrigins []string) []string {
	patterns := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			return []string{"*"}
		}
		patterns = append(patterns, origin)
	}
	if len(patterns) == 0 {
		return []string{"*"}
	}
	return patterns
}

type httpHandler struct {
	authenticator   session.Authenticator
	repositories    session.Repositories
	broadcaster     Broadcaster
	keyUsage        session.KeyUsage
	sessionConfig   session.Config
	originPatterns  []string
	maxMessageBytes int64
	logger          *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	counts := h.broadcaster.Counts()
	total := 0
	for _, count := range counts {
		total += count
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": total,
		"tenants":  counts,
	})
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	syncSession, err := session.New(newWebsocketConn(conn, h.maxMessageBytes), session.Dependencies{
		Authenticator: h.authenticator,
		Repositories:  h.repositories,
		Broadcaster:   h.broadcaster,
		KeyUsage:      h.keyUsage,
		Logger:        h.logger,
	}, h.sessionConfig)
	if err != nil {
		h.logger.Error("failed to construct session", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "session_unavailable")
		return
	}

	if err := syncSession.Run(c.Request.Context()); err != nil {
		h.logger.Warn("session ended with error",
			zap.String("session_id", syncSession.ID()),
			zap.String("reason", syncSession.Reason()),
			zap.Error(err))
	}
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	identity := c.MustGet(identityContextKey).(auth.Identity)

	cursor, err := parseQueryInt(c, "cursor", 0)
	if err != nil || cursor < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}
	limit, err := parseQueryInt(c, "limit", int64(h.sessionConfig.PageSize))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}

	repository, ok := h.repository(c, identity.TenantID)
	if !ok {
		return
	}
	page, err := repository.ChangeLog().Page(c.Request.Context(), cursor, 0, int(limit))
	if err != nil {
		h.respondStoreError(c, identity.TenantID, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleEntities(c *gin.Context) {
	identity := c.MustGet(identityContextKey).(auth.Identity)

	kind, err := records.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_kind"})
		return
	}
	cursor, err := parseQueryInt(c, "cursor", 0)
	if err != nil || cursor < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}
	limit, err := parseQueryInt(c, "limit", int64(h.sessionConfig.PageSize))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}

	repository, ok := h.repository(c, identity.TenantID)
	if !ok {
		return
	}
	rows, err := repository.ListSince(c.Request.Context(), kind, cursor, int(limit))
	if err != nil {
		h.respondStoreError(c, identity.TenantID, err)
		return
	}
	nextCursor := cursor
	if len(rows) > 0 {
		nextCursor = rows[len(rows)-1].Meta().ArrivalAtServer
	}
	c.JSON(http.StatusOK, gin.H{
		"kind":       kind,
		"rows":       rows,
		"nextCursor": nextCursor,
	})
}

func (h *httpHandler) handleEntity(c *gin.Context) {
	identity := c.MustGet(identityContextKey).(auth.Identity)

	kind, err := records.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_kind"})
		return
	}
	repository, ok := h.repository(c, identity.TenantID)
	if !ok {
		return
	}
	entity, err := repository.Get(c.Request.Context(), kind, c.Param("id"))
	if errors.Is(err, records.ErrEntityNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.respondStoreError(c, identity.TenantID, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (h *httpHandler) repository(c *gin.Context, tenantID string) (*records.Repository, bool) {
	repository, err := h.repositories.Repository(c.Request.Context(), tenantID)
	if err != nil {
		h.respondStoreError(c, tenantID, err)
		return nil, false
	}
	return repository, true
}

func (h *httpHandler) respondStoreError(c *gin.Context, tenantID string, err error) {
	if errors.Is(err, database.ErrTenantUnknown) {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant_unknown"})
		return
	}
	h.logger.Error("tenant store request failed", zap.String("tenant_id", tenantID), zap.Error(err))
	if errors.Is(err, database.ErrStoreUnavailable) {
		h.broadcaster.CloseTenant(tenantID, session.ReasonStoreUnavailable)
		h.repositories.Evict(tenantID)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	apiKey := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if apiKey == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.authenticator.Authenticate(c.Request.Context(), apiKey)
	if err != nil {
		if errors.Is(err, database.ErrStoreUnavailable) {
			h.logger.Error("api key validation unavailable", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
			return
		}
		h.logger.Info("api key validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.keyUsage != nil && identity.KeyID != "" {
		h.keyUsage.Touch(c.Request.Context(), identity.KeyID)
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func parseQueryInt(c *gin.Context, name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

var _ Broadcaster = (*broadcast.Broadcaster)(nil)
