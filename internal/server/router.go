package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anishanne/COMPOSE/internal/auth"
	"github.com/anishanne/COMPOSE/internal/broadcast"
	"github.com/anishanne/COMPOSE/internal/presence"
	"github.com/anishanne/COMPOSE/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const sessionContextKey = "compose_session"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingStore         = errors.New("presence store dependency required")
	errMissingNotifier      = errors.New("presence notifier dependency required")
	errMissingBroadcaster   = errors.New("broadcast manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionValidator validates bearer tokens presented at the HTTP boundary.
type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the collaboration surface together.
type Dependencies struct {
	TokenManager SessionValidator
	Store        *presence.Store
	Notifier     *presence.Notifier
	Broadcaster  *broadcast.Manager
	// Profiles is optional; when present, validated session claims are
	// written through so roster entries can show display names.
	Profiles *users.Resolver
	Bridge   *PresenceBridge
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin handler for the collaboration API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Notifier == nil {
		return nil, errMissingNotifier
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
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		store:       deps.Store,
		notifier:    deps.Notifier,
		broadcaster: deps.Broadcaster,
		profiles:    deps.Profiles,
		bridge:      deps.Bridge,
		logger:      logger,
	}

	documents := router.Group("/documents/:id")
	documents.Use(handler.authorizeRequest)
	documents.GET("/presence", handler.handleRoster)
	documents.PUT("/presence", handler.handlePresenceUpsert)
	documents.POST("/presence/focus", handler.handlePresenceFocus)
	documents.DELETE("/presence", handler.handlePresenceRemove)
	documents.POST("/broadcast", handler.handleBroadcast)
	documents.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	tokens      SessionValidator
	store       *presence.Store
	notifier    *presence.Notifier
	broadcaster *broadcast.Manager
	profiles    *users.Resolver
	bridge      *PresenceBridge
	logger      *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session token"})
		return
	}
	h.recordProfile(c, claims)
	c.Set(sessionContextKey, claims)
	c.Next()
}

// recordProfile writes the claims' display snippet through so roster
// lookups can resolve it. Best effort only.
func (h *httpHandler) recordProfile(c *gin.Context, claims auth.SessionClaims) {
	if h.profiles == nil || claims.UserDisplayName == "" {
		return
	}
	err := h.profiles.SaveProfile(c.Request.Context(), users.Profile{
		UserID:      claims.UserID,
		DisplayName: claims.UserDisplayName,
		Email:       claims.UserEmail,
		AvatarURL:   claims.UserAvatarURL,
	})
	if err != nil {
		h.logger.Warn("profile write-through failed",
			zap.String("user_id", claims.UserID),
			zap.Error(err))
	}
}

func (h *httpHandler) sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, exists := c.Get(sessionContextKey)
	if !exists {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

func (h *httpHandler) documentID(c *gin.Context) (presence.DocumentID, bool) {
	rawID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return 0, false
	}
	documentID, err := presence.NewDocumentID(rawID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return 0, false
	}
	return documentID, true
}

type presencePayload struct {
	FieldName      string `json:"field_name"`
	CursorPosition int    `json:"cursor_position"`
	SelectionStart *int   `json:"selection_start"`
	SelectionEnd   *int   `json:"selection_end"`
}

type broadcastPayload struct {
	FieldName string `json:"field_name"`
	Content   string `json:"content"`
}

func (h *httpHandler) handleRoster(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	roster := h.store.FetchActiveRoster(c.Request.Context(), documentID)
	c.JSON(http.StatusOK, gin.H{"active_editors": roster})
}

func (h *httpHandler) handlePresenceUpsert(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	claims, ok := h.sessionClaims(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	var payload presencePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	request, ok := h.buildUpsertRequest(c, documentID, claims.UserID, payload)
	if !ok {
		return
	}

	h.ensureBridge(documentID)
	h.store.UpsertPresence(c.Request.Context(), request)
	c.Status(http.StatusNoContent)
}

// handlePresenceFocus records a focus change: rows the user holds on other
// fields are dropped before the focused field is refreshed.
func (h *httpHandler) handlePresenceFocus(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	claims, ok := h.sessionClaims(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	var payload presencePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	request, ok := h.buildUpsertRequest(c, documentID, claims.UserID, payload)
	if !ok {
		return
	}

	h.ensureBridge(documentID)
	h.store.RemoveOtherFields(c.Request.Context(), documentID, request.UserID, request.FieldName)
	h.store.UpsertPresence(c.Request.Context(), request)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePresenceRemove(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	claims, ok := h.sessionClaims(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	userID, err := presence.NewUserID(claims.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	h.ensureBridge(documentID)
	h.store.RemovePresence(c.Request.Context(), documentID, userID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleBroadcast(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	claims, ok := h.sessionClaims(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	var payload broadcastPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if strings.TrimSpace(payload.FieldName) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "field_name is required"})
		return
	}

	// Accepted, not delivered: sends are best effort.
	h.broadcaster.Broadcast(c.Request.Context(), documentID.Int64(), payload.FieldName, payload.Content, claims.UserID)
	c.Status(http.StatusAccepted)
}

// handleEvents streams roster changes and field updates for one document as
// server-sent events. Tearing down the stream detaches only this consumer.
func (h *httpHandler) handleEvents(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	h.ensureBridge(documentID)

	rosters, cancelRosters := h.notifier.Subscribe(ctx, documentID)
	defer cancelRosters()

	updates, cancelUpdates, err := h.broadcaster.Subscribe(ctx, documentID.Int64(), broadcast.PurposeContent)
	if err != nil {
		h.logger.Warn("field update subscription failed",
			zap.Int64("document_id", documentID.Int64()),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "broadcast channel unavailable"})
		return
	}
	defer cancelUpdates()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Initial roster so new consumers render without waiting for a change.
	c.SSEvent("roster", h.store.FetchActiveRoster(ctx, documentID))
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case roster, open := <-rosters:
			if !open {
				return false
			}
			c.SSEvent("roster", roster)
			return true
		case update, open := <-updates:
			if !open {
				return false
			}
			if update.Event != broadcast.EventFieldUpdate {
				return true
			}
			c.SSEvent("field_update", update)
			return true
		}
	})
}

func (h *httpHandler) buildUpsertRequest(c *gin.Context, documentID presence.DocumentID, rawUserID string, payload presencePayload) (presence.UpsertRequest, bool) {
	userID, err := presence.NewUserID(rawUserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return presence.UpsertRequest{}, false
	}
	fieldName, err := presence.NewFieldName(payload.FieldName)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid field name"})
		return presence.UpsertRequest{}, false
	}
	if payload.CursorPosition < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid cursor position"})
		return presence.UpsertRequest{}, false
	}
	return presence.UpsertRequest{
		DocumentID:     documentID,
		UserID:         userID,
		FieldName:      fieldName,
		CursorPosition: payload.CursorPosition,
		SelectionStart: payload.SelectionStart,
		SelectionEnd:   payload.SelectionEnd,
	}, true
}

func (h *httpHandler) ensureBridge(documentID presence.DocumentID) {
	if h.bridge == nil {
		return
	}
	h.bridge.EnsureDocument(documentID)
}
