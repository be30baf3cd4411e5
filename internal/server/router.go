// Package server exposes the loopback HTTP API the inventory UI talks to.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/engine"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/entities"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/history"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/network"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/records"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/store"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	eventStatus              = "status"
	eventHeartbeat           = "heartbeat"
	defaultHeartbeatInterval = 15 * time.Second
	defaultHistoryLimit      = 20
)

var (
	errMissingEntities = errors.New("entities service dependency required")
	errMissingEngine   = errors.New("sync engine dependency required")
	errMissingHistory  = errors.New("sync history dependency required")
	errMissingQuota    = errors.New("quota probe dependency required")
	errMissingNetwork  = errors.New("network monitor dependency required")
)

// SyncEngine is the slice of the engine the API drives.
type SyncEngine interface {
	Status(ctx context.Context) engine.Status
	SyncNow(ctx context.Context) syncer.Result
	TriggerAfterWrite() bool
	Subscribe(ctx context.Context) (<-chan engine.Status, func())
}

type NetworkMonitor interface {
	Status() network.Status
	Report(ctx context.Context, online bool) network.Status
}

type QuotaProbe interface {
	Quota(ctx context.Context) store.Quota
}

type Dependencies struct {
	Entities          *entities.Service
	Engine            SyncEngine
	History           *history.Log
	Quota             QuotaProbe
	Network           NetworkMonitor
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Entities == nil {
		return nil, errMissingEntities
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}
	if deps.Quota == nil {
		return nil, errMissingQuota
	}
	if deps.Network == nil {
		return nil, errMissingNetwork
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
		entities:  deps.Entities,
		engine:    deps.Engine,
		history:   deps.History,
		quota:     deps.Quota,
		network:   deps.Network,
		logger:    logger,
		heartbeat: heartbeat,
	}

	entityRoutes := router.Group("/entities/:type")
	entityRoutes.GET("", handler.handleList)
	entityRoutes.POST("", handler.handleSave)
	entityRoutes.GET("/:id", handler.handleFind)
	entityRoutes.PUT("/:id", handler.handleSave)
	entityRoutes.DELETE("/:id", handler.handleRemove)

	router.GET("/sync/status", handler.handleSyncStatus)
	router.POST("/sync", handler.handleSyncNow)
	router.GET("/sync/history", handler.handleSyncHistory)
	router.GET("/sync/events", handler.handleSyncEvents)

	router.GET("/storage/quota", handler.handleQuota)
	router.GET("/network", handler.handleNetwork)
	router.POST("/network", handler.handleNetworkReport)

	return router, nil
}

// corsMiddleware allows every origin when none are configured.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", "Last-Event-ID"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	entities  *entities.Service
	engine    SyncEngine
	history   *history.Log
	quota     QuotaProbe
	network   NetworkMonitor
	logger    *zap.Logger
	heartbeat time.Duration
}

type saveRequestPayload struct {
	ID        string         `json:"id"`
	CreatedAt int64          `json:"createdAt"`
	Data      map[string]any `json:"data"`
}

type saveResponsePayload struct {
	ID            string `json:"id"`
	SyncTriggered bool   `json:"syncTriggered"`
}

func (h *httpHandler) handleList(c *gin.Context) {
	entityType, ok := h.entityType(c)
	if !ok {
		return
	}
	category := strings.TrimSpace(c.Query("category"))
	var listed []records.Record
	if category == "" {
		listed = h.entities.List(c.Request.Context(), entityType)
	} else {
		listed = h.entities.Query(c.Request.Context(), entityType, func(record records.Record) bool {
			return record.Category == category
		})
	}
	if listed == nil {
		listed = []records.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"items": listed})
}

func (h *httpHandler) handleFind(c *gin.Context) {
	entityType, ok := h.entityType(c)
	if !ok {
		return
	}
	record, found := h.entities.Find(c.Request.Context(), entityType, c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// handleSave serves both POST /entities/:type and PUT /entities/:type/:id; the path id wins.
func (h *httpHandler) handleSave(c *gin.Context) {
	entityType, ok := h.entityType(c)
	if !ok {
		return
	}
	var request saveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	id := request.ID
	if pathID := c.Param("id"); pathID != "" {
		id = pathID
	}

	savedID, err := h.entities.Save(c.Request.Context(), records.Record{
		ID:        id,
		Type:      entityType,
		CreatedAt: request.CreatedAt,
		Data:      request.Data,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	status := http.StatusCreated
	if c.Request.Method == http.MethodPut {
		status = http.StatusOK
	}
	c.JSON(status, saveResponsePayload{ID: savedID, SyncTriggered: h.engine.TriggerAfterWrite()})
}

func (h *httpHandler) handleRemove(c *gin.Context) {
	entityType, ok := h.entityType(c)
	if !ok {
		return
	}
	if err := h.entities.Remove(c.Request.Context(), entityType, c.Param("id")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"syncTriggered": h.engine.TriggerAfterWrite()})
}

type syncStatusPayload struct {
	engine.Status
	PendingByType map[records.EntityType]int64 `json:"pendingByType"`
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	ctx := c.Request.Context()
	c.JSON(http.StatusOK, syncStatusPayload{
		Status:        h.engine.Status(ctx),
		PendingByType: h.entities.PendingByType(ctx),
	})
}

type syncResultPayload struct {
	Skipped     bool             `json:"skipped"`
	Success     bool             `json:"success"`
	ItemsSynced int              `json:"itemsSynced"`
	ItemsFailed int              `json:"itemsFailed"`
	Duration    int64            `json:"duration"`
	Message     string           `json:"message"`
	Details     []history.Detail `json:"details"`
}

func (h *httpHandler) handleSyncNow(c *gin.Context) {
	result := h.engine.SyncNow(c.Request.Context())
	details := result.Details
	if details == nil {
		details = []history.Detail{}
	}
	c.JSON(http.StatusOK, syncResultPayload{
		Skipped:     result.Skipped,
		Success:     result.Success,
		ItemsSynced: result.ItemsSynced,
		ItemsFailed: result.ItemsFailed,
		Duration:    result.Duration.Milliseconds(),
		Message:     result.Message,
		Details:     details,
	})
}

func (h *httpHandler) handleSyncHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	retention := h.history.Retention()
	if limit > retention {
		limit = retention
	}
	entries := h.history.Recent(c.Request.Context(), limit)
	if entries == nil {
		entries = []history.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "retention": retention})
}

// handleSyncEvents streams engine status snapshots as server-sent events, starting with the current one.
func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	ctx := c.Request.Context()
	updates, cleanup := h.engine.Subscribe(ctx)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(eventStatus, h.engine.Status(ctx))
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case status, open := <-updates:
			if !open {
				return false
			}
			c.SSEvent(eventStatus, status)
			return true
		case <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"at": time.Now().UTC().Format(time.RFC3339)})
			return true
		}
	})
}

func (h *httpHandler) handleQuota(c *gin.Context) {
	c.JSON(http.StatusOK, h.quota.Quota(c.Request.Context()))
}

func (h *httpHandler) handleNetwork(c *gin.Context) {
	c.JSON(http.StatusOK, h.network.Status())
}

type networkReportPayload struct {
	Online *bool `json:"online"`
}

// handleNetworkReport takes the UI's connectivity hint. Going offline applies at once, going online is confirmed by a check.
func (h *httpHandler) handleNetworkReport(c *gin.Context) {
	var request networkReportPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusOK, h.network.Report(c.Request.Context(), *request.Online))
}

func (h *httpHandler) entityType(c *gin.Context) (records.EntityType, bool) {
	entityType, err := records.ParseEntityType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type"})
		return "", false
	}
	return entityType, true
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, records.ErrInvalidEntityType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type"})
	case errors.Is(err, records.ErrInvalidEntityID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
	case errors.Is(err, entities.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		fields := []zap.Field{zap.Error(err), zap.String("path", c.FullPath())}
		var serviceErr *entities.ServiceError
		if errors.As(err, &serviceErr) {
			fields = append(fields, zap.String("code", serviceErr.Code()))
		}
		h.logger.Error("entity request failed", fields...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
	}
}
