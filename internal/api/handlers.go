package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/olivelliott/realtime-pm/internal/auth"
	"github.com/olivelliott/realtime-pm/internal/events"
	"github.com/olivelliott/realtime-pm/internal/store"
)

// Handler serves the admin/bootstrap REST API: room inspection over the
// snapshot store, token minting, and the recent-event feed.
type Handler struct {
	db   *store.DB
	ring *events.Ring
}

// NewHandler creates the API handler. db and ring may be nil; the matching
// endpoints then answer 503.
func NewHandler(db *store.DB, ring *events.Ring) *Handler {
	return &Handler{db: db, ring: ring}
}

// RegisterRoutes attaches all routes to the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id/snapshot", h.GetSnapshot)
		api.POST("/tokens", h.MintToken)
		api.GET("/events", h.RecentEvents)
	}
}

// Health responds with a liveness signal.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListRooms returns every persisted room with its latest version.
func (h *Handler) ListRooms(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence not configured"})
		return
	}

	rooms, err := h.db.ListRooms(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	if rooms == nil {
		rooms = []*store.RoomInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetSnapshot returns the latest persisted snapshot of a room.
func (h *Handler) GetSnapshot(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence not configured"})
		return
	}

	roomID := c.Param("id")
	snap, err := h.db.LatestSnapshot(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for room"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"roomId":  roomID,
		"version": snap.Version,
		"doc":     snap.Doc,
	})
}

// MintTokenRequest is the token minting payload.
type MintTokenRequest struct {
	UserID string `json:"userId" binding:"required"`
	Name   string `json:"name,omitempty"`
}

// MintToken issues a collaboration token for the websocket endpoint.
func (h *Handler) MintToken(c *gin.Context) {
	var req MintTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := auth.GenerateToken(req.UserID, req.Name, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// RecentEvents returns the buffered firehose events, oldest first.
func (h *Handler) RecentEvents(c *gin.Context) {
	if h.ring == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event feed not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": h.ring.Recent()})
}
