package devicectl

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	outboxdomain "steeple-sync/internal/domain/outbox"
	"steeple-sync/internal/orchestrator"
	"steeple-sync/internal/realtime"
	"steeple-sync/internal/repository"
	"steeple-sync/internal/services"
	steeple_errors "steeple-sync/pkg/errors"
)

type syncRunner interface {
	Status() (orchestrator.Status, time.Time, error)
	PerformImmediateSync(ctx context.Context) (orchestrator.Summary, error)
}

type queueManager interface {
	QueueStatus(ctx context.Context) (outboxdomain.QueueStatus, error)
	RetryFailed(ctx context.Context, id *uuid.UUID) (int64, error)
}

type cacheStore interface {
	Stats(ctx context.Context) (map[string]int, error)
	ClearAll(ctx context.Context) error
}

type channelStater interface {
	State() realtime.State
}

// frameStats is the slice of the realtime router the status endpoint
// reports on.
type frameStats interface {
	Dropped() int64
}

type Handler struct {
	sync          syncRunner
	queue         queueManager
	cache         cacheStore
	channel       channelStater
	frames        frameStats
	attendance    *services.AttendanceService
	members       repository.MemberRepository
	events        repository.EventRepository
	announcements repository.AnnouncementRepository
}

func NewHandler(
	sync syncRunner,
	queue queueManager,
	cache cacheStore,
	channel channelStater,
	frames frameStats,
	attendance *services.AttendanceService,
	members repository.MemberRepository,
	events repository.EventRepository,
	announcements repository.AnnouncementRepository,
) *Handler {
	return &Handler{
		sync:          sync,
		queue:         queue,
		cache:         cache,
		channel:       channel,
		frames:        frames,
		attendance:    attendance,
		members:       members,
		events:        events,
		announcements: announcements,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/status", h.GetStatus)
	r.POST("/sync", h.TriggerSync)
	r.GET("/queue", h.GetQueue)
	r.POST("/queue/retry", h.RetryQueue)
	r.GET("/cache/stats", h.GetCacheStats)
	r.POST("/cache/clear", h.ClearCache)

	r.GET("/members", h.ListMembers)
	r.GET("/members/search", h.SearchMembers)
	r.GET("/events/upcoming", h.ListUpcomingEvents)
	r.GET("/announcements", h.ListAnnouncements)
	r.POST("/attendance/checkin", h.CheckIn)
	r.GET("/attendance/event/:id", h.ListAttendance)
}

func (h *Handler) GetStatus(c *gin.Context) {
	status, lastSync, lastErr := h.sync.Status()
	body := gin.H{
		"success":       true,
		"status":        status,
		"realtime":      h.channel.State(),
		"droppedFrames": h.frames.Dropped(),
	}
	if !lastSync.IsZero() {
		body["lastSyncAt"] = lastSync.UTC().Format(time.RFC3339)
	}
	if lastErr != nil {
		body["lastError"] = lastErr.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) TriggerSync(c *gin.Context) {
	summary, err := h.sync.PerformImmediateSync(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": !summary.Failed(),
		"results": summary.Results,
	})
}

func (h *Handler) GetQueue(c *gin.Context) {
	status, err := h.queue.QueueStatus(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "queue": status})
}

type retryRequest struct {
	ItemID string `json:"itemId"`
}

// RetryQueue resets failed outbox items to pending. With an itemId it
// retries one item, without it retries all failed items.
func (h *Handler) RetryQueue(c *gin.Context) {
	var req retryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(steeple_errors.ErrInvalidInput)
			return
		}
	}
	var id *uuid.UUID
	if req.ItemID != "" {
		parsed, err := uuid.Parse(req.ItemID)
		if err != nil {
			c.Error(steeple_errors.ErrInvalidInput)
			return
		}
		id = &parsed
	}
	n, err := h.queue.RetryFailed(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "retried": n})
}

func (h *Handler) GetCacheStats(c *gin.Context) {
	stats, err := h.cache.Stats(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tables": stats})
}

func (h *Handler) ClearCache(c *gin.Context) {
	if err := h.cache.ClearAll(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) ListMembers(c *gin.Context) {
	ms, err := h.members.GetAll(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "members": ms})
}

func (h *Handler) SearchMembers(c *gin.Context) {
	term := c.Query("q")
	if term == "" {
		c.Error(steeple_errors.ErrInvalidInput)
		return
	}
	ms, err := h.members.Search(c.Request.Context(), term)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "members": ms})
}

func (h *Handler) ListUpcomingEvents(c *gin.Context) {
	es, err := h.events.GetUpcoming(c.Request.Context(), time.Now(), 50)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events": es})
}

func (h *Handler) ListAnnouncements(c *gin.Context) {
	as, err := h.announcements.GetPublished(c.Request.Context(), 50)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "announcements": as})
}

type checkInRequest struct {
	MemberID string `json:"memberId" binding:"required"`
	EventID  string `json:"eventId" binding:"required"`
}

func (h *Handler) CheckIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(steeple_errors.ErrInvalidInput)
		return
	}
	memberID, err := uuid.Parse(req.MemberID)
	if err != nil {
		c.Error(steeple_errors.ErrInvalidInput)
		return
	}
	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		c.Error(steeple_errors.ErrInvalidInput)
		return
	}
	rec, err := h.attendance.CheckIn(c.Request.Context(), memberID, eventID)
	if err != nil {
		if errors.Is(err, steeple_errors.ErrAlreadyCheckedIn) {
			c.Error(steeple_errors.ErrAlreadyCheckedIn)
			return
		}
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "record": rec})
}

func (h *Handler) ListAttendance(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(steeple_errors.ErrInvalidInput)
		return
	}
	recs, err := h.attendance.ListForEvent(c.Request.Context(), eventID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "records": recs})
}
