package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/trilliondigital/near-me-sub002/internal/bundler"
	"github.com/trilliondigital/near-me-sub002/internal/event"
	"github.com/trilliondigital/near-me-sub002/internal/fault"
	"github.com/trilliondigital/near-me-sub002/internal/intake"
	"github.com/trilliondigital/near-me-sub002/internal/notification"
	"github.com/trilliondigital/near-me-sub002/internal/prefs"
	"github.com/trilliondigital/near-me-sub002/internal/processor"
	"github.com/trilliondigital/near-me-sub002/internal/retryqueue"
	"github.com/trilliondigital/near-me-sub002/internal/scheduler"
	"github.com/trilliondigital/near-me-sub002/internal/storage"
	"github.com/trilliondigital/near-me-sub002/internal/suppress"
	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

type Handler struct {
	log      logx.Logger
	pipeline *intake.Pipeline
	queue    *retryqueue.Queue
	sup      *suppress.Manager
	sched    *scheduler.Service
	proc     *processor.Processor
	prefs    *prefs.Registry
	st       storage.Store // nil when persistence is disabled
	bcfg     bundler.Config
}

func NewHandler(pl *intake.Pipeline, q *retryqueue.Queue, sup *suppress.Manager, sched *scheduler.Service, proc *processor.Processor, pr *prefs.Registry, st storage.Store, bcfg bundler.Config, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{
		log: log, pipeline: pl, queue: q, sup: sup, sched: sched,
		proc: proc, prefs: pr, st: st, bcfg: bcfg,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type eventsRequest struct {
	Events []event.GeofenceEvent `json:"events"`
}

type eventResult struct {
	EventID      string `json:"event_id"`
	ShouldNotify bool   `json:"should_notify"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SubmitEvents tries each event immediately; transient failures fall back to
// the retry queue. One failing item never aborts the batch.
func (h *Handler) SubmitEvents(c *gin.Context) {
	var req eventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, fault.Validation("invalid request body: %v", err))
		return
	}
	if len(req.Events) == 0 {
		writeErr(c, fault.Validation("events must not be empty"))
		return
	}

	uid := userID(c)
	var (
		processed int
		results   []eventResult
		queued    []event.QueuedEvent
	)
	for _, ev := range req.Events {
		ev.UserID = uid
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		res, err := h.pipeline.HandleEvent(c.Request.Context(), ev)
		switch {
		case err == nil:
			if res.ShouldNotify {
				processed++
			}
			results = append(results, eventResult{EventID: ev.ID, ShouldNotify: res.ShouldNotify, Reason: res.Reason})
		case fault.IsProcessing(err):
			qe, qerr := h.queue.Enqueue(c.Request.Context(), ev, err.Error())
			if qerr != nil {
				results = append(results, eventResult{EventID: ev.ID, Error: qerr.Error()})
				continue
			}
			queued = append(queued, qe)
			results = append(results, eventResult{EventID: ev.ID, Error: err.Error()})
		default:
			results = append(results, eventResult{EventID: ev.ID, Error: err.Error()})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"processed":     processed,
		"queued":        len(queued),
		"results":       results,
		"queued_events": queued,
	})
}

// SyncEvents reconciles a batch recorded while the device was offline.
func (h *Handler) SyncEvents(c *gin.Context) {
	var req eventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, fault.Validation("invalid request body: %v", err))
		return
	}

	uid := userID(c)
	for i := range req.Events {
		req.Events[i].UserID = uid
		if req.Events[i].ID == "" {
			req.Events[i].ID = uuid.NewString()
		}
	}
	res := h.queue.SyncOffline(c.Request.Context(), req.Events)
	c.JSON(http.StatusOK, res)
}

func (h *Handler) EventQueue(c *gin.Context) {
	events := h.queue.ForUser(userID(c))
	if events == nil {
		events = []event.QueuedEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "stats": h.queue.Stats()})
}

func (h *Handler) EventStats(c *gin.Context) {
	days := 7
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 365 {
			writeErr(c, fault.Validation("days must be in 1..365"))
			return
		}
		days = n
	}

	resp := gin.H{
		"days":      days,
		"processor": h.proc.Stats(),
		"queue":     h.queue.Stats(),
		"scheduler": h.sched.Stats(),
	}
	if h.st != nil {
		since := time.Now().AddDate(0, 0, -days)
		if n, err := h.st.CountEventsSince(c.Request.Context(), userID(c), since); err == nil {
			resp["events"] = n
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) RetryEvent(c *gin.Context) {
	ok, err := h.queue.Retry(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": ok})
}

func (h *Handler) ScheduledNotifications(c *gin.Context) {
	list := h.sched.ForUser(userID(c))
	if list == nil {
		list = []notification.ScheduledNotification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list, "stats": h.sched.Stats()})
}

func (h *Handler) History(c *gin.Context) {
	days := 7
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 365 {
			writeErr(c, fault.Validation("days must be in 1..365"))
			return
		}
		days = n
	}
	entries := []storage.HistoryEntry{}
	if h.st != nil {
		since := time.Now().AddDate(0, 0, -days)
		list, err := h.st.ListHistory(c.Request.Context(), userID(c), since, 200)
		if err != nil {
			writeErr(c, fault.Processing("list history", err))
			return
		}
		if list != nil {
			entries = list
		}
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

type actionRequest struct {
	Action string `json:"action"`
}

// NotificationAction dispatches the tap actions a delivered or pending
// notification offers.
func (h *Handler) NotificationAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, fault.Validation("invalid request body: %v", err))
		return
	}

	uid := userID(c)
	id := c.Param("id")
	sn, err := h.sched.Get(id, uid)
	if err != nil {
		writeErr(c, err)
		return
	}

	switch req.Action {
	case "complete":
		// Completing the task elsewhere; the pending reminder is obsolete.
		done := h.sched.Cancel(id, uid)
		c.JSON(http.StatusOK, gin.H{"cancelled": done})

	case "open_map":
		if sn.Notification == nil {
			writeErr(c, fault.Validation("bundle notifications carry no single location"))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"latitude":  sn.Notification.Metadata.Latitude,
			"longitude": sn.Notification.Metadata.Longitude,
		})

	case "snooze_15m", "snooze_1h", "snooze_today":
		if sn.Notification == nil {
			writeErr(c, fault.Validation("bundles cannot be snoozed per notification"))
			return
		}
		dur := notification.SnoozeDuration(req.Action[len("snooze_"):])
		res, err := h.sup.SnoozeTask(c.Request.Context(), sn.Notification.TaskID, uid, dur, "notification action")
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)

	case "mute":
		if sn.Notification == nil {
			writeErr(c, fault.Validation("bundles cannot be muted per notification"))
			return
		}
		dur := h.prefs.Get(uid).DefaultMute
		if dur == "" {
			dur = notification.Mute8h
		}
		mu, err := h.sup.Mute(c.Request.Context(), sn.Notification.TaskID, uid, dur, "notification action")
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, mu)

	default:
		writeErr(c, fault.Validation("unknown action %q", req.Action))
	}
}

type bundleRequest struct {
	Notifications []notification.Notification `json:"notifications"`
}

// BundleNotifications previews bundling for a caller-supplied set. Input is
// filtered to the caller's own notifications; bundling itself is pure.
func (h *Handler) BundleNotifications(c *gin.Context) {
	var req bundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, fault.Validation("invalid request body: %v", err))
		return
	}

	uid := userID(c)
	var own []notification.Notification
	for _, n := range req.Notifications {
		if n.UserID == uid {
			own = append(own, n)
		}
	}
	out := bundler.Bundle(h.bcfg, own)
	bundles := out.Bundles
	if bundles == nil {
		bundles = []notification.Bundle{}
	}
	c.JSON(http.StatusOK, gin.H{"bundles": bundles})
}

type snoozeRequest struct {
	TaskID   string `json:"task_id"`
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

func (h *Handler) ListSnoozes(c *gin.Context) {
	list := h.sup.SnoozesForUser(userID(c))
	if list == nil {
		list = []notification.Snooze{}
	}
	c.JSON(http.StatusOK, gin.H{"snoozes": list})
}

func (h *Handler) CreateSnooze(c *gin.Context) {
	var req snoozeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, fault.Validation("invalid request body: %v", err))
		return
	}
	if req.TaskID == "" {
		writeErr(c, fault.Validation("task_id is required"))
		return
	}
	dur, err := notification.ParseSnoozeDuration(req.Duration)
	if err != nil {
		writeErr(c, err)
		return
	}
	res, err := h.sup.SnoozeTask(c.Request.Context(), req.TaskID, userID(c), dur, req.Reason)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) CancelSnooze(c *gin.Context) {
	if err := h.sup.CancelSnooze(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

type extendRequest struct {
	Duration string `json:"duration"`
}

func (h *Handler) ExtendSnooze(c *gin.Context) {
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, fault.Validation("invalid request body: %v", err))
		return
	}
	dur, err := notification.ParseSnoozeDuration(req.Duration)
	if err != nil {
		writeErr(c, err)
		return
	}
	sn, err := h.sup.ExtendSnooze(c.Request.Context(), c.Param("id"), userID(c), dur)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sn)
}

type muteRequest struct {
	TaskID   string `json:"task_id"`
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

func (h *Handler) ListMutes(c *gin.Context) {
	list := h.sup.MutesForUser(userID(c))
	if list == nil {
		list = []notification.Mute{}
	}
	c.JSON(http.StatusOK, gin.H{"mutes": list})
}

func (h *Handler) CreateMute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, fault.Validation("invalid request body: %v", err))
		return
	}
	if req.TaskID == "" {
		writeErr(c, fault.Validation("task_id is required"))
		return
	}
	dur, err := notification.ParseMuteDuration(req.Duration)
	if err != nil {
		writeErr(c, err)
		return
	}
	mu, err := h.sup.Mute(c.Request.Context(), req.TaskID, userID(c), dur, req.Reason)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, mu)
}

func (h *Handler) CancelMute(c *gin.Context) {
	if err := h.sup.CancelMute(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (h *Handler) ExtendMute(c *gin.Context) {
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, fault.Validation("invalid request body: %v", err))
		return
	}
	dur, err := notification.ParseMuteDuration(req.Duration)
	if err != nil {
		writeErr(c, err)
		return
	}
	mu, err := h.sup.ExtendMute(c.Request.Context(), c.Param("id"), userID(c), dur)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, mu)
}

func (h *Handler) GetPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, h.prefs.Get(userID(c)))
}

func (h *Handler) PutPreferences(c *gin.Context) {
	var p notification.Preferences
	if err := c.ShouldBindJSON(&p); err != nil {
		writeErr(c, fault.Validation("invalid request body: %v", err))
		return
	}
	p.UserID = userID(c)
	if err := h.prefs.Set(p); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.prefs.Get(p.UserID))
}
