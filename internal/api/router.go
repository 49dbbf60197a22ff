// Package api is the thin HTTP surface over the engine. Handlers validate,
// stamp the caller's identity, call one engine component and translate fault
// kinds to status codes; no engine logic lives here.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trilliondigital/near-me-sub002/internal/fault"
	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

// Setup builds the router. All engine routes live under /api/v1 and require
// the identity header; /healthz does not.
func Setup(h *Handler, log logx.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))

	r.GET("/healthz", h.Health)

	v1 := r.Group("/api/v1")
	v1.Use(Identity())
	{
		geo := v1.Group("/geofences")
		{
			geo.POST("/events", h.SubmitEvents)
			geo.POST("/events/sync", h.SyncEvents)
			geo.GET("/events/queue", h.EventQueue)
			geo.GET("/events/stats", h.EventStats)
			geo.POST("/events/retry/:eventId", h.RetryEvent)
		}

		nf := v1.Group("/notifications")
		{
			nf.GET("/scheduled", h.ScheduledNotifications)
			nf.GET("/history", h.History)
			nf.POST("/:id/action", h.NotificationAction)
			nf.POST("/bundle", h.BundleNotifications)

			nf.GET("/snoozes", h.ListSnoozes)
			nf.POST("/snoozes", h.CreateSnooze)
			nf.POST("/snoozes/:id/cancel", h.CancelSnooze)
			nf.POST("/snoozes/:id/extend", h.ExtendSnooze)

			nf.GET("/mutes", h.ListMutes)
			nf.POST("/mutes", h.CreateMute)
			nf.POST("/mutes/:id/cancel", h.CancelMute)
			nf.POST("/mutes/:id/extend", h.ExtendMute)

			nf.GET("/preferences", h.GetPreferences)
			nf.PUT("/preferences", h.PutPreferences)
		}
	}
	return r
}

// writeErr maps fault kinds to HTTP status codes.
func writeErr(c *gin.Context, err error) {
	switch {
	case fault.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case fault.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
