package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/retracehq/retrace/internal/api/handlers"
)

type Deps struct {
	Recorder *handlers.RecorderHandler
	Timeline *handlers.TimelineHandler
	Batches  *handlers.BatchHandler
	Settings *handlers.SettingsHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	r.POST("/recorder/start", d.Recorder.Start)
	r.POST("/recorder/stop", d.Recorder.Stop)
	r.GET("/recorder/status", d.Recorder.Status)

	r.GET("/timeline/:day", d.Timeline.Day)

	r.GET("/batches", d.Batches.List)
	r.POST("/reprocess/day/:day", d.Batches.ReprocessDay)
	r.POST("/reprocess/batches", d.Batches.ReprocessBatches)

	r.PUT("/settings/api-key", d.Settings.SetAPIKey)
	r.GET("/settings/api-key/:provider", d.Settings.GetAPIKeyStatus)
	r.DELETE("/settings/api-key/:provider", d.Settings.DeleteAPIKey)
}
