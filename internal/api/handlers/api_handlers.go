package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"nutflix-go/config"
	"nutflix-go/internal/clipstore"
	"nutflix-go/internal/recording"
	"nutflix-go/internal/sightings"
	"nutflix-go/internal/sse"
	"nutflix-go/internal/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// APIHandler serves the dashboard-facing JSON API.
type APIHandler struct {
	cfg       *config.Config
	sightings *sightings.Service
	clips     *clipstore.Store
	engine    *recording.Engine
	hub       *sse.Hub
}

// NewAPIHandler creates the API handler with its collaborators.
func NewAPIHandler(cfg *config.Config, sightingService *sightings.Service, clips *clipstore.Store,
	engine *recording.Engine, hub *sse.Hub) *APIHandler {
	return &APIHandler{
		cfg:       cfg,
		sightings: sightingService,
		clips:     clips,
		engine:    engine,
		hub:       hub,
	}
}

// RegisterRoutes registers all API routes.
func (h *APIHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/sightings", h.ListSightings)
	router.GET("/sightings/stats", h.SightingStats)

	router.GET("/clips", h.ListClips)
	router.GET("/storage/stats", h.StorageStats)
	router.POST("/storage/cleanup", h.RunCleanup)

	router.GET("/recordings/active", h.ActiveRecordings)
	router.POST("/recordings/:camera/stop", h.StopRecording)

	router.GET("/cameras", h.ListCameras)
	router.GET("/system/stats", h.SystemStats)
}

// ListSightings returns the newest sightings, optionally for one camera.
func (h *APIHandler) ListSightings(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	camera := c.Query("camera")

	result, err := h.sightings.GetRecent(limit, camera)
	if err != nil {
		log.Errorf("Failed to list sightings: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sightings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sightings": result, "count": len(result)})
}

// SightingStats returns the dashboard aggregate numbers.
func (h *APIHandler) SightingStats(c *gin.Context) {
	stats, err := h.sightings.GetStats()
	if err != nil {
		log.Errorf("Failed to compute sighting stats: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListClips scans the on-disk clip storage.
func (h *APIHandler) ListClips(c *gin.Context) {
	camera := c.Query("camera")
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))

	clips, err := h.clips.Scan(camera, days)
	if err != nil {
		log.Errorf("Failed to scan clips: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to scan clips"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clips": clips, "count": len(clips)})
}

// StorageStats returns aggregate storage usage.
func (h *APIHandler) StorageStats(c *gin.Context) {
	stats, err := h.clips.Stats()
	if err != nil {
		log.Errorf("Failed to compute storage stats: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute storage stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RunCleanup triggers one retention pass immediately.
func (h *APIHandler) RunCleanup(c *gin.Context) {
	stats := h.clips.Cleanup(h.cfg.Storage.MaxClipsPerCamera, h.cfg.Storage.MaxAgeDays)
	c.JSON(http.StatusOK, stats)
}

// ActiveRecordings returns a snapshot of the active-session table.
func (h *APIHandler) ActiveRecordings(c *gin.Context) {
	sessions := h.engine.ActiveSessions()
	c.JSON(http.StatusOK, gin.H{"recordings": sessions, "count": len(sessions)})
}

// StopRecording requests a manual stop for one camera's active session.
func (h *APIHandler) StopRecording(c *gin.Context) {
	camera := c.Param("camera")
	if _, ok := h.cfg.CameraByName(camera); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown camera %s", camera)})
		return
	}
	if !h.engine.StopCamera(camera) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no active recording for camera %s", camera)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping", "camera": camera})
}

// ListCameras returns the configured cameras.
func (h *APIHandler) ListCameras(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cameras": h.cfg.Cameras})
}

// SystemStats returns host and process metrics.
func (h *APIHandler) SystemStats(c *gin.Context) {
	c.JSON(http.StatusOK, utils.CollectSystemStats(len(h.engine.ActiveSessions())))
}

// Events streams new sightings to dashboard clients over SSE.
func (h *APIHandler) Events(c *gin.Context) {
	client := make(sse.Client, 8)
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-client:
			if !ok {
				return false
			}
			c.SSEvent("sighting", string(msg))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
