package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"nutflix-go/config"
	"nutflix-go/internal/api/handlers"
	"nutflix-go/internal/audio"
	"nutflix-go/internal/clipstore"
	"nutflix-go/internal/core/models"
	"nutflix-go/internal/db"
	"nutflix-go/internal/encoder"
	"nutflix-go/internal/finalize"
	"nutflix-go/internal/logger"
	"nutflix-go/internal/motion"
	"nutflix-go/internal/mqtt"
	"nutflix-go/internal/recording"
	"nutflix-go/internal/sightings"
	"nutflix-go/internal/sse"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const defaultConfigPath = "/config/config.yaml"

// audioAdapter bridges the audio package's Source to the recording engine's
// collaborator interface.
type audioAdapter struct {
	src audio.Source
}

func (a audioAdapter) Start() (recording.AudioStream, error) {
	stream, err := a.src.Start()
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func main() {
	configPath := os.Getenv("NUTFLIX_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	if len(cfg.Cameras) == 0 {
		log.Warn("No cameras configured; only external MQTT triggers will start recordings")
	}

	// Database
	log.Info("Initializing database...")
	database, err := db.Open(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Clip storage + retention
	store, err := clipstore.New(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize clip storage: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go store.StartBackgroundCleanup(ctx)

	// Sighting store and live update fan-out
	sightingService := sightings.NewService(database, cfg.Cameras)

	hub := sse.NewHub()
	go hub.Run()
	sightingService.AddCallback(hub.BroadcastSighting)

	// Recording collaborators
	frames := recording.NewHTTPFrameSource(cfg.Cameras)
	irController := recording.NewSmartIRController(cfg.Recording, cfg.Server.Timezone, frames)
	encodeService := encoder.New(cfg.Encoder)

	var audioSrc recording.AudioStarter
	if cfg.Audio.Enabled {
		audioSrc = audioAdapter{src: audio.NewMalgoSource(cfg.Audio)}
	}

	spoolDir := filepath.Join(cfg.Server.DataDir, "spool")
	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		log.Fatalf("Failed to create spool directory: %v", err)
	}

	pipeline := finalize.New(encodeService, store, sightingService, cfg.Audio)
	engine := recording.NewEngine(cfg.Recording, cfg.Cameras, frames, audioSrc, irController, pipeline, spoolDir)

	// Motion triggers flow through one handler: log the event, then
	// start-or-extend the recording.
	onMotion := func(trigger models.MotionTrigger) {
		sightingService.RecordMotionEvent(trigger)
		engine.HandleMotion(trigger)
	}

	debouncer := motion.NewDebouncer(cfg.Motion, cfg.Cameras, motion.NewSysfsSensor(cfg.Cameras), onMotion)
	debouncer.Start(ctx)
	sightingService.SetDetectionActive(len(cfg.Cameras) > 0)

	// Optional MQTT notifier / external trigger input
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqtt.NewClient(cfg.MQTT, onMotion)
		if err := mqttClient.Start(); err != nil {
			log.Warnf("Failed to initialize MQTT client: %v. Continuing without MQTT.", err)
			mqttClient = nil
		} else {
			sightingService.AddCallback(mqttClient.PublishSighting)
		}
	} else {
		log.Info("MQTT is disabled in config.")
	}

	// HTTP API
	if log.GetLevel() < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	apiHandler := handlers.NewAPIHandler(cfg, sightingService, store, engine, hub)
	apiHandler.RegisterRoutes(router.Group("/api"))
	router.GET("/events", apiHandler.Events)

	// Serve finished clips and thumbnails directly from the storage root.
	router.Static(cfg.Server.ClipURL, cfg.Storage.ClipDir)
	log.Infof("Serving clips from %s under %s", cfg.Storage.ClipDir, cfg.Server.ClipURL)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		log.Infof("Starting server on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received")

	// Stop accepting motion, finish active recordings, then close the rest.
	sightingService.SetDetectionActive(false)
	debouncer.Wait()
	engine.StopAll()

	if mqttClient != nil {
		mqttClient.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown failed: %v", err)
	}

	log.Info("Server stopped.")
}
