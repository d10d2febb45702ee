package sightings

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nutflix-go/config"
	"nutflix-go/internal/core/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Callback receives every successfully created sighting.
type Callback func(models.Sighting)

// Service persists clip records and motion events and derives the
// display-facing sighting view. It is the single writer for the
// clip_metadata and motion_events tables.
type Service struct {
	db      *gorm.DB
	cameras map[string]config.CameraConfig

	mu        sync.Mutex
	callbacks []Callback

	detectionActive atomic.Bool
}

// NewService creates the sighting store.
func NewService(db *gorm.DB, cameras []config.CameraConfig) *Service {
	camMap := make(map[string]config.CameraConfig, len(cameras))
	for _, cam := range cameras {
		camMap[cam.Name] = cam
	}
	return &Service{
		db:      db,
		cameras: camMap,
	}
}

// AddCallback registers a function invoked synchronously for every new
// sighting. A panicking callback is recovered and logged; it never affects
// the persisted record or the other callbacks.
func (s *Service) AddCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// SetDetectionActive records whether the motion detector is running, for the
// stats endpoint.
func (s *Service) SetDetectionActive(active bool) {
	s.detectionActive.Store(active)
}

// RecordMotionEvent appends one motion event to the log. Persistence errors
// are swallowed here: losing one motion row must never stop the detector.
func (s *Service) RecordMotionEvent(trigger models.MotionTrigger) {
	raw, err := json.Marshal(trigger)
	if err != nil {
		raw = nil
	}
	event := models.MotionEvent{
		Camera:      trigger.Camera,
		Timestamp:   trigger.Timestamp,
		MotionType:  trigger.Type,
		SensorKind:  trigger.SensorKind,
		Confidence:  trigger.Confidence,
		RawDuration: trigger.RawDuration.Seconds(),
		RawData:     datatypes.JSON(raw),
	}
	if err := s.db.Create(&event).Error; err != nil {
		log.Errorf("Failed to record motion event for %s: %v", trigger.Camera, err)
	}
}

// CreateClipRecord inserts one clip record and broadcasts the derived
// sighting. Returns the assigned ID, or zero with an error when the insert
// failed (callers then skip the link step).
func (s *Service) CreateClipRecord(rec *models.ClipRecord) (uint, error) {
	if rec.TriggerType == "" {
		rec.TriggerType = models.TriggerMotion
	}
	if rec.Species == "" {
		rec.Species, rec.Behavior = s.Classify(rec.Camera, time.Duration(rec.Duration*float64(time.Second)))
	}
	if err := s.db.Create(rec).Error; err != nil {
		return 0, fmt.Errorf("failed to create clip record: %w", err)
	}

	s.notify(s.toSighting(*rec))
	return rec.ID, nil
}

// LinkMotionToClip attaches a clip to the most recent unlinked motion event
// for its camera, enabling traceback from sensor event to finished clip.
func (s *Service) LinkMotionToClip(camera string, clipID uint) error {
	var event models.MotionEvent
	err := s.db.
		Where("camera = ? AND clip_id IS NULL AND motion_type = ?", camera, models.MotionTypeStart).
		Order("timestamp DESC").
		First(&event).Error
	if err != nil {
		return fmt.Errorf("no unlinked motion event for %s: %w", camera, err)
	}
	if err := s.db.Model(&event).Update("clip_id", clipID).Error; err != nil {
		return fmt.Errorf("failed to link motion event %d: %w", event.ID, err)
	}
	return nil
}

// LinkClipToRecentMotion back-fills the clip and thumbnail paths on the most
// recent placeholder clip record for a camera. Used when finalization runs
// asynchronously relative to record creation.
func (s *Service) LinkClipToRecentMotion(camera, clipPath, thumbnailPath string) error {
	var rec models.ClipRecord
	err := s.db.
		Where("camera = ? AND clip_path = ''", camera).
		Order("timestamp DESC").
		First(&rec).Error
	if err != nil {
		return fmt.Errorf("no pending clip record for %s: %w", camera, err)
	}
	updates := map[string]any{"clip_path": clipPath}
	if thumbnailPath != "" {
		updates["thumbnail_path"] = thumbnailPath
	}
	if err := s.db.Model(&rec).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to back-fill clip record %d: %w", rec.ID, err)
	}
	return nil
}

// Classify derives a coarse species/behavior label from camera identity and
// observed duration. This is a deterministic placeholder heuristic, not
// inference; callers must treat the output as low-confidence metadata.
func (s *Service) Classify(camera string, duration time.Duration) (species, behavior string) {
	species = "unknown"
	if cam, ok := s.cameras[camera]; ok && cam.DefaultSpecies != "" {
		species = cam.DefaultSpecies
	}

	switch {
	case duration < 15*time.Second:
		behavior = "passing through"
	case duration < 40*time.Second:
		behavior = "foraging"
	default:
		behavior = "investigating"
	}
	return species, behavior
}

// GetRecent returns the newest sightings, optionally filtered to one camera.
func (s *Service) GetRecent(limit int, camera string) ([]models.Sighting, error) {
	if limit <= 0 {
		limit = 20
	}
	q := s.db.Model(&models.ClipRecord{}).Order("timestamp DESC").Limit(limit)
	if camera != "" {
		q = q.Where("camera = ?", camera)
	}
	var records []models.ClipRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query sightings: %w", err)
	}

	out := make([]models.Sighting, 0, len(records))
	for _, rec := range records {
		out = append(out, s.toSighting(rec))
	}
	return out, nil
}

// GetStats returns the aggregate numbers for the dashboard.
func (s *Service) GetStats() (models.SightingStats, error) {
	stats := models.SightingStats{
		DetectionActive: s.detectionActive.Load(),
	}

	// Midnight in the host's timezone, not UTC: "today" is the viewer's day.
	now := time.Now()
	year, month, day := now.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, now.Location())
	if err := s.db.Model(&models.ClipRecord{}).
		Where("timestamp >= ?", midnight).
		Count(&stats.TotalToday).Error; err != nil {
		return stats, fmt.Errorf("failed to count today's sightings: %w", err)
	}

	var top struct {
		Species string
		N       int64
	}
	err := s.db.Model(&models.ClipRecord{}).
		Select("species, COUNT(*) AS n").
		Where("species <> ''").
		Group("species").
		Order("n DESC").
		Limit(1).
		Scan(&top).Error
	if err != nil {
		return stats, fmt.Errorf("failed to find most common species: %w", err)
	}
	stats.MostCommonSpecies = top.Species

	return stats, nil
}

// toSighting projects a clip record into its display form.
func (s *Service) toSighting(rec models.ClipRecord) models.Sighting {
	confidence := rec.Confidence
	if confidence == 0 {
		confidence = 0.95
	}
	return models.Sighting{
		ID:            rec.ID,
		Camera:        rec.Camera,
		Species:       rec.Species,
		Behavior:      rec.Behavior,
		Confidence:    confidence,
		Timestamp:     rec.Timestamp,
		FormattedTime: rec.Timestamp.Format("Jan 2, 2006 3:04 PM"),
		ClipPath:      rec.ClipPath,
		ThumbnailPath: rec.ThumbnailPath,
		Duration:      rec.Duration,
		HasAudio:      rec.HasAudio,
	}
}

// notify runs all callbacks synchronously, isolating each from the others.
func (s *Service) notify(sighting models.Sighting) {
	s.mu.Lock()
	callbacks := make([]Callback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Sighting callback panicked: %v", r)
				}
			}()
			cb(sighting)
		}()
	}
}
