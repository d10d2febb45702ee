package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Trigger and sensor kinds used across the pipeline.
const (
	TriggerMotion = "motion"
	TriggerManual = "manual"

	// MotionTypeStart is the production rising-edge event type.
	MotionTypeStart = "motion"
	// MotionTypeEndDebug marks falling-edge events emitted only in debug mode.
	// Consumers must never treat these as real motion.
	MotionTypeEndDebug = "motion_end_debug"

	SensorKindEdge       = "edge"
	SensorKindContinuous = "continuous"
)

// MotionTrigger is the in-flight motion event emitted by the debouncer.
// It is immutable once created.
type MotionTrigger struct {
	Camera      string        `json:"camera"`
	Timestamp   time.Time     `json:"timestamp"`
	Type        string        `json:"type"`
	SensorKind  string        `json:"sensor_kind"`
	Confidence  float64       `json:"confidence"`
	RawDuration time.Duration `json:"raw_duration"`
}

// MotionEvent is the persisted form of a motion trigger.
type MotionEvent struct {
	gorm.Model
	Camera      string         `gorm:"index" json:"camera"`
	Timestamp   time.Time      `gorm:"index" json:"timestamp"`
	MotionType  string         `gorm:"index" json:"motion_type"`
	SensorKind  string         `json:"sensor_kind"`
	Confidence  float64        `json:"confidence"`
	RawDuration float64        `json:"raw_duration"` // seconds
	ClipID      *uint          `gorm:"index" json:"clip_id,omitempty"`
	RawData     datatypes.JSON `gorm:"type:json" json:"raw_data,omitempty"`
}

// TableName keeps the on-disk schema name stable for external dashboards.
func (MotionEvent) TableName() string {
	return "motion_events"
}

// ClipRecord is the persisted metadata for one finished recording.
type ClipRecord struct {
	gorm.Model
	Timestamp     time.Time `gorm:"index" json:"timestamp"`
	Camera        string    `gorm:"index" json:"camera"`
	ClipPath      string    `gorm:"index" json:"clip_path"`
	ThumbnailPath string    `json:"thumbnail_path"`
	Duration      float64   `json:"duration"` // observed wall-clock seconds
	TriggerType   string    `gorm:"index" json:"trigger_type"`
	HasAudio      bool      `json:"has_audio"`
	Species       string    `gorm:"index" json:"species"`
	Behavior      string    `json:"behavior"`
	Confidence    float64   `json:"confidence"`
}

func (ClipRecord) TableName() string {
	return "clip_metadata"
}

// Sighting is the display-oriented projection of a ClipRecord.
type Sighting struct {
	ID            uint      `json:"id"`
	Camera        string    `json:"camera"`
	Species       string    `json:"species"`
	Behavior      string    `json:"behavior"`
	Confidence    float64   `json:"confidence"`
	Timestamp     time.Time `json:"timestamp"`
	FormattedTime string    `json:"formatted_time"`
	ClipPath      string    `json:"clip_path"`
	ThumbnailPath string    `json:"thumbnail_path"`
	Duration      float64   `json:"duration"`
	HasAudio      bool      `json:"has_audio"`
}

// SightingStats are the aggregate numbers shown on the dashboard.
type SightingStats struct {
	TotalToday        int64  `json:"total_today"`
	MostCommonSpecies string `json:"most_common_species"`
	DetectionActive   bool   `json:"detection_active"`
}
