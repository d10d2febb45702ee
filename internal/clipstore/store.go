package clipstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"nutflix-go/config"

	log "github.com/sirupsen/logrus"
)

// Metadata is the JSON sidecar written next to each clip.
type Metadata struct {
	Camera    string    `json:"camera"`
	Timestamp time.Time `json:"timestamp"`
	Trigger   string    `json:"trigger"`
	Duration  float64   `json:"duration"`
	HasAudio  bool      `json:"has_audio"`
	Species   string    `json:"species,omitempty"`
	Behavior  string    `json:"behavior,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// ClipInfo describes one clip discovered on disk.
type ClipInfo struct {
	Path        string    `json:"path"`
	SidecarPath string    `json:"sidecar_path,omitempty"`
	Camera      string    `json:"camera"`
	Timestamp   time.Time `json:"timestamp"`
	Trigger     string    `json:"trigger"`
	Size        int64     `json:"size"`
	HasAudio    bool      `json:"has_audio"`
	Species     string    `json:"species,omitempty"`
}

// CleanupStats summarizes one retention pass.
type CleanupStats struct {
	FilesDeleted int   `json:"files_deleted"`
	BytesFreed   int64 `json:"bytes_freed"`
	Errors       int   `json:"errors"`
}

// StorageStats aggregates on-disk usage for the dashboard.
type StorageStats struct {
	TotalClips int64            `json:"total_clips"`
	TotalBytes int64            `json:"total_bytes"`
	PerCamera  map[string]int64 `json:"per_camera"`
}

var clipExtensions = map[string]bool{
	".mp4":   true,
	".mjpeg": true,
	".avi":   true,
	".mkv":   true,
}

// filenamePattern matches <camera>_<YYYYMMDD>_<HHMMSS>_<trigger>.<ext>,
// the fallback when a sidecar is missing or corrupt.
var filenamePattern = regexp.MustCompile(`^(.+)_(\d{8})_(\d{6})_([a-z]+)\.[A-Za-z0-9]+$`)

// Store organizes clips in a <root>/<camera>/<date>/ hierarchy with JSON
// sidecars and applies the retention policy.
type Store struct {
	root string
	cfg  config.StorageConfig
}

// New creates a clip store rooted at cfg.ClipDir.
func New(cfg config.StorageConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.ClipDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create clip directory: %w", err)
	}
	return &Store{root: cfg.ClipDir, cfg: cfg}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// Organize moves a raw clip into the camera/date hierarchy and writes its
// sidecar. Idempotent: the same inputs always map to the same destination, and
// a retry after a partial move completes cleanly.
func (s *Store) Organize(clipPath string, meta Metadata) (string, string, error) {
	destDir := filepath.Join(s.root, meta.Camera, meta.Timestamp.Format("2006-01-02"))
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create destination directory: %w", err)
	}

	destPath := filepath.Join(destDir, filepath.Base(clipPath))
	sidecarPath := sidecarFor(destPath)

	if clipPath != destPath {
		if _, err := os.Stat(clipPath); os.IsNotExist(err) {
			// Source already gone: a previous attempt moved it. Fine as long
			// as the destination exists.
			if _, derr := os.Stat(destPath); derr != nil {
				return "", "", fmt.Errorf("clip %s missing and destination absent: %w", clipPath, derr)
			}
		} else if err := os.Rename(clipPath, destPath); err != nil {
			return "", "", fmt.Errorf("failed to move clip into storage: %w", err)
		}
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal sidecar: %w", err)
	}
	if err := os.WriteFile(sidecarPath, data, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write sidecar: %w", err)
	}

	log.Debugf("Organized clip %s -> %s", clipPath, destPath)
	return destPath, sidecarPath, nil
}

// Scan walks the storage root and returns clip descriptors, newest first.
// camera filters to one camera when non-empty; daysBack <= 0 means no age
// filter. Files that yield neither a sidecar nor a parseable filename are
// skipped, not errors.
func (s *Store) Scan(camera string, daysBack int) ([]ClipInfo, error) {
	var cutoff time.Time
	if daysBack > 0 {
		cutoff = time.Now().AddDate(0, 0, -daysBack)
	}

	var clips []ClipInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnf("Scan error at %s: %v", path, err)
			return nil
		}
		if d.IsDir() || !clipExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		info, ok := s.describe(path)
		if !ok {
			return nil
		}
		if camera != "" && info.Camera != camera {
			return nil
		}
		if !cutoff.IsZero() && info.Timestamp.Before(cutoff) {
			return nil
		}
		clips = append(clips, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan clip storage: %w", err)
	}

	sort.Slice(clips, func(i, j int) bool {
		return clips[i].Timestamp.After(clips[j].Timestamp)
	})
	return clips, nil
}

// describe builds a ClipInfo from the sidecar, falling back to the filename
// pattern.
func (s *Store) describe(path string) (ClipInfo, bool) {
	st, err := os.Stat(path)
	if err != nil {
		return ClipInfo{}, false
	}
	info := ClipInfo{Path: path, Size: st.Size()}

	sidecar := sidecarFor(path)
	if data, err := os.ReadFile(sidecar); err == nil {
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err == nil && meta.Camera != "" {
			info.SidecarPath = sidecar
			info.Camera = meta.Camera
			info.Timestamp = meta.Timestamp
			info.Trigger = meta.Trigger
			info.HasAudio = meta.HasAudio
			info.Species = meta.Species
			return info, true
		}
		log.Debugf("Corrupt sidecar for %s, falling back to filename", path)
	}

	m := filenamePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		log.Debugf("Skipping unparseable clip file %s", path)
		return ClipInfo{}, false
	}
	ts, err := time.ParseInLocation("20060102_150405", m[2]+"_"+m[3], time.Local)
	if err != nil {
		log.Debugf("Skipping clip %s with invalid timestamp: %v", path, err)
		return ClipInfo{}, false
	}
	info.Camera = m[1]
	info.Timestamp = ts
	info.Trigger = m[4]
	return info, true
}

// Cleanup applies the two-phase retention policy: first delete clips older
// than maxAgeDays, then trim each camera down to its newest maxClipsPerCamera.
// Individual delete failures are logged and counted, never raised.
func (s *Store) Cleanup(maxClipsPerCamera, maxAgeDays int) CleanupStats {
	var stats CleanupStats

	clips, err := s.Scan("", 0)
	if err != nil {
		log.Errorf("Cleanup scan failed: %v", err)
		stats.Errors++
		return stats
	}

	// Phase 1: age-based deletion.
	remaining := clips[:0]
	if maxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
		for _, clip := range clips {
			if clip.Timestamp.Before(cutoff) {
				s.remove(clip, &stats)
			} else {
				remaining = append(remaining, clip)
			}
		}
	} else {
		remaining = clips
	}

	// Phase 2: per-camera FIFO beyond the cap. Scan order is newest first,
	// so everything past the cap is the oldest excess.
	if maxClipsPerCamera > 0 {
		perCamera := make(map[string]int)
		for _, clip := range remaining {
			perCamera[clip.Camera]++
			if perCamera[clip.Camera] > maxClipsPerCamera {
				s.remove(clip, &stats)
			}
		}
	}

	if stats.FilesDeleted > 0 || stats.Errors > 0 {
		log.Infof("Clip cleanup: deleted %d files, freed %d bytes, %d errors",
			stats.FilesDeleted, stats.BytesFreed, stats.Errors)
	}
	return stats
}

// remove deletes one clip together with its sidecar and thumbnail, tallying
// into stats.
func (s *Store) remove(clip ClipInfo, stats *CleanupStats) {
	if err := os.Remove(clip.Path); err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("Failed to delete clip %s: %v", clip.Path, err)
			stats.Errors++
		}
		return
	}
	stats.FilesDeleted++
	stats.BytesFreed += clip.Size

	sidecar := clip.SidecarPath
	if sidecar == "" {
		sidecar = sidecarFor(clip.Path)
	}
	for _, companion := range []string{sidecar, thumbnailFor(clip.Path)} {
		if err := os.Remove(companion); err != nil && !os.IsNotExist(err) {
			log.Warnf("Failed to delete %s: %v", companion, err)
			stats.Errors++
		}
	}
}

// Stats aggregates current storage usage.
func (s *Store) Stats() (StorageStats, error) {
	clips, err := s.Scan("", 0)
	if err != nil {
		return StorageStats{}, err
	}
	stats := StorageStats{PerCamera: make(map[string]int64)}
	for _, clip := range clips {
		stats.TotalClips++
		stats.TotalBytes += clip.Size
		stats.PerCamera[clip.Camera]++
	}
	return stats, nil
}

// StartBackgroundCleanup runs the retention policy immediately and then on
// the configured interval until ctx is cancelled.
func (s *Store) StartBackgroundCleanup(ctx context.Context) {
	log.Infof("Clip retention started (max %d clips/camera, max age %d days, every %s)",
		s.cfg.MaxClipsPerCamera, s.cfg.MaxAgeDays, s.cfg.CleanupInterval)

	s.Cleanup(s.cfg.MaxClipsPerCamera, s.cfg.MaxAgeDays)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup(s.cfg.MaxClipsPerCamera, s.cfg.MaxAgeDays)
		case <-ctx.Done():
			log.Info("Clip retention stopped")
			return
		}
	}
}

// sidecarFor maps a clip path to its sidecar path (extension replaced by
// .json).
func sidecarFor(clipPath string) string {
	ext := filepath.Ext(clipPath)
	return strings.TrimSuffix(clipPath, ext) + ".json"
}

// thumbnailFor maps a clip path to the thumbnail written next to it by the
// finalization pipeline.
func thumbnailFor(clipPath string) string {
	ext := filepath.Ext(clipPath)
	return strings.TrimSuffix(clipPath, ext) + "_thumb.jpg"
}
