package clipstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nutflix-go/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(config.StorageConfig{
		ClipDir:           t.TempDir(),
		MaxClipsPerCamera: 100,
		MaxAgeDays:        30,
		CleanupInterval:   time.Hour,
	})
	require.NoError(t, err)
	return store
}

// writeClip drops a clip with sidecar into the store hierarchy directly.
func writeClip(t *testing.T, store *Store, camera string, ts time.Time, size int) ClipInfo {
	t.Helper()
	dir := filepath.Join(store.Root(), camera, ts.Format("2006-01-02"))
	require.NoError(t, os.MkdirAll(dir, 0755))

	name := fmt.Sprintf("%s_%s_motion.mjpeg", camera, ts.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))

	meta := Metadata{Camera: camera, Timestamp: ts, Trigger: "motion"}
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	sidecar := sidecarFor(path)
	require.NoError(t, os.WriteFile(sidecar, data, 0644))

	return ClipInfo{Path: path, SidecarPath: sidecar, Camera: camera, Timestamp: ts, Size: int64(size)}
}

func TestOrganizeMovesIntoHierarchy(t *testing.T) {
	store := newTestStore(t)

	spool := t.TempDir()
	raw := filepath.Join(spool, "NestCam_20260315_120000_motion.mjpeg")
	require.NoError(t, os.WriteFile(raw, []byte("clipdata"), 0644))

	ts := time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local)
	clipPath, sidecarPath, err := store.Organize(raw, Metadata{
		Camera:    "NestCam",
		Timestamp: ts,
		Trigger:   "motion",
		Duration:  12.5,
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(store.Root(), "NestCam", "2026-03-15", "NestCam_20260315_120000_motion.mjpeg"), clipPath)
	assert.FileExists(t, clipPath)
	assert.FileExists(t, sidecarPath)
	assert.NoFileExists(t, raw, "source is moved, not copied")

	var meta Metadata
	data, err := os.ReadFile(sidecarPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "NestCam", meta.Camera)
	assert.InDelta(t, 12.5, meta.Duration, 0.001)
}

func TestOrganizeIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	spool := t.TempDir()
	raw := filepath.Join(spool, "NestCam_20260315_120000_motion.mjpeg")
	require.NoError(t, os.WriteFile(raw, []byte("clipdata"), 0644))

	meta := Metadata{Camera: "NestCam", Timestamp: time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local)}

	first, _, err := store.Organize(raw, meta)
	require.NoError(t, err)

	// Retry after the move already happened: same destination, no loss.
	second, _, err := store.Organize(raw, meta)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	data, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "clipdata", string(data))
}

func TestScanNewestFirst(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	writeClip(t, store, "NestCam", now.Add(-2*time.Hour), 10)
	writeClip(t, store, "NestCam", now.Add(-1*time.Hour), 10)
	writeClip(t, store, "FeederCam", now.Add(-30*time.Minute), 10)

	clips, err := store.Scan("", 0)
	require.NoError(t, err)
	require.Len(t, clips, 3)
	assert.Equal(t, "FeederCam", clips[0].Camera)
	assert.True(t, clips[0].Timestamp.After(clips[1].Timestamp))
	assert.True(t, clips[1].Timestamp.After(clips[2].Timestamp))

	nest, err := store.Scan("NestCam", 0)
	require.NoError(t, err)
	assert.Len(t, nest, 2)
}

func TestScanFallsBackToFilename(t *testing.T) {
	store := newTestStore(t)

	dir := filepath.Join(store.Root(), "NestCam", "2026-03-15")
	require.NoError(t, os.MkdirAll(dir, 0755))

	// No sidecar at all.
	orphan := filepath.Join(dir, "NestCam_20260315_080000_motion.mjpeg")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0644))

	// Corrupt sidecar.
	corrupt := filepath.Join(dir, "NestCam_20260315_090000_motion.mjpeg")
	require.NoError(t, os.WriteFile(corrupt, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(sidecarFor(corrupt), []byte("{not json"), 0644))

	// Unparseable filename and no sidecar: skipped, not an error.
	junk := filepath.Join(dir, "somerandomfile.mjpeg")
	require.NoError(t, os.WriteFile(junk, []byte("x"), 0644))

	clips, err := store.Scan("NestCam", 0)
	require.NoError(t, err)
	require.Len(t, clips, 2)
	for _, clip := range clips {
		assert.Equal(t, "NestCam", clip.Camera)
		assert.Equal(t, "motion", clip.Trigger)
		assert.False(t, clip.Timestamp.IsZero())
	}
}

func TestCleanupRetentionLaw(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	// Two stale clips and three fresh ones for NestCam.
	old1 := writeClip(t, store, "NestCam", now.AddDate(0, 0, -40), 100)
	old2 := writeClip(t, store, "NestCam", now.AddDate(0, 0, -35), 200)
	writeClip(t, store, "NestCam", now.Add(-1*time.Hour), 50)
	writeClip(t, store, "NestCam", now.Add(-2*time.Hour), 50)
	writeClip(t, store, "NestCam", now.Add(-3*time.Hour), 50)

	stats := store.Cleanup(100, 30)

	assert.Equal(t, 2, stats.FilesDeleted)
	assert.Equal(t, int64(300), stats.BytesFreed, "bytes freed equals the sum of deleted file sizes")
	assert.Equal(t, 0, stats.Errors)
	assert.NoFileExists(t, old1.Path)
	assert.NoFileExists(t, old2.Path)
	assert.NoFileExists(t, old1.SidecarPath, "sidecars go with their clips")

	remaining, err := store.Scan("NestCam", 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
}

func TestCleanupFIFOBeyondCap(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	// Eight fresh clips, cap of five: the three oldest go.
	var clips []ClipInfo
	for i := 0; i < 8; i++ {
		clips = append(clips, writeClip(t, store, "NestCam", now.Add(-time.Duration(i)*time.Hour), 10))
	}

	stats := store.Cleanup(5, 30)

	assert.Equal(t, 3, stats.FilesDeleted)
	assert.Equal(t, int64(30), stats.BytesFreed)

	remaining, err := store.Scan("NestCam", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 5)
	// The five newest survive.
	for i := 0; i < 5; i++ {
		assert.FileExists(t, clips[i].Path)
	}
	for i := 5; i < 8; i++ {
		assert.NoFileExists(t, clips[i].Path)
	}
}

func TestCleanupRemovesThumbnails(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	stale := writeClip(t, store, "NestCam", now.AddDate(0, 0, -40), 100)
	thumb := strings.TrimSuffix(stale.Path, filepath.Ext(stale.Path)) + "_thumb.jpg"
	require.NoError(t, os.WriteFile(thumb, []byte("jpg"), 0644))

	stats := store.Cleanup(100, 30)

	assert.Equal(t, 1, stats.FilesDeleted)
	assert.Equal(t, 0, stats.Errors)
	assert.NoFileExists(t, stale.Path)
	assert.NoFileExists(t, thumb, "retention must not leak thumbnails")
}

func TestCleanupPerCameraCaps(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	for i := 0; i < 4; i++ {
		writeClip(t, store, "NestCam", now.Add(-time.Duration(i)*time.Hour), 10)
	}
	for i := 0; i < 2; i++ {
		writeClip(t, store, "FeederCam", now.Add(-time.Duration(i)*time.Hour), 10)
	}

	stats := store.Cleanup(3, 30)
	assert.Equal(t, 1, stats.FilesDeleted, "only NestCam exceeds the cap")

	nest, _ := store.Scan("NestCam", 0)
	feeder, _ := store.Scan("FeederCam", 0)
	assert.Len(t, nest, 3)
	assert.Len(t, feeder, 2)
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	writeClip(t, store, "NestCam", now.Add(-1*time.Hour), 100)
	writeClip(t, store, "FeederCam", now.Add(-2*time.Hour), 200)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalClips)
	assert.Equal(t, int64(300), stats.TotalBytes)
	assert.Equal(t, int64(1), stats.PerCamera["NestCam"])
	assert.Equal(t, int64(1), stats.PerCamera["FeederCam"])
}
