package finalize

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nutflix-go/config"
	"nutflix-go/internal/clipstore"
	"nutflix-go/internal/core/models"
	"nutflix-go/internal/recording"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEncoder struct {
	mu         sync.Mutex
	mergeCalls int
	thumbCalls int
	mergeErr   error
	thumbErr   error
}

func (e *stubEncoder) Merge(_ context.Context, videoPath, audioPath, outPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mergeCalls++
	if e.mergeErr != nil {
		return e.mergeErr
	}
	data, err := os.ReadFile(videoPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(audioPath); err != nil {
		return err
	}
	return os.WriteFile(outPath, data, 0644)
}

func (e *stubEncoder) ExtractThumbnail(_ context.Context, _ string, _ time.Duration, outPath, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thumbCalls++
	if e.thumbErr != nil {
		return e.thumbErr
	}
	return os.WriteFile(outPath, []byte("jpg"), 0644)
}

type stubSightings struct {
	mu        sync.Mutex
	created   []*models.ClipRecord
	linked    []uint
	createErr error
	linkErr   error
	nextID    uint
}

func (s *stubSightings) CreateClipRecord(rec *models.ClipRecord) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return 0, s.createErr
	}
	s.nextID++
	rec.ID = s.nextID
	s.created = append(s.created, rec)
	return s.nextID, nil
}

func (s *stubSightings) LinkMotionToClip(_ string, clipID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linkErr != nil {
		return s.linkErr
	}
	s.linked = append(s.linked, clipID)
	return nil
}

func testAudioConfig() config.AudioConfig {
	return config.AudioConfig{SampleRate: 16000, Channels: 1, BitDepth: 16}
}

func newTestPipeline(t *testing.T, enc *stubEncoder, sightings *stubSightings) (*Pipeline, *clipstore.Store) {
	t.Helper()
	store, err := clipstore.New(config.StorageConfig{
		ClipDir:           t.TempDir(),
		MaxClipsPerCamera: 100,
		MaxAgeDays:        30,
		CleanupInterval:   time.Hour,
	})
	require.NoError(t, err)
	return New(enc, store, sightings, testAudioConfig()), store
}

func testResult(t *testing.T, pcm []byte) recording.Result {
	t.Helper()
	spool := t.TempDir()
	start := time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local)
	videoPath := filepath.Join(spool, "NestCam_20260315_120000_motion.mjpeg")
	require.NoError(t, os.WriteFile(videoPath, []byte("frames"), 0644))
	return recording.Result{
		SessionID:   "sess-1",
		Camera:      config.CameraConfig{Name: "NestCam"},
		StartTime:   start,
		EndTime:     start.Add(12 * time.Second),
		Duration:    12 * time.Second,
		VideoPath:   videoPath,
		AudioPCM:    pcm,
		FrameCount:  180,
		TriggerType: models.TriggerMotion,
		StopReason:  "grace_elapsed",
	}
}

func TestFinalizeVideoOnlySkipsMerge(t *testing.T) {
	enc := &stubEncoder{}
	sightings := &stubSightings{}
	pipeline, store := newTestPipeline(t, enc, sightings)

	pipeline.Finalize(testResult(t, nil))

	assert.Equal(t, 0, enc.mergeCalls, "no audio buffer means no merge subprocess")
	require.Len(t, sightings.created, 1)
	rec := sightings.created[0]
	assert.False(t, rec.HasAudio)
	assert.True(t, strings.HasSuffix(rec.ClipPath, ".mjpeg"))
	assert.FileExists(t, rec.ClipPath)

	clips, err := store.Scan("NestCam", 0)
	require.NoError(t, err)
	require.Len(t, clips, 1)
	assert.False(t, clips[0].HasAudio)
}

func TestFinalizeMergesAudio(t *testing.T) {
	enc := &stubEncoder{}
	sightings := &stubSightings{}
	pipeline, _ := newTestPipeline(t, enc, sightings)

	res := testResult(t, []byte{0x01, 0x00, 0x02, 0x00})
	pipeline.Finalize(res)

	assert.Equal(t, 1, enc.mergeCalls)
	require.Len(t, sightings.created, 1)
	rec := sightings.created[0]
	assert.True(t, rec.HasAudio)
	assert.True(t, strings.HasSuffix(rec.ClipPath, ".mp4"), "merged clip replaces the raw artifact")
	assert.FileExists(t, rec.ClipPath)
	assert.NoFileExists(t, res.VideoPath, "raw artifact removed after merge")

	wavPath := strings.TrimSuffix(res.VideoPath, ".mjpeg") + ".wav"
	assert.NoFileExists(t, wavPath, "temporary WAV cleaned up")
}

func TestFinalizeMergeFailureKeepsVideoOnly(t *testing.T) {
	enc := &stubEncoder{mergeErr: errors.New("ffmpeg exited 1")}
	sightings := &stubSightings{}
	pipeline, _ := newTestPipeline(t, enc, sightings)

	res := testResult(t, []byte{0x01, 0x00})
	pipeline.Finalize(res)

	require.Len(t, sightings.created, 1)
	rec := sightings.created[0]
	assert.False(t, rec.HasAudio)
	assert.True(t, strings.HasSuffix(rec.ClipPath, ".mjpeg"))
	assert.FileExists(t, rec.ClipPath)
}

func TestFinalizeThumbnailFailureStillPersists(t *testing.T) {
	enc := &stubEncoder{thumbErr: errors.New("no such filter")}
	sightings := &stubSightings{}
	pipeline, _ := newTestPipeline(t, enc, sightings)

	pipeline.Finalize(testResult(t, nil))

	require.Len(t, sightings.created, 1)
	assert.Empty(t, sightings.created[0].ThumbnailPath)
	assert.Len(t, sightings.linked, 1, "link still happens without a thumbnail")
}

func TestFinalizeThumbnailNextToClip(t *testing.T) {
	enc := &stubEncoder{}
	sightings := &stubSightings{}
	pipeline, _ := newTestPipeline(t, enc, sightings)

	pipeline.Finalize(testResult(t, nil))

	require.Len(t, sightings.created, 1)
	rec := sightings.created[0]
	require.NotEmpty(t, rec.ThumbnailPath)
	assert.Equal(t, filepath.Dir(rec.ClipPath), filepath.Dir(rec.ThumbnailPath))
	assert.True(t, strings.HasSuffix(rec.ThumbnailPath, "_thumb.jpg"))
	assert.FileExists(t, rec.ThumbnailPath)
}

func TestFinalizePersistFailureSkipsLink(t *testing.T) {
	enc := &stubEncoder{}
	sightings := &stubSightings{createErr: errors.New("database locked")}
	pipeline, store := newTestPipeline(t, enc, sightings)

	pipeline.Finalize(testResult(t, nil))

	assert.Empty(t, sightings.linked)
	// Even with a failed insert the clip itself is safe on disk.
	clips, err := store.Scan("NestCam", 0)
	require.NoError(t, err)
	assert.Len(t, clips, 1)
}

func TestFinalizeLinksMotionToClip(t *testing.T) {
	enc := &stubEncoder{}
	sightings := &stubSightings{}
	pipeline, _ := newTestPipeline(t, enc, sightings)

	pipeline.Finalize(testResult(t, nil))

	require.Len(t, sightings.linked, 1)
	assert.Equal(t, sightings.created[0].ID, sightings.linked[0])
}
