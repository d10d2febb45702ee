package finalize

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nutflix-go/config"
	"nutflix-go/internal/audio"
	"nutflix-go/internal/clipstore"
	"nutflix-go/internal/core/models"
	"nutflix-go/internal/recording"

	log "github.com/sirupsen/logrus"
)

// Encoder is the slice of the encode service the pipeline needs.
type Encoder interface {
	Merge(ctx context.Context, videoPath, audioPath, outPath string) error
	ExtractThumbnail(ctx context.Context, videoPath string, offset time.Duration, outPath, label string) error
}

// SightingStore is the slice of the sighting service the pipeline needs.
type SightingStore interface {
	CreateClipRecord(rec *models.ClipRecord) (uint, error)
	LinkMotionToClip(camera string, clipID uint) error
}

// Pipeline turns raw per-session artifacts into one persisted clip record.
// Every step is best-effort: a failed merge or thumbnail never loses the
// recording.
type Pipeline struct {
	enc       Encoder
	store     *clipstore.Store
	sightings SightingStore
	audioCfg  config.AudioConfig
}

// New creates the finalization pipeline.
func New(enc Encoder, store *clipstore.Store, sightingStore SightingStore, audioCfg config.AudioConfig) *Pipeline {
	return &Pipeline{
		enc:       enc,
		store:     store,
		sightings: sightingStore,
		audioCfg:  audioCfg,
	}
}

// Finalize processes one finished session: merge audio, organize into the
// clip hierarchy, extract a thumbnail, persist the record and link it to the
// originating motion event.
func (p *Pipeline) Finalize(res recording.Result) {
	ctx := context.Background()
	logCtx := log.WithField("camera", res.Camera.Name).WithField("session", res.SessionID)

	// Step 1: merge. Skipped entirely when there is no audio buffer, so a
	// video-only session never spawns a merge subprocess.
	finalVideo := res.VideoPath
	hasAudio := false
	if len(res.AudioPCM) > 0 {
		if merged, ok := p.mergeAudio(ctx, res); ok {
			finalVideo = merged
			hasAudio = true
		}
	}

	// Step 2: organize into <camera>/<date>/ with sidecar.
	meta := clipstore.Metadata{
		Camera:    res.Camera.Name,
		Timestamp: res.StartTime,
		Trigger:   res.TriggerType,
		Duration:  res.Duration.Seconds(),
		HasAudio:  hasAudio,
		SessionID: res.SessionID,
	}
	clipPath, _, err := p.store.Organize(finalVideo, meta)
	if err != nil {
		logCtx.WithError(err).Error("Failed to organize clip, keeping spool path")
		clipPath = finalVideo
	}

	// Step 3: thumbnail. Failure leaves the path empty, never blocks the
	// record.
	thumbPath := p.thumbnail(ctx, clipPath, res)

	// Step 4: persist. A zero ID means the insert failed and the link step
	// is skipped.
	record := &models.ClipRecord{
		Timestamp:     res.StartTime,
		Camera:        res.Camera.Name,
		ClipPath:      clipPath,
		ThumbnailPath: thumbPath,
		Duration:      res.Duration.Seconds(),
		TriggerType:   res.TriggerType,
		HasAudio:      hasAudio,
	}
	id, err := p.sightings.CreateClipRecord(record)
	if err != nil || id == 0 {
		logCtx.WithError(err).Error("Failed to persist clip record, skipping motion link")
		return
	}

	// Step 5: link back to the originating motion event.
	if err := p.sightings.LinkMotionToClip(res.Camera.Name, id); err != nil {
		logCtx.WithError(err).Warn("Failed to link clip to motion event")
	}

	logCtx.Infof("Finalized clip %s (%.1fs, audio=%t, placeholder=%t)",
		clipPath, res.Duration.Seconds(), hasAudio, res.Placeholder)
}

// mergeAudio writes the PCM buffer to WAV and asks the encode service to mux
// it with the video. On any failure the video-only artifact is kept.
func (p *Pipeline) mergeAudio(ctx context.Context, res recording.Result) (string, bool) {
	base := strings.TrimSuffix(res.VideoPath, filepath.Ext(res.VideoPath))
	wavPath := base + ".wav"
	mergedPath := base + ".mp4"

	if err := audio.WriteWAV(wavPath, res.AudioPCM, p.audioCfg); err != nil {
		log.Warnf("Failed to write audio WAV for %s: %v", res.Camera.Name, err)
		return "", false
	}
	defer os.Remove(wavPath)

	if err := p.enc.Merge(ctx, res.VideoPath, wavPath, mergedPath); err != nil {
		log.Warnf("Audio merge failed for %s, keeping video-only clip: %v", res.Camera.Name, err)
		_ = os.Remove(mergedPath)
		return "", false
	}

	// The raw artifact is superseded by the merged container.
	_ = os.Remove(res.VideoPath)
	return mergedPath, true
}

// thumbnail extracts a representative frame a little way into the clip.
func (p *Pipeline) thumbnail(ctx context.Context, clipPath string, res recording.Result) string {
	offset := 2 * time.Second
	if res.Duration < 2*offset {
		offset = res.Duration / 2
	}
	label := res.StartTime.Format("2006-01-02 15:04:05") + " " + res.Camera.Name

	thumbPath := strings.TrimSuffix(clipPath, filepath.Ext(clipPath)) + "_thumb.jpg"
	if err := p.enc.ExtractThumbnail(ctx, clipPath, offset, thumbPath, label); err != nil {
		log.Warnf("Thumbnail extraction failed for %s: %v", res.Camera.Name, err)
		return ""
	}
	return thumbPath
}
