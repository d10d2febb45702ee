package recording

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"nutflix-go/config"
	"nutflix-go/internal/core/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// FrameSource supplies encoded frames for a camera. Implementations may fail
// transiently; callers tolerate errors and nil frames without terminating a
// session.
type FrameSource interface {
	GetFrame(camera string) ([]byte, error)
}

// AudioStarter starts audio capture streams (see internal/audio.Source).
type AudioStarter interface {
	Start() (AudioStream, error)
}

// AudioStream yields PCM chunks until closed.
type AudioStream interface {
	Chunks() <-chan []byte
	Close() error
}

// Result describes one finished recording, handed to the finalizer.
type Result struct {
	SessionID   string
	Camera      config.CameraConfig
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration // observed wall clock, not requested
	VideoPath   string
	AudioPCM    []byte
	FrameCount  int64
	Placeholder bool
	UseIR       bool
	TriggerType string
	StopReason  string
}

// Finalizer consumes finished sessions.
type Finalizer interface {
	Finalize(res Result)
}

// SessionInfo is the read-only view of an active session exposed to the API.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	Camera     string    `json:"camera"`
	StartTime  time.Time `json:"start_time"`
	LastMotion time.Time `json:"last_motion"`
	EndTime    time.Time `json:"end_time"`
	UseIR      bool      `json:"use_ir"`
	HasAudio   bool      `json:"has_audio"`
	Frames     int64     `json:"frames"`
}

// Session is one active recording for one camera.
type Session struct {
	ID        string
	Camera    config.CameraConfig
	StartTime time.Time
	WantAudio bool
	VideoPath string

	mu         sync.Mutex
	useIR      bool
	lastMotion time.Time
	endTime    time.Time
	audioPCM   []byte

	stop          chan struct{}
	stopOnce      sync.Once
	stopRequested atomic.Bool

	frameCount atomic.Int64
	videoDone  chan struct{}
	audioDone  chan struct{}
}

// extend adds the configured extra time onto the session's end. The monitor's
// max duration check bounds the actual recording length.
func (s *Session) extend(now time.Time, additional time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMotion = now
	s.endTime = s.endTime.Add(additional)
}

func (s *Session) signalStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Engine owns the one-active-session-per-camera invariant. All start-or-extend
// decisions happen inside its single mutex.
type Engine struct {
	cfg       config.RecordingConfig
	cameras   map[string]config.CameraConfig
	frames    FrameSource
	audio     AudioStarter // nil disables audio capture
	ir        IRController
	finalizer Finalizer
	spoolDir  string

	mu       sync.Mutex
	sessions map[string]*Session

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates the session manager. spoolDir receives raw per-session
// artifacts before the finalization pipeline organizes them.
func NewEngine(cfg config.RecordingConfig, cameras []config.CameraConfig, frames FrameSource,
	audioSrc AudioStarter, ir IRController, finalizer Finalizer, spoolDir string) *Engine {

	camMap := make(map[string]config.CameraConfig, len(cameras))
	for _, cam := range cameras {
		camMap[cam.Name] = cam
	}
	return &Engine{
		cfg:       cfg,
		cameras:   camMap,
		frames:    frames,
		audio:     audioSrc,
		ir:        ir,
		finalizer: finalizer,
		spoolDir:  spoolDir,
		sessions:  make(map[string]*Session),
		quit:      make(chan struct{}),
	}
}

// HandleMotion is the start-or-extend entry point. A motion trigger for a
// camera with an active session extends it; otherwise a new session starts.
// Non-production trigger types (debug motion-end) are ignored.
func (e *Engine) HandleMotion(trigger models.MotionTrigger) {
	if trigger.Type != models.MotionTypeStart {
		log.Debugf("Ignoring trigger type %q for %s", trigger.Type, trigger.Camera)
		return
	}
	cam, ok := e.cameras[trigger.Camera]
	if !ok {
		log.Warnf("Motion trigger for unknown camera %q", trigger.Camera)
		return
	}

	now := trigger.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	e.mu.Lock()
	if s, active := e.sessions[cam.Name]; active {
		s.extend(now, e.cfg.AdditionalDuration)
		e.mu.Unlock()
		log.Infof("Extended recording on %s (session %s)", cam.Name, s.ID)
		return
	}

	s := e.newSession(cam, now)
	e.sessions[cam.Name] = s
	e.mu.Unlock()

	e.startSession(s)
}

// newSession builds the session struct; caller holds e.mu.
func (e *Engine) newSession(cam config.CameraConfig, now time.Time) *Session {
	name := fmt.Sprintf("%s_%s_%s", cam.Name, now.Format("20060102_150405"), models.TriggerMotion)
	s := &Session{
		ID:         uuid.New().String(),
		Camera:     cam,
		StartTime:  now,
		lastMotion: now,
		endTime:    now.Add(e.cfg.MinDuration),
		useIR:      e.ir != nil && e.ir.ShouldUseIR(cam),
		WantAudio:  e.audio != nil && cam.HasAudio,
		VideoPath:  filepath.Join(e.spoolDir, name+".mjpeg"),
		stop:       make(chan struct{}),
		videoDone:  make(chan struct{}),
	}
	if s.WantAudio {
		s.audioDone = make(chan struct{})
	}
	return s
}

// startSession activates IR and launches capture plus monitor goroutines.
func (e *Engine) startSession(s *Session) {
	s.mu.Lock()
	useIR := s.useIR
	s.mu.Unlock()

	log.Infof("Starting recording on %s (session %s, ir=%t, audio=%t)",
		s.Camera.Name, s.ID, useIR, s.WantAudio)

	if useIR {
		if err := e.ir.Activate(s.Camera); err != nil {
			log.Warnf("Failed to activate IR for %s: %v", s.Camera.Name, err)
			// The session is already visible to the API, so the flag flips
			// under the session lock.
			s.mu.Lock()
			s.useIR = false
			s.mu.Unlock()
		}
	}

	go e.captureVideo(s)
	if s.WantAudio {
		go e.captureAudio(s)
	}

	e.wg.Add(1)
	go e.monitor(s)
}

// monitor polls the stop conditions for one session.
func (e *Engine) monitor(s *Session) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			e.finishSession(s, "shutdown")
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			lastMotion := s.lastMotion
			end := s.endTime
			s.mu.Unlock()

			elapsed := now.Sub(s.StartTime)
			var reason string
			switch {
			case s.stopRequested.Load():
				reason = "manual"
			case elapsed >= e.cfg.MaxDuration:
				reason = "max_duration"
			case !now.Before(end) && now.Sub(lastMotion) >= e.cfg.GracePeriod:
				reason = "grace_elapsed"
			default:
				continue
			}
			e.finishSession(s, reason)
			return
		}
	}
}

// finishSession signals the capture goroutines, joins them with a bounded
// timeout, restores IR, removes the session from the active set and hands the
// result to the finalizer. A join timeout is a logged anomaly, not a crash.
func (e *Engine) finishSession(s *Session, reason string) {
	s.signalStop()
	e.joinCaptures(s)

	s.mu.Lock()
	useIR := s.useIR
	s.mu.Unlock()

	if useIR {
		if err := e.ir.Deactivate(s.Camera); err != nil {
			log.Warnf("Failed to deactivate IR for %s: %v", s.Camera.Name, err)
		}
	}

	endTime := time.Now()
	duration := endTime.Sub(s.StartTime)
	frames := s.frameCount.Load()

	placeholder := false
	if frames == 0 {
		// Capture produced nothing usable. Synthesize a placeholder so the
		// finalization pipeline still gets a well-formed artifact.
		log.Errorf("Session %s on %s captured zero frames, writing placeholder artifact",
			s.ID, s.Camera.Name)
		if err := writePlaceholder(s.VideoPath); err != nil {
			log.Errorf("Failed to write placeholder for %s: %v", s.Camera.Name, err)
		}
		placeholder = true
	}

	e.mu.Lock()
	delete(e.sessions, s.Camera.Name)
	e.mu.Unlock()

	s.mu.Lock()
	pcm := s.audioPCM
	s.mu.Unlock()

	log.Infof("Recording on %s finished after %.1fs (%d frames, reason=%s)",
		s.Camera.Name, duration.Seconds(), frames, reason)

	if e.finalizer == nil {
		return
	}
	triggerType := models.TriggerMotion
	if reason == "manual" {
		triggerType = models.TriggerManual
	}
	e.finalizer.Finalize(Result{
		SessionID:   s.ID,
		Camera:      s.Camera,
		StartTime:   s.StartTime,
		EndTime:     endTime,
		Duration:    duration,
		VideoPath:   s.VideoPath,
		AudioPCM:    pcm,
		FrameCount:  frames,
		Placeholder: placeholder,
		UseIR:       useIR,
		TriggerType: triggerType,
		StopReason:  reason,
	})
}

// joinCaptures waits for the capture goroutines under one shared deadline.
func (e *Engine) joinCaptures(s *Session) {
	deadline := time.After(e.cfg.JoinTimeout)
	for _, done := range []chan struct{}{s.videoDone, s.audioDone} {
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-deadline:
			log.Warnf("Capture thread for %s did not stop within %s, proceeding to finalize",
				s.Camera.Name, e.cfg.JoinTimeout)
			return
		}
	}
}

// captureVideo pulls frames at the configured interval and appends them to the
// MJPEG artifact. The camera handle is exclusively owned by this goroutine for
// the session lifetime.
func (e *Engine) captureVideo(s *Session) {
	defer close(s.videoDone)

	out, err := os.Create(s.VideoPath)
	if err != nil {
		log.Errorf("Failed to create video artifact %s: %v", s.VideoPath, err)
		<-s.stop
		return
	}
	defer out.Close()

	ticker := time.NewTicker(e.cfg.FrameInterval)
	defer ticker.Stop()

	var lastWarn time.Time
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			frame, err := e.frames.GetFrame(s.Camera.Name)
			if err != nil || len(frame) == 0 {
				// Transient capture faults keep the session alive.
				if time.Since(lastWarn) > 5*time.Second {
					log.Warnf("Frame capture failed for %s: %v", s.Camera.Name, err)
					lastWarn = time.Now()
				}
				continue
			}
			if _, err := out.Write(frame); err != nil {
				if time.Since(lastWarn) > 5*time.Second {
					log.Warnf("Frame write failed for %s: %v", s.Camera.Name, err)
					lastWarn = time.Now()
				}
				continue
			}
			s.frameCount.Add(1)
		}
	}
}

// captureAudio accumulates PCM chunks until the stop signal and parks the
// buffer on the session for the finalizer.
func (e *Engine) captureAudio(s *Session) {
	defer close(s.audioDone)

	stream, err := e.audio.Start()
	if err != nil {
		log.Warnf("Audio capture unavailable for %s: %v", s.Camera.Name, err)
		<-s.stop
		return
	}

	var buf []byte
	store := func() {
		s.mu.Lock()
		s.audioPCM = buf
		s.mu.Unlock()
	}

	for {
		select {
		case <-s.stop:
			_ = stream.Close()
			// Drain whatever the device flushed before close.
			for chunk := range stream.Chunks() {
				buf = append(buf, chunk...)
			}
			store()
			return
		case chunk, ok := <-stream.Chunks():
			if !ok {
				store()
				return
			}
			buf = append(buf, chunk...)
		}
	}
}

// StopCamera requests a manual stop of the active session for a camera.
// Returns false if no session is active.
func (e *Engine) StopCamera(camera string) bool {
	e.mu.Lock()
	s, ok := e.sessions[camera]
	e.mu.Unlock()
	if !ok {
		return false
	}
	s.stopRequested.Store(true)
	log.Infof("Manual stop requested for %s (session %s)", camera, s.ID)
	return true
}

// StopAll stops every active session and waits for their monitors to finish
// finalization.
func (e *Engine) StopAll() {
	e.quitOnce.Do(func() { close(e.quit) })
	e.wg.Wait()
}

// ActiveSessions returns a snapshot of the active-session table.
func (e *Engine) ActiveSessions() []SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos := make([]SessionInfo, 0, len(e.sessions))
	for _, s := range e.sessions {
		s.mu.Lock()
		infos = append(infos, SessionInfo{
			SessionID:  s.ID,
			Camera:     s.Camera.Name,
			StartTime:  s.StartTime,
			LastMotion: s.lastMotion,
			EndTime:    s.endTime,
			UseIR:      s.useIR,
			HasAudio:   s.WantAudio,
			Frames:     s.frameCount.Load(),
		})
		s.mu.Unlock()
	}
	return infos
}

// writePlaceholder writes a single dark frame as the video artifact.
func writePlaceholder(path string) error {
	img := image.NewGray(image.Rect(0, 0, 640, 480))
	for i := range img.Pix {
		img.Pix[i] = 32
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create placeholder: %w", err)
	}
	defer out.Close()
	return jpeg.Encode(out, img, &jpeg.Options{Quality: 70})
}
