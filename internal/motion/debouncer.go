package motion

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"nutflix-go/config"
	"nutflix-go/internal/core/models"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// SensorReader reads the current state of one camera's PIR line.
// Implementations must be safe for concurrent use across cameras.
type SensorReader interface {
	Read(camera string) (bool, error)
}

// Handler receives debounced motion triggers.
type Handler func(models.MotionTrigger)

// cameraState tracks per-camera edge detection and rate limiting.
type cameraState struct {
	lastObserved bool
	lastEvent    time.Time
	activeSince  time.Time
}

// Debouncer converts raw PIR reads into discrete, rate-limited motion triggers.
// One poll goroutine runs per configured camera.
type Debouncer struct {
	cfg     config.MotionConfig
	cameras []config.CameraConfig
	reader  SensorReader
	handler Handler

	mu     sync.Mutex
	states map[string]*cameraState

	wg sync.WaitGroup
}

// NewDebouncer creates a debouncer for the given cameras.
func NewDebouncer(cfg config.MotionConfig, cameras []config.CameraConfig, reader SensorReader, handler Handler) *Debouncer {
	return &Debouncer{
		cfg:     cfg,
		cameras: cameras,
		reader:  reader,
		handler: handler,
		states:  make(map[string]*cameraState),
	}
}

// Start launches the per-camera poll loops. They run until ctx is cancelled.
func (d *Debouncer) Start(ctx context.Context) {
	for _, cam := range d.cameras {
		d.mu.Lock()
		d.states[cam.Name] = &cameraState{}
		d.mu.Unlock()

		d.wg.Add(1)
		go func(cam config.CameraConfig) {
			defer d.wg.Done()
			d.pollLoop(ctx, cam)
		}(cam)
	}
	log.Infof("Motion debouncer started for %d cameras (poll %s, cooldown %s)",
		len(d.cameras), d.cfg.PollInterval, d.cfg.Cooldown)
}

// Wait blocks until all poll loops have exited.
func (d *Debouncer) Wait() {
	d.wg.Wait()
}

// pollLoop samples one camera's sensor on a fixed interval. Read errors are
// retried with backoff and degrade to "no motion"; the loop never exits on a
// sensor fault.
func (d *Debouncer) pollLoop(ctx context.Context, cam config.CameraConfig) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = d.cfg.RetryBackoff
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0 // retry forever, the sensor may come back

	for {
		select {
		case <-ctx.Done():
			log.Debugf("Motion poll loop for %s stopped", cam.Name)
			return
		case <-ticker.C:
			active, err := d.reader.Read(cam.Name)
			if err != nil {
				wait := retry.NextBackOff()
				log.Warnf("Sensor read failed for %s: %v (retrying in %s)", cam.Name, err, wait)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			retry.Reset()
			d.observe(cam.Name, active, time.Now())
		}
	}
}

// observe applies edge detection and the cooldown policy to one sample.
// Exposed to tests through Observe below; the critical section covers the
// whole read-modify-write of the camera state.
func (d *Debouncer) observe(camera string, active bool, now time.Time) {
	d.mu.Lock()
	st, ok := d.states[camera]
	if !ok {
		st = &cameraState{}
		d.states[camera] = st
	}

	var trigger *models.MotionTrigger

	switch {
	case active && !st.lastObserved:
		// Rising edge. Only emit if the per-camera cooldown has elapsed.
		st.activeSince = now
		if st.lastEvent.IsZero() || now.Sub(st.lastEvent) > d.cfg.Cooldown {
			st.lastEvent = now
			trigger = &models.MotionTrigger{
				Camera:     camera,
				Timestamp:  now,
				Type:       models.MotionTypeStart,
				SensorKind: models.SensorKindEdge,
				Confidence: 1.0,
			}
		} else {
			log.Debugf("Motion on %s suppressed by cooldown (%.1fs remaining)",
				camera, (d.cfg.Cooldown - now.Sub(st.lastEvent)).Seconds())
		}
	case !active && st.lastObserved && d.cfg.DebugEvents:
		// Falling edge, debug only. Distinct type so consumers never mistake
		// motion-end for real motion.
		trigger = &models.MotionTrigger{
			Camera:      camera,
			Timestamp:   now,
			Type:        models.MotionTypeEndDebug,
			SensorKind:  models.SensorKindEdge,
			Confidence:  1.0,
			RawDuration: now.Sub(st.activeSince),
		}
	}
	st.lastObserved = active
	d.mu.Unlock()

	if trigger != nil {
		log.Infof("Motion event on %s (type=%s)", camera, trigger.Type)
		d.handler(*trigger)
	}
}

// Observe feeds one raw sample for a camera, for tests and for external
// trigger sources (e.g. MQTT-injected motion).
func (d *Debouncer) Observe(camera string, active bool, now time.Time) {
	d.observe(camera, active, now)
}

// SysfsSensor reads PIR state from sysfs GPIO value files, one per camera.
// GPIO line setup (export, direction) is owned by the host provisioning, not
// by this process.
type SysfsSensor struct {
	paths map[string]string
}

// NewSysfsSensor builds a sensor reader from the camera configuration.
func NewSysfsSensor(cameras []config.CameraConfig) *SysfsSensor {
	paths := make(map[string]string, len(cameras))
	for _, cam := range cameras {
		if cam.SensorPath != "" {
			paths[cam.Name] = cam.SensorPath
		}
	}
	return &SysfsSensor{paths: paths}
}

// Read returns true while the PIR line is high.
func (s *SysfsSensor) Read(camera string) (bool, error) {
	path, ok := s.paths[camera]
	if !ok {
		return false, fmt.Errorf("no sensor configured for camera %s", camera)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read sensor %s: %w", path, err)
	}
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '1', nil
}
