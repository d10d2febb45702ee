package recording

import (
	"fmt"
	"os"
	"time"

	"nutflix-go/config"

	log "github.com/sirupsen/logrus"
)

// IRController decides whether a camera needs infrared illumination and
// switches it. Capability is configuration data (cameras[].supports_ir), not
// logic.
type IRController interface {
	ShouldUseIR(cam config.CameraConfig) bool
	Activate(cam config.CameraConfig) error
	Deactivate(cam config.CameraConfig) error
}

// SmartIRController activates IR when the local time falls in the configured
// night window, or when a sampled frame from the camera reads dark.
type SmartIRController struct {
	cfg    config.RecordingConfig
	loc    *time.Location
	frames FrameSource

	now func() time.Time // injectable for tests
}

// NewSmartIRController builds the controller. frames may be nil, in which case
// only the night window applies.
func NewSmartIRController(cfg config.RecordingConfig, timezone string, frames FrameSource) *SmartIRController {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		log.Warnf("Unknown timezone %q, falling back to UTC: %v", timezone, err)
		loc = time.UTC
	}
	return &SmartIRController{
		cfg:    cfg,
		loc:    loc,
		frames: frames,
		now:    time.Now,
	}
}

// ShouldUseIR reports whether recording on this camera should run illuminated.
func (c *SmartIRController) ShouldUseIR(cam config.CameraConfig) bool {
	if !cam.SupportsIR {
		return false
	}
	if c.inNightWindow(c.now().In(c.loc)) {
		log.Debugf("IR for %s: inside night window", cam.Name)
		return true
	}
	if c.frames == nil {
		return false
	}
	frame, err := c.frames.GetFrame(cam.Name)
	if err != nil || len(frame) == 0 {
		log.Debugf("IR luminance sample unavailable for %s: %v", cam.Name, err)
		return false
	}
	lum, err := meanLuminance(frame)
	if err != nil {
		log.Debugf("IR luminance decode failed for %s: %v", cam.Name, err)
		return false
	}
	dark := lum < c.cfg.DarkThreshold
	log.Debugf("IR for %s: mean luminance %.1f (threshold %.1f) -> dark=%t",
		cam.Name, lum, c.cfg.DarkThreshold, dark)
	return dark
}

// inNightWindow handles windows that cross midnight (e.g. 19:00-06:30).
func (c *SmartIRController) inNightWindow(now time.Time) bool {
	start, err1 := time.Parse("15:04", c.cfg.NightStart)
	end, err2 := time.Parse("15:04", c.cfg.NightEnd)
	if err1 != nil || err2 != nil {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}
	return minutes >= startMin || minutes < endMin
}

// Activate drives the camera's IR line high.
func (c *SmartIRController) Activate(cam config.CameraConfig) error {
	return writeIRState(cam, "1")
}

// Deactivate drives the camera's IR line low.
func (c *SmartIRController) Deactivate(cam config.CameraConfig) error {
	return writeIRState(cam, "0")
}

func writeIRState(cam config.CameraConfig, value string) error {
	if cam.IRPath == "" {
		return fmt.Errorf("camera %s has no IR line configured", cam.Name)
	}
	if err := os.WriteFile(cam.IRPath, []byte(value), 0644); err != nil {
		return fmt.Errorf("failed to write IR state for %s: %w", cam.Name, err)
	}
	return nil
}
