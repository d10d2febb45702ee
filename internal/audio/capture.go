package audio

import (
	"fmt"
	"runtime"
	"sync"

	"nutflix-go/config"

	"github.com/gen2brain/malgo"
	log "github.com/sirupsen/logrus"
)

// Source starts audio capture streams. A stream yields fixed-size PCM chunks
// until closed; the capture device is exclusively owned by the stream for its
// lifetime.
type Source interface {
	Start() (Stream, error)
}

// Stream is one live capture. Chunks closes after Close is called.
type Stream interface {
	Chunks() <-chan []byte
	Close() error
}

// MalgoSource captures S16 PCM through miniaudio (ALSA on Linux).
type MalgoSource struct {
	cfg config.AudioConfig
}

// NewMalgoSource creates a capture source for the configured device.
func NewMalgoSource(cfg config.AudioConfig) *MalgoSource {
	return &MalgoSource{cfg: cfg}
}

// Start opens the capture device and begins streaming PCM chunks.
func (s *MalgoSource) Start() (Stream, error) {
	var backends []malgo.Backend
	if runtime.GOOS == "linux" {
		backends = []malgo.Backend{malgo.BackendAlsa}
	}

	mctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, func(message string) {
		log.Debugf("malgo: %s", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(s.cfg.Channels)
	deviceConfig.SampleRate = uint32(s.cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	st := &malgoStream{
		mctx:   mctx,
		chunks: make(chan []byte, 64),
	}

	onRecv := func(_, pSample []byte, _ uint32) {
		if len(pSample) == 0 {
			return
		}
		chunk := make([]byte, len(pSample))
		copy(chunk, pSample)
		// Drop the chunk rather than stall the audio callback.
		select {
		case st.chunks <- chunk:
		default:
		}
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecv,
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("failed to initialize capture device: %w", err)
	}
	st.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}

	log.Debugf("Audio capture started (%d Hz, %d ch)", s.cfg.SampleRate, s.cfg.Channels)
	return st, nil
}

type malgoStream struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	chunks chan []byte

	closeOnce sync.Once
}

func (s *malgoStream) Chunks() <-chan []byte {
	return s.chunks
}

// Close stops the device and returns it to its idle state. Safe to call more
// than once.
func (s *malgoStream) Close() error {
	s.closeOnce.Do(func() {
		if s.device != nil {
			_ = s.device.Stop()
			s.device.Uninit()
		}
		if s.mctx != nil {
			_ = s.mctx.Uninit()
			s.mctx.Free()
		}
		close(s.chunks)
	})
	return nil
}
