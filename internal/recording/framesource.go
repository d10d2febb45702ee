package recording

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"nutflix-go/config"
)

// HTTPFrameSource pulls JPEG frames from per-camera snapshot endpoints
// (the camera daemon owns the hardware; this process only consumes frames).
type HTTPFrameSource struct {
	urls   map[string]string
	client *http.Client
}

// NewHTTPFrameSource builds a frame source from the camera configuration.
func NewHTTPFrameSource(cameras []config.CameraConfig) *HTTPFrameSource {
	urls := make(map[string]string, len(cameras))
	for _, cam := range cameras {
		if cam.SnapshotURL != "" {
			urls[cam.Name] = cam.SnapshotURL
		}
	}
	return &HTTPFrameSource{
		urls: urls,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetFrame fetches one JPEG frame for the camera.
func (f *HTTPFrameSource) GetFrame(camera string) ([]byte, error) {
	url, ok := f.urls[camera]
	if !ok {
		return nil, fmt.Errorf("no snapshot URL configured for camera %s", camera)
	}

	resp, err := f.client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed for %s: %w", camera, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint for %s returned status %d", camera, resp.StatusCode)
	}

	frame, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot for %s: %w", camera, err)
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty snapshot for %s", camera)
	}
	return frame, nil
}
