package encoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"nutflix-go/config"

	log "github.com/sirupsen/logrus"
)

// Service wraps the external ffmpeg/ffprobe processes behind a narrow,
// timeout-bounded interface. Every call is fallible and callers are expected
// to degrade gracefully on error.
type Service struct {
	cfg config.EncoderConfig
}

// New creates an encode service with the given binary paths and timeout.
func New(cfg config.EncoderConfig) *Service {
	return &Service{cfg: cfg}
}

// Merge muxes a video artifact and a WAV audio artifact into one container at
// outPath. The video stream is copied, audio is re-encoded to AAC.
func (s *Service) Merge(ctx context.Context, videoPath, audioPath, outPath string) error {
	args := []string{
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		outPath,
	}
	return s.run(ctx, s.cfg.FFmpegPath, args)
}

// ExtractThumbnail grabs one frame at the given offset, scales it to the
// configured thumbnail width and overlays a label (timestamp + camera) for
// human scanning.
func (s *Service) ExtractThumbnail(ctx context.Context, videoPath string, offset time.Duration, outPath, label string) error {
	width := s.cfg.ThumbWidth
	if width <= 0 {
		width = 320
	}
	vf := fmt.Sprintf("scale=%d:-1", width)
	if label != "" {
		// drawtext chokes on unescaped quotes/colons in the label
		escaped := strings.NewReplacer("'", "", ":", "\\:", "%", "\\%").Replace(label)
		vf += fmt.Sprintf(",drawtext=text='%s':fontcolor=white:fontsize=14:box=1:boxcolor=black@0.5:x=4:y=h-th-4", escaped)
	}
	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.2f", offset.Seconds()),
		"-i", videoPath,
		"-frames:v", "1",
		"-vf", vf,
		outPath,
	}
	return s.run(ctx, s.cfg.FFmpegPath, args)
}

// ProbeCodec returns the codec name of the first video stream.
func (s *Service) ProbeCodec(ctx context.Context, videoPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, s.cfg.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", commandError(s.cfg.FFprobePath, err, &stderr)
	}
	codec := strings.TrimSpace(stdout.String())
	if codec == "" {
		return "", fmt.Errorf("ffprobe returned no codec for %s", videoPath)
	}
	return codec, nil
}

// run executes one encode subprocess under the configured timeout.
func (s *Service) run(ctx context.Context, bin string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	log.Debugf("Running %s %s", bin, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return commandError(bin, err, &stderr)
	}
	return nil
}

func (s *Service) timeout() time.Duration {
	if s.cfg.Timeout > 0 {
		return s.cfg.Timeout
	}
	return 30 * time.Second
}

// commandError folds the exit error and a truncated stderr tail into one error.
func commandError(bin string, err error, stderr *bytes.Buffer) error {
	tail := stderr.String()
	if len(tail) > 400 {
		tail = tail[len(tail)-400:]
	}
	tail = strings.TrimSpace(tail)
	if tail == "" {
		return fmt.Errorf("%s failed: %w", bin, err)
	}
	return fmt.Errorf("%s failed: %w (%s)", bin, err, tail)
}
