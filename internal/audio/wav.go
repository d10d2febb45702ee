package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"nutflix-go/config"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV saves accumulated S16LE PCM data as a WAV file at path.
func WriteWAV(path string, pcm []byte, cfg config.AudioConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	outFile, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer outFile.Close()

	enc := wav.NewEncoder(outFile, cfg.SampleRate, cfg.BitDepth, cfg.Channels, 1)

	buf := &goaudio.IntBuffer{
		Data:   pcmToInts(pcm),
		Format: &goaudio.Format{SampleRate: cfg.SampleRate, NumChannels: cfg.Channels},
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("failed to write to WAV encoder: %w", err)
	}

	return enc.Close()
}

// pcmToInts converts little-endian 16-bit PCM bytes to integer samples.
func pcmToInts(pcm []byte) []int {
	samples := make([]int, 0, len(pcm)/2)
	buf := bytes.NewBuffer(pcm)
	for {
		var sample int16
		if err := binary.Read(buf, binary.LittleEndian, &sample); err != nil {
			break
		}
		samples = append(samples, int(sample))
	}
	return samples
}
