package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Cameras   []CameraConfig  `mapstructure:"cameras"`
	Motion    MotionConfig    `mapstructure:"motion"`
	Recording RecordingConfig `mapstructure:"recording"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Encoder   EncoderConfig   `mapstructure:"encoder"`
	Storage   StorageConfig   `mapstructure:"storage"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DataDir  string `mapstructure:"data_dir"`
	ClipURL  string `mapstructure:"clip_url"` // URL prefix the clip dir is served under
	Timezone string `mapstructure:"timezone"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DBConfig holds database settings (SQLite file path).
type DBConfig struct {
	File string `mapstructure:"file"`
}

// CameraConfig describes one camera and its attached PIR sensor.
type CameraConfig struct {
	Name string `mapstructure:"name"`
	// SnapshotURL is the camera daemon endpoint returning one JPEG frame.
	SnapshotURL string `mapstructure:"snapshot_url"`
	SensorPath  string `mapstructure:"sensor_path"` // sysfs GPIO value file for the PIR line
	SupportsIR  bool   `mapstructure:"supports_ir"`
	IRPath      string `mapstructure:"ir_path"` // sysfs GPIO value file driving the IR LEDs
	// DefaultSpecies seeds the classification heuristic for this camera,
	// e.g. the species most commonly seen at this mount point.
	DefaultSpecies string `mapstructure:"default_species"`
	HasAudio       bool   `mapstructure:"has_audio"`
}

// MotionConfig holds PIR debouncing settings.
type MotionConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// DebugEvents additionally emits motion-end events on the falling edge.
	// These carry a distinct event type and never trigger recordings.
	DebugEvents bool `mapstructure:"debug_events"`
}

// RecordingConfig holds session timing policy.
type RecordingConfig struct {
	MinDuration        time.Duration `mapstructure:"min_duration"`
	MaxDuration        time.Duration `mapstructure:"max_duration"`
	GracePeriod        time.Duration `mapstructure:"grace_period"`
	AdditionalDuration time.Duration `mapstructure:"additional_duration"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
	FrameInterval      time.Duration `mapstructure:"frame_interval"`
	JoinTimeout        time.Duration `mapstructure:"join_timeout"`
	// Night window during which IR-capable cameras switch their illuminator on.
	NightStart string `mapstructure:"night_start"` // "HH:MM" local time
	NightEnd   string `mapstructure:"night_end"`
	// Mean luminance below which a sampled frame counts as dark (0-255).
	DarkThreshold float64 `mapstructure:"dark_threshold"`
}

// AudioConfig holds audio capture settings.
type AudioConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Device     string `mapstructure:"device"`
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	BitDepth   int    `mapstructure:"bit_depth"`
}

// EncoderConfig holds settings for the external ffmpeg/ffprobe encode service.
type EncoderConfig struct {
	FFmpegPath  string        `mapstructure:"ffmpeg_path"`
	FFprobePath string        `mapstructure:"ffprobe_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ThumbWidth  int           `mapstructure:"thumb_width"`
}

// StorageConfig holds clip storage and retention settings.
type StorageConfig struct {
	ClipDir           string        `mapstructure:"clip_dir"`
	MaxClipsPerCamera int           `mapstructure:"max_clips_per_camera"`
	MaxAgeDays        int           `mapstructure:"max_age_days"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// MQTTConfig holds settings for the optional MQTT notifier.
type MQTTConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Broker        string `mapstructure:"broker"`
	Port          int    `mapstructure:"port"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	ClientID      string `mapstructure:"client_id"`
	SightingTopic string `mapstructure:"sighting_topic"`
	TriggerTopic  string `mapstructure:"trigger_topic"`
}

// Load reads configuration from file, environment variables and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	// Environment variables overlay the file configuration.
	v.AutomaticEnv()
	v.SetEnvPrefix("NUTFLIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// Directory creation is the one failure class allowed to abort startup.
	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// setDefaults establishes the documented default values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.data_dir", "/data")
	v.SetDefault("server.clip_url", "/clips")
	v.SetDefault("server.timezone", "UTC")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "/data/logs/nutflix.log")

	// DB defaults
	v.SetDefault("db.file", "/data/nutflix.db")

	// Motion defaults
	v.SetDefault("motion.poll_interval", 100*time.Millisecond)
	v.SetDefault("motion.cooldown", 3*time.Second)
	v.SetDefault("motion.retry_backoff", 1*time.Second)
	v.SetDefault("motion.debug_events", false)

	// Recording defaults
	v.SetDefault("recording.min_duration", 10*time.Second)
	v.SetDefault("recording.max_duration", 60*time.Second)
	v.SetDefault("recording.grace_period", 3*time.Second)
	v.SetDefault("recording.additional_duration", 5*time.Second)
	v.SetDefault("recording.monitor_interval", 500*time.Millisecond)
	v.SetDefault("recording.frame_interval", 66*time.Millisecond) // ~15 fps
	v.SetDefault("recording.join_timeout", 5*time.Second)
	v.SetDefault("recording.night_start", "19:00")
	v.SetDefault("recording.night_end", "06:30")
	v.SetDefault("recording.dark_threshold", 50.0)

	// Audio defaults
	v.SetDefault("audio.enabled", true)
	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.bit_depth", 16)

	// Encoder defaults
	v.SetDefault("encoder.ffmpeg_path", "ffmpeg")
	v.SetDefault("encoder.ffprobe_path", "ffprobe")
	v.SetDefault("encoder.timeout", 30*time.Second)
	v.SetDefault("encoder.thumb_width", 320)

	// Storage defaults
	v.SetDefault("storage.clip_dir", "/data/clips")
	v.SetDefault("storage.max_clips_per_camera", 100)
	v.SetDefault("storage.max_age_days", 30)
	v.SetDefault("storage.cleanup_interval", 24*time.Hour)

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "nutflix-go")
	v.SetDefault("mqtt.sighting_topic", "nutflix/sightings")
	v.SetDefault("mqtt.trigger_topic", "nutflix/triggers")
}

// validate rejects configurations the engine cannot run with.
func validate(cfg *Config) error {
	if cfg.Recording.MinDuration > cfg.Recording.MaxDuration {
		return fmt.Errorf("recording.min_duration (%s) exceeds recording.max_duration (%s)",
			cfg.Recording.MinDuration, cfg.Recording.MaxDuration)
	}
	for _, t := range []string{cfg.Recording.NightStart, cfg.Recording.NightEnd} {
		if _, err := time.Parse("15:04", t); err != nil {
			return fmt.Errorf("invalid night window time %q: %w", t, err)
		}
	}
	seen := make(map[string]bool)
	for _, cam := range cfg.Cameras {
		if cam.Name == "" {
			return fmt.Errorf("camera with empty name in configuration")
		}
		if seen[cam.Name] {
			return fmt.Errorf("duplicate camera name %q in configuration", cam.Name)
		}
		seen[cam.Name] = true
	}
	return nil
}

// CameraByName returns the configuration for a named camera, if present.
func (c *Config) CameraByName(name string) (CameraConfig, bool) {
	for _, cam := range c.Cameras {
		if cam.Name == name {
			return cam, true
		}
	}
	return CameraConfig{}, false
}

// ensureDirectories creates every directory the process writes into.
func ensureDirectories(cfg *Config) error {
	dirs := []string{
		cfg.Server.DataDir,
		cfg.Storage.ClipDir,
		filepath.Dir(cfg.Log.File),
	}
	if cfg.DB.File != "" {
		dirs = append(dirs, filepath.Dir(cfg.DB.File))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
