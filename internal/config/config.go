// Package config loads run configuration from a file, OPUSCAST_-prefixed
// environment variables, and command-line flags, with flags taking
// precedence over environment over file over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Defaults mirror a stock low-latency desktop-audio setup.
const (
	DefaultRelayURL      = "https://localhost:4443/anon"
	DefaultBroadcastPath = "/live/audio"
	DefaultTrackName     = "audio"
	DefaultSampleRate    = 48000
	DefaultChannels      = 2
	DefaultBitrate       = 96000
	DefaultApplication   = "voip"
	DefaultComplexity    = 5
	DefaultFrameMS       = 20
	DefaultBufferTimeUS  = 20000
	DefaultLatencyTimeUS = 10000
	DefaultQueueCapacity = 100
)

// Config is the merged run configuration.
type Config struct {
	Relay    RelayConfig    `mapstructure:"relay"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// RelayConfig names the relay endpoint and the broadcast to publish.
type RelayConfig struct {
	URL           string `mapstructure:"url"`
	BroadcastPath string `mapstructure:"broadcast_path"`
	TrackName     string `mapstructure:"track_name"`
	Insecure      bool   `mapstructure:"insecure"`
}

// AudioConfig holds the encode parameters handed to the capture driver.
type AudioConfig struct {
	SampleRate  int    `mapstructure:"sample_rate"`
	Channels    int    `mapstructure:"channels"`
	Bitrate     int    `mapstructure:"bitrate"`
	Application string `mapstructure:"application"`
	Complexity  int    `mapstructure:"complexity"`
	FrameMS     int    `mapstructure:"frame_ms"`
}

// PipelineConfig holds device selection and buffering tunables.
type PipelineConfig struct {
	// Device is the capture source name; empty resolves the default
	// sink's monitor source.
	Device        string `mapstructure:"device"`
	BufferTimeUS  int    `mapstructure:"buffer_time"`
	LatencyTimeUS int    `mapstructure:"latency_time"`
	QueueCapacity int    `mapstructure:"queue_capacity"`
}

// SetDefaults installs every default on v. Flag bindings layered on top by
// the command keep CLI precedence.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("relay.url", DefaultRelayURL)
	v.SetDefault("relay.broadcast_path", DefaultBroadcastPath)
	v.SetDefault("relay.track_name", DefaultTrackName)
	v.SetDefault("relay.insecure", false)
	v.SetDefault("audio.sample_rate", DefaultSampleRate)
	v.SetDefault("audio.channels", DefaultChannels)
	v.SetDefault("audio.bitrate", DefaultBitrate)
	v.SetDefault("audio.application", DefaultApplication)
	v.SetDefault("audio.complexity", DefaultComplexity)
	v.SetDefault("audio.frame_ms", DefaultFrameMS)
	v.SetDefault("pipeline.device", "")
	v.SetDefault("pipeline.buffer_time", DefaultBufferTimeUS)
	v.SetDefault("pipeline.latency_time", DefaultLatencyTimeUS)
	v.SetDefault("pipeline.queue_capacity", DefaultQueueCapacity)
}

// Load reads the optional config file and environment overrides into v and
// unmarshals the merged result. A missing file is an error only when the
// path was set explicitly.
func Load(v *viper.Viper, file string, fileRequired bool) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("OPUSCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
			if fileRequired || !missing {
				return nil, fmt.Errorf("read config file %q: %w", file, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// opusRates are the sample rates libopus accepts.
var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// opusFrameMS are the frame durations libopus accepts for integer
// millisecond configuration.
var opusFrameMS = map[int]bool{5: true, 10: true, 20: true, 40: true, 60: true}

// Validate rejects parameter combinations the encoder or transport cannot
// honor, before any device or network resource is touched.
func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return errors.New("relay.url must not be empty")
	}
	if c.Relay.BroadcastPath == "" {
		return errors.New("relay.broadcast_path must not be empty")
	}
	if c.Relay.TrackName == "" {
		return errors.New("relay.track_name must not be empty")
	}
	if !opusRates[c.Audio.SampleRate] {
		return fmt.Errorf("audio.sample_rate %d not supported by opus (want 8000, 12000, 16000, 24000, or 48000)", c.Audio.SampleRate)
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got %d", c.Audio.Channels)
	}
	if c.Audio.Bitrate < 500 || c.Audio.Bitrate > 512000 {
		return fmt.Errorf("audio.bitrate %d out of range 500..512000", c.Audio.Bitrate)
	}
	switch c.Audio.Application {
	case "voip", "voice", "audio", "generic":
	default:
		return fmt.Errorf("audio.application %q not recognized (want voip or audio)", c.Audio.Application)
	}
	if c.Audio.Complexity < 0 || c.Audio.Complexity > 10 {
		return fmt.Errorf("audio.complexity %d out of range 0..10", c.Audio.Complexity)
	}
	if !opusFrameMS[c.Audio.FrameMS] {
		return fmt.Errorf("audio.frame_ms %d not supported by opus (want 5, 10, 20, 40, or 60)", c.Audio.FrameMS)
	}
	if c.Pipeline.LatencyTimeUS <= 0 {
		return fmt.Errorf("pipeline.latency_time must be positive, got %d", c.Pipeline.LatencyTimeUS)
	}
	if c.Pipeline.BufferTimeUS < c.Pipeline.LatencyTimeUS {
		return fmt.Errorf("pipeline.buffer_time %d must be at least latency_time %d", c.Pipeline.BufferTimeUS, c.Pipeline.LatencyTimeUS)
	}
	if c.Pipeline.QueueCapacity < 1 {
		return fmt.Errorf("pipeline.queue_capacity must be at least 1, got %d", c.Pipeline.QueueCapacity)
	}
	return nil
}
