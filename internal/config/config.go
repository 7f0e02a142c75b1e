// Package config provides configuration management for vodmux using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultBlockSize       = 256 * 1024
	defaultSlotBlocks      = 4
	defaultSegmentDuration = 10 * time.Second
	defaultBuildTimeout    = 2 * time.Minute
)

// Config holds all configuration for the application.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Segmenter SegmenterConfig `mapstructure:"segmenter"`
	Muxer     MuxerConfig     `mapstructure:"muxer"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StorageConfig holds output locations.
type StorageConfig struct {
	// OutputDir receives segments and playlists when commands are not given
	// an explicit output path.
	OutputDir string `mapstructure:"output_dir"`
}

// CacheConfig holds block read cache geometry.
type CacheConfig struct {
	// BlockSize is the read granularity.
	// Supports human-readable values like "256KB", "1MB", or raw byte counts.
	BlockSize ByteSize `mapstructure:"block_size"`
	// SlotBlocks is the number of resident blocks kept per stream slot.
	SlotBlocks int `mapstructure:"slot_blocks"`
}

// SegmenterConfig holds segmentation settings.
type SegmenterConfig struct {
	SegmentDuration  time.Duration `mapstructure:"segment_duration"`
	AlignToKeyFrames bool          `mapstructure:"align_to_key_frames"`
}

// MuxerConfig holds muxer composition flags.
type MuxerConfig struct {
	// InterleaveFrames joins close audio frames into shared PES packets
	// instead of buffering them against the delay-flush policy.
	InterleaveFrames bool `mapstructure:"interleave_frames"`
	// AlignFrames is forwarded to the packet encoder. Trailing packets are
	// stuffed and frames start on a new packet for either value, so the
	// flag does not change the output bytes.
	AlignFrames bool `mapstructure:"align_frames"`
	// BuildTimeout bounds one segment build, cache stalls included.
	BuildTimeout time.Duration `mapstructure:"build_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with VODMUX_, using underscores for nesting.
// Example: VODMUX_CACHE_BLOCK_SIZE=1MB.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vodmux")
		v.AddConfigPath("$HOME/.vodmux")
	}

	v.SetEnvPrefix("VODMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("storage.output_dir", "./out")

	v.SetDefault("cache.block_size", defaultBlockSize)
	v.SetDefault("cache.slot_blocks", defaultSlotBlocks)

	v.SetDefault("segmenter.segment_duration", defaultSegmentDuration)
	v.SetDefault("segmenter.align_to_key_frames", false)

	v.SetDefault("muxer.interleave_frames", false)
	v.SetDefault("muxer.align_frames", true)
	v.SetDefault("muxer.build_timeout", defaultBuildTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Storage.OutputDir == "" {
		return fmt.Errorf("storage.output_dir must not be empty")
	}
	if c.Cache.BlockSize <= 0 {
		return fmt.Errorf("cache.block_size must be positive")
	}
	if c.Cache.SlotBlocks < 1 {
		return fmt.Errorf("cache.slot_blocks must be at least 1")
	}
	if c.Segmenter.SegmentDuration <= 0 {
		return fmt.Errorf("segmenter.segment_duration must be positive")
	}
	if c.Muxer.BuildTimeout <= 0 {
		return fmt.Errorf("muxer.build_timeout must be positive")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}
