package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/opd-ai/transformer"
	"github.com/opd-ai/transformer/codec"
	"github.com/opd-ai/transformer/effect"
	"github.com/opd-ai/transformer/frameprocessor"
	"github.com/opd-ai/transformer/media"
	"github.com/opd-ai/transformer/muxer"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is wrapped by every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnknownEffect is returned for an effect type BuildEffects does not
	// know.
	ErrUnknownEffect = errors.New("unknown effect type")
)

// Config holds the complete configuration of the transform tool.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Muxer     MuxerConfig     `yaml:"muxer"`
	Processor ProcessorConfig `yaml:"processor"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Request   RequestConfig   `yaml:"request"`
	Effects   []EffectConfig  `yaml:"effects"`
}

// LoggingConfig selects the logrus level and formatter.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// MuxerConfig holds interleaving and stall settings.
type MuxerConfig struct {
	MaxWriteAhead time.Duration `yaml:"max_write_ahead"`
	// MaxDelayBetweenSamplesMs overrides the sink's stall timeout. Zero
	// keeps the sink's value, a negative value disables stall detection.
	MaxDelayBetweenSamplesMs int64 `yaml:"max_delay_between_samples_ms"`
}

// ProcessorConfig holds frame processor settings.
type ProcessorConfig struct {
	ReleaseTimeout time.Duration `yaml:"release_timeout"`
}

// EncoderConfig configures the reference encoder factory.
type EncoderConfig struct {
	Vendor         string            `yaml:"vendor"`
	EnableFallback bool              `yaml:"enable_fallback"`
	ForceAudio     bool              `yaml:"force_audio"`
	ForceVideo     bool              `yaml:"force_video"`
	Tuning         codec.TuningTable `yaml:"tuning"`
}

// RequestConfig mirrors transformer.Request.
type RequestConfig struct {
	AudioMimeType   string  `yaml:"audio_mime_type"`
	VideoMimeType   string  `yaml:"video_mime_type"`
	OutputHeight    int     `yaml:"output_height"`
	RotationDegrees float64 `yaml:"rotation_degrees"`
	ScaleX          float64 `yaml:"scale_x"`
	ScaleY          float64 `yaml:"scale_y"`
}

// EffectConfig describes one video effect. Value is interpreted per type.
type EffectConfig struct {
	Type  string  `yaml:"type"`
	Value float64 `yaml:"value"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Muxer: MuxerConfig{
			MaxWriteAhead: muxer.DefaultMaxWriteAhead,
		},
		Processor: ProcessorConfig{
			ReleaseTimeout: frameprocessor.DefaultReleaseTimeout,
		},
		Encoder: EncoderConfig{
			EnableFallback: true,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and names.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging level: %v", ErrInvalidConfig, err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("%w: logging format %q", ErrInvalidConfig, c.Logging.Format)
	}
	if c.Muxer.MaxWriteAhead <= 0 {
		return fmt.Errorf("%w: muxer max_write_ahead must be positive", ErrInvalidConfig)
	}
	if c.Processor.ReleaseTimeout < 0 {
		return fmt.Errorf("%w: processor release_timeout is negative", ErrInvalidConfig)
	}
	if c.Request.OutputHeight < 0 {
		return fmt.Errorf("%w: request output_height is negative", ErrInvalidConfig)
	}
	if c.Request.ScaleX < 0 || c.Request.ScaleY < 0 {
		return fmt.Errorf("%w: request scale is negative", ErrInvalidConfig)
	}
	for vendor, tier := range c.Encoder.Tuning {
		if tier.BitrateMultiplier < 0 {
			return fmt.Errorf("%w: tuning %q bitrate_multiplier is negative", ErrInvalidConfig, vendor)
		}
	}
	if _, err := c.BuildEffects(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// BuildEffects creates the configured effects in order.
func (c *Config) BuildEffects() ([]effect.Effect, error) {
	effects := make([]effect.Effect, 0, len(c.Effects))
	for i, e := range c.Effects {
		var built effect.Effect
		switch strings.ToLower(e.Type) {
		case "brightness":
			built = effect.NewBrightness(int(e.Value))
		case "contrast":
			built = effect.NewContrast(e.Value)
		case "grayscale":
			built = effect.NewGrayscale()
		case "blur":
			if e.Value < 1 {
				return nil, fmt.Errorf("effect %d: blur radius must be at least 1", i)
			}
			built = effect.NewBlur(int(e.Value))
		case "sharpen":
			built = effect.NewSharpen(e.Value)
		case "color_temperature":
			built = effect.NewColorTemperature(int(e.Value))
		case "rotate":
			built = effect.NewScaleAndRotate(1, 1, e.Value)
		case "presentation":
			if e.Value < 1 {
				return nil, fmt.Errorf("effect %d: presentation height must be at least 1", i)
			}
			built = effect.NewPresentation(int(e.Value))
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownEffect, e.Type)
		}
		effects = append(effects, built)
	}
	return effects, nil
}

// TransformerOptions returns the transformer options the configuration
// describes.
func (c *Config) TransformerOptions() *transformer.Options {
	opts := transformer.NewOptions()
	opts.Request = transformer.Request{
		AudioMimeType:   c.Request.AudioMimeType,
		VideoMimeType:   c.Request.VideoMimeType,
		OutputHeight:    c.Request.OutputHeight,
		RotationDegrees: c.Request.RotationDegrees,
		ScaleX:          c.Request.ScaleX,
		ScaleY:          c.Request.ScaleY,
	}

	encoders := codec.NewDefaultEncoderFactory()
	encoders.EnableFallback = c.Encoder.EnableFallback
	encoders.Vendor = c.Encoder.Vendor
	encoders.Tuning = c.Encoder.Tuning
	encoders.ForceAudioEncoding = c.Encoder.ForceAudio
	encoders.ForceVideoEncoding = c.Encoder.ForceVideo
	opts.EncoderFactory = encoders

	opts.ProcessorConfig.ReleaseTimeout = c.Processor.ReleaseTimeout
	opts.MaxWriteAhead = c.Muxer.MaxWriteAhead
	opts.MaxDelayBetweenSamplesMs = c.Muxer.MaxDelayBetweenSamplesMs
	if opts.MaxDelayBetweenSamplesMs < 0 {
		opts.MaxDelayBetweenSamplesMs = media.TimeUnset
	}
	return opts
}

// SetupLogging configures the standard logrus logger.
func SetupLogging(level, format string, output io.Writer) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("%w: logging level: %v", ErrInvalidConfig, err)
	}
	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	default:
		return fmt.Errorf("%w: logging format %q", ErrInvalidConfig, format)
	}
	logrus.SetLevel(lvl)
	if output != nil {
		logrus.SetOutput(output)
	}
	return nil
}
