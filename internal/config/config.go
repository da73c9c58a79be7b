// Package config loads and validates render service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/deepzoom/internal/logging"
	"github.com/JakeFAU/deepzoom/internal/telemetry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Logging   logging.Config   `mapstructure:"logging"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	Zoom      ZoomConfig       `mapstructure:"zoom"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	Renderer  RendererConfig   `mapstructure:"renderer"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// CommandRPS throttles command submission per client; 0 disables it.
	CommandRPS   float64 `mapstructure:"command_rps"`
	CommandBurst int     `mapstructure:"command_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig governs the render driver and its progress poller.
type WorkerConfig struct {
	QueueCapacity     int           `mapstructure:"queue_capacity"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RepaintEvery      int           `mapstructure:"repaint_every"`
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`
}

// ZoomConfig tunes the automatic zoom-out sequence.
type ZoomConfig struct {
	Threshold float64       `mapstructure:"threshold"`
	Factor    float64       `mapstructure:"factor"`
	Debounce  time.Duration `mapstructure:"debounce"`
}

// ProgressConfig sizes the notification hub and UI subscriptions.
type ProgressConfig struct {
	BufferSize       int           `mapstructure:"buffer_size"`
	MaxBatchEvents   int           `mapstructure:"max_batch_events"`
	MaxBatchWait     time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout      time.Duration `mapstructure:"sink_timeout"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
}

// RendererConfig describes the initial view of the escape-time renderer.
type RendererConfig struct {
	Width           int     `mapstructure:"width"`
	Height          int     `mapstructure:"height"`
	MaxIterations   int     `mapstructure:"max_iterations"`
	Zoom            float64 `mapstructure:"zoom"`
	CenterRe        float64 `mapstructure:"center_re"`
	CenterIm        float64 `mapstructure:"center_im"`
	GlitchTolerance float64 `mapstructure:"glitch_tolerance"`
	Workers         int     `mapstructure:"workers"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEEPZOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.command_rps", 0)
	v.SetDefault("server.command_burst", 8)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "deepzoom")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("worker.queue_capacity", 16)
	v.SetDefault("worker.poll_interval", "10ms")
	v.SetDefault("worker.repaint_every", 50)
	v.SetDefault("worker.completion_timeout", "5s")
	v.SetDefault("zoom.threshold", 0.5)
	v.SetDefault("zoom.factor", 0.5)
	v.SetDefault("zoom.debounce", "100ms")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", "10ms")
	v.SetDefault("progress.sink_timeout", "2s")
	v.SetDefault("progress.subscriber_buffer", 64)
	v.SetDefault("renderer.width", 640)
	v.SetDefault("renderer.height", 360)
	v.SetDefault("renderer.max_iterations", 1024)
	v.SetDefault("renderer.zoom", 1.0)
	v.SetDefault("renderer.center_re", -0.75)
	v.SetDefault("renderer.center_im", 0.0)
	v.SetDefault("renderer.glitch_tolerance", 1e-6)
	v.SetDefault("renderer.workers", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Server.CommandRPS < 0 {
		errs = append(errs, errors.New("server.command_rps must be >= 0"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be in [0, 1]"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be > 0"))
	}
	if c.Worker.RepaintEvery <= 0 {
		errs = append(errs, errors.New("worker.repaint_every must be > 0"))
	}
	if c.Zoom.Threshold <= 0 {
		errs = append(errs, errors.New("zoom.threshold must be > 0"))
	}
	if c.Zoom.Factor <= 0 || c.Zoom.Factor >= 1 {
		errs = append(errs, errors.New("zoom.factor must be in (0, 1)"))
	}
	if c.Zoom.Debounce < 0 {
		errs = append(errs, errors.New("zoom.debounce must be >= 0"))
	}
	if c.Renderer.Width <= 0 || c.Renderer.Height <= 0 {
		errs = append(errs, errors.New("renderer.width and renderer.height must be > 0"))
	}
	if c.Renderer.MaxIterations <= 0 {
		errs = append(errs, errors.New("renderer.max_iterations must be > 0"))
	}
	if c.Renderer.Zoom <= 0 {
		errs = append(errs, errors.New("renderer.zoom must be > 0"))
	}
	if c.Renderer.Workers < 0 {
		errs = append(errs, errors.New("renderer.workers must be >= 0"))
	}
	return errors.Join(errs...)
}
