package config

import (
	"fmt"
	"time"

	"github.com/bryanchriswhite/PanoStreamer/internal/capture"
	"github.com/bryanchriswhite/PanoStreamer/internal/compositor"
	"github.com/bryanchriswhite/PanoStreamer/internal/logger"
	"github.com/bryanchriswhite/PanoStreamer/internal/output"
	"github.com/bryanchriswhite/PanoStreamer/internal/projection"
)

// Config represents the application configuration
type Config struct {
	Compositor CompositorConfig `json:"compositor" yaml:"compositor" mapstructure:"compositor"`
	Server     ServerConfig     `json:"server" yaml:"server" mapstructure:"server"`
	Preview    PreviewConfig    `json:"preview" yaml:"preview" mapstructure:"preview"`
	Capture    CaptureConfig    `json:"capture" yaml:"capture" mapstructure:"capture"`
	LogLevel   string           `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty  bool             `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
}

// CompositorConfig is the file form of compositor.Config
type CompositorConfig struct {
	Projection   string        `json:"projection" yaml:"projection" mapstructure:"projection"`
	OutputWidth  int           `json:"output_width" yaml:"output_width" mapstructure:"output_width"`
	OutputHeight int           `json:"output_height" yaml:"output_height" mapstructure:"output_height"`
	SourceWidth  int           `json:"source_width" yaml:"source_width" mapstructure:"source_width"`
	SourceHeight int           `json:"source_height" yaml:"source_height" mapstructure:"source_height"`
	AlphaEnabled bool          `json:"alpha_enabled" yaml:"alpha_enabled" mapstructure:"alpha_enabled"`
	Roles        []int         `json:"roles,omitempty" yaml:"roles,omitempty" mapstructure:"roles"`
	FaceOverlap  float64       `json:"face_overlap" yaml:"face_overlap" mapstructure:"face_overlap"`
	FeatherCurve string        `json:"feather_curve" yaml:"feather_curve" mapstructure:"feather_curve"`
	FOV          float64       `json:"fov" yaml:"fov" mapstructure:"fov"`
	MaxFrameAge  time.Duration `json:"max_frame_age" yaml:"max_frame_age" mapstructure:"max_frame_age"`
	MaxInFlight  int           `json:"max_in_flight" yaml:"max_in_flight" mapstructure:"max_in_flight"`
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval" mapstructure:"tick_interval"`
}

// ServerConfig controls the HTTP API listener
type ServerConfig struct {
	Host string `json:"host" yaml:"host" mapstructure:"host"`
	Port int    `json:"port" yaml:"port" mapstructure:"port"`
}

// PreviewConfig controls the MJPEG preview output
type PreviewConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Width   int  `json:"width" yaml:"width" mapstructure:"width"`
	FPS     int  `json:"fps" yaml:"fps" mapstructure:"fps"`
	Quality int  `json:"quality" yaml:"quality" mapstructure:"quality"`
	HUD     bool `json:"hud" yaml:"hud" mapstructure:"hud"`
}

// CaptureConfig controls the synthetic tile driver
type CaptureConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Pattern   string `json:"pattern" yaml:"pattern" mapstructure:"pattern"`
	FPS       int    `json:"fps" yaml:"fps" mapstructure:"fps"`
	Workers   int    `json:"workers" yaml:"workers" mapstructure:"workers"`
	Shuffle   bool   `json:"shuffle" yaml:"shuffle" mapstructure:"shuffle"`
	DropEvery int    `json:"drop_every" yaml:"drop_every" mapstructure:"drop_every"`
}

// Defaults returns the configuration written to a new config file
func Defaults() *Config {
	c := compositor.DefaultConfig()
	return &Config{
		Compositor: CompositorConfig{
			Projection:   c.Projection.String(),
			OutputWidth:  c.OutputWidth,
			OutputHeight: c.OutputHeight,
			SourceWidth:  c.SourceWidth,
			SourceHeight: c.SourceHeight,
			AlphaEnabled: c.AlphaEnabled,
			FaceOverlap:  c.FaceOverlap,
			FeatherCurve: c.FeatherCurve.String(),
			FOV:          180,
			MaxFrameAge:  c.MaxFrameAge,
			MaxInFlight:  c.MaxInFlight,
			TickInterval: c.TickInterval,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Preview: PreviewConfig{
			Enabled: true,
			Width:   1024,
			FPS:     15,
			Quality: 80,
			HUD:     true,
		},
		Capture: CaptureConfig{
			Enabled: true,
			Pattern: capture.PatternSky.String(),
			FPS:     30,
			Shuffle: true,
		},
		LogLevel:  "info",
		LogPretty: true,
	}
}

// CompositorConfig converts the compositor section into a compositor.Config.
func (c *Config) CompositorConfig() (compositor.Config, error) {
	mode, err := projection.ParseMode(c.Compositor.Projection)
	if err != nil {
		return compositor.Config{}, err
	}
	curve, err := projection.ParseCurve(c.Compositor.FeatherCurve)
	if err != nil {
		return compositor.Config{}, err
	}
	var roles []projection.ViewRole
	for _, r := range c.Compositor.Roles {
		roles = append(roles, projection.ViewRole(r))
	}
	return compositor.Config{
		Projection:   mode,
		OutputWidth:  c.Compositor.OutputWidth,
		OutputHeight: c.Compositor.OutputHeight,
		SourceWidth:  c.Compositor.SourceWidth,
		SourceHeight: c.Compositor.SourceHeight,
		AlphaEnabled: c.Compositor.AlphaEnabled,
		Roles:        roles,
		FaceOverlap:  c.Compositor.FaceOverlap,
		FeatherCurve: curve,
		FOV:          c.Compositor.FOV,
		MaxFrameAge:  c.Compositor.MaxFrameAge,
		MaxInFlight:  c.Compositor.MaxInFlight,
		TickInterval: c.Compositor.TickInterval,
	}, nil
}

// OutputConfig returns the preview section as an output.Config
func (c *Config) OutputConfig() output.Config {
	return output.Config{
		Width:   c.Preview.Width,
		FPS:     c.Preview.FPS,
		Quality: c.Preview.Quality,
	}
}

// DriverConfig returns the capture section as a capture.DriverConfig
func (c *Config) DriverConfig() capture.DriverConfig {
	return capture.DriverConfig{
		FPS:       c.Capture.FPS,
		Workers:   c.Capture.Workers,
		Shuffle:   c.Capture.Shuffle,
		DropEvery: uint64(c.Capture.DropEvery),
	}
}

// Addr returns the listen address of the API server
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks every section for values the application cannot run with.
func (c *Config) Validate() error {
	cc, err := c.CompositorConfig()
	if err != nil {
		return fmt.Errorf("compositor: %w", err)
	}
	if err := cc.Validate(); err != nil {
		return fmt.Errorf("compositor: %w", err)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Preview.Width < 0 || c.Preview.FPS < 0 {
		return fmt.Errorf("preview: width and fps must not be negative")
	}
	if c.Preview.Quality < 0 || c.Preview.Quality > 100 {
		return fmt.Errorf("preview: quality must be in 0-100, got %d", c.Preview.Quality)
	}
	if _, err := capture.ParsePattern(c.Capture.Pattern); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if c.Capture.FPS < 0 || c.Capture.Workers < 0 || c.Capture.DropEvery < 0 {
		return fmt.Errorf("capture: fps, workers and drop_every must not be negative")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
