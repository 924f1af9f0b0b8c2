package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bryanchriswhite/PanoStreamer/internal/compositor"
	"github.com/bryanchriswhite/PanoStreamer/internal/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. PANOSTREAMER_SERVER_PORT.
const EnvPrefix = "PANOSTREAMER"

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/panostreamer/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "panostreamer", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	v := viper.New()
	setDefaults(v, Defaults())
	v.SetConfigFile(actualConfigPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{
		configPath: actualConfigPath,
		v:          v,
	}

	created := false
	if _, err := os.Stat(actualConfigPath); errors.Is(err, os.ErrNotExist) {
		logger.WithComponent("config").Info().
			Str("path", actualConfigPath).
			Msg("Config file not found, creating new config")
		created = true
	} else if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := m.Reload(); err != nil {
		return nil, err
	}
	if created {
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Str("projection", m.config.Compositor.Projection).
		Msg("Config loaded")
	return m, nil
}

// setDefaults registers every key so env and flag overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	c := d.Compositor
	v.SetDefault("compositor.projection", c.Projection)
	v.SetDefault("compositor.output_width", c.OutputWidth)
	v.SetDefault("compositor.output_height", c.OutputHeight)
	v.SetDefault("compositor.source_width", c.SourceWidth)
	v.SetDefault("compositor.source_height", c.SourceHeight)
	v.SetDefault("compositor.alpha_enabled", c.AlphaEnabled)
	v.SetDefault("compositor.roles", []int{})
	v.SetDefault("compositor.face_overlap", c.FaceOverlap)
	v.SetDefault("compositor.feather_curve", c.FeatherCurve)
	v.SetDefault("compositor.fov", c.FOV)
	v.SetDefault("compositor.max_frame_age", c.MaxFrameAge)
	v.SetDefault("compositor.max_in_flight", c.MaxInFlight)
	v.SetDefault("compositor.tick_interval", c.TickInterval)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("preview.enabled", d.Preview.Enabled)
	v.SetDefault("preview.width", d.Preview.Width)
	v.SetDefault("preview.fps", d.Preview.FPS)
	v.SetDefault("preview.quality", d.Preview.Quality)
	v.SetDefault("preview.hud", d.Preview.HUD)

	v.SetDefault("capture.enabled", d.Capture.Enabled)
	v.SetDefault("capture.pattern", d.Capture.Pattern)
	v.SetDefault("capture.fps", d.Capture.FPS)
	v.SetDefault("capture.workers", d.Capture.Workers)
	v.SetDefault("capture.shuffle", d.Capture.Shuffle)
	v.SetDefault("capture.drop_every", d.Capture.DropEvery)

	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_pretty", d.LogPretty)
}

// Reload rebuilds the configuration from viper's layers. Call it after
// binding flags through GetViper.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := m.decode()
	if err != nil {
		return err
	}
	m.config = cfg
	return nil
}

func (m *Manager) decode() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}
	return &cfg, nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	cfg.Compositor.Roles = append([]int(nil), m.config.Compositor.Roles...)
	return &cfg
}

// Compositor returns the compositor section as a compositor.Config
func (m *Manager) Compositor() (compositor.Config, error) {
	return m.Get().CompositorConfig()
}

// Value returns the raw value of a dotted key, e.g. "server.port".
func (m *Manager) Value(key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.v.IsSet(key) {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return m.v.Get(key), nil
}

// Set assigns a dotted key from its string form and validates the result.
// The change is kept in memory; call Save to persist it.
func (m *Manager) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.v.IsSet(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}
	old := m.v.Get(key)
	m.v.Set(key, value)

	cfg, err := m.decode()
	if err != nil {
		m.v.Set(key, old)
		return err
	}
	m.config = cfg
	return nil
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// GetViper exposes the underlying viper instance for flag binding
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
