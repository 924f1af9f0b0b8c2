package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/PanoStreamer/internal/config"
	"github.com/bryanchriswhite/PanoStreamer/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "panostreamer",
		Short: "PanoStreamer - Stitch per-view renders into 360 and 180 panoramas",
		Long: `PanoStreamer assembles tiles rendered from several virtual cameras into
equirectangular or 180 degree fisheye frames and delivers them in strict
frame order.

Features:
  • Cube face layout with feathered seams
  • Out-of-order, concurrent tile submission
  • Timeouts and bounded memory for stalled frames
  • MJPEG preview with a stats HUD
  • REST API and websocket telemetry
  • Synthetic renderer for testing and benchmarks`,
		SilenceUsage: true,
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/panostreamer/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config file, layers the global flags over it and
// configures logging.
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Bind flags to viper
	v := configMgr.GetViper()
	if err := v.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		return nil, err
	}
	if err := configMgr.Reload(); err != nil {
		return nil, err
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, nil
}
