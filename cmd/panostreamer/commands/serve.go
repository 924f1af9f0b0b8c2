package commands

import (
	"context"
	"fmt"
	"image/color"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/PanoStreamer/internal/api"
	"github.com/bryanchriswhite/PanoStreamer/internal/capture"
	"github.com/bryanchriswhite/PanoStreamer/internal/compositor"
	"github.com/bryanchriswhite/PanoStreamer/internal/config"
	"github.com/bryanchriswhite/PanoStreamer/internal/logger"
	"github.com/bryanchriswhite/PanoStreamer/internal/output"
	"github.com/bryanchriswhite/PanoStreamer/internal/overlay"
	"github.com/bryanchriswhite/PanoStreamer/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the PanoStreamer server",
	Long: `Start the compositor together with the synthetic renderer, the MJPEG
preview and the HTTP API.

The server exposes stats, the projection plan and a websocket telemetry
stream under /api, and the live preview at /.`,
	Example: `  # Start server on default port (8080)
  panostreamer serve

  # Start server on custom port
  panostreamer serve --port 9090

  # Start with specific config file
  panostreamer serve --config /path/to/config.yaml

  # Start with debug logging
  panostreamer serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log := logger.WithComponent("serve")
	log.Info().Str("path", configMgr.GetConfigPath()).Msg("Configuration loaded")

	compCfg, err := cfg.CompositorConfig()
	if err != nil {
		return err
	}

	hub := telemetry.NewHub(256)
	router := output.NewRouter()
	comp, err := compositor.New(compCfg, router, compositor.WithReporter(hub))
	if err != nil {
		return fmt.Errorf("failed to create compositor: %w", err)
	}
	defer comp.Close()
	router.SetRecycler(comp.Recycle)
	router.OnDelivery(hub.RecordDelivery)

	var preview *output.MJPEGOutput
	if cfg.Preview.Enabled {
		var hud *overlay.Manager
		if cfg.Preview.HUD {
			if hud, err = newHUD(comp); err != nil {
				return fmt.Errorf("failed to create HUD: %w", err)
			}
		}
		preview = output.NewMJPEGOutput(cfg.OutputConfig(), hud)
		if err := router.Add(preview); err != nil {
			return err
		}
	}
	if err := router.StartAll(); err != nil {
		return fmt.Errorf("failed to start outputs: %w", err)
	}
	defer router.StopAll()

	driver, err := newDriver(cfg, comp)
	if err != nil {
		return err
	}

	server := api.NewServer(comp, hub, configMgr, preview, driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return comp.Run(ctx) })
	if driver != nil {
		g.Go(func() error { return driver.Run(ctx) })
	}
	g.Go(func() error { return server.Start(ctx, cfg.Addr()) })

	log.Info().
		Str("preview", "http://"+cfg.Addr()+"/").
		Str("api", "http://"+cfg.Addr()+"/api").
		Stringer("projection", compCfg.Projection).
		Msg("PanoStreamer is running, press Ctrl+C to stop")

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Shutting down gracefully")
	return nil
}

func newDriver(cfg *config.Config, comp *compositor.Compositor) (*capture.Driver, error) {
	if !cfg.Capture.Enabled {
		return nil, nil
	}
	pattern, err := capture.ParsePattern(cfg.Capture.Pattern)
	if err != nil {
		return nil, err
	}
	return capture.NewDriver(capture.NewSyntheticSource(pattern), comp, cfg.DriverConfig()), nil
}

// newHUD stamps compositor counters onto the preview.
func newHUD(comp *compositor.Compositor) (*overlay.Manager, error) {
	hud := overlay.NewManager()
	stats := overlay.NewDynamicTextWidget("stats", 8, 8, func() string {
		s := comp.Stats()
		return fmt.Sprintf("frame %d\ndelivered %d  abandoned %d\nin flight %d  held %d",
			s.LastDelivered, s.Delivered, s.Abandoned, s.InFlight, s.Held)
	})
	stats.SetBackground(&color.RGBA{0, 0, 0, 160})
	if err := hud.AddWidget(stats); err != nil {
		return nil, err
	}
	return hud, nil
}
