package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/bryanchriswhite/PanoStreamer/internal/projection"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Build the projection plan and show coverage",
	Long: `Build the projection plan for the configured compositor and print how
many panorama pixels each view role contributes to.`,
	Example: `  # Coverage of the configured projection
  panostreamer plan

  # Try the fisheye projection without changing the config file
  panostreamer plan --projection mono180 --width 1024 --height 1024`,
	RunE: runPlan,
}

var (
	planFormat     string
	planProjection string
	planWidth      int
	planHeight     int
)

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().StringVarP(&planFormat, "format", "f", "table", "output format (table or json)")
	planCmd.Flags().StringVar(&planProjection, "projection", "", "override the projection (equirectangular or mono180)")
	planCmd.Flags().IntVar(&planWidth, "width", 0, "override the output width")
	planCmd.Flags().IntVar(&planHeight, "height", 0, "override the output height")
}

func runPlan(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	compCfg, err := configMgr.Compositor()
	if err != nil {
		return err
	}

	if planProjection != "" {
		mode, err := projection.ParseMode(planProjection)
		if err != nil {
			return err
		}
		compCfg.Projection = mode
		compCfg.Roles = nil
	}
	if planWidth > 0 {
		compCfg.OutputWidth = planWidth
	}
	if planHeight > 0 {
		compCfg.OutputHeight = planHeight
	}

	start := time.Now()
	plan, err := projection.Build(compCfg.Spec())
	if err != nil {
		return fmt.Errorf("failed to build plan: %w", err)
	}
	elapsed := time.Since(start)

	spec := plan.Spec()
	coverage := plan.Coverage()

	if planFormat == "json" {
		roles := make(map[string]int, len(coverage))
		for role, n := range coverage {
			roles[role.String()] = n
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(map[string]any{
			"projection": spec.Mode.String(),
			"width":      spec.Width,
			"height":     spec.Height,
			"covered":    plan.CoveredPixels(),
			"roles":      roles,
			"build_ms":   elapsed.Milliseconds(),
		})
	}

	total := spec.Width * spec.Height
	fmt.Printf("%s %dx%d from %dx%d tiles, built in %v\n\n",
		spec.Mode, spec.Width, spec.Height, spec.SourceWidth, spec.SourceHeight, elapsed.Round(time.Millisecond))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tPIXELS\tSHARE")
	fmt.Fprintln(w, "----\t------\t-----")
	for _, role := range plan.Roles() {
		n := coverage[role]
		fmt.Fprintf(w, "%s\t%d\t%.1f%%\n", role, n, 100*float64(n)/float64(total))
	}
	w.Flush()

	fmt.Printf("\nCovered: %d of %d pixels\n", plan.CoveredPixels(), total)
	return nil
}
