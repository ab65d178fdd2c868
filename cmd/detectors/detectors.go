package detectors

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/detector"
)

// Command creates the detectors command listing algorithms and presets.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "detectors",
		Short: "List detector algorithms and configured presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()

			fmt.Fprintln(w, "Algorithms:")
			for _, info := range detector.DefaultRegistry().List() {
				fmt.Fprintf(w, "  %-16s version=%-6s min_window=%gs min_channels=%d\n",
					info.Name, info.Version, info.MinWindow, info.MinChannels)
			}

			names := make([]string, 0, len(settings.Detectors))
			for name := range settings.Detectors {
				names = append(names, name)
			}
			slices.Sort(names)

			fmt.Fprintln(w, "Presets:")
			for _, name := range names {
				cfg := settings.Detectors[name]
				fmt.Fprintf(w, "  %-16s algorithm=%-12s channels=%v window=%gs overlap=%gs\n",
					name, cfg.Algorithm, cfg.Channels, cfg.Window, cfg.Overlap)
			}
			return nil
		},
	}
}
