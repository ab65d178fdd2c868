package sets

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/scoring"
)

// Command creates the sets command and its delete subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sets",
		Short: "List stored annotation sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := scoring.Open(settings)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			summaries, err := svc.StoredSets(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, s := range summaries {
				if _, err := fmt.Fprintf(w, "%-24s rater=%-12s version=%-6d epochs=%-6d events=%-6d updated=%s\n",
					s.RecordingID, s.Rater, s.Version, s.Epochs, s.Events, s.UpdatedAt.Format("2006-01-02 15:04:05")); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [recording-id]",
		Short: "Delete a stored annotation set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := scoring.Open(settings)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()
			return svc.DeleteSet(cmd.Context(), args[0])
		},
	})

	return cmd
}
