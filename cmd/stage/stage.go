package stage

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tphakala/psgscore/internal/annotation"
	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/scoring"
)

// Command creates the stage command, which labels stored epochs by hand.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "stage [recording-id] [epoch-start] [stage]",
		Short: "Set the stage of a stored epoch",
		Long:  "Relabel the epoch starting at epoch-start seconds in the stored annotation set of a recording.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return errors.New(fmt.Errorf("invalid epoch start %q: %w", args[1], err)).
					Component("cli").
					Category(errors.CategoryValidation).
					Build()
			}

			svc, err := scoring.Open(settings)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			err = svc.Update(cmd.Context(), args[0], func(tx *annotation.Tx) error {
				return tx.SetStage(start, args[2])
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: epoch at %gs set to %s\n", args[0], start, args[2])
			return err
		},
	}
}
