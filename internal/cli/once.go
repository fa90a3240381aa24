package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single poll cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			rt, err := setup(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			result, err := rt.app.RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "matched=%d sent=%d skipped=%d failed=%d\n",
				result.Matched, result.Sent, result.Skipped, result.Failed)
			return err
		},
	}
}
