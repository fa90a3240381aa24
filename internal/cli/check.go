package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aaronromeo/mailrelay/internal/config"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print it with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), config.Summary(cfg))
			dump, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "---")
			fmt.Fprint(cmd.OutOrStdout(), string(dump))

			connect, err := cmd.Flags().GetBool("connect")
			if err != nil || !connect {
				return err
			}

			ctx := commandContext(cmd)
			rt, err := setup(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.app.Loop.Connect(ctx); err != nil {
				return err
			}
			rt.app.Loop.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "IMAP login to %s ok\n", cfg.Email.IMAPAddr())
			return nil
		},
	}
	cmd.Flags().Bool("connect", false, "Also log in to the IMAP server")
	return cmd
}
