package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aaronromeo/mailrelay/internal/credential"
)

var storeCredential = credential.Set

func newKeyringCmd() *cobra.Command {
	keyringCmd := &cobra.Command{
		Use:   "keyring",
		Short: "Manage the mailbox password in the OS keyring",
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store a password read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, _ := cmd.Flags().GetString("service")
			account, _ := cmd.Flags().GetString("account")
			if strings.TrimSpace(service) == "" || strings.TrimSpace(account) == "" {
				return errors.New("--service and --account are required")
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s: ", account)
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading password: %w", err)
			}
			secret := strings.TrimRight(line, "\r\n")
			if secret == "" {
				return errors.New("password is empty")
			}

			if err := storeCredential(service, account, secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored password for %s in keyring %q\n", account, service)
			return nil
		},
	}
	setCmd.Flags().String("service", "mailrelay", "Keyring service name (email.password_keyring)")
	setCmd.Flags().String("account", "", "Account name, usually email.username")

	keyringCmd.AddCommand(setCmd)
	return keyringCmd
}
