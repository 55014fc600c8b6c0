package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	tokenScopes []string
	tokenRenew  bool
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a valid access secret for scripts",
		Long: `Print a valid access secret on stdout, renewing it first if needed.

The command never starts an interactive flow: when authorization is
required it fails with exit code 1 so wrapping scripts can tell the
user to run ` + "`credman login`" + `.

Use --renew when the resource server rejected the last printed secret
even though it had not expired; the credential is renewed before
printing.

Example:
  curl -H "Authorization: Bearer $(credman token)" https://api.example.com/`,
		RunE: runToken,
	}
	cmd.Flags().StringSliceVar(&tokenScopes, "scopes", nil, "scopes the credential must cover (defaults to the configured scopes)")
	cmd.Flags().BoolVar(&tokenRenew, "renew", false, "renew first, after the resource server rejected the current secret")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	scopes := tokenScopes
	if len(scopes) == 0 {
		scopes = a.cfg.Provider.Scopes
	}

	if tokenRenew {
		if _, err := a.manager.OnReactiveFailure(cmd.Context()); err != nil {
			return err
		}
	}

	record, err := a.manager.Acquire(cmd.Context(), scopes)
	if err != nil {
		return err
	}

	// The secret goes to stdout alone; everything else in this
	// process logs to stderr.
	fmt.Fprintln(cmd.OutOrStdout(), record.AccessSecret.Value())
	return nil
}
