package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored credential",
		Long: `Remove the stored credential for the configured provider. The grant
at the provider is not revoked; only the local copy is forgotten.`,
		RunE: runLogout,
	}
}

func runLogout(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager.Revoke(); err != nil {
		return err
	}
	fmt.Println("Credential removed.")
	return nil
}
