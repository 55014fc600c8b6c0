package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"credman/internal/authflow"
	"credman/internal/credstore"
)

var (
	loginScopes []string
	loginDevice bool
	loginNoWeb  bool
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize and store a credential",
		Long: `Authorize against the configured provider and store the resulting
credential.

With a usable browser the loopback redirect flow is used; otherwise, or
with --device, the device flow prints a code to enter on another
machine.

Examples:
  credman login
  credman login --scopes read,write
  credman login --device`,
		RunE: runLogin,
	}
	cmd.Flags().StringSliceVar(&loginScopes, "scopes", nil, "scopes to request (defaults to the configured scopes)")
	cmd.Flags().BoolVar(&loginDevice, "device", false, "force the device flow")
	cmd.Flags().BoolVar(&loginNoWeb, "no-browser", false, "print the authorization URL instead of opening a browser")
	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if loginDevice {
		loadedCfg.Flow.ForceDevice = true
	}
	if loginNoWeb {
		loadedCfg.Flow.NoBrowser = true
	}

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	scopes := loginScopes
	if len(scopes) == 0 {
		scopes = a.cfg.Provider.Scopes
	}

	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	record, err := a.manager.Login(ctx, scopes, func(grant *authflow.PendingGrant) {
		printGrantInstructions(grant, a.cfg.Flow.NoBrowser)
		if !quiet {
			spin.Suffix = " Waiting for authorization..."
			spin.Start()
		}
	})
	spin.Stop()
	if err != nil {
		return err
	}

	printLoginResult(record, a.store)
	return nil
}

func printGrantInstructions(grant *authflow.PendingGrant, noBrowser bool) {
	switch grant.Flow {
	case authflow.FlowDevice:
		fmt.Println("To authorize this tool, on any device visit:")
		fmt.Printf("\n    %s\n\n", grant.VerificationURI)
		fmt.Printf("and enter the code: %s\n\n", grant.UserCode)
	default:
		if noBrowser {
			fmt.Println("Open this URL in a browser to authorize:")
			fmt.Printf("\n    %s\n\n", grant.AuthorizationURL)
		} else {
			fmt.Println("A browser window should have opened. If not, open:")
			fmt.Printf("\n    %s\n\n", grant.AuthorizationURL)
		}
	}
}

func printLoginResult(record *credstore.Record, store credstore.Store) {
	if !quiet {
		fmt.Println("Authorization complete.")
		if !record.ExpiresAt.IsZero() {
			fmt.Printf("Credential valid until %s.\n", record.ExpiresAt.Local().Format(time.RFC1123))
		}
	}
	if !store.Durable() {
		fmt.Println("Warning: no durable storage backend available, the credential is kept in memory only.")
	}
}
