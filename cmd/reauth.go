package cmd

import (
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"credman/internal/authflow"
)

var reauthScopes []string

func newReauthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reauth",
		Short: "Re-authorize after denial, revocation, or scope changes",
		Long: `Run a fresh authorization, keeping every scope the stored credential
already has. Use this when a command exited with "authorization
required", or to add scopes with --scopes.`,
		RunE: runReauth,
	}
	cmd.Flags().StringSliceVar(&reauthScopes, "scopes", nil, "additional scopes to request")
	return cmd
}

func runReauth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	extra := reauthScopes
	if len(extra) == 0 {
		extra = a.cfg.Provider.Scopes
	}

	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	record, err := a.manager.Reauth(ctx, extra, func(grant *authflow.PendingGrant) {
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
