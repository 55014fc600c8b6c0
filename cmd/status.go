package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"auth-status"},
		Short:   "Show stored credentials and their lifecycle state",
		RunE:    runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	statuses, err := a.manager.Status()
	if err != nil {
		return err
	}

	backend := "memory (not durable)"
	if a.store.Durable() {
		backend = "durable"
	}
	fmt.Printf("Storage backend: %s\n\n", backend)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"SUBJECT", "STATE", "EXPIRES", "SCOPES"})
	for _, s := range statuses {
		t.AppendRow(table.Row{
			s.SubjectID,
			string(s.State),
			formatExpiry(s.ExpiresAt),
			strings.Join(s.Scopes, " "),
		})
	}
	t.Render()
	return nil
}

func formatExpiry(expiresAt time.Time) string {
	if expiresAt.IsZero() {
		return "-"
	}
	remaining := time.Until(expiresAt)
	if remaining < 0 {
		return "expired"
	}
	return fmt.Sprintf("%s (in %s)",
		expiresAt.Local().Format("2006-01-02 15:04"),
		remaining.Round(time.Minute))
}
