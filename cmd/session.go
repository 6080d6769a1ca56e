package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/dida-cli/internal/render"
	"github.com/KaramelBytes/dida-cli/internal/workspace"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show or reset the workspace session",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the session id used for backend requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(_ context.Context, ws *workspace.Workspace, p *render.Printer) error {
			p.Line("session_id: %s", ws.SessionID())
			if ws.Identity.Persistent() {
				p.Line("state_dir: %s", cfg.StateDir)
			} else {
				p.Warn("session id is held in memory only")
			}
			return nil
		})
	},
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the session and all local state; the next command starts a new one",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := openWorkspace()
		if err != nil {
			return err
		}
		old := ws.SessionID()
		if err := ws.ResetSession(); err != nil {
			return err
		}
		render.New(cmd.OutOrStdout()).OK("Session %s discarded", old)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionResetCmd)
}
