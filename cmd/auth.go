package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/KaramelBytes/dida-cli/internal/render"
	"github.com/KaramelBytes/dida-cli/internal/workspace"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the OpenAI key used by the backend for this session",
}

var authSetKeyCmd = &cobra.Command{
	Use:   "set-key [key]",
	Short: "Validate an OpenAI key and store it in the backend session",
	Long:  "Validate an OpenAI key and store it in the backend session. Without an argument the key is read from a masked prompt, or from stdin when it is not a terminal.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			k, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "OpenAI API key: ")
			if err != nil {
				return err
			}
			key = k
		}
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			res := ws.Auth.ValidateAndSetKey(ctx, key)
			if !res.Success {
				return fmt.Errorf("key not accepted: %s", res.Message)
			}
			if res.Model != "" {
				p.OK("%s (model: %s)", res.Message, res.Model)
			} else {
				p.OK("%s", res.Message)
			}
			return nil
		})
	},
}

var authRemoveKeyCmd = &cobra.Command{
	Use:   "remove-key",
	Short: "Remove the session key from the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			ws.Auth.RemoveKey(ctx)
			if msg := ws.Auth.LastError(); msg != "" {
				p.Warn("Backend did not confirm removal: %s", msg)
			}
			p.OK("Session key cleared")
			return nil
		})
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which API key the backend will use",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			ws.Auth.RefreshStatus(ctx)
			p.Auth(ws.Auth.Status(), ws.Auth.LastError())
			return nil
		})
	},
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, label)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authSetKeyCmd)
	authCmd.AddCommand(authRemoveKeyCmd)
	authCmd.AddCommand(authStatusCmd)
}
