package cmd

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/render"
	"github.com/KaramelBytes/dida-cli/internal/utils"
	"github.com/KaramelBytes/dida-cli/internal/workspace"
)

var (
	statusRefresh bool
	downloadOut   string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session, key, dataset and operation state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			if statusRefresh {
				ws.Auth.RefreshStatus(ctx)
			}
			p.Heading("Session")
			p.Line("  %s", ws.SessionID())
			p.Heading("API key")
			p.Auth(ws.Auth.Status(), ws.Auth.LastError())
			p.Heading("Dataset")
			p.Descriptor(ws.Dataset.Current())
			if msg := ws.Dataset.LastError(); msg != "" {
				p.Fail("Last upload failed: %s", msg)
			}
			p.Heading("Operations")
			render.Operation(p, "analysis", ws.Analysis.Snapshot(), ws.Analysis.Busy())
			render.Operation(p, "cleaning", ws.Cleaning.Snapshot(), ws.Cleaning.Busy())
			render.Operation(p, "feature engineering", ws.Features.Snapshot(), ws.Features.Busy())
			render.Operation(p, "report", ws.Report.Snapshot(), ws.Report.Busy())
			render.Operation(p, "ml-prep", ws.MLPrep.Snapshot(), ws.MLPrep.Busy())
			render.Operation(p, "export", ws.Export.Snapshot(), ws.Export.Busy())
			p.Heading("Chat")
			p.Line("  %d messages", len(ws.Chat.Transcript()))
			if msg := ws.Chat.Err(); msg != "" {
				p.Fail("Last message failed: %s", msg)
			}
			return nil
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <file|url>",
	Short: "Download an export, report or ML-prep artifact",
	Long:  "Download an artifact by file name (looked up in this session's export directory) or by the link printed by report, export or ml-prep.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			ref := args[0]
			if !strings.Contains(ref, "/") {
				ref = ws.Client.DownloadRef(ref)
			}
			dest := downloadOut
			if dest == "" {
				dest = path.Base(ref)
			}
			if err := utils.EnsureDir(filepath.Dir(dest)); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
			tmp := dest + ".part"
			f, err := os.Create(tmp)
			if err != nil {
				return fmt.Errorf("create %s: %w", tmp, err)
			}
			n, err := ws.Client.Download(ctx, ref, f)
			closeErr := f.Close()
			if err != nil {
				_ = os.Remove(tmp)
				return fmt.Errorf("download failed: %s", api.Message(err))
			}
			if closeErr != nil {
				_ = os.Remove(tmp)
				return fmt.Errorf("write %s: %w", dest, closeErr)
			}
			if err := os.Rename(tmp, dest); err != nil {
				return fmt.Errorf("rename: %w", err)
			}
			p.OK("Saved %s (%d bytes)", dest, n)
			return nil
		})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the backend is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := openWorkspace()
		if err != nil {
			return err
		}
		h, err := ws.Client.Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("backend at %s: %s", ws.Client.BaseURL(), api.Message(err))
		}
		render.New(cmd.OutOrStdout()).OK("Backend %s is %s", ws.Client.BaseURL(), h.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, downloadCmd, pingCmd)
	statusCmd.Flags().BoolVar(&statusRefresh, "refresh", false, "refresh the key status from the backend first")
	downloadCmd.Flags().StringVarP(&downloadOut, "output", "o", "", "output path (default: file name in the current directory)")
}
