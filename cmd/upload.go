package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/dataset"
	"github.com/KaramelBytes/dida-cli/internal/render"
	"github.com/KaramelBytes/dida-cli/internal/workspace"
)

var (
	pasteDelimiter string
	pasteNoHeader  bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a CSV, TSV or Excel file as the session dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			d, err := ws.UploadFile(ctx, args[0])
			if err != nil {
				return uploadError(err)
			}
			p.OK("Uploaded %s: %d rows, %d columns", d.Name, d.Rows, d.Columns)
			p.Descriptor(d)
			return nil
		})
	},
}

var pasteCmd = &cobra.Command{
	Use:   "paste [file|-]",
	Short: "Upload delimited text from a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var src io.Reader = cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer f.Close()
			src = f
		}
		b, err := io.ReadAll(src)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		delim := pasteDelimiter
		if delim == "tab" || delim == `\t` {
			delim = "\t"
		}
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			d, err := ws.UploadPastedText(ctx, string(b), delim, !pasteNoHeader)
			if err != nil {
				return uploadError(err)
			}
			p.OK("Uploaded pasted data: %d rows, %d columns", d.Rows, d.Columns)
			p.Descriptor(d)
			return nil
		})
	},
}

func uploadError(err error) error {
	if errors.Is(err, dataset.ErrBusy) {
		return err
	}
	return fmt.Errorf("upload failed: %s", api.Message(err))
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(pasteCmd)
	pasteCmd.Flags().StringVar(&pasteDelimiter, "delimiter", ",", "field delimiter (use 'tab' for TSV)")
	pasteCmd.Flags().BoolVar(&pasteNoHeader, "no-header", false, "first line is data, not column names")
}
