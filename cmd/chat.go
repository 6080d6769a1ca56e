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

var (
	chatShowHistory bool
	chatClear       bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Ask questions about the current dataset",
	Long:  "Ask one question, or start an interactive session when no message is given. In the interactive session /history prints the transcript, /clear empties it and /exit quits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			if chatClear {
				ws.Chat.Clear()
				p.OK("Conversation cleared")
				return nil
			}
			if chatShowHistory {
				printTranscript(ws, p)
				return nil
			}
			if len(args) > 0 {
				return ask(ctx, ws, p, strings.Join(args, " "))
			}
			return chatLoop(ctx, ws, p, cmd.InOrStdin(), cmd.OutOrStdout())
		})
	},
}

func ask(ctx context.Context, ws *workspace.Workspace, p *render.Printer, text string) error {
	turn, err := ws.Ask(ctx, text)
	if err != nil {
		if workspace.IsPrecondition(err) {
			return err
		}
		if draft := ws.Chat.Draft(); draft != "" {
			return fmt.Errorf("chat failed: %s (message not sent: %q)", ws.Chat.Err(), draft)
		}
		return opError("chat", err)
	}
	if turn != nil {
		p.Turn(*turn)
	}
	return nil
}

func chatLoop(ctx context.Context, ws *workspace.Workspace, p *render.Printer, in io.Reader, out io.Writer) error {
	interactive := false
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		interactive = true
	}
	if interactive {
		p.Line("Ask about your data. /history, /clear, /exit")
	}
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	lines, scanErr := readLines(readCtx, in)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if interactive {
			if d := ws.Chat.Draft(); d != "" {
				p.Line("(last unsent message: %s)", d)
			}
			fmt.Fprint(out, "> ")
		}
		var raw string
		select {
		case <-ctx.Done():
			if interactive {
				fmt.Fprintln(out)
			}
			return nil
		case l, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			raw = l
		}
		line := strings.TrimSpace(raw)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/history":
			printTranscript(ws, p)
			continue
		case "/clear":
			ws.Chat.Clear()
			p.OK("Conversation cleared")
			continue
		}
		if err := ask(ctx, ws, p, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.Fail("%v", err)
			if !interactive {
				return err
			}
		}
		if err := ws.Save(); err != nil {
			p.Warn("could not save workspace: %v", err)
		}
	}
}

// readLines scans in on its own goroutine so the caller can stop waiting
// when ctx is cancelled. The error channel receives once before lines closes.
func readLines(ctx context.Context, in io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
		errc <- sc.Err()
	}()
	return lines, errc
}

func printTranscript(ws *workspace.Workspace, p *render.Printer) {
	turns := ws.Chat.Transcript()
	if len(turns) == 0 {
		p.Line("No messages yet")
		return
	}
	for _, t := range turns {
		p.Turn(t)
	}
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().BoolVar(&chatShowHistory, "history", false, "print the transcript and exit")
	chatCmd.Flags().BoolVar(&chatClear, "clear", false, "clear the transcript and exit")
}
