package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/chat"
	cfgpkg "github.com/KaramelBytes/dida-cli/internal/config"
	"github.com/KaramelBytes/dida-cli/internal/dataset"
	"github.com/KaramelBytes/dida-cli/internal/logger"
	"github.com/KaramelBytes/dida-cli/internal/operation"
	"github.com/KaramelBytes/dida-cli/internal/render"
	"github.com/KaramelBytes/dida-cli/internal/workspace"
)

var (
	// Global flags
	cfgFile string
	debug   bool
	// Backend/HTTP flags (override config if set)
	flagAPIURL           string
	flagStateDir         string
	flagHTTPTimeoutSec   int
	flagRetryMaxAttempts int
	flagRetryBaseDelayMs int
	flagRetryMaxDelayMs  int

	// Loaded configuration
	cfg *cfgpkg.Global
	log logger.Logger = logger.Nop()
)

var rootCmd = &cobra.Command{
	Use:           "dida",
	Short:         "DIDA CLI: AI-assisted data analysis from the terminal",
	Long:          `DIDA uploads a tabular dataset to the DIDA backend and drives its analysis, cleaning, feature engineering, chat, report, export and ML-prep operations. State is kept per workspace so consecutive commands share one session.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called by main.main()
func Execute() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = log.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "✗ Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(loadConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.dida/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&flagAPIURL, "api-url", "", "backend API base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "workspace state directory (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagHTTPTimeoutSec, "http-timeout", 0, "HTTP client timeout in seconds (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagRetryMaxAttempts, "retry-max", 0, "max attempts for read requests on 429/5xx (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagRetryBaseDelayMs, "retry-base-ms", 0, "base retry backoff in ms (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagRetryMaxDelayMs, "retry-max-ms", 0, "max retry backoff cap in ms (overrides config)")
}

func loadConfig() {
	c, err := cfgpkg.Load(cfgFile)
	if err != nil {
		// Non-fatal: allow running commands that don't need config
		fmt.Fprintf(os.Stderr, "⚠ Warning: failed to load config: %v\n", err)
		return
	}
	cfg = c

	// Apply CLI overrides if provided
	f := rootCmd.PersistentFlags()
	if f.Changed("api-url") && flagAPIURL != "" {
		cfg.APIURL = flagAPIURL
	}
	if f.Changed("state-dir") && flagStateDir != "" {
		cfg.StateDir = flagStateDir
	}
	if f.Changed("http-timeout") && flagHTTPTimeoutSec > 0 {
		cfg.HTTPTimeoutSec = flagHTTPTimeoutSec
	}
	if f.Changed("retry-max") && flagRetryMaxAttempts > 0 {
		cfg.RetryMaxAttempts = flagRetryMaxAttempts
	}
	if f.Changed("retry-base-ms") && flagRetryBaseDelayMs > 0 {
		cfg.RetryBaseDelayMs = flagRetryBaseDelayMs
	}
	if f.Changed("retry-max-ms") && flagRetryMaxDelayMs > 0 {
		cfg.RetryMaxDelayMs = flagRetryMaxDelayMs
	}

	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	log = logger.New(logger.Options{FilePath: cfg.LogFile, Level: level, Console: debug})
}

func ensureConfig() (*cfgpkg.Global, error) {
	if cfg != nil {
		return cfg, nil
	}
	c, err := cfgpkg.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg = c
	return cfg, nil
}

// openWorkspace builds the workspace from config and restores the saved
// snapshot for the current session.
func openWorkspace() (*workspace.Workspace, error) {
	c, err := ensureConfig()
	if err != nil {
		return nil, err
	}
	ws := workspace.New(workspace.Options{
		StateDir: c.StateDir,
		Client: api.Options{
			BaseURL:     c.APIURL,
			HTTPTimeout: time.Duration(c.HTTPTimeoutSec) * time.Second,
			RetryMax:    c.RetryMaxAttempts,
			BaseDelay:   time.Duration(c.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(c.RetryMaxDelayMs) * time.Millisecond,
		},
		Dataset: dataset.Options{
			PreviewRows:    c.PreviewRows,
			MaxUploadBytes: int64(c.MaxUploadMB) << 20,
		},
		Chat: chat.Options{
			HistoryTurns:  c.ChatHistoryTurns,
			HistoryTokens: c.ChatHistoryTokens,
			ResultRows:    c.ChatResultRows,
		},
		Logger: log,
	})
	if err := ws.Load(); err != nil {
		// Corrupt snapshot: continue with empty state.
		fmt.Fprintf(os.Stderr, "⚠ Warning: %v; starting with empty state\n", err)
	}
	if !ws.Identity.Persistent() {
		log.Warn("cmd", "session id is not persisted; state will not survive this process", nil)
	}
	return ws, nil
}

// withWorkspace opens the workspace, runs fn and saves the result, including
// the state left by a failed operation.
func withWorkspace(cmd *cobra.Command, fn func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	p := render.New(cmd.OutOrStdout())
	runErr := fn(cmd.Context(), ws, p)
	if err := ws.Save(); err != nil {
		p.Warn("could not save workspace: %v", err)
	}
	return runErr
}

// opError turns an operation failure into the user-facing error.
func opError(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, operation.ErrBusy):
		return fmt.Errorf("%s is already running", what)
	case errors.Is(err, operation.ErrDiscarded):
		return fmt.Errorf("%s result discarded because the dataset changed", what)
	case workspace.IsPrecondition(err):
		return err
	default:
		return fmt.Errorf("%s failed: %s", what, api.Message(err))
	}
}

// linker resolves backend download references against the configured API.
func linker(ws *workspace.Workspace) func(string) string {
	return func(ref string) string {
		u, err := ws.Client.ResolveURL(ref)
		if err != nil {
			return ref
		}
		return u
	}
}
