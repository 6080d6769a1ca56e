package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	cfgpkg "github.com/KaramelBytes/dida-cli/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or set DIDA configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "No config loaded")
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "api_url: %s\n", cfg.APIURL)
		fmt.Fprintf(out, "http_timeout_sec: %d\n", cfg.HTTPTimeoutSec)
		fmt.Fprintf(out, "retry_max_attempts: %d\n", cfg.RetryMaxAttempts)
		fmt.Fprintf(out, "retry_base_delay_ms: %d\n", cfg.RetryBaseDelayMs)
		fmt.Fprintf(out, "retry_max_delay_ms: %d\n", cfg.RetryMaxDelayMs)
		fmt.Fprintf(out, "state_dir: %s\n", cfg.StateDir)
		fmt.Fprintf(out, "preview_rows: %d\n", cfg.PreviewRows)
		fmt.Fprintf(out, "max_upload_mb: %d\n", cfg.MaxUploadMB)
		fmt.Fprintf(out, "chat_history_turns: %d\n", cfg.ChatHistoryTurns)
		fmt.Fprintf(out, "chat_history_tokens: %d\n", cfg.ChatHistoryTokens)
		fmt.Fprintf(out, "chat_result_rows: %d\n", cfg.ChatResultRows)
		fmt.Fprintf(out, "log_file: %s\n", cfg.LogFile)
		fmt.Fprintf(out, "log_level: %s\n", cfg.LogLevel)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value and save to disk",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, val := args[0], args[1]
		if cfg == nil {
			c, err := cfgpkg.Load(cfgFile)
			if err != nil {
				return err
			}
			cfg = c
		}
		positive := func(dst *int) error {
			i, err := strconv.Atoi(val)
			if err != nil || i <= 0 {
				return fmt.Errorf("invalid positive int for %s: %v", key, val)
			}
			*dst = i
			return nil
		}
		var err error
		switch key {
		case "api_url":
			if !strings.HasPrefix(val, "http://") && !strings.HasPrefix(val, "https://") {
				return fmt.Errorf("invalid api_url: %s (must start with http:// or https://)", val)
			}
			cfg.APIURL = strings.TrimRight(val, "/")
		case "http_timeout_sec":
			err = positive(&cfg.HTTPTimeoutSec)
		case "retry_max_attempts":
			err = positive(&cfg.RetryMaxAttempts)
		case "retry_base_delay_ms":
			err = positive(&cfg.RetryBaseDelayMs)
		case "retry_max_delay_ms":
			err = positive(&cfg.RetryMaxDelayMs)
		case "state_dir":
			cfg.StateDir = val
		case "preview_rows":
			err = positive(&cfg.PreviewRows)
		case "max_upload_mb":
			err = positive(&cfg.MaxUploadMB)
		case "chat_history_turns":
			err = positive(&cfg.ChatHistoryTurns)
		case "chat_history_tokens":
			err = positive(&cfg.ChatHistoryTokens)
		case "chat_result_rows":
			err = positive(&cfg.ChatResultRows)
		case "log_file":
			cfg.LogFile = val
		case "log_level":
			switch val {
			case "debug", "info", "warn", "error":
				cfg.LogLevel = val
			default:
				return fmt.Errorf("invalid log_level: %s (use debug|info|warn|error)", val)
			}
		default:
			return fmt.Errorf("unknown key: %s", key)
		}
		if err != nil {
			return err
		}
		if err := cfgpkg.Save(cfg, cfgFile); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Saved config")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
