package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/render"
	"github.com/KaramelBytes/dida-cli/internal/workspace"
)

var (
	cleanPrefs []string
	cleanRules []string

	featTarget       string
	featInstructions string
	featNoAuto       bool

	reportFormat string
	reportNoViz  bool

	exportFormats  []string
	exportOriginal bool

	mlTarget   string
	mlTestSize float64
	mlSeed     int
	mlScaling  string
	mlEncoding string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the AI analysis of the current dataset",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			res, err := ws.Analyze(ctx)
			if err != nil {
				return opError("analysis", err)
			}
			p.Analysis(res)
			return nil
		})
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean the dataset; the cleaned data replaces the current dataset",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefs, err := parseKeyValues(cleanPrefs)
		if err != nil {
			return fmt.Errorf("--pref: %w", err)
		}
		rules, err := parseKeyValues(cleanRules)
		if err != nil {
			return fmt.Errorf("--rule: %w", err)
		}
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			res, err := ws.Clean(ctx, api.CleanRequest{UserPreferences: prefs, DomainRules: rules})
			if err != nil {
				return opError("cleaning", err)
			}
			p.Cleaning(res)
			return nil
		})
	},
}

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Engineer new features; the widened data replaces the current dataset",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.FeatureRequest{TargetColumn: featTarget, AutoEngineer: !featNoAuto, Instructions: featInstructions}
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			res, err := ws.EngineerFeatures(ctx, req)
			if err != nil {
				return opError("feature engineering", err)
			}
			p.Features(res)
			return nil
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a report of the current dataset",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch reportFormat {
		case "pdf", "html", "both":
		default:
			return fmt.Errorf("invalid --format: %s (use pdf, html or both)", reportFormat)
		}
		req := api.ReportRequest{Format: reportFormat, IncludeVisualizations: !reportNoViz}
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			res, err := ws.GenerateReport(ctx, req)
			if err != nil {
				return opError("report", err)
			}
			p.Report(res, linker(ws))
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the current dataset in one or more formats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.ExportRequest{Formats: exportFormats, IncludeOriginal: exportOriginal}
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			res, err := ws.ExportData(ctx, req)
			if err != nil {
				return opError("export", err)
			}
			p.Export(res, linker(ws))
			return nil
		})
	},
}

var mlPrepCmd = &cobra.Command{
	Use:   "ml-prep",
	Short: "Encode, scale and split the dataset for model training",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := workspace.DefaultMLPrep(mlTarget)
		if cmd.Flags().Changed("test-size") {
			req.TestSize = mlTestSize
		}
		if cmd.Flags().Changed("random-state") {
			req.RandomState = mlSeed
		}
		if mlScaling != "" {
			req.ScalingStrategy = mlScaling
		}
		if mlEncoding != "" {
			req.EncodingStrategy = mlEncoding
		}
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace, p *render.Printer) error {
			res, err := ws.PrepareML(ctx, req)
			if err != nil {
				return opError("ML preparation", err)
			}
			p.MLPrep(res, linker(ws))
			return nil
		})
	},
}

// parseKeyValues turns key=value pairs into a map. Values are decoded as YAML
// scalars so numbers and booleans keep their type.
func parseKeyValues(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", kv)
		}
		var val any
		if err := yaml.Unmarshal([]byte(v), &val); err != nil || val == nil {
			val = v
		}
		out[k] = val
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(analyzeCmd, cleanCmd, featuresCmd, reportCmd, exportCmd, mlPrepCmd)

	cleanCmd.Flags().StringArrayVar(&cleanPrefs, "pref", nil, "cleaning preference key=value (repeatable)")
	cleanCmd.Flags().StringArrayVar(&cleanRules, "rule", nil, "domain rule key=value (repeatable)")

	featuresCmd.Flags().StringVar(&featTarget, "target", "", "target column to engineer features for")
	featuresCmd.Flags().StringVar(&featInstructions, "instructions", "", "free-text guidance for the feature engineer")
	featuresCmd.Flags().BoolVar(&featNoAuto, "no-auto", false, "only apply the given instructions")

	reportCmd.Flags().StringVar(&reportFormat, "format", "pdf", "report format: pdf|html|both")
	reportCmd.Flags().BoolVar(&reportNoViz, "no-viz", false, "omit visualizations")

	exportCmd.Flags().StringSliceVar(&exportFormats, "format", []string{"csv"}, "export formats (csv,xlsx,json,parquet)")
	exportCmd.Flags().BoolVar(&exportOriginal, "include-original", false, "also export the original upload")

	mlPrepCmd.Flags().StringVar(&mlTarget, "target", "", "target column (required)")
	mlPrepCmd.Flags().Float64Var(&mlTestSize, "test-size", 0.2, "fraction of rows held out for testing")
	mlPrepCmd.Flags().IntVar(&mlSeed, "random-state", 42, "random seed for the split")
	mlPrepCmd.Flags().StringVar(&mlScaling, "scaling", "", "scaling strategy (default standard)")
	mlPrepCmd.Flags().StringVar(&mlEncoding, "encoding", "", "encoding strategy (default auto)")
}
