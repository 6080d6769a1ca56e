// Package workspace is the explicit application context: it owns the session
// identity, the api client and every piece of client-side state, and applies
// the invalidation rules between them.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/auth"
	"github.com/KaramelBytes/dida-cli/internal/chat"
	"github.com/KaramelBytes/dida-cli/internal/dataset"
	"github.com/KaramelBytes/dida-cli/internal/logger"
	"github.com/KaramelBytes/dida-cli/internal/operation"
	"github.com/KaramelBytes/dida-cli/internal/session"
)

// Options configures New.
type Options struct {
	// StateDir holds the session id and the workspace snapshot. Empty keeps
	// everything in memory.
	StateDir string
	Client   api.Options
	Dataset  dataset.Options
	Chat     chat.Options
	Logger   logger.Logger
	// Store overrides the session store built from StateDir.
	Store session.Store
}

// Workspace wires one session's state together.
type Workspace struct {
	log      logger.Logger
	stateDir string

	Identity *session.Identity
	Client   *api.Client
	Auth     *auth.State
	Dataset  *dataset.State
	Chat     *chat.Session

	Analysis *operation.Runner[api.AnalysisResponse]
	Cleaning *operation.Runner[api.CleaningResponse]
	Features *operation.Runner[api.FeatureResponse]
	Report   *operation.Runner[api.ReportResponse]
	MLPrep   *operation.Runner[api.MLPrepResponse]
	Export   *operation.Runner[api.ExportResponse]
}

// resetter is the type-erased view of a runner.
type resetter interface {
	Name() string
	Reset()
}

func New(opts Options) *Workspace {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	store := opts.Store
	if store == nil && opts.StateDir != "" {
		store = session.NewFileStore(opts.StateDir)
	}
	id := session.NewIdentity(store, log)

	copts := opts.Client
	copts.Logger = log
	client := api.NewClient(copts, id)

	w := &Workspace{
		log:      log,
		stateDir: opts.StateDir,
		Identity: id,
		Client:   client,
		Auth:     auth.New(client, log),
		Dataset:  dataset.New(client, opts.Dataset, log),
		Chat:     chat.New(client, opts.Chat, log),
		Analysis: operation.NewRunner[api.AnalysisResponse]("analysis", log),
		Cleaning: operation.NewRunner[api.CleaningResponse]("cleaning", log),
		Features: operation.NewRunner[api.FeatureResponse]("feature-engineering", log),
		Report:   operation.NewRunner[api.ReportResponse]("report", log),
		MLPrep:   operation.NewRunner[api.MLPrepResponse]("ml-prep", log),
		Export:   operation.NewRunner[api.ExportResponse]("export", log),
	}
	w.Dataset.OnReplace(w.invalidate)
	return w
}

func (w *Workspace) runners() []resetter {
	return []resetter{w.Analysis, w.Cleaning, w.Features, w.Report, w.MLPrep, w.Export}
}

// invalidate applies the cascade for a descriptor replacement. A new upload
// clears everything derived from the old data, the chat included. A
// clean/feature replacement keeps its own result and the conversation.
func (w *Workspace) invalidate(src dataset.Source) {
	var keep resetter
	switch src {
	case dataset.SourceClean:
		keep = w.Cleaning
	case dataset.SourceFeatures:
		keep = w.Features
	}
	for _, r := range w.runners() {
		if r != keep {
			r.Reset()
		}
	}
	if keep == nil {
		w.Chat.Clear()
	}
	w.log.Debug("workspace", "invalidated derived state", map[string]any{"source": string(src)})
}

// requireDataset is the precondition shared by every dataset-bound operation.
func (w *Workspace) requireDataset() error {
	if !w.Dataset.Loaded() {
		return &operation.PreconditionError{Reason: dataset.ErrNoDataset.Error()}
	}
	return nil
}

// SessionID returns the workspace session id, creating it if needed.
func (w *Workspace) SessionID() string { return w.Identity.GetOrCreate() }

func (w *Workspace) UploadFile(ctx context.Context, path string) (*dataset.Descriptor, error) {
	return w.Dataset.UploadFile(ctx, path)
}

func (w *Workspace) UploadPastedText(ctx context.Context, text, delimiter string, hasHeader bool) (*dataset.Descriptor, error) {
	return w.Dataset.UploadPastedText(ctx, text, delimiter, hasHeader)
}

// Analyze runs the AI analysis of the current dataset.
func (w *Workspace) Analyze(ctx context.Context) (*api.AnalysisResponse, error) {
	return w.Analysis.Run(ctx, w.requireDataset, w.Client.Analyze)
}

// Clean runs cleaning and, on success, makes the cleaned data the live
// descriptor.
func (w *Workspace) Clean(ctx context.Context, req api.CleanRequest) (*api.CleaningResponse, error) {
	res, err := w.Cleaning.Run(ctx, w.requireDataset, func(ctx context.Context) (*api.CleaningResponse, error) {
		return w.Client.Clean(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if prev := w.Dataset.Current(); prev != nil {
		w.Dataset.Replace(cleanedDescriptor(*prev, res), dataset.SourceClean)
	}
	return res, nil
}

// EngineerFeatures runs feature engineering and replaces the descriptor with
// the widened dataset.
func (w *Workspace) EngineerFeatures(ctx context.Context, req api.FeatureRequest) (*api.FeatureResponse, error) {
	res, err := w.Features.Run(ctx, w.requireDataset, func(ctx context.Context) (*api.FeatureResponse, error) {
		return w.Client.EngineerFeatures(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if prev := w.Dataset.Current(); prev != nil {
		w.Dataset.Replace(engineeredDescriptor(*prev, res), dataset.SourceFeatures)
	}
	return res, nil
}

func (w *Workspace) GenerateReport(ctx context.Context, req api.ReportRequest) (*api.ReportResponse, error) {
	if req.Format == "" {
		req.Format = "pdf"
	}
	return w.Report.Run(ctx, w.requireDataset, func(ctx context.Context) (*api.ReportResponse, error) {
		return w.Client.Report(ctx, req)
	})
}

// ExportData asks for download artifacts. Formats default to csv.
func (w *Workspace) ExportData(ctx context.Context, req api.ExportRequest) (*api.ExportResponse, error) {
	if len(req.Formats) == 0 {
		req.Formats = []string{"csv"}
	}
	return w.Export.Run(ctx, w.requireDataset, func(ctx context.Context) (*api.ExportResponse, error) {
		return w.Client.Export(ctx, req)
	})
}

// DefaultMLPrep returns the request defaults used by the backend.
func DefaultMLPrep(target string) api.MLPrepRequest {
	return api.MLPrepRequest{
		TargetColumn:     target,
		TestSize:         0.2,
		RandomState:      42,
		ScalingStrategy:  "standard",
		EncodingStrategy: "auto",
	}
}

// PrepareML builds the train/test split. The target must be a known column
// and the test fraction must lie strictly between 0 and 1.
func (w *Workspace) PrepareML(ctx context.Context, req api.MLPrepRequest) (*api.MLPrepResponse, error) {
	check := func() error {
		if err := w.requireDataset(); err != nil {
			return err
		}
		if strings.TrimSpace(req.TargetColumn) == "" {
			return &operation.PreconditionError{Reason: "a target column is required"}
		}
		if d := w.Dataset.Current(); d != nil && len(d.ColumnNames) > 0 && !contains(d.ColumnNames, req.TargetColumn) {
			return &operation.PreconditionError{Reason: fmt.Sprintf("unknown target column %q", req.TargetColumn)}
		}
		if req.TestSize <= 0 || req.TestSize >= 1 {
			return &operation.PreconditionError{Reason: "test size must be between 0 and 1"}
		}
		return nil
	}
	return w.MLPrep.Run(ctx, check, func(ctx context.Context) (*api.MLPrepResponse, error) {
		return w.Client.MLPrep(ctx, req)
	})
}

// Ask sends one chat message about the loaded dataset.
func (w *Workspace) Ask(ctx context.Context, text string) (*chat.Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if err := w.requireDataset(); err != nil {
		return nil, err
	}
	return w.Chat.Send(ctx, text)
}

// ResetSession discards the session id and every piece of state bound to it,
// the equivalent of closing the tab.
func (w *Workspace) ResetSession() error {
	if err := w.Identity.Reset(); err != nil {
		return fmt.Errorf("reset session id: %w", err)
	}
	for _, r := range w.runners() {
		r.Reset()
	}
	w.Chat.Clear()
	w.Dataset.Restore(nil, "")
	w.Auth.Restore(auth.Snapshot{})
	if err := w.removeSnapshot(); err != nil {
		return err
	}
	w.log.Info("workspace", "session reset", nil)
	return nil
}

// Busy reports whether anything in the workspace has a request in flight.
func (w *Workspace) Busy() bool {
	if w.Dataset.Uploading() || w.Chat.Sending() {
		return true
	}
	return w.Analysis.Busy() || w.Cleaning.Busy() || w.Features.Busy() ||
		w.Report.Busy() || w.MLPrep.Busy() || w.Export.Busy()
}

// IsPrecondition reports whether err was a local rejection with no request sent.
func IsPrecondition(err error) bool {
	var pe *operation.PreconditionError
	return errors.As(err, &pe) || errors.Is(err, dataset.ErrNoDataset) ||
		errors.Is(err, dataset.ErrEmptyPaste) || errors.Is(err, dataset.ErrUnsupported)
}

// cleanedDescriptor applies the cleaned shape. Counts the backend leaves out
// keep their previous value.
func cleanedDescriptor(prev dataset.Descriptor, res *api.CleaningResponse) dataset.Descriptor {
	d := prev
	if res.RowsAfter != nil {
		d.Rows = *res.RowsAfter
	}
	if res.ColumnsAfter != nil {
		d.Columns = *res.ColumnsAfter
	}
	if preview := res.PreviewRows(); len(preview) > 0 {
		d.Preview = preview
		d.ColumnNames = api.ColumnsOf(preview)
		if res.ColumnsAfter == nil {
			d.Columns = len(d.ColumnNames)
		}
	}
	return d
}

func engineeredDescriptor(prev dataset.Descriptor, res *api.FeatureResponse) dataset.Descriptor {
	d := prev
	if len(res.Preview) > 0 {
		d.Preview = res.Preview
		d.ColumnNames = api.ColumnsOf(res.Preview)
		d.Columns = len(d.ColumnNames)
		return d
	}
	names := append([]string(nil), prev.ColumnNames...)
	for _, f := range res.NewFeatures {
		if !contains(names, f) {
			names = append(names, f)
		}
	}
	d.ColumnNames = names
	d.Columns = len(names)
	return d
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
