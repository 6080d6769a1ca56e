package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/auth"
	"github.com/KaramelBytes/dida-cli/internal/chat"
	"github.com/KaramelBytes/dida-cli/internal/dataset"
	"github.com/KaramelBytes/dida-cli/internal/operation"
	"github.com/KaramelBytes/dida-cli/internal/utils"
)

const (
	snapshotFile    = "workspace.json"
	snapshotVersion = 1
)

// Snapshot is the on-disk form of a workspace, shared between CLI runs.
type Snapshot struct {
	Version      int                 `json:"version"`
	SessionID    string              `json:"session_id"`
	SavedAt      time.Time           `json:"saved_at"`
	Auth         auth.Snapshot       `json:"auth"`
	Dataset      *dataset.Descriptor `json:"dataset,omitempty"`
	DatasetError string              `json:"dataset_error,omitempty"`
	Chat         chat.Snapshot       `json:"chat"`

	Analysis operation.State[api.AnalysisResponse] `json:"analysis"`
	Cleaning operation.State[api.CleaningResponse] `json:"cleaning"`
	Features operation.State[api.FeatureResponse]  `json:"features"`
	Report   operation.State[api.ReportResponse]   `json:"report"`
	MLPrep   operation.State[api.MLPrepResponse]   `json:"ml_prep"`
	Export   operation.State[api.ExportResponse]   `json:"export"`
}

// Snapshot captures the current state.
func (w *Workspace) Snapshot() Snapshot {
	return Snapshot{
		Version:      snapshotVersion,
		SessionID:    w.SessionID(),
		SavedAt:      time.Now().UTC(),
		Auth:         w.Auth.Snapshot(),
		Dataset:      w.Dataset.Current(),
		DatasetError: w.Dataset.LastError(),
		Chat:         w.Chat.Snapshot(),
		Analysis:     w.Analysis.Snapshot(),
		Cleaning:     w.Cleaning.Snapshot(),
		Features:     w.Features.Snapshot(),
		Report:       w.Report.Snapshot(),
		MLPrep:       w.MLPrep.Snapshot(),
		Export:       w.Export.Snapshot(),
	}
}

func (w *Workspace) snapshotPath() string {
	if w.stateDir == "" {
		return ""
	}
	return filepath.Join(w.stateDir, snapshotFile)
}

// Save writes the snapshot to the state dir. Without a state dir it does nothing.
func (w *Workspace) Save() error {
	p := w.snapshotPath()
	if p == "" {
		return nil
	}
	b, err := utils.PrettyJSON(w.Snapshot())
	if err != nil {
		return err
	}
	if err := utils.SafeWriteFile(p, b); err != nil {
		return fmt.Errorf("save workspace: %w", err)
	}
	return nil
}

// Load restores the saved snapshot if one exists for the current session. A
// snapshot from another session id is ignored, as is a missing file.
func (w *Workspace) Load() error {
	p := w.snapshotPath()
	if p == "" {
		return nil
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read workspace: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("parse workspace %s: %w", p, err)
	}
	if snap.SessionID != w.SessionID() {
		w.log.Info("workspace", "ignoring snapshot from another session", map[string]any{"snapshot_session": snap.SessionID})
		return nil
	}
	w.Restore(snap)
	return nil
}

// Restore applies a snapshot. Runners saved mid-flight come back as failed.
func (w *Workspace) Restore(snap Snapshot) {
	w.Auth.Restore(snap.Auth)
	w.Dataset.Restore(snap.Dataset, snap.DatasetError)
	w.Chat.Restore(snap.Chat)
	w.Analysis.Restore(snap.Analysis)
	w.Cleaning.Restore(snap.Cleaning)
	w.Features.Restore(snap.Features)
	w.Report.Restore(snap.Report)
	w.MLPrep.Restore(snap.MLPrep)
	w.Export.Restore(snap.Export)
}

func (w *Workspace) removeSnapshot() error {
	p := w.snapshotPath()
	if p == "" {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}
