// Package dataset holds the one live dataset descriptor for a session and the
// upload paths that replace it.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/logger"
)

// Source records what produced the current descriptor.
type Source string

const (
	SourceUpload   Source = "upload"
	SourcePaste    Source = "paste"
	SourceClean    Source = "clean"
	SourceFeatures Source = "features"
)

// Descriptor is the client-side view of the dataset held by the backend.
type Descriptor struct {
	Name        string    `json:"name"`
	Format      string    `json:"format"`
	Rows        int       `json:"rows"`
	Columns     int       `json:"columns"`
	ColumnNames []string  `json:"column_names"`
	Preview     []api.Row `json:"preview"`
	Source      Source    `json:"source"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Backend is the slice of the api client used for uploads.
type Backend interface {
	UploadFile(ctx context.Context, filename string, r io.Reader) (*api.UploadResponse, error)
	UploadPaste(ctx context.Context, req api.PasteRequest) (*api.UploadResponse, error)
}

var (
	ErrBusy       = errors.New("an upload is already in progress")
	ErrEmptyPaste = errors.New("pasted data is empty")
	ErrNoDataset  = errors.New("no dataset loaded; upload a file first")
)

// Options bounds what the state keeps and accepts.
type Options struct {
	PreviewRows    int
	MaxUploadBytes int64
}

// State owns the current descriptor. Replacement hooks run after every
// successful replacement, outside the lock.
type State struct {
	backend Backend
	log     logger.Logger
	opts    Options
	now     func() time.Time

	mu        sync.Mutex
	current   *Descriptor
	uploading bool
	lastError string
	hooks     []func(Source)
}

func New(backend Backend, opts Options, log logger.Logger) *State {
	if log == nil {
		log = logger.Nop()
	}
	if opts.PreviewRows <= 0 {
		opts.PreviewRows = 20
	}
	return &State{backend: backend, log: log, opts: opts, now: time.Now}
}

// OnReplace registers fn to run after the descriptor is replaced.
func (s *State) OnReplace(fn func(Source)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Current returns a copy of the descriptor, or nil when nothing is loaded.
func (s *State) Current() *Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	d := *s.current
	d.ColumnNames = append([]string(nil), s.current.ColumnNames...)
	d.Preview = append([]api.Row(nil), s.current.Preview...)
	return &d
}

// Loaded reports whether a dataset is present.
func (s *State) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Require returns ErrNoDataset when nothing is loaded.
func (s *State) Require() error {
	if !s.Loaded() {
		return ErrNoDataset
	}
	return nil
}

// Uploading reports whether an upload is in flight.
func (s *State) Uploading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploading
}

// LastError is the message of the most recent failed upload.
func (s *State) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// UploadFile sends a local file. The extension, size and leading bytes are
// checked first; a rejected file never reaches the backend.
func (s *State) UploadFile(ctx context.Context, path string) (*Descriptor, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, s.fail(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, s.fail(fmt.Errorf("stat %s: %w", filepath.Base(path), err))
	}
	if info.IsDir() {
		return nil, s.fail(fmt.Errorf("%s is a directory", path))
	}
	if s.opts.MaxUploadBytes > 0 && info.Size() > s.opts.MaxUploadBytes {
		return nil, s.fail(fmt.Errorf("file is %.1f MB; the limit is %.0f MB",
			float64(info.Size())/(1<<20), float64(s.opts.MaxUploadBytes)/(1<<20)))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, s.fail(fmt.Errorf("open %s: %w", filepath.Base(path), err))
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, s.fail(fmt.Errorf("read %s: %w", filepath.Base(path), err))
	}
	if err := format.Sniff(head[:n]); err != nil {
		return nil, s.fail(err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, s.fail(fmt.Errorf("rewind %s: %w", filepath.Base(path), err))
	}

	name := filepath.Base(path)
	return s.upload(SourceUpload, func() (*api.UploadResponse, error) {
		return s.backend.UploadFile(ctx, name, f)
	}, name)
}

// UploadPastedText sends delimited text typed or piped by the user. Blank
// input is rejected locally.
func (s *State) UploadPastedText(ctx context.Context, text, delimiter string, hasHeader bool) (*Descriptor, error) {
	if strings.TrimSpace(text) == "" {
		return nil, s.fail(ErrEmptyPaste)
	}
	if delimiter == "" {
		delimiter = ","
	}
	req := api.PasteRequest{Data: text, Delimiter: delimiter, HasHeader: hasHeader}
	return s.upload(SourcePaste, func() (*api.UploadResponse, error) {
		return s.backend.UploadPaste(ctx, req)
	}, "pasted_data.csv")
}

func (s *State) upload(src Source, send func() (*api.UploadResponse, error), fallbackName string) (*Descriptor, error) {
	s.mu.Lock()
	if s.uploading {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.uploading = true
	s.mu.Unlock()

	resp, err := send()

	s.mu.Lock()
	s.uploading = false
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("dataset", "upload failed", map[string]any{"source": string(src), "error": err.Error()})
		return nil, s.fail(err)
	}

	d := Descriptor{
		Name:        resp.Filename,
		Format:      resp.Format,
		Rows:        resp.Rows,
		Columns:     resp.Columns,
		ColumnNames: resp.ColumnNames,
		Preview:     resp.Preview,
	}
	if d.Name == "" {
		d.Name = fallbackName
	}
	if len(d.ColumnNames) == 0 {
		d.ColumnNames = api.ColumnsOf(d.Preview)
	}
	s.log.Info("dataset", "uploaded", map[string]any{"name": d.Name, "rows": d.Rows, "columns": d.Columns})
	return s.Replace(d, src), nil
}

// Replace installs d as the live descriptor and fires the replacement hooks.
// The preview is capped to the configured row count.
func (s *State) Replace(d Descriptor, src Source) *Descriptor {
	if len(d.Preview) > s.opts.PreviewRows {
		d.Preview = d.Preview[:s.opts.PreviewRows]
	}
	d.Source = src
	d.UpdatedAt = s.now()

	s.mu.Lock()
	s.current = &d
	s.lastError = ""
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	for _, h := range hooks {
		h(src)
	}
	return s.Current()
}

// Restore installs a persisted descriptor without firing hooks.
func (s *State) Restore(d *Descriptor, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d != nil {
		cp := *d
		if len(cp.Preview) > s.opts.PreviewRows {
			cp.Preview = cp.Preview[:s.opts.PreviewRows]
		}
		d = &cp
	}
	s.current = d
	s.lastError = lastError
}

func (s *State) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = api.Message(err)
	return err
}
