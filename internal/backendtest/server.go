// Package backendtest runs an in-process fake of the DIDA backend for tests.
// Routes mirror the real API; behavior is deterministic and can be overridden
// or held open per route.
package backendtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// PreviewRows is the preview cap used by the fake, matching the real backend.
const PreviewRows = 20

// Server is a fake DIDA backend.
type Server struct {
	// URL is the API root (…/api) to hand to api.Options.BaseURL.
	URL string
	// Root is the server origin, used for /health.
	Root string

	srv *httptest.Server

	mu          sync.Mutex
	calls       map[string]int
	sessionIDs  []string
	bodies      map[string][]map[string]any
	overrides   map[string]http.HandlerFunc
	gates       map[string]*Gate
	sessionKeys map[string]bool
	systemKey   bool
	datasets    map[string]*dataset
}

type dataset struct {
	header []string
	rows   [][]string
}

// Gate holds requests to one route until released.
type Gate struct {
	Entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// Release lets held requests proceed.
func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }

// New starts the fake and registers cleanup on t.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		calls:       make(map[string]int),
		bodies:      make(map[string][]map[string]any),
		overrides:   make(map[string]http.HandlerFunc),
		gates:       make(map[string]*Gate),
		sessionKeys: make(map[string]bool),
		datasets:    make(map[string]*dataset),
	}
	s.srv = httptest.NewServer(s.router())
	s.Root = s.srv.URL
	s.URL = s.srv.URL + "/api"
	t.Cleanup(func() {
		s.mu.Lock()
		for _, g := range s.gates {
			g.Release()
		}
		s.mu.Unlock()
		s.srv.Close()
	})
	return s
}

// SetSystemKey toggles whether the fake reports a server-level key.
func (s *Server) SetSystemKey(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemKey = v
}

// Override replaces the handler for a route such as "POST /analyze/".
func (s *Server) Override(route string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[route] = h
}

// Fail makes a route answer with status and a FastAPI-style detail message.
func (s *Server) Fail(route string, status int, detail string) {
	s.Override(route, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, map[string]any{"detail": detail})
	})
}

// Hold makes requests to route block until the returned gate is released.
// Entered receives once per held request.
func (s *Server) Hold(route string) *Gate {
	g := &Gate{Entered: make(chan struct{}, 16), release: make(chan struct{})}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[route] = g
	return g
}

// Calls returns how many requests reached route.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// SessionIDs returns every X-Session-ID header seen, in order.
func (s *Server) SessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sessionIDs...)
}

// LastBody returns the last decoded JSON body sent to route.
func (s *Server) LastBody(route string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bodies[route]
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.wrap("GET /health", s.health))
	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/set-key", s.wrap("POST /auth/set-key", s.setKey))
		api.Delete("/auth/remove-key", s.wrap("DELETE /auth/remove-key", s.removeKey))
		api.Get("/auth/key-status", s.wrap("GET /auth/key-status", s.keyStatus))
		api.Post("/upload/file", s.wrap("POST /upload/file", s.uploadFile))
		api.Post("/upload/paste", s.wrap("POST /upload/paste", s.uploadPaste))
		api.Post("/analyze/", s.wrap("POST /analyze/", s.analyze))
		api.Post("/clean/", s.wrap("POST /clean/", s.clean))
		api.Post("/feature-engineering/", s.wrap("POST /feature-engineering/", s.features))
		api.Post("/report/", s.wrap("POST /report/", s.report))
		api.Post("/export/", s.wrap("POST /export/", s.export))
		api.Post("/ml-prep/", s.wrap("POST /ml-prep/", s.mlPrep))
		api.Post("/chat/", s.wrap("POST /chat/", s.chat))
		api.Get("/export/download/{sessionID}/{filename}", s.wrap("GET /export/download", s.download))
	})
	return r
}

func (s *Server) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &body)
			r.Body = io.NopCloser(strings.NewReader(string(raw)))
		}
		s.mu.Lock()
		s.calls[route]++
		s.sessionIDs = append(s.sessionIDs, r.Header.Get("X-Session-ID"))
		if body != nil {
			s.bodies[route] = append(s.bodies[route], body)
		}
		override := s.overrides[route]
		gate := s.gates[route]
		s.mu.Unlock()

		if gate != nil {
			gate.Entered <- struct{}{}
			select {
			case <-gate.release:
			case <-r.Context().Done():
				return
			}
		}
		if override != nil {
			override(w, r)
			return
		}
		h(w, r)
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) setKey(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get("X-Session-ID")
	if sid == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Session ID required in header"})
		return
	}
	var req struct {
		APIKey string `json:"api_key"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if !strings.HasPrefix(req.APIKey, "sk-valid") {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "message": "Invalid API key", "model": nil})
		return
	}
	s.mu.Lock()
	s.sessionKeys[sid] = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "message": "API key validated and stored successfully", "model": "gpt-4"})
}

func (s *Server) removeKey(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delete(s.sessionKeys, r.Header.Get("X-Session-ID"))
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"message": "API key removed from session"})
}

func (s *Server) keyStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"has_session_key": s.sessionKeys[r.Header.Get("X-Session-ID")],
		"has_system_key":  s.systemKey,
	})
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "missing file"})
		return
	}
	defer f.Close()
	name := strings.ToLower(hdr.Filename)
	delim := ','
	switch {
	case strings.HasSuffix(name, ".tsv"):
		delim = '\t'
	case strings.HasSuffix(name, ".csv"):
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Unsupported file format"})
		return
	}
	ds, err := parseDelimited(f, delim, true)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}
	s.store(r, ds)
	s.writeUpload(w, r, hdr.Filename, "csv", ds)
}

func (s *Server) uploadPaste(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data      string `json:"data"`
		Delimiter string `json:"delimiter"`
		HasHeader bool   `json:"has_header"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": []any{map[string]any{"msg": "invalid body"}}})
		return
	}
	delim := ','
	if req.Delimiter != "" {
		delim = []rune(req.Delimiter)[0]
	}
	ds, err := parseDelimited(strings.NewReader(req.Data), delim, req.HasHeader)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}
	s.store(r, ds)
	s.writeUpload(w, r, "pasted_data.csv", "paste", ds)
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.load(w, r)
	if !ok {
		return
	}
	cols := make([]map[string]any, 0, len(ds.header))
	for i, h := range ds.header {
		var samples []any
		for _, row := range ds.rows {
			if len(samples) == 3 {
				break
			}
			samples = append(samples, row[i])
		}
		cols = append(cols, map[string]any{
			"name": h, "data_type": "text", "inferred_meaning": "column " + h,
			"null_count": 0, "null_percentage": 0.0, "unique_count": len(ds.rows),
			"sample_values": samples, "is_primary_key": i == 0, "detected_issues": []string{},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":            r.Header.Get("X-Session-ID"),
		"columns":               cols,
		"suggested_target":      ds.header[len(ds.header)-1],
		"domain_insights":       []string{"small dataset"},
		"warnings":              []string{},
		"questions_for_user":    []string{"What should be predicted?"},
		"overall_quality_score": 87.5,
	})
}

func (s *Server) clean(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.load(w, r)
	if !ok {
		return
	}
	cleaned := &dataset{header: ds.header}
	for _, row := range ds.rows {
		out := make([]string, len(row))
		for i, v := range row {
			out[i] = strings.ToUpper(strings.TrimSpace(v))
		}
		cleaned.rows = append(cleaned.rows, out)
	}
	s.store(r, cleaned)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":      r.Header.Get("X-Session-ID"),
		"cleaning_steps":  []string{"trimmed whitespace", "upper-cased text"},
		"applied_changes": "normalized text columns",
		"rows_before":     len(ds.rows), "rows_after": len(cleaned.rows),
		"columns_before": len(ds.header), "columns_after": len(cleaned.header),
		"summary": "Cleaned 2 issues",
		"preview": previewOf(cleaned),
	})
}

func (s *Server) features(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.load(w, r)
	if !ok {
		return
	}
	eng := &dataset{header: append(append([]string(nil), ds.header...), "row_number")}
	for i, row := range ds.rows {
		eng.rows = append(eng.rows, append(append([]string(nil), row...), fmt.Sprint(i+1)))
	}
	s.store(r, eng)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":     r.Header.Get("X-Session-ID"),
		"status":         "success",
		"new_features":   []string{"row_number"},
		"code_generated": "df['row_number'] = range(1, len(df)+1)",
		"preview":        previewOf(eng),
		"summary":        "Added 1 feature",
	})
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.load(w, r); !ok {
		return
	}
	sid := r.Header.Get("X-Session-ID")
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sid, "status": "success",
		"report_url": "/api/export/download/" + sid + "/report.pdf",
		"summary":    "Report ready", "insights": []string{"no anomalies"},
	})
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.load(w, r); !ok {
		return
	}
	var req struct {
		Formats []string `json:"formats"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	sid := r.Header.Get("X-Session-ID")
	files := map[string]string{}
	for _, f := range req.Formats {
		files[f] = "/api/export/download/" + sid + "/cleaned." + f
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sid, "files": files, "summary": fmt.Sprintf("Exported %d files", len(files))})
}

func (s *Server) mlPrep(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.load(w, r)
	if !ok {
		return
	}
	sid := r.Header.Get("X-Session-ID")
	test := len(ds.rows) / 5
	if test == 0 && len(ds.rows) > 1 {
		test = 1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sid, "status": "success", "problem_type": "classification",
		"train_samples": len(ds.rows) - test, "test_samples": test, "num_features": len(ds.header) - 1,
		"encoded_columns": []string{}, "scaled_columns": []string{}, "target_encoded": true,
		"recommended_algorithms": []string{"RandomForest", "LogisticRegression"},
		"warnings":               []string{}, "best_practices": []string{"use cross-validation"},
		"download_urls": map[string]string{
			"X_train": "/api/export/download/" + sid + "/X_train.csv",
			"X_test":  "/api/export/download/" + sid + "/X_test.csv",
		},
	})
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.load(w, r); !ok {
		return
	}
	var req struct {
		Message string           `json:"message"`
		History []map[string]any `json:"history"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  r.Header.Get("X-Session-ID"),
		"response":    fmt.Sprintf("You asked: %s (history=%d)", req.Message, len(req.History)),
		"data_result": []map[string]any{{"index": "a", "value": 1}, {"index": "b", "value": 2}},
	})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if name == "missing.csv" {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "File not found"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.WriteString(w, "file:"+name)
}

func (s *Server) store(r *http.Request, ds *dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[r.Header.Get("X-Session-ID")] = ds
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) (*dataset, bool) {
	s.mu.Lock()
	ds := s.datasets[r.Header.Get("X-Session-ID")]
	s.mu.Unlock()
	if ds == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Dataset not found. Please upload a file first."})
		return nil, false
	}
	return ds, true
}

func (s *Server) writeUpload(w http.ResponseWriter, r *http.Request, filename, format string, ds *dataset) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   r.Header.Get("X-Session-ID"),
		"filename":     filename,
		"format":       format,
		"rows":         len(ds.rows),
		"columns":      len(ds.header),
		"preview":      previewOf(ds),
		"column_names": ds.header,
		"message":      "File uploaded and parsed successfully",
	})
}

func parseDelimited(r io.Reader, delim rune, hasHeader bool) (*dataset, error) {
	cr := csv.NewReader(r)
	cr.Comma = delim
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("Failed to parse data: %v", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("No data found")
	}
	ds := &dataset{}
	if hasHeader {
		ds.header, ds.rows = records[0], records[1:]
	} else {
		for i := range records[0] {
			ds.header = append(ds.header, fmt.Sprint(i))
		}
		ds.rows = records
	}
	return ds, nil
}

// previewOf renders rows as JSON objects with keys in header order.
func previewOf(ds *dataset) []json.RawMessage {
	n := len(ds.rows)
	if n > PreviewRows {
		n = PreviewRows
	}
	out := make([]json.RawMessage, 0, n)
	for _, row := range ds.rows[:n] {
		var sb strings.Builder
		sb.WriteByte('{')
		for i, h := range ds.header {
			if i > 0 {
				sb.WriteByte(',')
			}
			k, _ := json.Marshal(h)
			var v any = ""
			if i < len(row) {
				v = row[i]
			}
			vb, _ := json.Marshal(v)
			sb.Write(k)
			sb.WriteByte(':')
			sb.Write(vb)
		}
		sb.WriteByte('}')
		out = append(out, json.RawMessage(sb.String()))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
