package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/backendtest"
	"github.com/KaramelBytes/dida-cli/internal/render"
	"github.com/KaramelBytes/dida-cli/internal/workspace"
)

type cliEnv struct {
	fake  *backendtest.Server
	state string
	home  string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return &cliEnv{fake: backendtest.New(t), state: filepath.Join(home, "ws"), home: home}
}

// resetFlags restores every flag to its default so sticky values from one
// invocation do not leak into the next.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(interface{ Replace([]string) error }); ok {
			def := strings.Trim(f.DefValue, "[]")
			var vals []string
			if def != "" {
				vals = strings.Split(def, ",")
			}
			_ = sv.Replace(vals)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// run executes the root command with args and stdin and returns stdout.
func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	cfg = nil
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--api-url", e.fake.URL, "--state-dir", e.state, "--http-timeout", "5"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, "", args...)
	if err != nil {
		t.Fatalf("command %v failed: %v\n%s", args, err, out)
	}
	return out
}

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return p
}

func TestCLI_UploadAnalyzeCleanStatus(t *testing.T) {
	e := newCLIEnv(t)
	csv := writeCSV(t, e.home, "people.csv", "id,name\n1,Alice\n2,Bob\n3,Carol\n")

	out := e.mustRun(t, "upload", csv)
	if !strings.Contains(out, "✓ Uploaded people.csv: 3 rows, 2 columns") {
		t.Fatalf("unexpected upload output:\n%s", out)
	}

	out = e.mustRun(t, "analyze")
	if !strings.Contains(out, "Quality score: 87.5/100") {
		t.Fatalf("missing quality score:\n%s", out)
	}

	out = e.mustRun(t, "clean", "--pref", "drop_duplicates=true")
	if !strings.Contains(out, "Cleaned 2 issues") {
		t.Fatalf("missing clean summary:\n%s", out)
	}
	prefs, _ := e.fake.LastBody("POST /clean/")["user_preferences"].(map[string]any)
	if prefs["drop_duplicates"] != true {
		t.Fatalf("expected typed preference, got %#v", prefs)
	}

	out = e.mustRun(t, "status")
	if !strings.Contains(out, "ALICE") {
		t.Fatalf("status should show the cleaned preview:\n%s", out)
	}
	if !strings.Contains(out, "analysis") || !strings.Contains(out, "not run") {
		t.Fatalf("analysis should be reset after cleaning:\n%s", out)
	}
	if !strings.Contains(out, "✓ cleaning") {
		t.Fatalf("cleaning should be marked succeeded:\n%s", out)
	}

	ids := map[string]bool{}
	for _, id := range e.fake.SessionIDs() {
		ids[id] = true
	}
	if len(ids) != 1 {
		t.Fatalf("expected one session id across invocations, got %v", ids)
	}
}

func TestCLI_AnalyzeWithoutDatasetFailsLocally(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run(t, "", "analyze")
	if err == nil || !strings.Contains(err.Error(), "no dataset loaded") {
		t.Fatalf("expected local precondition error, got %v", err)
	}
	if n := e.fake.Calls("POST /analyze/"); n != 0 {
		t.Fatalf("expected no request, got %d", n)
	}
}

func TestCLI_AuthFlow(t *testing.T) {
	e := newCLIEnv(t)
	out, err := e.run(t, "sk-valid-from-stdin\n", "auth", "set-key")
	if err != nil {
		t.Fatalf("set-key: %v\n%s", err, out)
	}
	if !strings.Contains(out, "API key validated") {
		t.Fatalf("unexpected set-key output:\n%s", out)
	}

	out = e.mustRun(t, "auth", "status")
	if !strings.Contains(out, "session API key") {
		t.Fatalf("expected session key active:\n%s", out)
	}

	if _, err := e.run(t, "", "auth", "set-key", "sk-wrong"); err == nil {
		t.Fatalf("expected rejected key to fail")
	}

	e.mustRun(t, "auth", "remove-key")
	out = e.mustRun(t, "status")
	if !strings.Contains(out, "No API key configured") {
		t.Fatalf("expected no key after removal:\n%s", out)
	}
}

func TestCLI_PasteChatHistory(t *testing.T) {
	e := newCLIEnv(t)
	out, err := e.run(t, "a;b\n1;2\n3;4\n", "paste", "--delimiter", ";")
	if err != nil {
		t.Fatalf("paste: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 rows, 2 columns") {
		t.Fatalf("unexpected paste output:\n%s", out)
	}

	out = e.mustRun(t, "chat", "what", "is", "this?")
	if !strings.Contains(out, "You asked: what is this? (history=0)") {
		t.Fatalf("unexpected chat output:\n%s", out)
	}
	out = e.mustRun(t, "chat", "and more?")
	if !strings.Contains(out, "(history=2)") {
		t.Fatalf("history should carry the previous exchange:\n%s", out)
	}

	out = e.mustRun(t, "chat", "--history")
	if strings.Count(out, "assistant") != 2 {
		t.Fatalf("expected two assistant turns:\n%s", out)
	}

	// A new upload clears the conversation.
	if _, err := e.run(t, "x\n1\n", "paste"); err != nil {
		t.Fatalf("paste: %v", err)
	}
	out = e.mustRun(t, "chat", "--history")
	if !strings.Contains(out, "No messages yet") {
		t.Fatalf("transcript should be empty after upload:\n%s", out)
	}
}

func TestCLI_ChatLoopFromStdin(t *testing.T) {
	e := newCLIEnv(t)
	if _, err := e.run(t, "a\n1\n", "paste"); err != nil {
		t.Fatalf("paste: %v", err)
	}
	out, err := e.run(t, "first\n\nsecond\n/exit\nignored\n", "chat")
	if err != nil {
		t.Fatalf("chat loop: %v\n%s", err, out)
	}
	if n := e.fake.Calls("POST /chat/"); n != 2 {
		t.Fatalf("expected 2 chat requests, got %d", n)
	}
}

func TestChatLoopReturnsOnCancel(t *testing.T) {
	fake := backendtest.New(t)
	ws := workspace.New(workspace.Options{Client: api.Options{BaseURL: fake.URL, HTTPTimeout: 5 * time.Second}})

	// Nothing is ever written, like a user sitting at the prompt.
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- chatLoop(ctx, ws, render.New(&out), pr, io.Discard)
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean exit on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("chat loop kept waiting for input after cancel")
	}
	if n := fake.Calls("POST /chat/"); n != 0 {
		t.Fatalf("expected no chat request, got %d", n)
	}
}

func TestCLI_MLPrepAndDownload(t *testing.T) {
	e := newCLIEnv(t)
	csv := writeCSV(t, e.home, "d.csv", "x,y\n1,a\n2,b\n3,a\n4,b\n5,a\n")
	e.mustRun(t, "upload", csv)

	if _, err := e.run(t, "", "ml-prep"); err == nil || !strings.Contains(err.Error(), "target column is required") {
		t.Fatalf("expected missing target error, got %v", err)
	}

	out := e.mustRun(t, "ml-prep", "--target", "y", "--test-size", "0.4")
	if !strings.Contains(out, "Prepared classification data") {
		t.Fatalf("unexpected ml-prep output:\n%s", out)
	}
	if got := e.fake.LastBody("POST /ml-prep/")["test_size"]; got != 0.4 {
		t.Fatalf("expected test_size 0.4, got %v", got)
	}
	if !strings.Contains(out, e.fake.Root+"/api/export/download/") {
		t.Fatalf("download links should be absolute:\n%s", out)
	}

	dest := filepath.Join(e.home, "out", "X_train.csv")
	e.mustRun(t, "download", "X_train.csv", "-o", dest)
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(b) != "file:X_train.csv" {
		t.Fatalf("unexpected download content %q", b)
	}

	if _, err := e.run(t, "", "download", "missing.csv", "-o", filepath.Join(e.home, "m.csv")); err == nil {
		t.Fatalf("expected missing file to fail")
	}
	if _, err := os.Stat(filepath.Join(e.home, "m.csv.part")); !os.IsNotExist(err) {
		t.Fatalf("partial download should be removed")
	}
}

func TestCLI_SessionResetAndPing(t *testing.T) {
	e := newCLIEnv(t)
	first := e.mustRun(t, "session", "show")
	e.mustRun(t, "session", "reset")
	second := e.mustRun(t, "session", "show")
	if first == second {
		t.Fatalf("session id should change after reset")
	}

	out := e.mustRun(t, "ping")
	if !strings.Contains(out, "is healthy") {
		t.Fatalf("unexpected ping output:\n%s", out)
	}
}

func TestCLI_ConfigSetAndShow(t *testing.T) {
	e := newCLIEnv(t)
	cfgPath := filepath.Join(e.home, "cfg.yaml")
	e.mustRun(t, "--config", cfgPath, "config", "set", "preview_rows", "7")
	if _, err := e.run(t, "", "--config", cfgPath, "config", "set", "preview_rows", "zero"); err == nil {
		t.Fatalf("expected invalid int to fail")
	}
	out := e.mustRun(t, "--config", cfgPath, "config", "show")
	if !strings.Contains(out, "preview_rows: 7") {
		t.Fatalf("expected saved preview_rows:\n%s", out)
	}
}

func TestParseKeyValues(t *testing.T) {
	m, err := parseKeyValues([]string{"a=1", "b=true", "c=hello world", "d="})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m["a"] != 1 || m["b"] != true || m["c"] != "hello world" || m["d"] != "" {
		t.Fatalf("unexpected values: %#v", m)
	}
	if _, err := parseKeyValues([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
}
