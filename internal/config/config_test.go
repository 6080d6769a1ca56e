package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/KaramelBytes/dida-cli/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	c, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.APIURL != "http://localhost:8000/api" {
		t.Fatalf("api_url default: %q", c.APIURL)
	}
	if c.PreviewRows != 20 {
		t.Fatalf("preview_rows default: %d", c.PreviewRows)
	}
	if want := filepath.Join(home, ".dida", "session"); c.StateDir != want {
		t.Fatalf("state_dir = %q, want %q", c.StateDir, want)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("DIDA_CHAT_HISTORY_TURNS", "4")

	path := filepath.Join(home, "cfg.yaml")
	if err := os.WriteFile(path, []byte("api_url: http://example.test/api\nchat_history_turns: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.APIURL != "http://example.test/api" {
		t.Fatalf("api_url from file: %q", c.APIURL)
	}
	if c.ChatHistoryTurns != 4 {
		t.Fatalf("env should win over file, got %d", c.ChatHistoryTurns)
	}
}

func TestSaveThenLoad(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "out.yaml")

	c, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	c.PreviewRows = 5
	if err := config.Save(c, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	again, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.PreviewRows != 5 {
		t.Fatalf("preview_rows not persisted: %d", again.PreviewRows)
	}
}
