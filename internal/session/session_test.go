package session_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/dida-cli/internal/session"
)

func TestGetOrCreateIsStable(t *testing.T) {
	id := session.NewIdentity(session.NewFileStore(t.TempDir()), nil)
	first := id.GetOrCreate()
	_, err := uuid.Parse(first)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, id.GetOrCreate())
	}
	assert.True(t, id.Persistent())
}

func TestIdentitySurvivesNewProcess(t *testing.T) {
	dir := t.TempDir()
	a := session.NewIdentity(session.NewFileStore(dir), nil).GetOrCreate()
	b := session.NewIdentity(session.NewFileStore(dir), nil).GetOrCreate()
	assert.Equal(t, a, b)
}

func TestResetIssuesNewID(t *testing.T) {
	dir := t.TempDir()
	id := session.NewIdentity(session.NewFileStore(dir), nil)
	a := id.GetOrCreate()
	require.NoError(t, id.Reset())
	b := id.GetOrCreate()
	assert.NotEqual(t, a, b)
	_, err := os.Stat(filepath.Join(dir, "session_id"))
	assert.NoError(t, err)
}

type brokenStore struct{}

func (brokenStore) Load() (string, error) { return "", errors.New("disk on fire") }
func (brokenStore) Save(string) error     { return errors.New("disk on fire") }
func (brokenStore) Clear() error          { return errors.New("disk on fire") }

func TestFallsBackToMemory(t *testing.T) {
	id := session.NewIdentity(brokenStore{}, nil)
	first := id.GetOrCreate()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, id.GetOrCreate())
	assert.False(t, id.Persistent())
}

func TestFallsBackWhenSaveFails(t *testing.T) {
	// A regular file where the directory should be makes every write fail.
	parent := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(parent, []byte("x"), 0o644))

	id := session.NewIdentity(session.NewFileStore(filepath.Join(parent, "state")), nil)
	first := id.GetOrCreate()
	assert.Equal(t, first, id.GetOrCreate())
	assert.False(t, id.Persistent())
}
