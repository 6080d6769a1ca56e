package auth_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/auth"
	"github.com/KaramelBytes/dida-cli/internal/backendtest"
)

func setup(t *testing.T) (*backendtest.Server, *auth.State) {
	t.Helper()
	fake := backendtest.New(t)
	c := api.NewClient(api.Options{BaseURL: fake.URL, HTTPTimeout: 2 * time.Second, RetryMax: 1}, api.StaticSession("s-auth"))
	return fake, auth.New(c, nil)
}

func TestValidKeyActivatesSession(t *testing.T) {
	fake, st := setup(t)
	res := st.ValidateAndSetKey(context.Background(), "sk-valid-123")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, auth.SessionKeyActive, st.Status())
	assert.Empty(t, st.LastError())
	assert.Equal(t, "sk-valid-123", fake.LastBody("POST /auth/set-key")["api_key"])
}

func TestRejectedKeyKeepsStatus(t *testing.T) {
	fake, st := setup(t)
	fake.SetSystemKey(true)
	st.RefreshStatus(context.Background())
	require.Equal(t, auth.SystemKeyAvailable, st.Status())

	res := st.ValidateAndSetKey(context.Background(), "sk-nope")
	assert.False(t, res.Success)
	assert.Equal(t, "Invalid API key", res.Message)
	assert.Equal(t, auth.SystemKeyAvailable, st.Status())
	assert.Equal(t, "Invalid API key", st.LastError())
}

func TestMalformedKeyRejectedLocally(t *testing.T) {
	fake, st := setup(t)
	res := st.ValidateAndSetKey(context.Background(), "not-a-key")
	assert.False(t, res.Success)
	assert.Equal(t, 0, fake.Calls("POST /auth/set-key"))
}

func TestConcurrentValidationIsRejected(t *testing.T) {
	fake, st := setup(t)
	gate := fake.Hold("POST /auth/set-key")

	var wg sync.WaitGroup
	var first auth.Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = st.ValidateAndSetKey(context.Background(), "sk-valid-a")
	}()
	<-gate.Entered

	second := st.ValidateAndSetKey(context.Background(), "sk-valid-b")
	assert.False(t, second.Success)
	assert.Contains(t, second.Message, "already in progress")

	gate.Release()
	wg.Wait()
	assert.True(t, first.Success)
	assert.Equal(t, 1, fake.Calls("POST /auth/set-key"))
}

func TestRemoveDuringValidationWins(t *testing.T) {
	fake, st := setup(t)
	gate := fake.Hold("POST /auth/set-key")

	done := make(chan auth.Result, 1)
	go func() {
		done <- st.ValidateAndSetKey(context.Background(), "sk-valid-late")
	}()
	<-gate.Entered

	st.RemoveKey(context.Background())
	assert.Equal(t, auth.None, st.Status())
	gate.Release()

	res := <-done
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "removed")
	assert.Equal(t, auth.None, st.Status())
	assert.Equal(t, 2, fake.Calls("DELETE /auth/remove-key"))

	st.RefreshStatus(context.Background())
	assert.Equal(t, auth.None, st.Status(), "backend must not keep the late key")
}

func TestRemoveKeyClearsEvenWhenNetworkFails(t *testing.T) {
	fake, st := setup(t)
	require.True(t, st.ValidateAndSetKey(context.Background(), "sk-valid-1").Success)

	fake.Fail("DELETE /auth/remove-key", http.StatusInternalServerError, "storage down")
	st.RemoveKey(context.Background())
	assert.Equal(t, auth.None, st.Status())
	assert.Equal(t, "storage down", st.LastError())
}

func TestRemoveKeyWhenBackendUnreachable(t *testing.T) {
	c := api.NewClient(api.Options{BaseURL: "http://127.0.0.1:1/api", HTTPTimeout: time.Second, RetryMax: 1}, api.StaticSession("s"))
	st := auth.New(c, nil)
	st.Restore(auth.Snapshot{HasSessionKey: true})
	require.Equal(t, auth.SessionKeyActive, st.Status())

	st.RemoveKey(context.Background())
	assert.Equal(t, auth.None, st.Status())
	assert.NotEmpty(t, st.LastError())
}

func TestRefreshOverwrites(t *testing.T) {
	fake, st := setup(t)
	st.Restore(auth.Snapshot{HasSessionKey: true, HasSystemKey: true})
	fake.SetSystemKey(false)

	st.RefreshStatus(context.Background())
	assert.Equal(t, auth.None, st.Status())
}
