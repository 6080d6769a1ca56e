package dataset_test

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/backendtest"
	"github.com/KaramelBytes/dida-cli/internal/dataset"
)

func setup(t *testing.T, opts dataset.Options) (*backendtest.Server, *dataset.State) {
	t.Helper()
	fake := backendtest.New(t)
	c := api.NewClient(api.Options{BaseURL: fake.URL, HTTPTimeout: 2 * time.Second, RetryMax: 1}, api.StaticSession("s-data"))
	return fake, dataset.New(c, opts, nil)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestUploadThreeRowCSV(t *testing.T) {
	_, st := setup(t, dataset.Options{})
	var fired []dataset.Source
	st.OnReplace(func(src dataset.Source) { fired = append(fired, src) })

	path := writeFile(t, "people.csv", "id,name\n1,Alice\n2,Bob\n3,Carol\n")
	d, err := st.UploadFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "people.csv", d.Name)
	assert.Equal(t, 3, d.Rows)
	assert.Equal(t, 2, d.Columns)
	assert.Equal(t, []string{"id", "name"}, d.ColumnNames)
	require.Len(t, d.Preview, 3)
	v, _ := d.Preview[2].Get("name")
	assert.Equal(t, "Carol", v)
	assert.Equal(t, []dataset.Source{dataset.SourceUpload}, fired)
	assert.Empty(t, st.LastError())
}

func TestUnsupportedExtensionNeverReachesBackend(t *testing.T) {
	fake, st := setup(t, dataset.Options{})
	path := writeFile(t, "notes.txt", "hello")
	_, err := st.UploadFile(context.Background(), path)
	require.ErrorIs(t, err, dataset.ErrUnsupported)
	assert.Equal(t, 0, fake.Calls("POST /upload/file"))
	assert.False(t, st.Loaded())
	assert.Contains(t, st.LastError(), ".txt")
}

func TestFakeWorkbookRejectedLocally(t *testing.T) {
	fake, st := setup(t, dataset.Options{})
	path := writeFile(t, "book.xlsx", "id,name\n1,a\n")
	_, err := st.UploadFile(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, 0, fake.Calls("POST /upload/file"))
}

func TestOversizeFileRejected(t *testing.T) {
	fake, st := setup(t, dataset.Options{MaxUploadBytes: 10})
	path := writeFile(t, "big.csv", "id,name\n1,Alice\n2,Bob\n")
	_, err := st.UploadFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
	assert.Equal(t, 0, fake.Calls("POST /upload/file"))
}

func TestFailedUploadKeepsDescriptor(t *testing.T) {
	fake, st := setup(t, dataset.Options{})
	_, err := st.UploadFile(context.Background(), writeFile(t, "a.csv", "x\n1\n"))
	require.NoError(t, err)

	fake.Fail("POST /upload/file", http.StatusBadRequest, "Failed to parse file")
	_, err = st.UploadFile(context.Background(), writeFile(t, "b.csv", "y\n2\n"))
	require.Error(t, err)
	assert.Equal(t, "a.csv", st.Current().Name)
	assert.Equal(t, "Failed to parse file", st.LastError())
}

func TestEmptyPasteRejectedLocally(t *testing.T) {
	fake, st := setup(t, dataset.Options{})
	_, err := st.UploadPastedText(context.Background(), "  \n\t", ",", true)
	require.ErrorIs(t, err, dataset.ErrEmptyPaste)
	assert.Equal(t, 0, fake.Calls("POST /upload/paste"))
}

func TestPasteUpload(t *testing.T) {
	fake, st := setup(t, dataset.Options{})
	d, err := st.UploadPastedText(context.Background(), "a;b\n1;2\n", ";", true)
	require.NoError(t, err)
	assert.Equal(t, dataset.SourcePaste, d.Source)
	assert.Equal(t, []string{"a", "b"}, d.ColumnNames)
	body := fake.LastBody("POST /upload/paste")
	assert.Equal(t, ";", body["delimiter"])
	assert.Equal(t, "s-data", body["session_id"])
}

func TestPreviewIsCapped(t *testing.T) {
	_, st := setup(t, dataset.Options{PreviewRows: 5})
	var sb strings.Builder
	sb.WriteString("n\n")
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&sb, "%d\n", i)
	}
	d, err := st.UploadFile(context.Background(), writeFile(t, "n.csv", sb.String()))
	require.NoError(t, err)
	assert.Equal(t, 50, d.Rows)
	assert.Len(t, d.Preview, 5)
}

func TestConcurrentUploadRejected(t *testing.T) {
	fake, st := setup(t, dataset.Options{})
	gate := fake.Hold("POST /upload/paste")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := st.UploadPastedText(context.Background(), "a\n1\n", ",", true)
		assert.NoError(t, err)
	}()
	<-gate.Entered
	assert.True(t, st.Uploading())

	_, err := st.UploadPastedText(context.Background(), "b\n2\n", ",", true)
	assert.ErrorIs(t, err, dataset.ErrBusy)

	gate.Release()
	wg.Wait()
	assert.Equal(t, 1, fake.Calls("POST /upload/paste"))
	assert.Equal(t, []string{"a"}, st.Current().ColumnNames)
}

func TestReplaceFiresHooksAndRequire(t *testing.T) {
	_, st := setup(t, dataset.Options{})
	require.ErrorIs(t, st.Require(), dataset.ErrNoDataset)

	var got dataset.Source
	st.OnReplace(func(src dataset.Source) { got = src })
	st.Replace(dataset.Descriptor{Name: "x.csv", Rows: 1, Columns: 1, ColumnNames: []string{"a"}}, dataset.SourceClean)
	assert.Equal(t, dataset.SourceClean, got)
	require.NoError(t, st.Require())
}

func TestHookRegisteredDuringReplaceRunsNextTime(t *testing.T) {
	_, st := setup(t, dataset.Options{})
	var late []dataset.Source
	registered := false
	st.OnReplace(func(dataset.Source) {
		if !registered {
			registered = true
			st.OnReplace(func(src dataset.Source) { late = append(late, src) })
		}
	})

	st.Replace(dataset.Descriptor{Name: "a.csv"}, dataset.SourceUpload)
	assert.Empty(t, late)
	st.Replace(dataset.Descriptor{Name: "b.csv"}, dataset.SourceFeatures)
	assert.Equal(t, []dataset.Source{dataset.SourceFeatures}, late)
}

func TestDetect(t *testing.T) {
	for _, name := range []string{"a.csv", "A.TSV", "b.xlsx", "c.xls"} {
		_, err := dataset.Detect(name)
		assert.NoError(t, err, name)
	}
	_, err := dataset.Detect("d.json")
	assert.ErrorIs(t, err, dataset.ErrUnsupported)
	assert.Equal(t, []string{".csv", ".tsv", ".xlsx", ".xls"}, dataset.SupportedExtensions())
}
