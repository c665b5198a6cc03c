package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"embedbase/internal/apperrors"
	"embedbase/internal/models"
	"embedbase/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	ingested   []services.IngestRequest
	searched   []services.SearchRequest
	visibility []bool
	ingestErr  error
	searchErr  error
	closed     bool
}

func (f *fakeBackend) Ingest(_ context.Context, req services.IngestRequest) (*services.UpsertResult, error) {
	f.ingested = append(f.ingested, req)
	res := &services.UpsertResult{DatasetID: req.DatasetID, Written: 3, Batches: 1}
	if f.ingestErr != nil {
		res.Written, res.Batches, res.FailedBatches = 1, 2, []int{1}
	}
	return res, f.ingestErr
}

func (f *fakeBackend) Search(_ context.Context, req services.SearchRequest) (*models.SearchResponse, error) {
	f.searched = append(f.searched, req)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &models.SearchResponse{
		DatasetIDs: req.DatasetIDs,
		Similarities: []*models.SearchResult{
			{ID: "doc-1", DatasetID: req.DatasetIDs[0], Data: "the cat sat", Score: 0.93},
		},
	}, nil
}

func (f *fakeBackend) SetVisibility(_ context.Context, datasetID, _ string, public bool) (*models.Dataset, error) {
	f.visibility = append(f.visibility, public)
	return &models.Dataset{ID: datasetID, Public: public}, nil
}

func run(t *testing.T, b *fakeBackend, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(func(context.Context) (Backend, func(context.Context) error, error) {
		return b, func(context.Context) error { b.closed = true; return nil }, nil
	})
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestIngestCommand(t *testing.T) {
	b := &fakeBackend{}
	path := writeFile(t, "notes.txt", "hello there")

	out, err := run(t, b, "ingest", "--owner", "alice", "--dataset", "notes", path)
	require.NoError(t, err)
	assert.Contains(t, out, "3 documents in 1 batches written to notes")
	assert.True(t, b.closed)

	require.Len(t, b.ingested, 1)
	assert.Equal(t, "alice", b.ingested[0].OwnerID)
	assert.Equal(t, "hello there", b.ingested[0].Text)
	assert.Equal(t, "notes.txt", b.ingested[0].Metadata["file_name"])
}

func TestIngestCommandReadsStdin(t *testing.T) {
	b := &fakeBackend{}
	cmd := NewRootCommand(func(context.Context) (Backend, func(context.Context) error, error) { return b, nil, nil })
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetIn(strings.NewReader("piped text"))
	cmd.SetArgs([]string{"ingest", "--owner", "alice", "-d", "notes", "-"})

	require.NoError(t, cmd.Execute())
	require.Len(t, b.ingested, 1)
	assert.Equal(t, "piped text", b.ingested[0].Text)
}

func TestIngestCommandNeedsOwner(t *testing.T) {
	_, err := run(t, &fakeBackend{}, "ingest", "--dataset", "notes", "x.txt")
	assert.ErrorContains(t, err, "--owner is required")
}

func TestIngestCommandReportsPartialFailure(t *testing.T) {
	b := &fakeBackend{ingestErr: &apperrors.PartialFailureError{Written: 1, TotalBatches: 2, FailedBatches: []int{1}}}
	path := writeFile(t, "big.txt", "many words")

	out, err := run(t, b, "ingest", "--owner", "alice", "--dataset", "notes", path)
	var pf *apperrors.PartialFailureError
	assert.ErrorAs(t, err, &pf)
	assert.Contains(t, out, "failed batches: [1]")
	assert.True(t, b.closed)
}

func TestSearchCommand(t *testing.T) {
	b := &fakeBackend{}

	out, err := run(t, b, "search", "--owner", "alice", "-d", "notes", "-d", "pets",
		"--top-k", "3", "--threshold", "0.5", "--where", `{"file_name":"notes.txt"}`, "cat")
	require.NoError(t, err)
	assert.Contains(t, out, "Results:")
	assert.Contains(t, out, "notes/doc-1 (0.930)")

	require.Len(t, b.searched, 1)
	req := b.searched[0]
	assert.Equal(t, []string{"notes", "pets"}, req.DatasetIDs)
	assert.Equal(t, 3, req.TopK)
	require.NotNil(t, req.Threshold)
	assert.InDelta(t, 0.5, *req.Threshold, 1e-6)
	assert.Equal(t, models.Equals{Field: "file_name", Value: "notes.txt"}, req.Filter)
}

func TestSearchCommandClosesBackendOnError(t *testing.T) {
	b := &fakeBackend{searchErr: apperrors.Provider("provider unavailable", nil)}

	_, err := run(t, b, "search", "--owner", "alice", "-d", "notes", "cat")
	assert.ErrorContains(t, err, "search failed")
	assert.True(t, b.closed)
}

func TestCloseErrorIsReported(t *testing.T) {
	b := &fakeBackend{}
	cmd := NewRootCommand(func(context.Context) (Backend, func(context.Context) error, error) {
		return b, func(context.Context) error { return errors.New("pool busy") }, nil
	})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"visibility", "--owner", "alice", "-d", "notes"})

	err := cmd.Execute()
	assert.ErrorContains(t, err, "failed to stop services: pool busy")
}

func TestSearchCommandDefaultsThreshold(t *testing.T) {
	b := &fakeBackend{}
	_, err := run(t, b, "search", "-d", "notes", "cat")
	require.NoError(t, err)
	require.Len(t, b.searched, 1)
	assert.Nil(t, b.searched[0].Threshold)
	assert.Equal(t, services.DefaultTopK, b.searched[0].TopK)
}

func TestSearchCommandRejectsCompoundFilter(t *testing.T) {
	b := &fakeBackend{}
	_, err := run(t, b, "search", "-d", "notes", "--where", `{"a":1,"b":2}`, "cat")
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedFilter)
	assert.Empty(t, b.searched)
}

func TestSearchCommandRequiresOneQuery(t *testing.T) {
	_, err := run(t, &fakeBackend{}, "search", "-d", "notes")
	assert.ErrorContains(t, err, "accepts 1 arg(s)")
}

func TestVisibilityCommand(t *testing.T) {
	b := &fakeBackend{}

	out, err := run(t, b, "visibility", "--owner", "alice", "-d", "notes")
	require.NoError(t, err)
	assert.Contains(t, out, "notes is now public")

	out, err = run(t, b, "visibility", "--owner", "alice", "-d", "notes", "--public=false")
	require.NoError(t, err)
	assert.Contains(t, out, "notes is now private")
	assert.Equal(t, []bool{true, false}, b.visibility)
}

func TestJSONOutput(t *testing.T) {
	out, err := run(t, &fakeBackend{}, "visibility", "--owner", "alice", "-d", "notes", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"public": true`)
}
