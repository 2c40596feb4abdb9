package version

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportflow/internal/download"
	"reportflow/internal/remote"
	"reportflow/internal/task"
)

type fakeRemote struct {
	mu       sync.Mutex
	next     int
	requests []remote.VersionRequest
	getErr   error
	urlErr   error
	fileBase string
}

func (f *fakeRemote) CreateVersion(_ context.Context, _ string, req remote.VersionRequest) (remote.CreatedVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.requests = append(f.requests, req)
	return remote.CreatedVersion{ID: fmt.Sprintf("v%d", f.next), CreatedAt: time.Date(2026, 3, 1, 0, f.next, 0, 0, time.UTC)}, nil
}

func (f *fakeRemote) GetVersion(_ context.Context, id string) (remote.VersionContent, error) {
	if f.getErr != nil {
		return remote.VersionContent{}, f.getErr
	}
	return remote.VersionContent{Content: []byte(`{"title":"` + id + `"}`)}, nil
}

func (f *fakeRemote) CompareVersions(_ context.Context, a, b string) (remote.VersionDiff, error) {
	return remote.VersionDiff{Diff: a + ".." + b, Changes: []remote.Change{{Type: "modified", Section: "summary"}}}, nil
}

func (f *fakeRemote) DownloadURL(_ context.Context, id string) (string, error) {
	if f.urlErr != nil {
		return "", f.urlErr
	}
	if f.fileBase != "" {
		return f.fileBase + "/" + id + ".pdf", nil
	}
	return "https://files.example/" + id + ".pdf", nil
}

type fakeFetcher struct {
	url, name string
	err       error
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL, filename string) (download.Result, error) {
	f.url, f.name = rawURL, filename
	if f.err != nil {
		return download.Result{}, f.err
	}
	return download.Result{Path: "/tmp/" + filename, Bytes: 42}, nil
}

func newManager(r *fakeRemote, f *fakeFetcher) (*Manager, *int) {
	changes := 0
	m := NewManager(Options{
		Remote:   r,
		Fetcher:  f,
		Stage:    func() task.Stage { return task.StageReviewer },
		OnChange: func() { changes++ },
	})
	return m, &changes
}

func currentIDs(list []Version) []string {
	var ids []string
	for _, v := range list {
		if v.IsCurrent {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

func TestCreateVersionDemotesSiblings(t *testing.T) {
	r := &fakeRemote{}
	m, changes := newManager(r, nil)
	ctx := context.Background()

	first, err := m.CreateVersion(ctx, "rep-1", "draft", "")
	require.NoError(t, err)
	second, err := m.CreateVersion(ctx, "rep-1", "", "after review")
	require.NoError(t, err)
	_, err = m.CreateVersion(ctx, "rep-2", "other", "")
	require.NoError(t, err)

	list := m.List("rep-1")
	require.Len(t, list, 2)
	assert.Equal(t, []string{second.ID}, currentIDs(list))
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, "Version 2", second.Label)
	assert.Equal(t, task.StageReviewer, second.Stage)
	assert.Equal(t, "reviewer", r.requests[1].Stage)
	assert.Len(t, currentIDs(m.List("rep-2")), 1)
	assert.Equal(t, 3, *changes)
}

func TestCreateVersionRequiresReport(t *testing.T) {
	m, _ := newManager(&fakeRemote{}, nil)
	_, err := m.CreateVersion(context.Background(), "  ", "x", "")
	assert.ErrorIs(t, err, ErrMissingReportID)
}

func TestCreateThenSwitchRoundTrip(t *testing.T) {
	m, _ := newManager(&fakeRemote{}, nil)
	ctx := context.Background()

	a, err := m.CreateVersion(ctx, "rep-1", "a", "")
	require.NoError(t, err)
	_, err = m.CreateVersion(ctx, "rep-1", "b", "")
	require.NoError(t, err)
	c, err := m.CreateVersion(ctx, "rep-1", "c", "")
	require.NoError(t, err)

	_, ok, err := m.SwitchVersion(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{c.ID}, currentIDs(m.List("rep-1")))

	content, ok, err := m.SwitchVersion(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"v1"}`, string(content.Content))
	assert.Equal(t, []string{a.ID}, currentIDs(m.List("rep-1")))
	assert.Len(t, m.List("rep-1"), 3, "membership must not change")

	stored, ok := m.Content("rep-1")
	require.True(t, ok)
	assert.Equal(t, content, stored)
}

func TestSwitchUnknownIsNoop(t *testing.T) {
	m, changes := newManager(&fakeRemote{}, nil)
	_, err := m.CreateVersion(context.Background(), "rep-1", "a", "")
	require.NoError(t, err)
	before := m.List("rep-1")

	_, ok, err := m.SwitchVersion(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, m.List("rep-1"))
	assert.Equal(t, 1, *changes)
}

func TestSwitchFailureKeepsCurrent(t *testing.T) {
	r := &fakeRemote{}
	m, _ := newManager(r, nil)
	ctx := context.Background()
	a, _ := m.CreateVersion(ctx, "rep-1", "a", "")
	b, _ := m.CreateVersion(ctx, "rep-1", "b", "")

	r.getErr = errors.New("boom")
	_, ok, err := m.SwitchVersion(ctx, a.ID)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{b.ID}, currentIDs(m.List("rep-1")))
}

func TestCompareDelegates(t *testing.T) {
	m, _ := newManager(&fakeRemote{}, nil)
	diff, err := m.CompareVersions(context.Background(), "v1", "v2")
	require.NoError(t, err)
	assert.Equal(t, "v1..v2", diff.Diff)
	require.Len(t, diff.Changes, 1)

	_, err = m.CompareVersions(context.Background(), "v1", "")
	assert.ErrorIs(t, err, ErrMissingVersion)
}

func TestDownloadVersion(t *testing.T) {
	f := &fakeFetcher{}
	r := &fakeRemote{}
	m, changes := newManager(r, f)

	res, err := m.DownloadVersion(context.Background(), "v9", "final.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example/v9.pdf", f.url)
	assert.Equal(t, "final.pdf", f.name)
	assert.Equal(t, int64(42), res.Bytes)

	f.err = errors.New("disk full")
	_, err = m.DownloadVersion(context.Background(), "v9", "final.pdf")
	require.Error(t, err)

	r.urlErr = &remote.StatusError{Op: "download_version", Code: 404}
	_, err = m.DownloadVersion(context.Background(), "v9", "final.pdf")
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.Zero(t, *changes)
}

func TestDownloadVersionUsesConfiguredTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
			_, _ = w.Write([]byte("late"))
		}
	}))
	defer srv.Close()

	m := NewManager(Options{
		Remote:          &fakeRemote{fileBase: srv.URL},
		Fetcher:         download.New(t.TempDir()),
		DownloadTimeout: 50 * time.Millisecond,
	})

	began := time.Now()
	_, err := m.DownloadVersion(context.Background(), "v1", "slow.pdf")
	require.Error(t, err)
	assert.Less(t, time.Since(began), time.Second, "the download must give up after the configured timeout")
}

func TestResetForgetsVersions(t *testing.T) {
	m, _ := newManager(&fakeRemote{}, nil)
	_, _ = m.CreateVersion(context.Background(), "rep-1", "a", "")
	m.Reset()
	assert.Empty(t, m.All())
	assert.Empty(t, m.ReportIDs())
	_, ok := m.Current("rep-1")
	assert.False(t, ok)
}
