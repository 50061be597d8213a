package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/learner"
	"github.com/tmc/learner/daemon"
)

func TestExitCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("boom"), 1},
		{&learner.Error{Kind: learner.ErrUnrecognizedSource}, 2},
		{&learner.Error{Kind: learner.ErrNetwork, Transient: true}, 3},
		{&learner.Error{Kind: learner.ErrParse}, 4},
		{fmt.Errorf("download pdf: %w", &learner.Error{Kind: learner.ErrNotFound}), 5},
		{&learner.Error{Kind: learner.ErrDuplicate}, 6},
		{&learner.Error{Kind: learner.ErrStorage}, 7},
		{&daemon.Error{Kind: daemon.ErrAlreadyRunning, PID: 42}, 10},
		{&daemon.Error{Kind: daemon.ErrNotRunning}, 11},
		{&daemon.Error{Kind: daemon.ErrPermissionDenied}, 12},
		{&daemon.Error{Kind: daemon.ErrStaleLock}, 13},
		{&daemon.Error{Kind: daemon.ErrNotInstalled}, 14},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}

func TestDaemonConfigFromConfigFile(t *testing.T) {
	t.Parallel()
	cfg := learner.DefaultConfig()
	cfg.Daemon.PIDFile = "/tmp/learnerd.pid"
	cfg.Daemon.LogDir = "/tmp/learnerd-logs"

	dc := daemonConfig(cfg, "/tmp/services", nil)
	assert.Equal(t, "/tmp/learnerd.pid", dc.PIDFile)
	assert.Equal(t, "/tmp/learnerd-logs", dc.LogDir)
	assert.Equal(t, daemon.DefaultConfig().WorkingDir, dc.WorkingDir)
	assert.Equal(t, "/tmp/services", dc.ServiceDir)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	store, err := learner.Open(filepath.Join(t.TempDir(), "learner.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, p := range []struct {
		paper  *learner.Paper
		author string
	}{
		{&learner.Paper{Title: "Attention Is All You Need", Abstract: "Transformers.", Source: learner.Arxiv, SourceIdentifier: "1706.03762", PublicationDate: time.Date(2017, 6, 12, 0, 0, 0, 0, time.UTC)}, "Ashish Vaswani"},
		{&learner.Paper{Title: "Sanitizable Signatures", Abstract: "Signatures.", Source: learner.IACR, SourceIdentifier: "2016/260", PublicationDate: time.Date(2016, 3, 10, 0, 0, 0, 0, time.UTC)}, "Alice Smith"},
	} {
		_, err := store.Save(ctx, p.paper, []learner.Author{{Name: p.author}})
		require.NoError(t, err)
	}

	srv := &server{store: store, learner: learner.New(store, learner.Options{}), pdfDir: t.TempDir()}
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServeIndex(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	status, body := get(t, ts.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "2 papers")
	assert.Contains(t, body, "Attention Is All You Need")
	assert.Contains(t, body, "Sanitizable Signatures")
}

func TestServeSearch(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	status, body := get(t, ts.URL+"/search?q=attention")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "1 results")
	assert.Contains(t, body, "Attention Is All You Need")

	status, body = get(t, ts.URL+"/search?q=signatures&format=json")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"source_identifier":"2016/260"`)

	_, body = get(t, ts.URL+"/search?q=atention")
	assert.Contains(t, body, "Did you mean")
}

func TestServePaper(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	status, body := get(t, ts.URL+"/paper/iacr/2016/260")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "<h1>Sanitizable Signatures</h1>")
	assert.Contains(t, body, "Cryptology ePrint Archive, Paper 2016/260")
	assert.Contains(t, body, "No PDF available.")

	status, _ = get(t, ts.URL+"/paper/arxiv/0000.00000")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = get(t, ts.URL+"/paper/pubmed/1")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = get(t, ts.URL+"/pdf/arxiv/1706.03762")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServeAuthor(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	status, body := get(t, ts.URL+"/author/Vaswani")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "1 papers found")
	assert.Contains(t, body, "Attention Is All You Need")
}

func TestServeSitemap(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	status, body := get(t, ts.URL+"/sitemap.xml")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	assert.Contains(t, body, "<loc>"+ts.URL+"/paper/arxiv/1706.03762</loc>")
	assert.Contains(t, body, "<loc>"+ts.URL+"/paper/iacr/2016/260</loc>")
}

func TestBuildSitemapDeduplicates(t *testing.T) {
	t.Parallel()
	p := learner.Paper{Source: learner.DOI, SourceIdentifier: "10.1000/x"}
	data, err := buildSitemap("https://papers.example.com/", []learner.Paper{p, p})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "<url>"))
	assert.Contains(t, string(data), "<loc>https://papers.example.com/paper/doi/10.1000/x</loc>")
	assert.NotContains(t, string(data), "lastmod")
}
