package learner

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePaper(source Source, id, title string) *Paper {
	return &Paper{
		Title:            title,
		Abstract:         "An abstract about " + title,
		PublicationDate:  time.Date(2023, 1, 17, 0, 0, 0, 0, time.UTC),
		Source:           source,
		SourceIdentifier: id,
		PDFURL:           "https://example.com/" + id + ".pdf",
	}
}

func sampleAuthors(names ...string) []Author {
	authors := make([]Author, len(names))
	for i, n := range names {
		authors[i] = Author{Name: n}
	}
	return authors
}

func TestStoreSaveAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	p := samplePaper(Arxiv, "2301.07041", "Attention Is All You Need")
	p.DOI = "10.48550/arxiv.2301.07041"
	created, err := store.Save(ctx, p, sampleAuthors("Ashish Vaswani", "Noam Shazeer"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, p.ID)
	assert.False(t, p.CreatedAt.IsZero())

	got, err := store.Get(ctx, Arxiv, "2301.07041")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "Attention Is All You Need", got.Title)
	assert.Equal(t, "10.48550/arxiv.2301.07041", got.DOI)
	assert.True(t, got.PublicationDate.Equal(p.PublicationDate))
	assert.Equal(t, []string{"Ashish Vaswani", "Noam Shazeer"}, got.AuthorNames())
	assert.JSONEq(t, "{}", string(got.Metadata))

	byID, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Title, byID.Title)

	_, err = store.Get(ctx, Arxiv, "0000.00000")
	assert.True(t, IsKind(err, ErrNotFound))
	_, err = store.GetByID(ctx, 9999)
	assert.True(t, IsKind(err, ErrNotFound))
}

func TestStoreSaveIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	first := samplePaper(Arxiv, "2301.07041", "Original Title")
	_, err := store.Save(ctx, first, sampleAuthors("A One", "B Two"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	second := samplePaper(Arxiv, "2301.07041", "Revised Title")
	created, err := store.Save(ctx, second, sampleAuthors("C Three"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	got, err := store.Get(ctx, Arxiv, "2301.07041")
	require.NoError(t, err)
	assert.Equal(t, "Revised Title", got.Title)
	assert.Equal(t, []string{"C Three"}, got.AuthorNames(), "authors are replaced wholesale")
	assert.WithinDuration(t, first.CreatedAt, got.CreatedAt, time.Millisecond, "created_at is preserved")
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Papers)
	assert.EqualValues(t, 1, stats.Authors)
}

func TestStoreConcurrentSavesKeepOneRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Save(ctx, samplePaper(IACR, "2016/260", "Sanitizable Signatures"), sampleAuthors("Alice"))
			assert.NoError(t, err)
			mu.Lock()
			if ok {
				created++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Papers)
	assert.EqualValues(t, 1, stats.Authors)
}

func TestStoreRejectDuplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "learner.db"), &StoreOptions{RejectDuplicates: true})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Save(ctx, samplePaper(DOI, "10.1000/x", "First"), nil)
	require.NoError(t, err)
	_, err = store.Save(ctx, samplePaper(DOI, "10.1000/x", "Second"), nil)
	assert.True(t, IsKind(err, ErrDuplicate), "got %v", err)

	got, err := store.Get(ctx, DOI, "10.1000/x")
	require.NoError(t, err)
	assert.Equal(t, "First", got.Title)
}

func TestStoreSaveRequiresIdentifier(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	_, err := store.Save(context.Background(), &Paper{Title: "No id"}, nil)
	assert.Error(t, err)
}

func TestStoreGetReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Save(ctx, samplePaper(Arxiv, "2301.07041", "Title"), sampleAuthors("A"))
	require.NoError(t, err)

	a, err := store.Get(ctx, Arxiv, "2301.07041")
	require.NoError(t, err)
	a.Title = "mutated"
	a.Authors[0].Name = "mutated"

	b, err := store.Get(ctx, Arxiv, "2301.07041")
	require.NoError(t, err)
	assert.Equal(t, "Title", b.Title)
	assert.Equal(t, "A", b.Authors[0].Name)
}

func TestStoreRemoveCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	p := samplePaper(Arxiv, "2301.07041", "Attention Is All You Need")
	_, err := store.Save(ctx, p, sampleAuthors("Ashish Vaswani"))
	require.NoError(t, err)
	_, err = store.AddFile(ctx, p.ID, FileTypePDF, "/tmp/x.pdf", "x.pdf", time.Now(), "abc")
	require.NoError(t, err)

	results, err := store.Search(ctx, "attention", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	require.NoError(t, store.Remove(ctx, Arxiv, "2301.07041"))

	_, err = store.Get(ctx, Arxiv, "2301.07041")
	assert.True(t, IsKind(err, ErrNotFound))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Papers)
	assert.Zero(t, stats.Authors)
	assert.Zero(t, stats.Files)

	results, err = store.Search(ctx, "attention", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
	require.NoError(t, store.CheckFTSIndex(ctx))

	err = store.Remove(ctx, Arxiv, "2301.07041")
	assert.True(t, IsKind(err, ErrNotFound))
}

func TestStoreAddFileReplaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	p := samplePaper(IACR, "2016/260", "Title")
	_, err := store.Save(ctx, p, nil)
	require.NoError(t, err)

	first, err := store.AddFile(ctx, p.ID, FileTypePDF, "/a/one.pdf", "one.pdf", time.Now(), "h1")
	require.NoError(t, err)
	second, err := store.AddFile(ctx, p.ID, FileTypePDF, "/b/two.pdf", "two.pdf", time.Now(), "h2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := store.Get(ctx, IACR, "2016/260")
	require.NoError(t, err)
	require.Len(t, got.Files, 1)
	f := got.File(FileTypePDF)
	require.NotNil(t, f)
	assert.Equal(t, "/b/two.pdf", f.Path)
	assert.Equal(t, "two.pdf", f.Filename)
	assert.Equal(t, "h2", f.Hash)

	_, err = store.AddFile(ctx, 9999, FileTypePDF, "/c.pdf", "c.pdf", time.Now(), "")
	assert.True(t, IsKind(err, ErrNotFound), "got %v", err)
}

func TestStoreConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetConfig(ctx, ConfigStoragePath)
	assert.True(t, IsKind(err, ErrNotFound))

	require.NoError(t, store.SetConfig(ctx, ConfigStoragePath, "/tmp/one"))
	require.NoError(t, store.SetConfig(ctx, ConfigStoragePath, "/tmp/two"))
	require.NoError(t, store.SetConfig(ctx, ConfigDatabasePath, "/tmp/learner.db"))

	v, err := store.GetConfig(ctx, ConfigStoragePath)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/two", v)

	entries, err := store.ConfigEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ConfigEntry{
		{Key: ConfigDatabasePath, Value: "/tmp/learner.db"},
		{Key: ConfigStoragePath, Value: "/tmp/two"},
	}, entries)
}

func TestStoreReopenKeepsDataAndSchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "learner.db")

	store, err := Open(path, nil)
	require.NoError(t, err)
	_, err = store.Save(ctx, samplePaper(Arxiv, "2301.07041", "Persistent"), nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path, nil)
	require.NoError(t, err)
	defer store.Close()

	v, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	got, err := store.Get(ctx, Arxiv, "2301.07041")
	require.NoError(t, err)
	assert.Equal(t, "Persistent", got.Title)
	assert.Equal(t, path, store.Path())
}

func TestStoreStatsBySource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	for _, p := range []*Paper{
		samplePaper(Arxiv, "2301.00001", "One"),
		samplePaper(Arxiv, "2301.00002", "Two"),
		samplePaper(IACR, "2016/260", "Three"),
	} {
		_, err := store.Save(ctx, p, sampleAuthors("X", "Y"))
		require.NoError(t, err)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Papers)
	assert.EqualValues(t, 6, stats.Authors)
	assert.Equal(t, map[Source]int64{Arxiv: 2, IACR: 1}, stats.BySource)
}

func TestStorePapersUpdatedBefore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Save(ctx, samplePaper(Arxiv, "2301.00001", "Old"), nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(20 * time.Millisecond)
	_, err = store.Save(ctx, samplePaper(Arxiv, "2301.00002", "New"), nil)
	require.NoError(t, err)

	stale, err := store.PapersUpdatedBefore(ctx, cutoff, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "2301.00001", stale[0].SourceIdentifier)
}

func TestLRUEviction(t *testing.T) {
	t.Parallel()
	c := NewLRU[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	_, _ = c.Get("a") // a is now most recent
	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())

	c.Put("a", 10)
	v, _ = c.Get("a")
	assert.Equal(t, 10, v)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}
