package learner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncRefreshesStalePapers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeProviders(t)
	f.setTitle("2301.00001", "Unchanged Paper")
	l := newTestLearner(t, f)

	for _, id := range []string{"2301.07041", "2301.00001"} {
		_, err := l.Add(ctx, id, AddOptions{NoPDF: true})
		require.NoError(t, err)
	}
	time.Sleep(20 * time.Millisecond)

	f.setTitle("2301.07041", "Attention Is All You Need (v3)")

	var progress []int
	res, err := l.Sync(ctx, SyncOptions{
		RefreshAfter: 10 * time.Millisecond,
		Concurrency:  1,
		Progress:     func(done, total int) { progress = append(progress, done) },
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Updated)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []int{1, 2}, progress)

	got, err := l.Store().Get(ctx, Arxiv, "2301.07041")
	require.NoError(t, err)
	assert.Equal(t, "Attention Is All You Need (v3)", got.Title)

	last, err := l.Store().GetConfig(ctx, ConfigLastSync)
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339, last)
	assert.NoError(t, err)

	// Everything was just refreshed, so a second pass has nothing to do.
	res, err = l.Sync(ctx, SyncOptions{RefreshAfter: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, res.Checked)
}

func TestSyncRecordsFetchFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeProviders(t)
	l := newTestLearner(t, f)

	// A paper the provider no longer knows about.
	_, err := l.Store().Save(ctx, samplePaper(Arxiv, "2301.55555", "Withdrawn"), nil)
	require.NoError(t, err)
	_, err = l.Add(ctx, "2301.07041", AddOptions{NoPDF: true})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	res, err := l.Sync(ctx, SyncOptions{RefreshAfter: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	require.Len(t, res.Failed, 1)
	assert.True(t, IsKind(res.Failed[paperKey(Arxiv, "2301.55555")], ErrNotFound))

	got, err := l.Store().Get(ctx, Arxiv, "2301.55555")
	require.NoError(t, err, "failed refreshes keep the stored paper")
	assert.Equal(t, "Withdrawn", got.Title)
}

func TestSyncLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeProviders(t)
	f.setTitle("2301.00001", "One")
	f.setTitle("2301.00002", "Two")
	l := newTestLearner(t, f)

	for _, id := range []string{"2301.00001", "2301.00002", "2301.07041"} {
		_, err := l.Add(ctx, id, AddOptions{NoPDF: true})
		require.NoError(t, err)
	}
	time.Sleep(20 * time.Millisecond)

	res, err := l.Sync(ctx, SyncOptions{RefreshAfter: 10 * time.Millisecond, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
}
