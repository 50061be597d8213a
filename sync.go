package learner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SyncOptions configures a metadata refresh.
type SyncOptions struct {
	// RefreshAfter selects papers not updated within this window (default 7 days).
	RefreshAfter time.Duration

	// Concurrency overrides the Learner's fetch parallelism.
	Concurrency int

	// Limit caps how many papers one pass refreshes (0 means all).
	Limit int

	// Progress, if set, is called after each paper.
	Progress func(done, total int)

	// Logger overrides the Learner's logger for this pass.
	Logger logrus.FieldLogger
}

// SyncResult summarizes a refresh pass.
type SyncResult struct {
	Checked int
	Updated int

	// Failed maps paper keys to the error that stopped their refresh.
	Failed map[string]error
}

// Sync re-fetches metadata for papers that have not been refreshed
// recently and stores what changed. Fetch failures are recorded per paper
// and do not stop the pass; a storage failure aborts it.
func (l *Learner) Sync(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	if opts.RefreshAfter <= 0 {
		opts.RefreshAfter = 7 * 24 * time.Hour
	}
	log := opts.Logger
	if log == nil {
		log = l.log
	}
	stale, err := l.store.PapersUpdatedBefore(ctx, time.Now().Add(-opts.RefreshAfter), opts.Limit)
	if err != nil {
		return nil, err
	}

	res := &SyncResult{Failed: make(map[string]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	limit := l.concurrency
	if opts.Concurrency > 0 {
		limit = opts.Concurrency
	}
	g.SetLimit(limit)
	for _, p := range stale {
		g.Go(func() error {
			updated, err := l.refresh(gctx, p)

			mu.Lock()
			defer mu.Unlock()
			res.Checked++
			if opts.Progress != nil {
				opts.Progress(res.Checked, len(stale))
			}
			switch {
			case err == nil:
				if updated {
					res.Updated++
				}
				return nil
			case IsKind(err, ErrStorage):
				return err
			default:
				res.Failed[p.Key()] = err
				log.WithFields(logrus.Fields{
					"source":     p.Source,
					"identifier": p.SourceIdentifier,
				}).WithError(err).Warn("refresh failed")
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	if err := l.store.SetConfig(ctx, ConfigLastSync, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return res, err
	}
	log.WithFields(logrus.Fields{
		"checked": res.Checked,
		"updated": res.Updated,
		"failed":  len(res.Failed),
	}).Info("sync complete")
	return res, nil
}

// refresh re-fetches one paper and saves it. It reports whether any
// stored field changed; the paper is saved either way so its updated_at
// moves forward.
func (l *Learner) refresh(ctx context.Context, old Paper) (bool, error) {
	p, authors, err := l.fetch(ctx, Identifier{Source: old.Source, ID: old.SourceIdentifier})
	if err != nil {
		return false, err
	}
	current, err := l.store.Get(ctx, old.Source, old.SourceIdentifier)
	if err != nil && !IsKind(err, ErrNotFound) {
		return false, err
	}
	changed := current == nil || paperChanged(current, p, authors)
	if _, err := l.store.Save(ctx, p, authors); err != nil {
		return false, fmt.Errorf("refresh %s: %w", old.Key(), err)
	}
	return changed, nil
}

func paperChanged(old, p *Paper, authors []Author) bool {
	if old.Title != p.Title || old.Abstract != p.Abstract || old.PDFURL != p.PDFURL || old.DOI != p.DOI {
		return true
	}
	if !old.PublicationDate.Equal(p.PublicationDate) {
		return true
	}
	if len(old.Authors) != len(authors) {
		return true
	}
	for i := range authors {
		if old.Authors[i].Name != authors[i].Name {
			return true
		}
	}
	return false
}
