package learner

import "context"

// RebuildFTSIndex rebuilds the full-text index from the papers table.
// Note: Uses raw SQL because GORM doesn't support FTS5.
func (s *Store) RebuildFTSIndex(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("INSERT INTO papers_fts(papers_fts) VALUES ('rebuild')").Error; err != nil {
		return storageError("rebuild fts index", err)
	}
	return nil
}

// CheckFTSIndex runs the FTS5 integrity check against the papers table.
func (s *Store) CheckFTSIndex(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("INSERT INTO papers_fts(papers_fts, rank) VALUES ('integrity-check', 1)").Error; err != nil {
		return storageError("fts index inconsistent", err)
	}
	return nil
}
