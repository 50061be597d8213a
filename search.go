package learner

import (
	"context"
	"strings"
	"unicode"

	"github.com/sajari/fuzzy"
)

// Search matches query against paper titles and abstracts, best match
// first. Every term must match; matching is case-insensitive. An empty
// result is not an error.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Paper, error) {
	if limit <= 0 {
		limit = 20
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	// FTS5 MATCH has no GORM equivalent; rank ids with raw SQL, then load rows.
	var ids []int64
	err := s.db.WithContext(ctx).Raw(
		"SELECT rowid FROM papers_fts WHERE papers_fts MATCH ? ORDER BY rank LIMIT ?",
		match, limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, storageError("search", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var rows []Paper
	if err := s.preloaded(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, storageError("search", err)
	}

	byID := make(map[int64]Paper, len(rows))
	for _, p := range rows {
		byID[p.ID] = p
	}
	papers := make([]Paper, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			papers = append(papers, p)
		}
	}
	return papers, nil
}

// SearchByAuthor returns papers with an author whose name contains name.
func (s *Store) SearchByAuthor(ctx context.Context, name string, limit int) ([]Paper, error) {
	if limit <= 0 {
		limit = 100
	}
	var papers []Paper
	err := s.preloaded(ctx).
		Where("id IN (?)", s.db.Model(&Author{}).Select("paper_id").Where("name LIKE ?", "%"+name+"%")).
		Order("publication_date DESC").
		Limit(limit).
		Find(&papers).Error
	if err != nil {
		return nil, storageError("search by author", err)
	}
	return papers, nil
}

// ListPapers lists papers, most recently added first.
func (s *Store) ListPapers(ctx context.Context, offset, limit int) ([]Paper, error) {
	if limit <= 0 {
		limit = 100
	}
	var papers []Paper
	err := s.preloaded(ctx).Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&papers).Error
	if err != nil {
		return nil, storageError("list papers", err)
	}
	return papers, nil
}

// Suggest returns a spelling-corrected query built from words in stored
// titles, or "" when no term needs correcting.
func (s *Store) Suggest(ctx context.Context, query string) (string, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return "", nil
	}

	var titles []string
	if err := s.db.WithContext(ctx).Model(&Paper{}).Pluck("title", &titles).Error; err != nil {
		return "", storageError("suggest", err)
	}
	if len(titles) == 0 {
		return "", nil
	}

	model := fuzzy.NewModel()
	model.SetThreshold(1) // every stored word counts
	model.SetDepth(2)     // up to two edits
	var words []string
	for _, t := range titles {
		words = append(words, searchTerms(t)...)
	}
	model.Train(words)

	changed := false
	out := make([]string, len(terms))
	for i, term := range terms {
		out[i] = term
		if len(term) < 3 {
			continue
		}
		if fix := model.SpellCheck(term); fix != "" && fix != term {
			out[i] = fix
			changed = true
		}
	}
	if !changed {
		return "", nil
	}
	return strings.Join(out, " "), nil
}

// searchTerms splits text into lower-cased alphanumeric words.
func searchTerms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ftsQuery turns free text into an FTS5 query of quoted terms, so user
// input never reaches the FTS5 query syntax. Adjacent terms are ANDed.
func ftsQuery(text string) string {
	terms := searchTerms(text)
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " ")
}
