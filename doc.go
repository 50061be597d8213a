// Package learner maintains a local, searchable store of academic paper
// metadata harvested from arXiv, the IACR Cryptology ePrint Archive and
// DOI registries (via Crossref), plus the PDFs that go with it.
//
// This package implements:
//   - Resolving free-form identifiers and URLs to a (source, identifier) pair
//   - Provider clients that fetch and normalize metadata into one schema
//   - A SQLite store with deduplication and an FTS5 full-text index
//   - PDF download and tracking, one file per paper and type
//   - Periodic re-ingestion of stale papers
//
// Basic usage:
//
//	store, err := learner.Open("/path/to/learner.db", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	l := learner.New(store, learner.Options{})
//	res, err := l.Add(ctx, "https://arxiv.org/abs/2301.07041", learner.AddOptions{Dir: "/path/to/pdfs"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(res.Paper.Title)
//
//	papers, err := store.Search(ctx, "verifiable delay", 10)
//
// The background refresher that keeps the store current lives in the
// daemon subpackage.
package learner
