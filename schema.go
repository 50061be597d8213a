package learner

// migrations are applied in order; schema_migrations records the last
// applied version so Open is idempotent on an up-to-date store.
var migrations = []string{
	// 1: base tables
	`
CREATE TABLE IF NOT EXISTS papers (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    title             TEXT NOT NULL,
    abstract_text     TEXT NOT NULL DEFAULT '',
    publication_date  DATETIME,
    source            TEXT NOT NULL,
    source_identifier TEXT NOT NULL,
    pdf_url           TEXT NOT NULL DEFAULT '',
    doi               TEXT NOT NULL DEFAULT '',
    metadata          JSON NOT NULL DEFAULT '{}',
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL,
    UNIQUE(source, source_identifier)
);

CREATE INDEX IF NOT EXISTS idx_papers_updated_at ON papers(updated_at);
CREATE INDEX IF NOT EXISTS idx_papers_doi ON papers(doi);

CREATE TABLE IF NOT EXISTS authors (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    paper_id    INTEGER NOT NULL REFERENCES papers(id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    affiliation TEXT NOT NULL DEFAULT '',
    email       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_authors_paper ON authors(paper_id);
CREATE INDEX IF NOT EXISTS idx_authors_name ON authors(name);

CREATE TABLE IF NOT EXISTS files (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    paper_id      INTEGER NOT NULL REFERENCES papers(id) ON DELETE CASCADE,
    path          TEXT NOT NULL,
    filename      TEXT NOT NULL,
    hash          TEXT NOT NULL DEFAULT '',
    last_modified DATETIME NOT NULL,
    file_type     TEXT NOT NULL,
    UNIQUE(paper_id, file_type)
);

CREATE TABLE IF NOT EXISTS config (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`,
	// 2: full-text index over title and abstract, kept in sync by triggers
	`
CREATE VIRTUAL TABLE IF NOT EXISTS papers_fts USING fts5(
    title,
    abstract_text,
    content='papers',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS papers_ai AFTER INSERT ON papers BEGIN
    INSERT INTO papers_fts(rowid, title, abstract_text)
    VALUES (NEW.id, NEW.title, NEW.abstract_text);
END;

CREATE TRIGGER IF NOT EXISTS papers_ad AFTER DELETE ON papers BEGIN
    INSERT INTO papers_fts(papers_fts, rowid, title, abstract_text)
    VALUES ('delete', OLD.id, OLD.title, OLD.abstract_text);
END;

CREATE TRIGGER IF NOT EXISTS papers_au AFTER UPDATE ON papers BEGIN
    INSERT INTO papers_fts(papers_fts, rowid, title, abstract_text)
    VALUES ('delete', OLD.id, OLD.title, OLD.abstract_text);
    INSERT INTO papers_fts(rowid, title, abstract_text)
    VALUES (NEW.id, NEW.title, NEW.abstract_text);
END;

INSERT INTO papers_fts(papers_fts) VALUES ('rebuild');
`,
}
