package learner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // registers the "sqlite" driver; FTS5 is built in
)

// Store is the transactional paper store: papers, authors, files and
// config, plus a full-text index kept in sync by triggers.
type Store struct {
	path string
	db   *gorm.DB
	opts StoreOptions
	log  logrus.FieldLogger

	mu    sync.Mutex
	gen   uint64 // bumped on every invalidation
	cache *LRU[string, *Paper]
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// RejectDuplicates makes Save fail with ErrDuplicate instead of
	// updating an existing paper in place.
	RejectDuplicates bool

	// CacheSize bounds the in-memory paper cache (default 1024).
	CacheSize int

	Logger logrus.FieldLogger
}

// Open opens or creates the store at path and applies pending migrations.
func Open(path string, opts *StoreOptions) (*Store, error) {
	if opts == nil {
		opts = &StoreOptions{}
	}
	log := opts.Logger
	if log == nil {
		log = discardLogger()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageError("create database dir", err)
	}

	// modernc.org/sqlite is pure Go and ships FTS5; foreign keys must be
	// enabled per connection for the cascades to fire.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dsn,
	}, &gorm.Config{
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, storageError("open database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageError("open database", err)
	}
	// Single writer: every mutation runs in a transaction on one connection.
	sqlDB.SetMaxOpenConns(1)

	s := &Store{
		path:  path,
		db:    db,
		cache: NewLRU[string, *Paper](opts.CacheSize),
		opts:  *opts,
		log:   log,
	}
	if err := s.migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`).Error; err != nil {
		return storageError("create schema_migrations", err)
	}

	var current int
	if err := db.Raw("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current).Error; err != nil {
		return storageError("read schema version", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(migrations[i]).Error; err != nil {
				return err
			}
			return tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				version, time.Now().UTC()).Error
		})
		if err != nil {
			return storageError(fmt.Sprintf("apply migration %d", version), err)
		}
		s.log.WithField("version", version).Debug("applied migration")
	}
	return nil
}

// SchemaVersion returns the last applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.WithContext(ctx).Raw("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v).Error
	if err != nil {
		return 0, storageError("read schema version", err)
	}
	return v, nil
}

// Save stores a paper and its authors atomically. A paper with the same
// (source, identifier) is updated in place: mutable fields are replaced,
// created_at is preserved and authors are replaced wholesale. It reports
// whether a new row was created. On return p carries the stored ids,
// timestamps and authors.
func (s *Store) Save(ctx context.Context, p *Paper, authors []Author) (created bool, err error) {
	if p.Source == "" || p.SourceIdentifier == "" {
		return false, parseError("paper has no source identifier", nil)
	}
	if len(p.Metadata) == 0 {
		p.Metadata = datatypes.JSON("{}")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Paper
		err := tx.Where("source = ? AND source_identifier = ?", p.Source, p.SourceIdentifier).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := *p
			row.ID = 0
			row.Authors, row.Files = nil, nil
			row.CreatedAt, row.UpdatedAt = time.Time{}, time.Time{}
			if err := tx.Omit(clause.Associations).Create(&row).Error; err != nil {
				return err
			}
			p.ID, p.CreatedAt, p.UpdatedAt = row.ID, row.CreatedAt, row.UpdatedAt
			created = true

		case err != nil:
			return err

		default:
			if s.opts.RejectDuplicates {
				return &Error{Kind: ErrDuplicate, Message: fmt.Sprintf("paper already stored: %s %s", p.Source, p.SourceIdentifier)}
			}
			now := time.Now().UTC()
			err := tx.Model(&Paper{}).Where("id = ?", existing.ID).Updates(map[string]any{
				"title":            p.Title,
				"abstract_text":    p.Abstract,
				"publication_date": p.PublicationDate,
				"pdf_url":          p.PDFURL,
				"doi":              p.DOI,
				"metadata":         p.Metadata,
				"updated_at":       now,
			}).Error
			if err != nil {
				return err
			}
			if err := tx.Where("paper_id = ?", existing.ID).Delete(&Author{}).Error; err != nil {
				return err
			}
			p.ID, p.CreatedAt, p.UpdatedAt = existing.ID, existing.CreatedAt, now
		}

		rows := make([]Author, len(authors))
		for i, a := range authors {
			rows[i] = Author{PaperID: p.ID, Name: a.Name, Affiliation: a.Affiliation, Email: a.Email}
		}
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		p.Authors = rows
		return nil
	})
	if err != nil {
		return false, storageError("save paper", err)
	}

	s.invalidate(p.Key())
	s.log.WithFields(logrus.Fields{
		"source":     p.Source,
		"identifier": p.SourceIdentifier,
		"created":    created,
	}).Debug("saved paper")
	return created, nil
}

// Get returns the paper with its authors and files.
func (s *Store) Get(ctx context.Context, source Source, id string) (*Paper, error) {
	key := paperKey(source, id)
	s.mu.Lock()
	cached, ok := s.cache.Get(key)
	gen := s.gen
	s.mu.Unlock()
	if ok {
		return clonePaper(cached), nil
	}

	var p Paper
	err := s.preloaded(ctx).Where("source = ? AND source_identifier = ?", source, id).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundError(source, id)
	}
	if err != nil {
		return nil, storageError("get paper", err)
	}
	s.mu.Lock()
	if s.gen == gen {
		s.cache.Put(key, clonePaper(&p))
	}
	s.mu.Unlock()
	return &p, nil
}

// GetByID returns a paper by surrogate key.
func (s *Store) GetByID(ctx context.Context, id int64) (*Paper, error) {
	var p Paper
	err := s.preloaded(ctx).Where("id = ?", id).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &Error{Kind: ErrNotFound, Message: fmt.Sprintf("paper not found: id %d", id)}
	}
	if err != nil {
		return nil, storageError("get paper", err)
	}
	return &p, nil
}

func (s *Store) preloaded(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Preload("Authors", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("file_type") })
}

// Remove deletes a paper; authors, files and its index entry go with it.
func (s *Store) Remove(ctx context.Context, source Source, id string) error {
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("source = ? AND source_identifier = ?", source, id).Delete(&Paper{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return storageError("remove paper", err)
	}
	s.invalidate(paperKey(source, id))
	if affected == 0 {
		return notFoundError(source, id)
	}
	return nil
}

// AddFile records a file for a paper, replacing any previous record of
// the same type.
func (s *Store) AddFile(ctx context.Context, paperID int64, fileType, path, filename string, lastModified time.Time, hash string) (*File, error) {
	f := &File{
		PaperID:      paperID,
		Path:         path,
		Filename:     filename,
		Hash:         hash,
		LastModified: lastModified.UTC(),
		FileType:     fileType,
	}
	var owner Paper
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id", "source", "source_identifier").Where("id = ?", paperID).Take(&owner).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("paper not found: id %d", paperID)}
			}
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "paper_id"}, {Name: "file_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"path", "filename", "hash", "last_modified"}),
		}).Create(f).Error
	})
	if err != nil {
		return nil, storageError("add file", err)
	}

	s.invalidate(owner.Key())

	// Re-read so the returned id is the stored row's on the update path too.
	return s.FileFor(ctx, paperID, fileType)
}

// FileFor returns the file record of the given type, or ErrNotFound.
func (s *Store) FileFor(ctx context.Context, paperID int64, fileType string) (*File, error) {
	var f File
	err := s.db.WithContext(ctx).Where("paper_id = ? AND file_type = ?", paperID, fileType).Take(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &Error{Kind: ErrNotFound, Message: fmt.Sprintf("no %s file for paper %d", fileType, paperID)}
	}
	if err != nil {
		return nil, storageError("get file", err)
	}
	return &f, nil
}

// PapersUpdatedBefore lists papers last refreshed before t, oldest first.
func (s *Store) PapersUpdatedBefore(ctx context.Context, t time.Time, limit int) ([]Paper, error) {
	q := s.db.WithContext(ctx).Where("updated_at < ?", t.UTC()).Order("updated_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var papers []Paper
	if err := q.Find(&papers).Error; err != nil {
		return nil, storageError("list stale papers", err)
	}
	return papers, nil
}

// SetConfig stores a config value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&ConfigEntry{Key: key, Value: value}).Error
	if err != nil {
		return storageError("set config", err)
	}
	return nil
}

// GetConfig returns a config value, or ErrNotFound.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var e ConfigEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", &Error{Kind: ErrNotFound, Message: fmt.Sprintf("config key %q not set", key)}
	}
	if err != nil {
		return "", storageError("get config", err)
	}
	return e.Value, nil
}

// ConfigEntries returns all config entries ordered by key.
func (s *Store) ConfigEntries(ctx context.Context) ([]ConfigEntry, error) {
	var entries []ConfigEntry
	if err := s.db.WithContext(ctx).Order("key").Find(&entries).Error; err != nil {
		return nil, storageError("list config", err)
	}
	return entries, nil
}

// Stats returns store statistics.
func (s *Store) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{BySource: make(map[Source]int64)}
	db := s.db.WithContext(ctx)

	if err := db.Model(&Paper{}).Count(&stats.Papers).Error; err != nil {
		return nil, storageError("count papers", err)
	}
	if err := db.Model(&Author{}).Count(&stats.Authors).Error; err != nil {
		return nil, storageError("count authors", err)
	}
	if err := db.Model(&File{}).Count(&stats.Files).Error; err != nil {
		return nil, storageError("count files", err)
	}

	var rows []struct {
		Source Source
		N      int64
	}
	if err := db.Model(&Paper{}).Select("source, COUNT(*) AS n").Group("source").Scan(&rows).Error; err != nil {
		return nil, storageError("count by source", err)
	}
	for _, r := range rows {
		stats.BySource[r.Source] = r.N
	}
	return stats, nil
}

// StoreStats contains statistics about the store.
type StoreStats struct {
	Papers   int64
	Authors  int64
	Files    int64
	BySource map[Source]int64
}

// invalidate drops a cached paper. Reads that started before the
// mutation will not repopulate the cache.
func (s *Store) invalidate(key string) {
	s.mu.Lock()
	s.gen++
	s.cache.Delete(key)
	s.mu.Unlock()
}

// clonePaper copies p so cached values are never shared with callers.
func clonePaper(p *Paper) *Paper {
	c := *p
	c.Authors = append([]Author(nil), p.Authors...)
	c.Files = append([]File(nil), p.Files...)
	c.Metadata = append(datatypes.JSON(nil), p.Metadata...)
	return &c
}
