package learner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/sirupsen/logrus"
)

// FileManager downloads and tracks PDF artifacts, one per (paper, type).
type FileManager struct {
	store    *Store
	fetcher  *fetcher
	validate bool
	log      logrus.FieldLogger
}

// FileManagerOptions configures a FileManager.
type FileManagerOptions struct {
	Client ClientOptions

	// SkipValidation accepts any payload instead of requiring a parseable PDF.
	SkipValidation bool
}

// DownloadOptions configures a single download.
type DownloadOptions struct {
	// Dir is the target directory.
	Dir string

	// Force re-fetches even when an unchanged file is already recorded.
	Force bool
}

var disablePDFConfig sync.Once

// NewFileManager returns a FileManager recording files in store.
func NewFileManager(store *Store, opts FileManagerOptions) *FileManager {
	disablePDFConfig.Do(api.DisableConfigDir)
	f := newFetcher(opts.Client)
	return &FileManager{
		store:    store,
		fetcher:  f,
		validate: !opts.SkipValidation,
		log:      f.log,
	}
}

// Download fetches the paper's PDF into opts.Dir and records it with
// file type "pdf". It reports whether a download happened; an unchanged,
// already recorded file is skipped unless opts.Force is set. A failed
// download leaves no file record behind.
func (m *FileManager) Download(ctx context.Context, p *Paper, opts DownloadOptions) (*File, bool, error) {
	if p.ID == 0 {
		return nil, false, &Error{Kind: ErrNotFound, Message: fmt.Sprintf("paper %s %s is not stored", p.Source, p.SourceIdentifier)}
	}
	if p.PDFURL == "" {
		return nil, false, &Error{Kind: ErrNotFound, Message: fmt.Sprintf("no pdf url for %s %s", p.Source, p.SourceIdentifier)}
	}
	if opts.Dir == "" {
		return nil, false, storageError("download", fmt.Errorf("no target directory"))
	}

	name := FileName(p.Source, p.SourceIdentifier, FileTypePDF)
	path := filepath.Join(opts.Dir, name)
	log := m.log.WithFields(logrus.Fields{"source": p.Source, "identifier": p.SourceIdentifier, "path": path})

	if !opts.Force {
		existing, err := m.store.FileFor(ctx, p.ID, FileTypePDF)
		switch {
		case err == nil && existing.Path == path && unchanged(existing):
			log.Debug("pdf already downloaded")
			return existing, false, nil
		case err != nil && !IsKind(err, ErrNotFound):
			return nil, false, err
		}
	}

	body, _, err := m.fetcher.get(ctx, p.PDFURL, "application/pdf")
	if err != nil {
		return nil, false, fmt.Errorf("download %s: %w", p.PDFURL, err)
	}
	if m.validate {
		if err := api.Validate(bytes.NewReader(body), nil); err != nil {
			return nil, false, parseError(fmt.Sprintf("%s is not a valid pdf", p.PDFURL), err)
		}
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, false, storageError("create pdf dir", err)
	}
	// The previous file stays in place until the new record is stored.
	tmp, err := writeTemp(opts.Dir, name, body)
	if err != nil {
		return nil, false, storageError("write pdf", err)
	}
	sum := sha256.Sum256(body)

	f, err := m.store.AddFile(ctx, p.ID, FileTypePDF, path, name, time.Now(), hex.EncodeToString(sum[:]))
	if err != nil {
		os.Remove(tmp)
		return nil, false, err
	}
	if err := atomic.ReplaceFile(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, false, storageError("write pdf", err)
	}
	log.WithField("bytes", len(body)).Info("downloaded pdf")
	return f, true, nil
}

// writeTemp writes body to a hidden temporary file next to name in dir
// and returns its path.
func writeTemp(dir, name string, body []byte) (string, error) {
	fh, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		return "", err
	}
	tmp := fh.Name()
	if _, err := fh.Write(body); err != nil {
		fh.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := fh.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// unchanged reports whether the recorded file is still on disk with
// its recorded content hash.
func unchanged(f *File) bool {
	if f.Hash == "" {
		_, err := os.Stat(f.Path)
		return err == nil
	}
	sum, err := hashFile(f.Path)
	return err == nil && sum == f.Hash
}

func hashFile(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()

	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
