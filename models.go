package learner

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Source identifies the provider a paper was harvested from.
type Source string

const (
	Arxiv Source = "arXiv"
	IACR  Source = "IACR"
	DOI   Source = "DOI"
)

// Sources lists every known source in resolver priority order.
var Sources = []Source{Arxiv, DOI, IACR}

// ParseSource parses a source name case-insensitively ("arxiv", "IACR", "doi").
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "arxiv":
		return Arxiv, nil
	case "iacr":
		return IACR, nil
	case "doi":
		return DOI, nil
	}
	return "", &Error{Kind: ErrUnrecognizedSource, Message: fmt.Sprintf("unknown source %q", s)}
}

func (s Source) String() string { return string(s) }

// Paper is the normalized metadata record for one paper.
type Paper struct {
	ID int64 `gorm:"primaryKey" json:"id"`

	Title string `json:"title"`

	// Abstract is stored as abstract_text and mirrored into the FTS index.
	Abstract string `gorm:"column:abstract_text" json:"abstract"`

	PublicationDate time.Time `json:"publication_date"`

	// Source and SourceIdentifier are the dedup key.
	Source           Source `json:"source"`
	SourceIdentifier string `json:"source_identifier"`

	PDFURL string `gorm:"column:pdf_url" json:"pdf_url,omitempty"`
	DOI    string `gorm:"column:doi" json:"doi,omitempty"`

	// Metadata holds provider-specific extras (categories, venue, version).
	Metadata datatypes.JSON `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Authors []Author `gorm:"foreignKey:PaperID" json:"authors,omitempty"`
	Files   []File   `gorm:"foreignKey:PaperID" json:"files,omitempty"`
}

func (Paper) TableName() string {
	return "papers"
}

// Key returns the cache key for the paper's (source, identifier) pair.
func (p *Paper) Key() string {
	return paperKey(p.Source, p.SourceIdentifier)
}

// AuthorNames returns the author names in stored order.
func (p *Paper) AuthorNames() []string {
	names := make([]string, 0, len(p.Authors))
	for _, a := range p.Authors {
		names = append(names, a.Name)
	}
	return names
}

// File returns the file record of the given type, or nil.
func (p *Paper) File(fileType string) *File {
	for i := range p.Files {
		if p.Files[i].FileType == fileType {
			return &p.Files[i]
		}
	}
	return nil
}

// AbstractURL returns the provider landing page for the paper.
func (p *Paper) AbstractURL() string {
	switch p.Source {
	case Arxiv:
		return "https://arxiv.org/abs/" + p.SourceIdentifier
	case IACR:
		return "https://eprint.iacr.org/" + p.SourceIdentifier
	case DOI:
		return "https://doi.org/" + p.SourceIdentifier
	}
	return ""
}

// Author is a paper author. Rows are owned by their paper.
type Author struct {
	ID          int64  `gorm:"primaryKey" json:"-"`
	PaperID     int64  `json:"-"`
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
	Email       string `json:"email,omitempty"`
}

func (Author) TableName() string {
	return "authors"
}

// File is a tracked artifact for a paper, unique per (paper, file type).
type File struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	PaperID      int64     `json:"paper_id"`
	Path         string    `json:"path"`
	Filename     string    `json:"filename"`
	Hash         string    `json:"hash,omitempty"`
	LastModified time.Time `json:"last_modified"`
	FileType     string    `json:"file_type"`
}

func (File) TableName() string {
	return "files"
}

// FileTypePDF is the file type recorded for downloaded PDFs.
const FileTypePDF = "pdf"

// ConfigEntry is a process-wide key/value setting.
type ConfigEntry struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (ConfigEntry) TableName() string {
	return "config"
}

// Well-known config keys.
const (
	ConfigDatabasePath = "database_path"
	ConfigStoragePath  = "storage_path"
	ConfigLastSync     = "last_sync"
)

func paperKey(source Source, id string) string {
	return string(source) + "/" + id
}
