package learner

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const arxivAPIURL = "https://export.arxiv.org/api/query"

// ArxivClient fetches paper metadata from the arXiv Atom API.
type ArxivClient struct {
	fetcher *fetcher
	baseURL string
}

func (c *ArxivClient) Source() Source { return Arxiv }

// FetchRaw retrieves the Atom feed for a single arXiv id.
func (c *ArxivClient) FetchRaw(ctx context.Context, id string) (*Payload, error) {
	u := fmt.Sprintf("%s?id_list=%s&max_results=1", c.baseURL, url.QueryEscape(id))
	body, ct, err := c.fetcher.get(ctx, u, "application/atom+xml")
	if err != nil {
		return nil, err
	}
	return &Payload{Source: Arxiv, Identifier: id, ContentType: ct, Body: body}, nil
}

// Normalize parses an Atom feed into a Paper.
func (c *ArxivClient) Normalize(p *Payload) (*Paper, []Author, error) {
	var feed atomFeed
	if err := xml.Unmarshal(p.Body, &feed); err != nil {
		return nil, nil, parseError("parse arxiv atom feed", err)
	}

	// arXiv reports unknown or malformed ids as an empty feed or an error entry.
	if len(feed.Entries) == 0 {
		return nil, nil, notFoundError(Arxiv, p.Identifier)
	}
	entry := feed.Entries[0]
	if strings.Contains(entry.ID, "/api/errors") || (entry.ID == "" && entry.Title == "") {
		return nil, nil, notFoundError(Arxiv, p.Identifier)
	}
	return parseAtomEntry(entry, p.Identifier)
}

// Atom feed structures for arXiv API

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID         string         `xml:"id"`
	Title      string         `xml:"title"`
	Summary    string         `xml:"summary"`
	Authors    []atomAuthor   `xml:"author"`
	Categories []atomCategory `xml:"category"`
	Links      []atomLink     `xml:"link"`
	Published  string         `xml:"published"`
	Updated    string         `xml:"updated"`
	Comment    string         `xml:"comment"`
	JournalRef string         `xml:"journal_ref"`
	DOI        string         `xml:"doi"`
}

type atomAuthor struct {
	Name        string `xml:"name"`
	Affiliation string `xml:"affiliation"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

type atomLink struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Title string `xml:"title,attr"`
	Type  string `xml:"type,attr"`
}

// arxivMetadata is stored in Paper.Metadata for arXiv papers.
type arxivMetadata struct {
	Version    string   `json:"version,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Comment    string   `json:"comment,omitempty"`
	JournalRef string   `json:"journal_ref,omitempty"`
	Updated    string   `json:"updated,omitempty"`
}

// parseAtomEntry converts an atom entry to a Paper.
func parseAtomEntry(entry atomEntry, requested string) (*Paper, []Author, error) {
	// Extract ID from the URL (e.g., http://arxiv.org/abs/2301.00001v1 -> 2301.00001)
	rawID := requested
	if idx := strings.LastIndex(entry.ID, "/abs/"); idx >= 0 {
		rawID = entry.ID[idx+5:]
	}
	id, ok := canonicalArxivID(rawID)
	if !ok {
		return nil, nil, parseError(fmt.Sprintf("unexpected arxiv entry id %q", entry.ID), nil)
	}

	title := collapseSpace(entry.Title)
	if title == "" {
		return nil, nil, parseError("arxiv entry has no title", nil)
	}

	published, err := time.Parse(time.RFC3339, strings.TrimSpace(entry.Published))
	if err != nil {
		return nil, nil, parseError("parse arxiv published date", err)
	}

	meta := arxivMetadata{
		Version:    arxivVersion(rawID),
		Comment:    collapseSpace(entry.Comment),
		JournalRef: collapseSpace(entry.JournalRef),
		Updated:    strings.TrimSpace(entry.Updated),
	}
	for _, c := range entry.Categories {
		meta.Categories = append(meta.Categories, c.Term)
	}
	blob, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, parseError("encode arxiv metadata", err)
	}

	paper := &Paper{
		Title:            title,
		Abstract:         collapseSpace(entry.Summary),
		PublicationDate:  published.UTC(),
		Source:           Arxiv,
		SourceIdentifier: id,
		PDFURL:           "https://arxiv.org/pdf/" + id,
		DOI:              strings.ToLower(strings.TrimSpace(entry.DOI)),
		Metadata:         blob,
	}
	for _, l := range entry.Links {
		if l.Title == "pdf" || l.Type == "application/pdf" {
			paper.PDFURL = l.Href
			break
		}
	}

	var authors []Author
	for _, a := range entry.Authors {
		name := collapseSpace(a.Name)
		if name == "" {
			continue
		}
		authors = append(authors, Author{Name: name, Affiliation: collapseSpace(a.Affiliation)})
	}
	return paper, authors, nil
}

// collapseSpace trims s and folds internal whitespace runs (Atom titles wrap lines).
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
