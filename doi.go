package learner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const crossrefURL = "https://api.crossref.org/works"

// DOIClient fetches DOI metadata from the Crossref REST API.
type DOIClient struct {
	fetcher *fetcher
	baseURL string
}

func (c *DOIClient) Source() Source { return DOI }

// FetchRaw retrieves the Crossref work record for a DOI.
func (c *DOIClient) FetchRaw(ctx context.Context, doi string) (*Payload, error) {
	body, ct, err := c.fetcher.get(ctx, c.baseURL+"/"+url.PathEscape(doi), "application/json")
	if err != nil {
		return nil, err
	}
	return &Payload{Source: DOI, Identifier: doi, ContentType: ct, Body: body}, nil
}

// Normalize parses a Crossref work into a Paper.
func (c *DOIClient) Normalize(p *Payload) (*Paper, []Author, error) {
	var resp crossrefResponse
	if err := json.Unmarshal(p.Body, &resp); err != nil {
		return nil, nil, parseError("parse crossref response", err)
	}
	work := resp.Message

	if len(work.Title) == 0 || collapseSpace(work.Title[0]) == "" {
		return nil, nil, parseError("crossref work has no title", nil)
	}

	var published time.Time
	for _, d := range []*crossrefDate{work.PublishedPrint, work.PublishedOnline, work.Issued, work.Created} {
		if t, ok := d.time(); ok {
			published = t
			break
		}
	}
	if published.IsZero() {
		return nil, nil, parseError(fmt.Sprintf("crossref work %s has no publication date", p.Identifier), nil)
	}

	meta := crossrefMetadata{
		Type:      work.Type,
		Publisher: work.Publisher,
		URL:       work.URL,
	}
	if len(work.ContainerTitle) > 0 {
		meta.Container = work.ContainerTitle[0]
	}
	blob, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, parseError("encode crossref metadata", err)
	}

	doi := strings.ToLower(work.DOI)
	if doi == "" {
		doi = p.Identifier
	}
	paper := &Paper{
		Title:            collapseSpace(work.Title[0]),
		Abstract:         stripMarkup(work.Abstract),
		PublicationDate:  published,
		Source:           DOI,
		SourceIdentifier: p.Identifier,
		DOI:              doi,
		Metadata:         blob,
	}
	for _, l := range work.Link {
		if l.ContentType == "application/pdf" {
			paper.PDFURL = l.URL
			break
		}
	}

	authors := make([]Author, 0, len(work.Author))
	for _, a := range work.Author {
		var name string
		switch {
		case a.Given != "" && a.Family != "":
			name = a.Given + " " + a.Family
		case a.Family != "":
			name = a.Family
		case a.Given != "":
			name = a.Given
		case a.Name != "":
			name = a.Name
		default:
			name = "Unknown"
		}
		author := Author{Name: collapseSpace(name)}
		if len(a.Affiliation) > 0 {
			author.Affiliation = collapseSpace(a.Affiliation[0].Name)
		}
		authors = append(authors, author)
	}
	return paper, authors, nil
}

var markupRe = regexp.MustCompile(`<[^>]+>`)

// stripMarkup removes JATS tags from Crossref abstracts.
func stripMarkup(s string) string {
	return collapseSpace(markupRe.ReplaceAllString(s, " "))
}

// Crossref JSON structures

type crossrefResponse struct {
	Status  string       `json:"status"`
	Message crossrefWork `json:"message"`
}

type crossrefWork struct {
	DOI             string           `json:"DOI"`
	URL             string           `json:"URL"`
	Type            string           `json:"type"`
	Publisher       string           `json:"publisher"`
	Title           []string         `json:"title"`
	ContainerTitle  []string         `json:"container-title"`
	Abstract        string           `json:"abstract"`
	Author          []crossrefAuthor `json:"author"`
	PublishedPrint  *crossrefDate    `json:"published-print"`
	PublishedOnline *crossrefDate    `json:"published-online"`
	Issued          *crossrefDate    `json:"issued"`
	Created         *crossrefDate    `json:"created"`
	Link            []crossrefLink   `json:"link"`
}

type crossrefAuthor struct {
	Given       string `json:"given"`
	Family      string `json:"family"`
	Name        string `json:"name"`
	Affiliation []struct {
		Name string `json:"name"`
	} `json:"affiliation"`
}

type crossrefDate struct {
	DateParts [][]int `json:"date-parts"`
}

type crossrefLink struct {
	URL         string `json:"URL"`
	ContentType string `json:"content-type"`
}

type crossrefMetadata struct {
	Type      string `json:"type,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Container string `json:"container,omitempty"`
	URL       string `json:"url,omitempty"`
}

// time converts Crossref date-parts ([[2008, 1, 1]]); missing month and day default to 1.
func (d *crossrefDate) time() (time.Time, bool) {
	if d == nil || len(d.DateParts) == 0 || len(d.DateParts[0]) == 0 {
		return time.Time{}, false
	}
	parts := d.DateParts[0]
	year, month, day := parts[0], 1, 1
	if len(parts) > 1 {
		month = parts[1]
	}
	if len(parts) > 2 {
		day = parts[2]
	}
	if year <= 0 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}
