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

const iacrOAIURL = "https://eprint.iacr.org/oai"

// IACRClient fetches ePrint metadata via OAI-PMH GetRecord (Dublin Core).
type IACRClient struct {
	fetcher *fetcher
	baseURL string
}

func (c *IACRClient) Source() Source { return IACR }

// FetchRaw retrieves the oai_dc record for an ePrint id such as "2016/260".
func (c *IACRClient) FetchRaw(ctx context.Context, id string) (*Payload, error) {
	params := url.Values{}
	params.Set("verb", "GetRecord")
	params.Set("identifier", "oai:eprint.iacr.org:"+id)
	params.Set("metadataPrefix", "oai_dc")

	body, ct, err := c.fetcher.get(ctx, c.baseURL+"?"+params.Encode(), "text/xml")
	if err != nil {
		return nil, err
	}
	return &Payload{Source: IACR, Identifier: id, ContentType: ct, Body: body}, nil
}

// Normalize parses an OAI-PMH GetRecord response into a Paper.
func (c *IACRClient) Normalize(p *Payload) (*Paper, []Author, error) {
	var resp oaiPMHResponse
	if err := xml.Unmarshal(p.Body, &resp); err != nil {
		return nil, nil, parseError("parse iacr oai-pmh response", err)
	}

	switch resp.Error.Code {
	case "":
	case "idDoesNotExist", "noRecordsMatch":
		return nil, nil, notFoundError(IACR, p.Identifier)
	default:
		return nil, nil, parseError(fmt.Sprintf("oai error %s: %s", resp.Error.Code, strings.TrimSpace(resp.Error.Value)), nil)
	}

	rec := resp.GetRecord.Record
	if rec.Header.Status == "deleted" {
		return nil, nil, notFoundError(IACR, p.Identifier)
	}
	dc := rec.Metadata.DC

	title := collapseSpace(dc.Title)
	if title == "" {
		return nil, nil, parseError("iacr record has no title", nil)
	}

	var published time.Time
	for _, d := range dc.Dates {
		if t, ok := parseLooseDate(d); ok {
			published = t
			break
		}
	}
	if published.IsZero() {
		return nil, nil, parseError(fmt.Sprintf("iacr record has no valid date: %q", dc.Dates), nil)
	}

	meta := iacrMetadata{Identifiers: dc.Identifiers, Subjects: dc.Subjects, Rights: collapseSpace(dc.Rights)}
	blob, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, parseError("encode iacr metadata", err)
	}

	paper := &Paper{
		Title:            title,
		Abstract:         collapseSpace(dc.Description),
		PublicationDate:  published,
		Source:           IACR,
		SourceIdentifier: p.Identifier,
		PDFURL:           "https://eprint.iacr.org/" + p.Identifier + ".pdf",
		Metadata:         blob,
	}
	for _, ident := range dc.Identifiers {
		if doi, ok := recognizeDOI(strings.TrimSpace(ident)); ok {
			paper.DOI = doi
			break
		}
	}

	var authors []Author
	for _, name := range dc.Creators {
		if name = collapseSpace(name); name != "" {
			authors = append(authors, Author{Name: name})
		}
	}
	return paper, authors, nil
}

type iacrMetadata struct {
	Identifiers []string `json:"identifiers,omitempty"`
	Subjects    []string `json:"subjects,omitempty"`
	Rights      string   `json:"rights,omitempty"`
}

// parseLooseDate accepts the date shapes seen in Dublin Core records.
func parseLooseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// XML structures for OAI-PMH parsing. Element names match on local name,
// so the oai_dc: and dc: prefixes need no special handling.

type oaiPMHResponse struct {
	XMLName   xml.Name     `xml:"OAI-PMH"`
	Error     oaiError     `xml:"error"`
	GetRecord oaiGetRecord `xml:"GetRecord"`
}

type oaiError struct {
	Code  string `xml:"code,attr"`
	Value string `xml:",chardata"`
}

type oaiGetRecord struct {
	Record oaiRecord `xml:"record"`
}

type oaiRecord struct {
	Header   oaiHeader   `xml:"header"`
	Metadata oaiMetadata `xml:"metadata"`
}

type oaiHeader struct {
	Status     string   `xml:"status,attr"`
	Identifier string   `xml:"identifier"`
	Datestamp  string   `xml:"datestamp"`
	SetSpec    []string `xml:"setSpec"`
}

type oaiMetadata struct {
	DC dublinCore `xml:"dc"`
}

type dublinCore struct {
	Title       string   `xml:"title"`
	Creators    []string `xml:"creator"`
	Description string   `xml:"description"`
	Dates       []string `xml:"date"`
	Identifiers []string `xml:"identifier"`
	Subjects    []string `xml:"subject"`
	Rights      string   `xml:"rights"`
}
