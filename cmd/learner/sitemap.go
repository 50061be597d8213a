package main

import (
	"bytes"
	"encoding/xml"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tmc/learner"
)

// siteURLEnv overrides the base URL used in sitemap entries.
const siteURLEnv = "LEARNER_SITE_URL"

type sitemapURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

type sitemapURLSet struct {
	XMLName xml.Name     `xml:"urlset"`
	Xmlns   string       `xml:"xmlns,attr"`
	URLs    []sitemapURL `xml:"url"`
}

// buildSitemap renders a sitemaps.org document with one entry per paper page.
func buildSitemap(base string, papers []learner.Paper) ([]byte, error) {
	set := sitemapURLSet{Xmlns: "http://www.sitemaps.org/schemas/sitemap/0.9"}
	seen := make(map[string]bool, len(papers))
	for _, p := range papers {
		loc := strings.TrimSuffix(base, "/") + paperPath(p.Source, p.SourceIdentifier)
		if seen[loc] {
			continue
		}
		seen[loc] = true

		u := sitemapURL{Loc: loc}
		if !p.UpdatedAt.IsZero() {
			u.LastMod = p.UpdatedAt.UTC().Format(time.RFC3339)
		}
		set.URLs = append(set.URLs, u)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(set); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func paperPath(source learner.Source, id string) string {
	return "/paper/" + strings.ToLower(string(source)) + "/" + id
}

// siteBaseURL returns $LEARNER_SITE_URL, or the scheme and host the
// request arrived on.
func siteBaseURL(r *http.Request) string {
	if v := os.Getenv(siteURLEnv); v != "" {
		return v
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	papers, err := s.store.ListPapers(r.Context(), 0, 50000)
	if err != nil {
		httpError(w, err)
		return
	}
	data, err := buildSitemap(siteBaseURL(r), papers)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write(data)
}
