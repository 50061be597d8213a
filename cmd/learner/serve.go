package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tmc/learner"
)

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"date": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("Jan 2006")
	},
	"hasPDF": func(p learner.Paper) bool { return p.File(learner.FileTypePDF) != nil },
}).Parse(`
{{define "head"}}
<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<meta name="viewport" content="width=device-width, initial-scale=1">
	<title>{{.Title}} - learner</title>
	<style>
		* { box-sizing: border-box; }
		body { font-family: system-ui, sans-serif; max-width: 900px; margin: 0 auto; padding: 1rem; line-height: 1.5; }
		a { color: #0066cc; }
		.search-form { margin: 1rem 0; }
		.search-form input[type="text"] { padding: 0.5rem; width: 300px; font-size: 1rem; }
		.search-form button { padding: 0.5rem 1rem; font-size: 1rem; cursor: pointer; }
		.paper { border-bottom: 1px solid #eee; padding: 1rem 0; }
		.paper-id { font-family: monospace; color: #666; }
		.paper-title { font-size: 1.1rem; font-weight: 600; margin: 0.25rem 0; }
		.paper-authors { color: #444; }
		.paper-abstract { margin: 1rem 0; white-space: pre-wrap; }
		.paper-meta { font-size: 0.9rem; color: #666; margin: 0.5rem 0; }
		.badge { display: inline-block; background: #e0e0e0; padding: 0.1rem 0.4rem; border-radius: 3px; font-size: 0.8rem; margin-right: 0.25rem; }
		.badge-pdf { background: #cce5ff; }
		.nav { margin-bottom: 1rem; }
		pre { background: #f5f5f5; padding: 1rem; overflow-x: auto; }
		.author-link { color: #0066cc; text-decoration: none; }
		.author-link:hover { text-decoration: underline; }
		.btn { display: inline-block; padding: 0.4rem 0.8rem; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; border: none; cursor: pointer; font-size: 0.9rem; }
		.btn:hover { background: #0052a3; }
		.pdf-section { margin: 1rem 0; padding: 1rem; background: #f8f9fa; border-radius: 4px; }
		.suggest { color: #666; }
	</style>
</head>
<body>
<div class="nav"><a href="/">Home</a></div>
{{end}}

{{define "foot"}}
</body>
</html>
{{end}}

{{define "list"}}
{{range .}}
<div class="paper">
	<span class="paper-id">{{.Source}} {{.SourceIdentifier}}</span>
	{{if hasPDF .}}<span class="badge badge-pdf">pdf</span>{{end}}
	<div class="paper-title"><a href="/paper/{{.Source}}/{{.SourceIdentifier}}">{{.Title}}</a></div>
	<div class="paper-authors">{{range $i, $a := .Authors}}{{if $i}}, {{end}}<a class="author-link" href="/author/{{$a.Name}}">{{$a.Name}}</a>{{end}}</div>
	<div class="paper-meta">{{date .PublicationDate}}</div>
</div>
{{else}}
<p>No papers.</p>
{{end}}
{{end}}

{{define "index"}}
{{template "head" .}}
<h1>Library</h1>
<form class="search-form" action="/search" method="get">
	<input type="text" name="q" placeholder="Search papers..." value="{{.Query}}">
	<button type="submit">Search</button>
</form>
<p>{{.Stats.Papers}} papers, {{.Stats.Files}} PDFs</p>
<h2>Recently added</h2>
{{template "list" .Papers}}
{{template "foot" .}}
{{end}}

{{define "search"}}
{{template "head" .}}
<h1>Search Results</h1>
<form class="search-form" action="/search" method="get">
	<input type="text" name="q" placeholder="Search papers..." value="{{.Query}}">
	<button type="submit">Search</button>
</form>
<p>{{len .Papers}} results for "{{.Query}}"</p>
{{if .Suggestion}}<p class="suggest">Did you mean <a href="/search?q={{.Suggestion}}">{{.Suggestion}}</a>?</p>{{end}}
{{template "list" .Papers}}
{{template "foot" .}}
{{end}}

{{define "author"}}
{{template "head" .}}
<h1>Papers by {{.Author}}</h1>
<p>{{len .Papers}} papers found</p>
{{template "list" .Papers}}
{{template "foot" .}}
{{end}}

{{define "paper"}}
{{template "head" .}}
{{with .Paper}}
<span class="paper-id">{{.Source}} {{.SourceIdentifier}}</span>
<h1>{{.Title}}</h1>
<div class="paper-authors">{{range $i, $a := .Authors}}{{if $i}}, {{end}}<a class="author-link" href="/author/{{$a.Name}}">{{$a.Name}}</a>{{end}}</div>
<div class="paper-meta">
	{{date .PublicationDate}}
	{{if .DOI}} | DOI <a href="https://doi.org/{{.DOI}}">{{.DOI}}</a>{{end}}
	| <a href="{{.AbstractURL}}">source page</a>
</div>
<div class="paper-abstract">{{.Abstract}}</div>
{{end}}
<div class="pdf-section">
{{if .File}}
	<a class="btn" href="/pdf/{{.Paper.Source}}/{{.Paper.SourceIdentifier}}">Open PDF</a>
{{else if .Paper.PDFURL}}
	<form method="post" action="/pdf/{{.Paper.Source}}/{{.Paper.SourceIdentifier}}">
		<button class="btn" type="submit">Download PDF</button>
	</form>
{{else}}
	No PDF available.
{{end}}
</div>
<h2>BibTeX</h2>
<pre>{{.BibTeX}}</pre>
{{template "foot" .}}
{{end}}
`))

func cmdServe(ctx context.Context, args []string) error {
	g := newFlags("serve")
	addr := g.fs.String("addr", "localhost:8080", "Address to listen on")
	if err := g.parse(args); err != nil {
		return err
	}

	store, cfg, logger, err := g.open()
	if err != nil {
		return err
	}
	defer store.Close()

	srv := &server{
		store:   store,
		learner: newLearner(store, cfg, logger),
		pdfDir:  pdfDir(ctx, store, cfg, ""),
	}
	log.Printf("Starting server at http://%s", *addr)

	httpServer := &http.Server{Addr: *addr, Handler: srv.routes()}
	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type server struct {
	store   *learner.Store
	learner *learner.Learner
	pdfDir  string
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /paper/{source}/{id...}", s.handlePaper)
	mux.HandleFunc("GET /author/{name}", s.handleAuthor)
	mux.HandleFunc("GET /pdf/{source}/{id...}", s.handlePDF)
	mux.HandleFunc("POST /pdf/{source}/{id...}", s.handleFetchPDF)
	mux.HandleFunc("GET /sitemap.xml", s.handleSitemap)
	return mux
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.store.Stats(ctx)
	if err != nil {
		httpError(w, err)
		return
	}
	papers, err := s.store.ListPapers(ctx, 0, 50)
	if err != nil {
		httpError(w, err)
		return
	}

	data := map[string]any{
		"Title":  "Home",
		"Stats":  stats,
		"Papers": papers,
		"Query":  "",
	}
	templates.ExecuteTemplate(w, "index", data)
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	ctx := r.Context()
	papers, err := s.store.Search(ctx, query, 100)
	if err != nil {
		httpError(w, err)
		return
	}

	// JSON format for scripts
	if r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		if papers == nil {
			papers = []learner.Paper{}
		}
		json.NewEncoder(w).Encode(papers)
		return
	}

	var suggestion string
	if len(papers) == 0 {
		suggestion, _ = s.store.Suggest(ctx, query)
	}
	data := map[string]any{
		"Title":      "Search",
		"Query":      query,
		"Papers":     papers,
		"Suggestion": suggestion,
	}
	templates.ExecuteTemplate(w, "search", data)
}

// paperFor loads the paper named by the {source} and {id} path values.
func (s *server) paperFor(r *http.Request) (*learner.Paper, error) {
	src, err := learner.ParseSource(r.PathValue("source"))
	if err != nil {
		return nil, err
	}
	return s.store.Get(r.Context(), src, r.PathValue("id"))
}

func (s *server) handlePaper(w http.ResponseWriter, r *http.Request) {
	paper, err := s.paperFor(r)
	if err != nil {
		httpError(w, err)
		return
	}

	data := map[string]any{
		"Title":  paper.Title,
		"Paper":  paper,
		"File":   paper.File(learner.FileTypePDF),
		"BibTeX": paper.BibTeX(),
	}
	templates.ExecuteTemplate(w, "paper", data)
}

func (s *server) handleAuthor(w http.ResponseWriter, r *http.Request) {
	author := r.PathValue("name")
	papers, err := s.store.SearchByAuthor(r.Context(), author, 200)
	if err != nil {
		httpError(w, err)
		return
	}

	data := map[string]any{
		"Title":  "Author: " + author,
		"Author": author,
		"Papers": papers,
	}
	templates.ExecuteTemplate(w, "author", data)
}

func (s *server) handlePDF(w http.ResponseWriter, r *http.Request) {
	paper, err := s.paperFor(r)
	if err != nil {
		httpError(w, err)
		return
	}
	f := paper.File(learner.FileTypePDF)
	if f == nil {
		http.Error(w, "PDF not downloaded", http.StatusNotFound)
		return
	}
	if _, err := os.Stat(f.Path); err != nil {
		http.Error(w, "PDF file not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", f.Filename))
	http.ServeFile(w, r, f.Path)
}

func (s *server) handleFetchPDF(w http.ResponseWriter, r *http.Request) {
	src, err := learner.ParseSource(r.PathValue("source"))
	if err != nil {
		httpError(w, err)
		return
	}
	id := r.PathValue("id")
	if _, _, err := s.learner.Download(r.Context(), src, id, learner.DownloadOptions{Dir: s.pdfDir}); err != nil {
		httpError(w, err)
		return
	}
	http.Redirect(w, r, paperPath(src, id), http.StatusSeeOther)
}

// httpError writes err with a status derived from its kind.
func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case learner.IsKind(err, learner.ErrNotFound):
		status = http.StatusNotFound
	case learner.IsKind(err, learner.ErrUnrecognizedSource):
		status = http.StatusBadRequest
	case learner.IsKind(err, learner.ErrNetwork):
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}
