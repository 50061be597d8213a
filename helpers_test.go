package learner

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "learner.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// atomEntryXML is an arXiv API response for one paper. Arguments are the
// id, the title and the pdf link.
const atomEntryXML = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:arxiv="http://arxiv.org/schemas/atom">
  <title>ArXiv Query: id_list=%[1]s</title>
  <entry>
    <id>http://arxiv.org/abs/%[1]sv2</id>
    <updated>2023-05-01T00:00:00Z</updated>
    <published>2023-01-17T18:58:00Z</published>
    <title>%[2]s</title>
    <summary>  We study
      attention mechanisms in sequence models. </summary>
    <author>
      <name>Ashish Vaswani</name>
      <arxiv:affiliation>Google Brain</arxiv:affiliation>
    </author>
    <author>
      <name>Noam Shazeer</name>
    </author>
    <arxiv:doi>10.48550/ARXIV.%[1]s</arxiv:doi>
    <arxiv:comment>15 pages, 5 figures</arxiv:comment>
    <arxiv:journal_ref>NeurIPS 2017</arxiv:journal_ref>
    <link href="http://arxiv.org/abs/%[1]sv2" rel="alternate" type="text/html"/>
    <link title="pdf" href="%[3]s" rel="related" type="application/pdf"/>
    <arxiv:primary_category term="cs.CL" scheme="http://arxiv.org/schemas/atom"/>
    <category term="cs.CL" scheme="http://arxiv.org/schemas/atom"/>
    <category term="cs.LG" scheme="http://arxiv.org/schemas/atom"/>
  </entry>
</feed>`

const atomErrorXML = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>ArXiv Query: id_list=9999.99999</title>
  <entry>
    <id>http://arxiv.org/api/errors#incorrect_id_format_for_9999.99999</id>
    <title>Error</title>
    <summary>incorrect id format for 9999.99999</summary>
  </entry>
</feed>`

const atomEmptyXML = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>ArXiv Query: id_list=2301.99999</title>
</feed>`

const oaiRecordXML = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <responseDate>2024-01-01T00:00:00Z</responseDate>
  <request verb="GetRecord" metadataPrefix="oai_dc">https://eprint.iacr.org/oai</request>
  <GetRecord>
    <record>
      <header>
        <identifier>oai:eprint.iacr.org:2016/260</identifier>
        <datestamp>2016-03-14</datestamp>
        <setSpec>crypto</setSpec>
      </header>
      <metadata>
        <oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/" xmlns:dc="http://purl.org/dc/elements/1.1/">
          <dc:title>On the Security of
            Sanitizable Signatures</dc:title>
          <dc:creator>Alice Smith</dc:creator>
          <dc:creator>Bob Jones</dc:creator>
          <dc:description>We analyze sanitizable signatures.</dc:description>
          <dc:date>2016-03-10</dc:date>
          <dc:identifier>https://eprint.iacr.org/2016/260</dc:identifier>
          <dc:identifier>10.1007/978-3-662-53018-4_1</dc:identifier>
          <dc:subject>public-key cryptography</dc:subject>
          <dc:rights>CC BY</dc:rights>
        </oai_dc:dc>
      </metadata>
    </record>
  </GetRecord>
</OAI-PMH>`

const oaiErrorXML = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <responseDate>2024-01-01T00:00:00Z</responseDate>
  <request verb="GetRecord">https://eprint.iacr.org/oai</request>
  <error code="idDoesNotExist">No matching identifier</error>
</OAI-PMH>`

const crossrefWorkJSON = `{
  "status": "ok",
  "message-type": "work",
  "message": {
    "DOI": "10.1145/1327452.1327492",
    "URL": "https://doi.org/10.1145/1327452.1327492",
    "type": "journal-article",
    "publisher": "Association for Computing Machinery (ACM)",
    "title": ["MapReduce: simplified data processing on large clusters"],
    "container-title": ["Communications of the ACM"],
    "abstract": "<jats:p>MapReduce is a programming model.</jats:p>",
    "author": [
      {"given": "Jeffrey", "family": "Dean", "affiliation": [{"name": "Google, Inc."}]},
      {"given": "Sanjay", "family": "Ghemawat", "affiliation": []}
    ],
    "published-print": {"date-parts": [[2008, 1]]},
    "issued": {"date-parts": [[2008, 1, 1]]},
    "link": [
      {"URL": "https://dl.acm.org/doi/pdf/10.1145/1327452.1327492", "content-type": "application/pdf"}
    ]
  }
}`

// fakeProviders serves the three provider APIs and PDFs.
type fakeProviders struct {
	*httptest.Server

	mu     sync.Mutex
	titles map[string]string // arXiv id -> title
	pdf    []byte
	hits   map[string]int // path -> request count
}

func newFakeProviders(t *testing.T) *fakeProviders {
	t.Helper()
	f := &fakeProviders{
		titles: map[string]string{"2301.07041": "Attention Is All You Need"},
		pdf:    []byte("%PDF-1.4 test body"),
		hits:   make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/arxiv", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id_list")
		f.mu.Lock()
		f.hits["/arxiv"]++
		title, ok := f.titles[id]
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/atom+xml")
		if !ok {
			fmt.Fprint(w, atomEmptyXML)
			return
		}
		fmt.Fprintf(w, atomEntryXML, id, title, f.URL+"/pdf/"+id)
	})
	mux.HandleFunc("/oai", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		if r.URL.Query().Get("identifier") != "oai:eprint.iacr.org:2016/260" {
			fmt.Fprint(w, oaiErrorXML)
			return
		}
		fmt.Fprint(w, oaiRecordXML)
	})
	mux.HandleFunc("/works/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/10.1145/1327452.1327492") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, crossrefWorkJSON)
	})
	mux.HandleFunc("/pdf/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits["/pdf"]++
		body := f.pdf
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(body)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeProviders) setTitle(id, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[id] = title
}

func (f *fakeProviders) setPDF(body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pdf = body
}

func (f *fakeProviders) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

// clientOptions points every client at the fake and retries without delay.
func (f *fakeProviders) clientOptions() ClientOptions {
	return ClientOptions{
		HTTPClient:  f.Client(),
		Retries:     2,
		Backoff:     func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		ArxivURL:    f.URL + "/arxiv",
		IACRURL:     f.URL + "/oai",
		CrossrefURL: f.URL + "/works",
	}
}

func newTestLearner(t *testing.T, f *fakeProviders) *Learner {
	t.Helper()
	return New(newTestStore(t), Options{
		Client:            f.clientOptions(),
		SkipPDFValidation: true,
	})
}
