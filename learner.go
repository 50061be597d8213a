package learner

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Learner ties the resolver, source clients, store and file manager
// together: resolve -> fetch -> normalize -> save -> optional download.
type Learner struct {
	store       *Store
	clients     map[Source]Client
	files       *FileManager
	concurrency int
	log         logrus.FieldLogger
}

// Options configures a Learner.
type Options struct {
	Client ClientOptions

	// Clients overrides the provider clients (default NewClients(Client)).
	Clients map[Source]Client

	// Concurrency bounds parallel fetches in AddBatch and Sync (default 4).
	Concurrency int

	// SkipPDFValidation accepts downloads that do not parse as PDF.
	SkipPDFValidation bool

	Logger logrus.FieldLogger
}

// New returns a Learner backed by store.
func New(store *Store, opts Options) *Learner {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Client.Logger == nil {
		opts.Client.Logger = opts.Logger
	}
	if opts.Clients == nil {
		opts.Clients = NewClients(opts.Client)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Learner{
		store:       store,
		clients:     opts.Clients,
		files:       NewFileManager(store, FileManagerOptions{Client: opts.Client, SkipValidation: opts.SkipPDFValidation}),
		concurrency: opts.Concurrency,
		log:         opts.Logger,
	}
}

// Store returns the underlying store.
func (l *Learner) Store() *Store { return l.store }

// AddOptions configures Add and AddBatch.
type AddOptions struct {
	// NoPDF skips the PDF download.
	NoPDF bool

	// Force re-downloads an already recorded PDF.
	Force bool

	// Dir is the PDF directory; required unless NoPDF is set.
	Dir string

	// Timeout bounds the metadata fetch. A fetch that times out stores nothing.
	Timeout time.Duration
}

// AddResult is the outcome of adding one paper.
type AddResult struct {
	Paper   *Paper
	Created bool

	// File is the PDF record, if one was downloaded or already present.
	File       *File
	Downloaded bool
}

// Fetch resolves input and returns the normalized paper without storing it.
func (l *Learner) Fetch(ctx context.Context, input string) (*Paper, []Author, error) {
	id, err := Resolve(input)
	if err != nil {
		return nil, nil, err
	}
	return l.fetch(ctx, id)
}

func (l *Learner) fetch(ctx context.Context, id Identifier) (*Paper, []Author, error) {
	client, ok := l.clients[id.Source]
	if !ok {
		return nil, nil, &Error{Kind: ErrUnrecognizedSource, Message: fmt.Sprintf("no client for source %s", id.Source)}
	}
	log := l.log.WithFields(logrus.Fields{"source": id.Source, "identifier": id.ID})

	start := time.Now()
	payload, err := client.FetchRaw(ctx, id.ID)
	if err != nil {
		return nil, nil, err
	}
	paper, authors, err := client.Normalize(payload)
	if err != nil {
		return nil, nil, err
	}
	log.WithField("elapsed", time.Since(start)).Debug("fetched metadata")
	return paper, authors, nil
}

// Add resolves input, fetches and stores its metadata, and downloads the
// PDF unless opts.NoPDF is set. When the download fails the paper stays
// stored and the error is returned with the result.
func (l *Learner) Add(ctx context.Context, input string, opts AddOptions) (*AddResult, error) {
	id, err := Resolve(input)
	if err != nil {
		return nil, err
	}

	fetchCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	paper, authors, err := l.fetch(fetchCtx, id)
	if err != nil {
		return nil, err
	}
	// Nothing is written if the deadline passed during the fetch.
	if err := fetchCtx.Err(); err != nil {
		return nil, classifyTransportError(fetchCtx, err)
	}

	created, err := l.store.Save(ctx, paper, authors)
	if err != nil {
		return nil, err
	}
	res := &AddResult{Paper: paper, Created: created}
	l.log.WithFields(logrus.Fields{"source": id.Source, "identifier": id.ID, "created": created}).Info("added paper")

	if opts.NoPDF || paper.PDFURL == "" {
		return res, nil
	}
	res.File, res.Downloaded, err = l.files.Download(ctx, paper, DownloadOptions{Dir: opts.Dir, Force: opts.Force})
	if err != nil {
		return res, fmt.Errorf("download pdf: %w", err)
	}
	return res, nil
}

// BatchResult is the outcome for one input of AddBatch.
type BatchResult struct {
	Input  string
	Result *AddResult
	Err    error
}

// AddBatch adds many papers with bounded parallelism. Results are
// returned in input order; one failure does not stop the others.
func (l *Learner) AddBatch(ctx context.Context, inputs []string, opts AddOptions) []BatchResult {
	results := make([]BatchResult, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, input := range inputs {
		g.Go(func() error {
			res, err := l.Add(gctx, input, opts)
			results[i] = BatchResult{Input: input, Result: res, Err: err}
			return nil
		})
	}
	g.Wait()
	return results
}

// Download downloads the PDF for a stored paper.
func (l *Learner) Download(ctx context.Context, source Source, id string, opts DownloadOptions) (*File, bool, error) {
	ident, err := ResolveSource(source, id)
	if err != nil {
		return nil, false, err
	}
	paper, err := l.store.Get(ctx, ident.Source, ident.ID)
	if err != nil {
		return nil, false, err
	}
	return l.files.Download(ctx, paper, opts)
}
