package learner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Payload is the raw provider response for one identifier.
type Payload struct {
	Source      Source
	Identifier  string
	ContentType string
	Body        []byte
}

// Client fetches and normalizes metadata from one provider.
// Implementations hold no mutable state and are safe for concurrent use.
type Client interface {
	Source() Source

	// FetchRaw retrieves the provider payload for a canonical identifier.
	FetchRaw(ctx context.Context, id string) (*Payload, error)

	// Normalize converts a payload into a Paper and its ordered authors.
	Normalize(p *Payload) (*Paper, []Author, error)
}

// ClientOptions configures the HTTP behavior shared by all clients.
type ClientOptions struct {
	// HTTPClient is used for all requests (default: a client with Timeout).
	HTTPClient *http.Client

	// Timeout bounds each request of the default HTTP client (default 60s).
	Timeout time.Duration

	// UserAgent is sent with every request. Crossref asks for a contact address.
	UserAgent string

	// Retries is the number of retries for transient failures (default 3).
	// Negative disables retries.
	Retries int

	// Backoff returns the retry schedule (default exponential from 500ms).
	Backoff func() backoff.BackOff

	// Base URLs, overridable for tests and mirrors.
	ArxivURL    string
	IACRURL     string
	CrossrefURL string

	Logger logrus.FieldLogger
}

const defaultUserAgent = "learner/0.1 (https://github.com/tmc/learner)"

// NewClients returns one client per known source.
func NewClients(opts ClientOptions) map[Source]Client {
	f := newFetcher(opts)
	return map[Source]Client{
		Arxiv: &ArxivClient{fetcher: f, baseURL: orDefault(opts.ArxivURL, arxivAPIURL)},
		IACR:  &IACRClient{fetcher: f, baseURL: orDefault(opts.IACRURL, iacrOAIURL)},
		DOI:   &DOIClient{fetcher: f, baseURL: orDefault(opts.CrossrefURL, crossrefURL)},
	}
}

// fetcher performs GET requests with failure classification and retry.
type fetcher struct {
	client    *http.Client
	userAgent string
	retries   int
	backoff   func() backoff.BackOff
	log       logrus.FieldLogger
}

func newFetcher(opts ClientOptions) *fetcher {
	f := &fetcher{
		client:    opts.HTTPClient,
		userAgent: orDefault(opts.UserAgent, defaultUserAgent),
		retries:   opts.Retries,
		backoff:   opts.Backoff,
		log:       opts.Logger,
	}
	if f.client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		f.client = &http.Client{Timeout: timeout}
	}
	if f.retries == 0 {
		f.retries = 3
	}
	if f.backoff == nil {
		f.backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		}
	}
	if f.log == nil {
		f.log = discardLogger()
	}
	return f
}

// get fetches url, retrying transient failures. Permanent failures
// (404, other 4xx, cancelled context) are returned immediately.
func (f *fetcher) get(ctx context.Context, url, accept string) ([]byte, string, error) {
	var (
		body        []byte
		contentType string
		attempt     int
	)
	op := func() error {
		attempt++
		var err error
		body, contentType, err = f.do(ctx, url, accept)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		f.log.WithFields(logrus.Fields{"url": url, "attempt": attempt}).WithError(err).Debug("transient fetch failure")
		return err
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if f.retries > 0 {
		b = backoff.WithMaxRetries(f.backoff(), uint64(f.retries))
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		var e *Error
		if !errors.As(err, &e) {
			err = classifyTransportError(ctx, err)
		}
		return nil, "", err
	}
	return body, contentType, nil
}

func (f *fetcher) do(ctx context.Context, url, accept string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", networkError("create request", false, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, "", &Error{Kind: ErrNotFound, Message: fmt.Sprintf("GET %s: %s", url, resp.Status)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, "", networkError(fmt.Sprintf("GET %s: %s", url, resp.Status), true, nil)
	case resp.StatusCode != http.StatusOK:
		return nil, "", networkError(fmt.Sprintf("GET %s: %s", url, resp.Status), false, nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", classifyTransportError(ctx, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// classifyTransportError marks timeouts and connection failures transient.
// A cancelled caller context is never retried.
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		// Deadline expiry is transient, explicit cancellation is not.
		return networkError("request cancelled", errors.Is(ctx.Err(), context.DeadlineExceeded), ctx.Err())
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return networkError("timeout", true, err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return networkError("connection failed", true, err)
	case errors.As(err, &netErr):
		return networkError("network failure", true, err)
	}
	return networkError("request failed", false, err)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
