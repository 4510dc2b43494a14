// Package backend is the HTTP client of the Narthex analysis service.
//
// It binds every collaborator the workbench consumes: the dataset list,
// per-dataset status, the tag tree, node statistics, samples, histograms,
// record queries, delimiter and mapping persistence. Replies are mapped
// onto a small error taxonomy: ErrNotFound, ErrUnauthorized, *ProblemError and *NetworkError.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hazyhaar/narthex/horosafe"
	"github.com/hazyhaar/narthex/tagtree"
	"github.com/hazyhaar/narthex/terms"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the root of the service, e.g. "http://localhost:9000/narthex".
	BaseURL string
	// Timeout bounds every call. Default: 30s.
	Timeout time.Duration
	// MaxRetries is how often read calls are retried on network failures.
	// Status fetches and writes are never retried. Default: 0.
	MaxRetries int
	// RetryBackoff is the first wait between retries, doubled each attempt.
	// Default: 500ms.
	RetryBackoff time.Duration
	// BreakerThreshold and BreakerReset tune the circuit breaker.
	// Defaults: 5 failures, 30s.
	BreakerThreshold int
	BreakerReset     time.Duration
	// MaxResponseBytes caps reply bodies. Default: horosafe.MaxResponseBody.
	MaxResponseBytes int64
	// SessionCookie, when set, is installed in the cookie jar for BaseURL.
	SessionCookie *http.Cookie
	// HTTPClient overrides the default client. Its Jar is replaced when
	// SessionCookie is set and the client has none.
	HTTPClient *http.Client
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.MaxResponseBytes <= 0 {
		o.MaxResponseBytes = horosafe.MaxResponseBody
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Client talks to one analysis service.
type Client struct {
	base    *url.URL
	http    *http.Client
	opts    Options
	breaker *CircuitBreaker

	status Handler // status fetches: timeout + breaker, never retried
	read   Handler // idempotent reads: timeout + breaker + retry
	write  Handler // mutations: timeout + breaker
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	opts.defaults()
	if err := horosafe.ValidateBaseURL(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("backend: base url: %w", err)
	}
	base, _ := url.Parse(strings.TrimRight(opts.BaseURL, "/"))

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("backend: cookie jar: %w", err)
		}
		hc.Jar = jar
	}
	if opts.SessionCookie != nil {
		hc.Jar.SetCookies(base, []*http.Cookie{opts.SessionCookie})
	}

	c := &Client{
		base:    base,
		http:    hc,
		opts:    opts,
		breaker: NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerReset),
	}
	c.status = chain(c.do, withTimeout(opts.Timeout), withCircuitBreaker(c.breaker))
	c.read = chain(c.do,
		withRetry(opts.MaxRetries, opts.RetryBackoff, opts.Logger),
		withTimeout(opts.Timeout),
		withCircuitBreaker(c.breaker),
	)
	c.write = c.status
	return c, nil
}

// Breaker exposes the circuit breaker state for health reporting.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// List returns the datasets the user can see.
func (c *Client) List(ctx context.Context) ([]Dataset, error) {
	var out listReply
	if err := c.get(ctx, c.read, "list", "/dashboard/list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DatasetInfo fetches the analysis status and delimiters of a dataset.
func (c *Client) DatasetInfo(ctx context.Context, name string) (DatasetInfo, error) {
	var out DatasetInfo
	p, err := datasetPath(name, "info")
	if err != nil {
		return out, err
	}
	err = c.get(ctx, c.status, "dataset info", p, nil, &out)
	return out, err
}

// Index fetches the tag tree of a dataset. The tree is returned as sent;
// callers normalize it.
func (c *Client) Index(ctx context.Context, name string) (*tagtree.Node, error) {
	p, err := datasetPath(name, "index")
	if err != nil {
		return nil, err
	}
	var root tagtree.Node
	if err := c.get(ctx, c.read, "index", p, nil, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// NodeStatus fetches the statistics of the node at path.
func (c *Client) NodeStatus(ctx context.Context, name, path string) (tagtree.NodeStatus, error) {
	var out tagtree.NodeStatus
	p, err := datasetPath(name, "status")
	if err != nil {
		return out, err
	}
	err = c.get(ctx, c.read, "node status", p, map[string]string{"path": path}, &out)
	return out, err
}

// Sample fetches up to size sample values of the node at path.
func (c *Client) Sample(ctx context.Context, name, path string, size int) ([]string, error) {
	p, err := datasetPath(name, "sample")
	if err != nil {
		return nil, err
	}
	var out sampleReply
	q := map[string]string{"path": path, "size": strconv.Itoa(size)}
	if err := c.get(ctx, c.read, "sample", p, q, &out); err != nil {
		return nil, err
	}
	return out.Sample, nil
}

// Histogram fetches the size most frequent values of the node at path.
func (c *Client) Histogram(ctx context.Context, name, path string, size int) ([]terms.ValueCount, error) {
	p, err := datasetPath(name, "histogram")
	if err != nil {
		return nil, err
	}
	var out histogramReply
	q := map[string]string{"path": path, "size": strconv.Itoa(size)}
	if err := c.get(ctx, c.read, "histogram", p, q, &out); err != nil {
		return nil, err
	}
	return out.Histogram, nil
}

// QueryRecords returns the records in which the node at path holds value,
// as the service renders them. The query is a read and is retried like one.
func (c *Client) QueryRecords(ctx context.Context, name, path, value string) (string, error) {
	p, err := datasetPath(name, "query-records")
	if err != nil {
		return "", err
	}
	data, err := c.read(ctx, &call{
		op:     "query records",
		method: http.MethodPost,
		path:   p,
		body:   recordQuery{Path: path, Value: value},
	})
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "", nil
	}
	return string(data), nil
}

// SetRecordDelimiter persists a confirmed delimiter selection.
func (c *Client) SetRecordDelimiter(ctx context.Context, name string, sel tagtree.DelimiterSelection) error {
	p, err := datasetPath(name, "delimiter")
	if err != nil {
		return err
	}
	_, err = c.write(ctx, &call{op: "set delimiter", method: http.MethodPost, path: p, body: sel})
	return err
}

// SaveRecords asks the service to cut the dataset into records.
func (c *Client) SaveRecords(ctx context.Context, name string) error {
	p, err := datasetPath(name, "save-records")
	if err != nil {
		return err
	}
	_, err = c.write(ctx, &call{op: "save records", method: http.MethodPost, path: p})
	return err
}

// Zap deletes a dataset and everything derived from it.
func (c *Client) Zap(ctx context.Context, name string) error {
	p, err := datasetPath(name, "")
	if err != nil {
		return err
	}
	_, err = c.write(ctx, &call{op: "zap", method: http.MethodDelete, path: p})
	return err
}

// GetMappings fetches the stored vocabulary mappings of a dataset.
func (c *Client) GetMappings(ctx context.Context, name string) ([]terms.Entry, error) {
	p, err := datasetPath(name, "mappings")
	if err != nil {
		return nil, err
	}
	var out mappingsReply
	if err := c.get(ctx, c.read, "get mappings", p, nil, &out); err != nil {
		return nil, err
	}
	entries := make([]terms.Entry, len(out.Mappings))
	for i, m := range out.Mappings {
		entries[i] = terms.Entry{Source: m.Source, Target: m.Target, Vocabulary: m.Vocabulary, PrefLabel: m.PrefLabel}
	}
	return entries, nil
}

// SetMapping stores a mapping, or removes it when remove is true.
func (c *Client) SetMapping(ctx context.Context, name string, e terms.Entry, remove bool) error {
	p, err := datasetPath(name, "mapping")
	if err != nil {
		return err
	}
	body := mappingRecord{Source: e.Source, Target: e.Target, Vocabulary: e.Vocabulary, PrefLabel: e.PrefLabel}
	if remove {
		body.Remove = "yes"
	}
	_, err = c.write(ctx, &call{op: "set mapping", method: http.MethodPost, path: p, body: body})
	return err
}

func (c *Client) get(ctx context.Context, h Handler, op, path string, query map[string]string, out any) error {
	data, err := h(ctx, &call{op: op, method: http.MethodGet, path: path, query: query})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("backend: %s: decode reply: %w", op, err)
	}
	return nil
}

// do is the innermost Handler: one HTTP round trip.
func (c *Client) do(ctx context.Context, cl *call) ([]byte, error) {
	u := *c.base
	u.Path = c.base.Path + cl.path
	if len(cl.query) > 0 {
		q := url.Values{}
		for k, v := range cl.query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return nil, fmt.Errorf("backend: %s: encode body: %w", cl.op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: create request: %w", cl.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: cl.op, Err: err}
	}
	defer resp.Body.Close()

	data, err := horosafe.LimitedReadAll(resp.Body, c.opts.MaxResponseBytes)
	if err != nil {
		return nil, &NetworkError{Op: cl.op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		pe := &ProblemError{Op: cl.op, Status: resp.StatusCode}
		var problem struct {
			Problem string `json:"problem"`
		}
		if json.Unmarshal(data, &problem) == nil {
			pe.Problem = problem.Problem
		}
		return nil, pe
	}
	if len(data) == 0 {
		data = []byte("null")
	}
	return data, nil
}

func datasetPath(name, action string) (string, error) {
	if err := horosafe.ValidateIdentifier(name); err != nil {
		return "", fmt.Errorf("backend: dataset name: %w", errors.Join(ErrInvalidName, err))
	}
	p := "/dashboard/" + name
	if action != "" {
		p += "/" + action
	}
	return p, nil
}
