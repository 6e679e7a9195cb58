// Package origin provides the narrow interface the cache store uses to pull
// missing ranges from the slow/remote filesystem, plus an HTTP range-based
// implementation of it. The origin is consumed through exactly three
// operations: open, pread, fstat -- nothing else (no directory listing, no
// write-back).
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"
)

// ErrRangeUnsupported is returned when the origin does not honour HTTP
// range requests, which this cache's refill path requires.
var ErrRangeUnsupported = errors.New("origin: server does not support range requests")

// Source is a single opened origin blob: random-access reads plus size.
type Source interface {
	// ReadAt reads len(p) bytes (or fewer, at EOF) starting at off.
	ReadAt(p []byte, off int64) (int, error)
	// Size returns the blob's logical length, as reported at open time.
	Size() int64
	// Close releases any resources associated with the source.
	Close() error
}

// Opener opens named origin blobs. A path identifies a blob the same way it
// does in the cache store and pool.
type Opener interface {
	Open(ctx context.Context, path string) (Source, error)
}

// Config tunes the throttling and retry behaviour of an HTTP Opener,
// matching the download.* configuration options.
type Config struct {
	// Enable gates whether origin fetches are permitted at all; when false,
	// Open always fails and the store must operate cache-only.
	Enable bool
	// Delay is the base backoff between retry attempts.
	Delay time.Duration
	// DelayExtra is additional jittered backoff added on top of Delay.
	DelayExtra time.Duration
	// MaxMBps caps aggregate read throughput from this opener. Zero disables
	// throttling.
	MaxMBps float64
	// TryCnt is the maximum number of attempts per read (including the
	// first).
	TryCnt uint
}

// DefaultConfig returns reasonable throttling and retry defaults.
func DefaultConfig() Config {
	return Config{
		Enable:     true,
		Delay:      200 * time.Millisecond,
		DelayExtra: 100 * time.Millisecond,
		TryCnt:     5,
	}
}

// HTTPOpener opens origin blobs as HTTP(S) URLs resolved from path, using
// range requests for partial reads.
type HTTPOpener struct {
	client    *http.Client
	resolve   func(path string) string
	headers   http.Header
	cfg       Config
	limiter   *rate.Limiter
	limiterMu sync.Mutex
}

// HTTPOpenerOption configures an HTTPOpener.
type HTTPOpenerOption func(*HTTPOpener)

// WithClient sets the HTTP client used for requests.
func WithClient(client *http.Client) HTTPOpenerOption {
	return func(o *HTTPOpener) { o.client = client }
}

// WithHeaders sets additional headers sent on every request.
func WithHeaders(headers http.Header) HTTPOpenerOption {
	return func(o *HTTPOpener) {
		if headers != nil {
			o.headers = headers.Clone()
		}
	}
}

// WithConfig sets the throttling/retry configuration.
func WithConfig(cfg Config) HTTPOpenerOption {
	return func(o *HTTPOpener) { o.cfg = cfg }
}

// NewHTTPOpener creates an opener that resolves path to a URL via resolve.
func NewHTTPOpener(resolve func(path string) string, opts ...HTTPOpenerOption) *HTTPOpener {
	o := &HTTPOpener{
		client:  http.DefaultClient,
		resolve: resolve,
		cfg:     DefaultConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.MaxMBps > 0 {
		bps := o.cfg.MaxMBps * (1 << 20)
		o.limiter = rate.NewLimiter(rate.Limit(bps), int(bps))
	}
	return o
}

// Open probes the origin for path's size and returns a Source backed by
// range requests.
func (o *HTTPOpener) Open(ctx context.Context, path string) (Source, error) {
	if !o.cfg.Enable {
		return nil, errors.New("origin: fetching disabled")
	}
	url := o.resolve(path)

	var size int64
	var etag string
	err := o.retry(ctx, func() error {
		s, e, err := o.rangeProbe(ctx, url)
		if err != nil {
			return err
		}
		size, etag = s, e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("origin: open %s: %w", path, err)
	}

	return &httpSource{opener: o, url: url, size: size, etag: etag}, nil
}

func (o *HTTPOpener) retry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(o.cfg.TryCnt),
		retry.Delay(o.cfg.Delay),
		retry.MaxJitter(o.cfg.DelayExtra),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrRangeUnsupported)
		}),
	)
}

func (o *HTTPOpener) rangeProbe(ctx context.Context, url string) (size int64, etag string, err error) {
	req, err := o.newRequest(ctx, url)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		return 0, "", ErrRangeUnsupported
	default:
		return 0, "", fmt.Errorf("range probe: unexpected status %s", resp.Status)
	}

	size, err = parseContentRangeSize(resp.Header.Get("Content-Range"))
	if err != nil {
		return 0, "", err
	}
	return size, resp.Header.Get("ETag"), nil
}

func (o *HTTPOpener) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range o.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept-Encoding", "identity")
	return req, nil
}

func (o *HTTPOpener) wait(ctx context.Context, n int) error {
	if o.limiter == nil {
		return nil
	}
	o.limiterMu.Lock()
	defer o.limiterMu.Unlock()
	return o.limiter.WaitN(ctx, n)
}

type httpSource struct {
	opener *HTTPOpener
	url    string
	size   int64
	etag   string
}

func (s *httpSource) Size() int64 { return s.size }

func (s *httpSource) Close() error { return nil }

// ReadAt issues a range request for [off, off+len(p)), retrying transient
// failures and obeying the opener's throughput limiter.
func (s *httpSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("origin: negative offset %d", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	expected := len(p)
	if end >= s.size {
		end = s.size - 1
		expected = int(end - off + 1)
	}

	ctx := context.Background()
	if err := s.opener.wait(ctx, expected); err != nil {
		return 0, fmt.Errorf("origin: rate limiter: %w", err)
	}

	var n int
	err := s.opener.retry(ctx, func() error {
		got, err := s.fetch(ctx, off, end, p[:expected])
		n = got
		return err
	})
	if err != nil {
		return n, fmt.Errorf("origin: read at %d: %w", off, err)
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *httpSource) fetch(ctx context.Context, off, end int64, p []byte) (int, error) {
	req, err := s.opener.newRequest(ctx, s.url)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	if s.etag != "" {
		req.Header.Set("If-Match", s.etag)
	}

	resp, err := s.opener.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		return 0, ErrRangeUnsupported
	default:
		return 0, fmt.Errorf("range request: unexpected status %s", resp.Status)
	}

	return io.ReadFull(resp.Body, p)
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

func parseContentRangeSize(value string) (int64, error) {
	value = strings.TrimSpace(value)
	const prefix = "bytes "
	if !strings.HasPrefix(value, prefix) {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, prefix), "/", 2)
	if len(parts) != 2 || parts[1] == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
