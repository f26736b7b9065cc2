// Package executor performs remote timeline API calls on behalf of tasks.
//
// Every Execute call runs on its own goroutine and reports back through its
// callback exactly once, on that goroutine. Cancelling the context passed to
// Execute aborts the HTTP round trip.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	bridgeerrors "github.com/muryk/ttbridge/errors"
	"github.com/muryk/ttbridge/logging"
)

// MaxBodySize is the default cap on a response body. Larger bodies fail
// the request rather than being cut short.
const MaxBodySize = 8 << 20

// ErrStopped is the cause reported for requests issued after Shutdown began.
var ErrStopped = errors.New("executor stopped")

// MessageNoData is reported when a successful response carries no body.
const MessageNoData = "Failed to perform request: no data returned"

// Response is the outcome of one remote call.
type Response struct {
	Body       []byte
	StatusCode int
	Err        error
}

// Callback receives the Response of a single Execute call.
type Callback func(Response)

// Config configures an HTTPExecutor.
type Config struct {
	// BaseURL is prepended to every request path, e.g. "https://api.twitter.com/1.1".
	BaseURL string

	// Timeout bounds each request, including rate limiter waits. Zero means no timeout.
	Timeout time.Duration

	// RateLimit is the sustained request rate per second. Zero disables limiting.
	RateLimit float64

	// Burst is the limiter bucket size.
	Burst int

	// BearerToken is sent as "Authorization: Bearer <token>" when set.
	BearerToken string

	UserAgent string

	// MaxBodySize caps the response body in bytes. Zero means MaxBodySize.
	MaxBodySize int64
}

// HTTPExecutor issues GET <BaseURL><path>.json?<params> requests.
type HTTPExecutor struct {
	base    *url.URL
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// Option configures an HTTPExecutor.
type Option func(*HTTPExecutor)

// WithTransport sets the round tripper wrapped by the tracing transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *HTTPExecutor) {
		e.client.Transport = otelhttp.NewTransport(rt)
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *HTTPExecutor) {
		e.logger = l.WithComponent("executor")
	}
}

// New creates an HTTPExecutor.
func New(cfg Config, opts ...Option) (*HTTPExecutor, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("executor: base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("executor: base url %q must be http or https", cfg.BaseURL)
	}

	e := &HTTPExecutor{
		base:   base,
		config: cfg,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger: logging.Discard(),
	}
	if cfg.MaxBodySize <= 0 {
		e.config.MaxBodySize = MaxBodySize
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute performs the request asynchronously and invokes cb exactly once.
// Once Shutdown has been called, cb reports ErrStopped without a request.
func (e *HTTPExecutor) Execute(ctx context.Context, path string, params map[string]string, cb Callback) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		go cb(Response{Err: bridgeerrors.WrapWithCode(ErrStopped, bridgeerrors.ErrCodeInternal,
			"Failed to perform request: "+ErrStopped.Error())})
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()

		delivered := false
		defer func() {
			if r := recover(); r != nil {
				perr := bridgeerrors.RecoverPanic(r)
				e.logger.Error("request panicked", map[string]interface{}{
					"path":  path,
					"error": perr.Error(),
				})
				if !delivered {
					cb(Response{Err: perr})
				}
			}
		}()

		resp := e.do(ctx, path, params)
		delivered = true
		cb(resp)
	}()
}

// Shutdown stops accepting requests and blocks until every in-flight
// request has delivered its callback or ctx is done.
func (e *HTTPExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestURL renders the URL Execute would call.
func (e *HTTPExecutor) RequestURL(path string, params map[string]string) string {
	u := *e.base
	u.Path = u.Path + path + ".json"
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (e *HTTPExecutor) do(ctx context.Context, path string, params map[string]string) Response {
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return Response{Err: bridgeerrors.Wrap(err, "Failed to perform request: "+err.Error())}
		}
	}

	target := e.RequestURL(path, params)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Response{Err: bridgeerrors.WrapWithCode(err, bridgeerrors.ErrCodeInternal,
			"Unable to create request: "+err.Error())}
	}
	req.Header.Set("Accept", "application/json")
	if e.config.UserAgent != "" {
		req.Header.Set("User-Agent", e.config.UserAgent)
	}
	if e.config.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.BearerToken)
	}

	start := time.Now()
	e.logger.Debug("request", map[string]interface{}{"path": path})

	resp, err := e.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{Err: bridgeerrors.Wrap(ctxErr, "Failed to perform request: "+ctxErr.Error())}
		}
		return Response{Err: bridgeerrors.WrapWithCode(err, bridgeerrors.ErrCodeNetworkErr, transportReason(err))}
	}
	defer resp.Body.Close()

	limit := e.config.MaxBodySize
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Response{StatusCode: resp.StatusCode, Err: bridgeerrors.WrapWithCode(err,
			bridgeerrors.ErrCodeNetworkErr, "Failed to perform request: "+err.Error())}
	}
	if int64(len(body)) > limit {
		return Response{StatusCode: resp.StatusCode, Err: bridgeerrors.Network(
			fmt.Sprintf("Failed to perform request: response exceeds %d bytes", limit),
			bridgeerrors.WithRetryable(false))}
	}

	e.logger.Debug("response", map[string]interface{}{
		"path":     path,
		"status":   resp.StatusCode,
		"bytes":    len(body),
		"duration": time.Since(start).String(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{StatusCode: resp.StatusCode, Err: statusError(resp.StatusCode, body)}
	}
	if len(body) == 0 {
		return Response{StatusCode: resp.StatusCode, Err: bridgeerrors.Network(MessageNoData)}
	}
	return Response{Body: body, StatusCode: resp.StatusCode}
}

// statusError converts a non-2xx response into a structured error.
func statusError(status int, body []byte) *bridgeerrors.Error {
	reason := Reason(status, body)
	opts := []bridgeerrors.Option{bridgeerrors.WithMetadata("status", strconv.Itoa(status))}

	switch status {
	case http.StatusTooManyRequests:
		return bridgeerrors.RateLimited(reason, opts...)
	case http.StatusUnauthorized, http.StatusForbidden:
		return bridgeerrors.New(bridgeerrors.ErrCodeUnauthorized, reason, opts...)
	default:
		if status < 500 {
			opts = append(opts, bridgeerrors.WithRetryable(false))
		}
		return bridgeerrors.Network(reason, opts...)
	}
}
