package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"mate-gateway/internal/ratelimit"
)

const (
	contentTypeJSON    = "application/json"
	userAgent          = "mate-gateway/0.1"
	maxErrorBodyBytes  = 64 * 1024
	defaultAttempts    = 3
	defaultBackoffBase = time.Second
	defaultTimeout     = 60 * time.Second
)

var (
	// ErrUpstreamTimeout is returned once every attempt timed out.
	ErrUpstreamTimeout = errors.New("upstream timed out")
	// ErrUpstreamRateLimited is returned once every attempt was answered with 429.
	ErrUpstreamRateLimited = errors.New("upstream rate limited")
	// ErrUpstreamHTTP matches any *HTTPError.
	ErrUpstreamHTTP = errors.New("upstream http error")
)

// HTTPError is a non-retryable, non-2xx provider response.
type HTTPError struct {
	Provider string
	Status   int
	Message  string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Status, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrUpstreamHTTP
}

// Request is a fully translated provider call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

func (r Request) build(ctx context.Context) (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	return req, nil
}

// Options tunes retry and timeout behaviour. Zero values select defaults.
type Options struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// BackoffBase is multiplied by 2^attempt between tries.
	BackoffBase time.Duration
	// Timeout bounds each attempt: until the full body for Do, until the
	// response headers for Stream.
	Timeout time.Duration
}

// Transport executes provider calls through a rate limiter with retries on
// timeouts and 429 responses.
type Transport struct {
	name        string
	client      *http.Client
	limiter     *ratelimit.Limiter
	attempts    int
	backoffBase time.Duration
	timeout     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// New constructs a Transport. A nil limiter disables throttling.
func New(name string, client *http.Client, limiter *ratelimit.Limiter, opts Options) (*Transport, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Transport{
		name:        name,
		client:      client,
		limiter:     limiter,
		attempts:    opts.Attempts,
		backoffBase: opts.BackoffBase,
		timeout:     opts.Timeout,
		sleep:       sleepWithContext,
	}, nil
}

// Do performs a blocking call and returns the full response body.
func (t *Transport) Do(ctx context.Context, req Request) ([]byte, error) {
	out, err := t.execute(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return out.body, nil
}

// Stream opens a streaming call and returns its body as a line stream. The
// caller must Close the stream.
func (t *Transport) Stream(ctx context.Context, req Request) (*LineStream, error) {
	out, err := t.execute(ctx, req, false)
	if err != nil {
		return nil, err
	}
	return newLineStream(out.resp.Body, out.att.release), nil
}

type outcome struct {
	resp *http.Response
	att  *attempt
	body []byte
}

func (t *Transport) execute(ctx context.Context, req Request, readBody bool) (outcome, error) {
	var (
		lastErr error
		wait    time.Duration
	)

	for n := 0; n < t.attempts; n++ {
		if n > 0 {
			if err := t.sleep(ctx, wait); err != nil {
				return outcome{}, err
			}
		}
		if t.limiter != nil {
			if err := t.limiter.Acquire(ctx); err != nil {
				return outcome{}, err
			}
		}

		out, hint, err := t.try(ctx, req, readBody)
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcome{}, ctxErr
		}

		switch {
		case errors.Is(err, ErrUpstreamTimeout):
			wait = t.backoff(n)
		case errors.Is(err, ErrUpstreamRateLimited):
			wait = t.backoff(n)
			if hint.ok {
				wait = hint.wait
			}
		default:
			return outcome{}, err
		}

		lastErr = err
		if n+1 < t.attempts {
			attrs := []any{"provider", t.name, "attempt", n + 1, "wait", wait, "err", err}
			if t.limiter != nil {
				attrs = append(attrs, "window_calls", t.limiter.InFlight())
			}
			slog.Warn("retrying upstream call", attrs...)
		}
	}

	return outcome{}, lastErr
}

type retryHint struct {
	wait time.Duration
	ok   bool
}

func (t *Transport) try(ctx context.Context, req Request, readBody bool) (outcome, retryHint, error) {
	att := newAttempt(ctx, t.timeout)

	httpReq, err := req.build(att.ctx)
	if err != nil {
		att.release()
		return outcome{}, retryHint{}, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		timedOut := att.timedOut.Load()
		att.release()
		if timedOut || isTimeout(err) {
			return outcome{}, retryHint{}, fmt.Errorf("%w: %s: %v", ErrUpstreamTimeout, t.name, err)
		}
		return outcome{}, retryHint{}, fmt.Errorf("%s request failed: %w", t.name, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait, ok := retryAfter(resp.Header.Get("Retry-After"))
		drainAndClose(resp.Body)
		att.release()
		return outcome{}, retryHint{wait: wait, ok: ok}, fmt.Errorf("%w: %s returned status 429", ErrUpstreamRateLimited, t.name)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		att.release()
		return outcome{}, retryHint{}, &HTTPError{
			Provider: t.name,
			Status:   resp.StatusCode,
			Message:  errorMessage(body),
		}
	}

	if !readBody {
		if !att.disarm() {
			resp.Body.Close()
			att.release()
			return outcome{}, retryHint{}, fmt.Errorf("%w: %s: deadline reached while opening stream", ErrUpstreamTimeout, t.name)
		}
		return outcome{resp: resp, att: att}, retryHint{}, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	timedOut := att.timedOut.Load()
	att.release()
	if err != nil {
		if timedOut || isTimeout(err) {
			return outcome{}, retryHint{}, fmt.Errorf("%w: %s: %v", ErrUpstreamTimeout, t.name, err)
		}
		return outcome{}, retryHint{}, fmt.Errorf("read %s response: %w", t.name, err)
	}
	return outcome{body: body}, retryHint{}, nil
}

func (t *Transport) backoff(attempt int) time.Duration {
	return t.backoffBase << attempt
}

// attempt scopes one try: its context is cancelled when the per-attempt
// deadline fires or when the attempt is released.
type attempt struct {
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	timedOut atomic.Bool
}

func newAttempt(parent context.Context, timeout time.Duration) *attempt {
	ctx, cancel := context.WithCancel(parent)
	a := &attempt{ctx: ctx, cancel: cancel}
	a.timer = time.AfterFunc(timeout, func() {
		a.timedOut.Store(true)
		cancel()
	})
	return a
}

// disarm stops the deadline and reports whether it had not fired yet.
func (a *attempt) disarm() bool {
	return a.timer.Stop()
}

func (a *attempt) release() {
	a.timer.Stop()
	a.cancel()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// retryAfter parses a Retry-After header given as delta-seconds or an HTTP date.
func retryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, true
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
		return time.Duration(f * float64(time.Second)), true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// errorMessage extracts the provider's error message from an error body. Both
// supported providers use {"error": {"type": ..., "message": ...}}.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg != "" {
			if typ := gjson.GetBytes(body, "error.type").String(); typ != "" {
				return fmt.Sprintf("%s: %s", typ, msg)
			}
			return msg
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "empty response body"
	}
	return text
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBodyBytes))
	body.Close()
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
