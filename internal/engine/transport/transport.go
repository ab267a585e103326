// Package transport is the pooled, rate-limited, retrying HTTP fetcher used
// by the download engine.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vfaronov/httpheader"
	"golang.org/x/net/proxy"

	"github.com/surge-downloader/batchdl/internal/engine/backoff"
	"github.com/surge-downloader/batchdl/internal/engine/ratelimit"
	"github.com/surge-downloader/batchdl/internal/engine/types"
	"github.com/surge-downloader/batchdl/internal/utils"
)

// Observer is told about every response status the transport sees.
type Observer interface {
	ObserveStatus(code int)
}

// Request describes one logical fetch.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration // per attempt, 0 uses the configured fetch timeout

	// MaxAttempts lowers the attempt ceiling for this call. 0 or anything
	// above the configured MaxRetries uses MaxRetries.
	MaxAttempts int
}

// Response is a successful (2xx) response. Body must be closed; closing it
// returns the pool slot.
type Response struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
	URL           string
	Attempts      int
}

// Options wires a Transport to the engine's shared components.
type Options struct {
	Config   types.Config
	Limiter  *ratelimit.Limiter
	Backoff  *backoff.Backoff
	Logger   *slog.Logger
	Observer Observer

	// Sleep replaces the between-attempt sleep. Used by tests.
	Sleep func(context.Context, time.Duration) error
}

// Transport issues requests through the pool, limiter and backoff.
type Transport struct {
	cfg      types.Config
	client   *http.Client
	base     *http.Transport
	limiter  *ratelimit.Limiter
	backoff  *backoff.Backoff
	pool     *pool
	breaker  *breaker
	logger   *slog.Logger
	observer Observer
	sleep    func(context.Context, time.Duration) error
	retry    map[int]bool
}

// New builds a Transport. Limiter and Backoff are required.
func New(opts Options) (*Transport, error) {
	if opts.Limiter == nil || opts.Backoff == nil {
		return nil, types.NewConfigError("new transport", errors.New("limiter and backoff are required"))
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base, err := newHTTPTransport(cfg)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = utils.SleepWithContext
	}
	retry := make(map[int]bool, len(cfg.RetryStatuses))
	for _, code := range cfg.RetryStatuses {
		retry[code] = true
	}

	return &Transport{
		cfg:      cfg,
		client:   &http.Client{Transport: base},
		base:     base,
		limiter:  opts.Limiter,
		backoff:  opts.Backoff,
		pool:     newPool(cfg.MaxGlobalConns, cfg.MaxConnsPerHost),
		breaker:  newBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		logger:   logger,
		observer: opts.Observer,
		sleep:    sleep,
		retry:    retry,
	}, nil
}

func newHTTPTransport(cfg types.Config) (*http.Transport, error) {
	t := &http.Transport{
		MaxIdleConns:        cfg.MaxGlobalConns,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,

		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   types.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: types.DefaultResponseHeaderTimeout,

		// Payloads are media, already compressed. Keeps Content-Length honest.
		DisableCompression: true,

		DialContext: (&net.Dialer{
			Timeout:   types.DialTimeout,
			KeepAlive: types.KeepAliveDuration,
		}).DialContext,
		Proxy: http.ProxyFromEnvironment,
	}

	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil || u.Host == "" {
			return nil, types.NewConfigError("new transport", fmt.Errorf("invalid proxy url %q", cfg.ProxyURL))
		}
		if strings.HasPrefix(u.Scheme, "socks5") {
			var auth *proxy.Auth
			if u.User != nil {
				pw, _ := u.User.Password()
				auth = &proxy.Auth{User: u.User.Username(), Password: pw}
			}
			dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
			if err != nil {
				return nil, types.NewConfigError("new transport", fmt.Errorf("socks5 proxy: %w", err))
			}
			t.Proxy = nil
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				t.DialContext = cd.DialContext
			} else {
				t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
			}
		} else {
			t.Proxy = http.ProxyURL(u)
		}
	}

	if cfg.SkipTLSVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t, nil
}

// ActiveConns is the number of pool slots held for host.
func (t *Transport) ActiveConns(host string) int { return t.pool.active(host) }

// TotalActive is the number of pool slots held across hosts.
func (t *Transport) TotalActive() int { return t.pool.total() }

// Close drops idle connections.
func (t *Transport) Close() {
	t.base.CloseIdleConnections()
}

// Fetch performs req, retrying retryable failures up to MaxRetries attempts
// in total. Only 2xx responses are returned. Every other outcome is a
// *types.Error.
func (t *Transport) Fetch(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, &types.Error{Kind: types.KindFatal, Op: "fetch", URL: req.URL, Err: fmt.Errorf("invalid url: %w", errOrEmpty(err))}
	}
	host := u.Host
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.cfg.FetchTimeout
	}

	maxAttempts := t.cfg.MaxRetries
	if req.MaxAttempts > 0 && req.MaxAttempts < maxAttempts {
		maxAttempts = req.MaxAttempts
	}

	if !t.breaker.allow(host) {
		return nil, &types.Error{Kind: types.KindFatal, Op: "fetch", URL: req.URL, Err: types.ErrCircuitOpen}
	}

	var last *types.Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, ferr := t.attempt(ctx, method, host, req, timeout)
		if ferr == nil {
			resp.Attempts = attempt
			t.backoff.Reset(req.URL)
			t.breaker.success(host)
			return resp, nil
		}
		ferr.Attempts = attempt
		if ferr.Kind != types.KindRetryable {
			return nil, ferr
		}
		last = ferr
		if attempt == maxAttempts {
			break
		}

		delay := t.backoff.DelayFor(req.URL)
		if ferr.RetryAfter > delay {
			delay = ferr.RetryAfter
		}
		t.logger.Debug("retrying fetch",
			"url", req.URL, "attempt", attempt, "max", maxAttempts, "delay", delay, "error", ferr)
		if err := t.sleep(ctx, delay); err != nil {
			cerr := canceled(req.URL, err)
			cerr.Attempts = attempt
			return nil, cerr
		}
	}

	if t.breaker.failure(host) {
		t.logger.Warn("host circuit opened", "host", host, "cooldown", t.cfg.CircuitCooldown)
	}
	return nil, &types.Error{
		Kind:       types.KindFatal,
		Op:         "fetch",
		URL:        req.URL,
		StatusCode: last.StatusCode,
		Attempts:   maxAttempts,
		Err:        fmt.Errorf("%w after %d attempts: %w", types.ErrRetriesExhausted, maxAttempts, last),
	}
}

func (t *Transport) attempt(ctx context.Context, method, host string, req Request, timeout time.Duration) (*Response, *types.Error) {
	// The token is taken before the host slot so a caller waiting on refill
	// never holds a slot that a streaming body could use.
	if err := t.limiter.Acquire(ctx, 1); err != nil {
		if types.IsConfig(err) {
			var te *types.Error
			errors.As(err, &te)
			return nil, te
		}
		return nil, canceled(req.URL, err)
	}
	release, err := t.pool.acquire(ctx, host)
	if err != nil {
		return nil, canceled(req.URL, err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	done := func() {
		cancel()
		release()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		done()
		return nil, &types.Error{Kind: types.KindFatal, Op: "fetch", URL: req.URL, Err: err}
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			hreq.Header.Add(k, v)
		}
	}
	if hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", t.cfg.GetUserAgent())
	}

	resp, err := t.client.Do(hreq)
	if err != nil {
		done()
		if ctx.Err() != nil {
			return nil, canceled(req.URL, ctx.Err())
		}
		return nil, &types.Error{Kind: types.KindRetryable, Op: "fetch", URL: req.URL, Err: err}
	}

	if t.observer != nil {
		t.observer.ObserveStatus(resp.StatusCode)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{
			StatusCode:    resp.StatusCode,
			Header:        resp.Header,
			ContentLength: resp.ContentLength,
			Body:          &releasingBody{ReadCloser: resp.Body, release: done},
			URL:           req.URL,
		}, nil
	}

	retryAfter := time.Duration(0)
	if at := httpheader.RetryAfter(resp.Header); !at.IsZero() {
		retryAfter = time.Until(at)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	done()

	kind := types.KindFatal
	if alwaysRetry(resp.StatusCode) || t.retry[resp.StatusCode] {
		kind = types.KindRetryable
	}
	return nil, &types.Error{
		Kind:       kind,
		Op:         "fetch",
		URL:        req.URL,
		StatusCode: resp.StatusCode,
		RetryAfter: retryAfter,
		Err:        errors.New(http.StatusText(resp.StatusCode)),
	}
}

// alwaysRetry reports statuses that are retryable whatever RetryStatuses
// holds: 408 and 429 mean "try again later", never "this will not work".
func alwaysRetry(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// releasingBody returns the pool slot and cancels the attempt context on
// the first Close.
type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

func canceled(rawURL string, err error) *types.Error {
	return &types.Error{Kind: types.KindCanceled, Op: "fetch", URL: rawURL, Err: err}
}

func errOrEmpty(err error) error {
	if err != nil {
		return err
	}
	return errors.New("missing host")
}
