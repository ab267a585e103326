// Package download drives batches of candidates through the per-task state
// machine: dedup check, resolve, fetch into a .part file, verify, rename.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/surge-downloader/batchdl/internal/engine/backoff"
	"github.com/surge-downloader/batchdl/internal/engine/cache"
	"github.com/surge-downloader/batchdl/internal/engine/events"
	"github.com/surge-downloader/batchdl/internal/engine/ratelimit"
	"github.com/surge-downloader/batchdl/internal/engine/stats"
	"github.com/surge-downloader/batchdl/internal/engine/transport"
	"github.com/surge-downloader/batchdl/internal/engine/types"
	"github.com/surge-downloader/batchdl/internal/utils"
)

// maxPageSize caps bodies read by FetchPage.
const maxPageSize = 8 * types.MB

// Resolver turns a source URL into the URL of the binary itself.
type Resolver interface {
	Resolve(ctx context.Context, sourceURL string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, sourceURL string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, sourceURL string) (string, error) {
	return f(ctx, sourceURL)
}

// Engine owns one limiter, pool, cache, dedup table and backoff state.
// Run may be called more than once but not concurrently.
type Engine struct {
	cfg       types.Config
	limiter   *ratelimit.Limiter
	backoff   *backoff.Backoff
	cache     *cache.Cache
	dedup     *cache.Deduplicator
	transport *transport.Transport
	stats     *stats.Collector
	resolver  Resolver
	sink      events.Sink
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error

	runMu sync.Mutex
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	resolver       Resolver
	sink           events.Sink
	logger         *slog.Logger
	sleep          func(context.Context, time.Duration) error
	limiterOptions []ratelimit.Option
}

// WithResolver sets the resolver consulted in the Resolving state. Without
// one, the source URL is fetched directly.
func WithResolver(r Resolver) Option {
	return func(o *engineOptions) { o.resolver = r }
}

// WithSink sets the progress sink.
func WithSink(s events.Sink) Option {
	return func(o *engineOptions) { o.sink = s }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithSleep replaces every between-retry and between-batch sleep.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *engineOptions) { o.sleep = fn }
}

// WithLimiterOptions passes options through to the rate limiter.
func WithLimiterOptions(opts ...ratelimit.Option) Option {
	return func(o *engineOptions) { o.limiterOptions = append(o.limiterOptions, opts...) }
}

// New validates cfg and assembles an Engine.
func New(cfg types.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := engineOptions{sleep: utils.SleepWithContext}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	limiter, err := ratelimit.New(cfg.RateLimit, cfg.RateWindow,
		append([]ratelimit.Option{ratelimit.WithLogger(o.logger)}, o.limiterOptions...)...)
	if err != nil {
		return nil, err
	}
	bo, err := backoff.New(backoff.FromEngineConfig(cfg))
	if err != nil {
		return nil, err
	}
	collector := stats.NewCollector()
	tr, err := transport.New(transport.Options{
		Config:   cfg,
		Limiter:  limiter,
		Backoff:  bo,
		Logger:   o.logger,
		Observer: collector,
		Sleep:    o.sleep,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		limiter:   limiter,
		backoff:   bo,
		cache:     cache.New(cache.Options{TTL: cfg.CacheTTL, MaxSize: cfg.CacheMaxSize, Logger: o.logger}),
		dedup:     cache.NewDeduplicator(cfg.DedupTTL),
		transport: tr,
		stats:     collector,
		resolver:  o.resolver,
		sink:      events.Safe(o.sink, o.logger),
		logger:    o.logger,
		sleep:     o.sleep,
	}, nil
}

// Close releases pooled connections.
func (e *Engine) Close() {
	e.transport.Close()
}

// Stats returns a snapshot safe to take while Run is in progress.
func (e *Engine) Stats() stats.DownloadStats {
	s := e.stats.Snapshot()
	s.RateLimit = e.limiter.Stats()
	s.Cache = e.cache.Stats()
	return s
}

// Run downloads candidates with at most concurrency tasks in flight and
// returns how many were committed and how many failed. Skipped candidates
// count as neither. Cancelling ctx stops the run cleanly: the counts so far
// are returned with a nil error.
func (e *Engine) Run(ctx context.Context, candidates []types.Candidate, concurrency int) (int, int, error) {
	if concurrency < 1 {
		return 0, 0, types.NewConfigError("run", fmt.Errorf("concurrency must be at least 1, got %d", concurrency))
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	tasks := make([]*types.DownloadTask, 0, len(candidates))
	claimed := make(map[string]string, len(candidates))
	for _, c := range candidates {
		task := newTask(c)
		claimDest(task, claimed)
		tasks = append(tasks, task)
	}

	batch := e.cfg.ChunkBatchSize(concurrency)
	throttle := e.cfg.ChunkThrottle()
	e.logger.Info("starting batch run",
		"tasks", len(tasks), "concurrency", concurrency, "batch", batch, "throttle", throttle)

	var mu sync.Mutex
	succeeded, failed := 0, 0

	for start := 0; start < len(tasks); start += batch {
		if ctx.Err() != nil {
			break
		}
		end := start + batch
		if end > len(tasks) {
			end = len(tasks)
		}

		var g errgroup.Group
		g.SetLimit(concurrency)
		for _, task := range tasks[start:end] {
			g.Go(func() error {
				out := e.runTask(ctx, task)
				if types.IsCanceled(out.Err) {
					return nil
				}
				e.stats.Record(out)
				mu.Lock()
				switch {
				case out.Skip != types.SkipNone:
				case out.Succeeded():
					succeeded++
				default:
					failed++
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if end < len(tasks) && throttle > 0 {
			if err := e.sleep(ctx, throttle); err != nil {
				break
			}
		}
	}

	snap := e.Stats()
	if ctx.Err() != nil {
		e.logger.Warn("batch run canceled", "succeeded", succeeded, "failed", failed)
	} else {
		e.logger.Info("batch run finished",
			"succeeded", succeeded, "failed", failed, "skipped", snap.Skipped(),
			"bytes", humanize.IBytes(uint64(snap.Bytes)))
	}
	return succeeded, failed, nil
}

func newTask(c types.Candidate) *types.DownloadTask {
	id := uuid.NewString()
	name := c.SuggestedFilename
	if name != "" {
		name = utils.SanitizeFilename(name)
	} else if name = utils.FilenameFromURL(c.SourceURL); name == "" {
		name = "download-" + id[:8]
	}
	return &types.DownloadTask{
		ID:        id,
		SourceURL: c.SourceURL,
		DestPath:  joinDest(c.DestinationDir, name),
		Filename:  name,
		State:     types.StatePending,
		Candidate: c,
	}
}

// FetchPage fetches a small document through the shared limiter, transport
// and cache. Resolvers use it so page lookups obey the same rate.
func (e *Engine) FetchPage(ctx context.Context, rawURL string) ([]byte, error) {
	key := "page:" + cache.Fingerprint(cache.Request{Method: "GET", URL: rawURL})
	if body, ok := e.cache.Get(key); ok {
		return body, nil
	}

	resp, err := e.transport.Fetch(ctx, transport.Request{URL: rawURL})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, &types.Error{Kind: types.KindCanceled, Op: "fetch page", URL: rawURL, Err: ctx.Err()}
		}
		return nil, &types.Error{Kind: types.KindRetryable, Op: "fetch page", URL: rawURL, Err: err}
	}
	if len(body) > maxPageSize {
		return nil, &types.Error{Kind: types.KindFatal, Op: "fetch page", URL: rawURL,
			Err: fmt.Errorf("page larger than %s", humanize.IBytes(maxPageSize))}
	}
	e.cache.Set(key, body)
	return body, nil
}
