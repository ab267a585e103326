package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/surge-downloader/batchdl/internal/engine/cache"
	"github.com/surge-downloader/batchdl/internal/engine/events"
	"github.com/surge-downloader/batchdl/internal/engine/types"
)

func joinDest(dir, name string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, name)
}

// claimDest gives task a destination no other task in this run writes to.
// claimed maps a destination to the fingerprint of the request that owns
// it. Repeats of the same request keep the shared path so deduplication
// still reports them; distinct requests get name_1.ext, name_2.ext, ...
func claimDest(task *types.DownloadTask, claimed map[string]string) {
	fp := cache.Fingerprint(cache.Request{Method: "GET", URL: task.SourceURL, Header: task.Candidate.Header})
	dir, name := filepath.Split(task.DestPath)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	dest := task.DestPath
	for n := 1; ; n++ {
		owner, taken := claimed[dest]
		if !taken || owner == fp {
			break
		}
		name = fmt.Sprintf("%s_%d%s", stem, n, ext)
		dest = filepath.Join(dir, name)
	}
	claimed[dest] = fp
	task.DestPath = dest
	task.Filename = name
}

// resolvedEntry is the cached result of a resolver call.
type resolvedEntry struct {
	URL string `json:"url"`
}

// runTask drives one task to a terminal state. It never panics on task
// errors and never returns a batch-level error.
func (e *Engine) runTask(ctx context.Context, task *types.DownloadTask) types.Outcome {
	log := e.logger.With("task", task.ID[:8], "url", task.SourceURL)

	fp := cache.Request{Method: "GET", URL: task.SourceURL, Header: task.Candidate.Header}
	if e.dedup.IsDuplicate(fp) {
		log.Debug("duplicate candidate skipped")
		return e.skip(task, types.SkipDuplicate)
	}
	if info, err := os.Stat(task.DestPath); err == nil && info.Size() > 0 {
		log.Debug("destination already present", "path", task.DestPath)
		return e.skip(task, types.SkipExisting)
	}

	task.StartedAt = time.Now()
	e.stats.RecordAttempt()
	e.sink.OnTaskStarted(events.DownloadStartedMsg{
		DownloadID: task.ID,
		URL:        task.SourceURL,
		Filename:   task.Filename,
		Total:      task.Candidate.ExpectedSize,
		DestPath:   task.DestPath,
	})

	for {
		err := e.step(ctx, task)
		if err == nil {
			if task.State == types.StateCompleted {
				log.Info("download complete", "path", task.DestPath, "bytes", task.Written, "attempts", task.Attempts)
				return e.finish(task, nil)
			}
			continue
		}

		task.LastErr = err
		if ctx.Err() != nil || types.IsCanceled(err) {
			_ = os.Remove(task.PartPath())
			log.Debug("task canceled", "state", task.State)
			return e.finish(task, &types.Error{Kind: types.KindCanceled, Op: task.State.String(), URL: task.SourceURL, Err: context.Canceled})
		}
		if !types.IsRetryable(err) {
			if types.KindOf(err) == types.KindResource {
				_ = os.Remove(task.PartPath())
			}
			log.Warn("download failed", "state", task.State, "kind", types.KindOf(err), "error", err)
			return e.finish(task, err)
		}
		if task.Attempts >= e.cfg.MaxRetries {
			log.Warn("download failed, retries exhausted", "attempts", task.Attempts, "error", err)
			return e.finish(task, err)
		}

		delay := e.backoff.DelayFor("task:" + task.ID)
		log.Info("retrying download", "state", task.State, "attempt", task.Attempts, "delay", delay, "error", err)
		task.State = types.StatePending
		if serr := e.sleep(ctx, delay); serr != nil {
			_ = os.Remove(task.PartPath())
			return e.finish(task, &types.Error{Kind: types.KindCanceled, Op: "retry", URL: task.SourceURL, Err: serr})
		}
	}
}

// step performs exactly one state transition.
func (e *Engine) step(ctx context.Context, task *types.DownloadTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch task.State {
	case types.StatePending:
		task.State = types.StateResolving
		return nil
	case types.StateResolving:
		if err := e.resolve(ctx, task); err != nil {
			return err
		}
		task.State = types.StateFetching
		return nil
	case types.StateFetching:
		if err := e.stream(ctx, task); err != nil {
			return err
		}
		task.State = types.StateVerifying
		return nil
	case types.StateVerifying:
		if err := e.verify(task); err != nil {
			return err
		}
		if err := e.commit(task); err != nil {
			return err
		}
		task.State = types.StateCompleted
		return nil
	}
	return &types.Error{Kind: types.KindFatal, Op: "step", URL: task.SourceURL, Err: errors.New("unexpected state " + task.State.String())}
}

// resolve fills ResolvedURL, consulting the cache first. A resolver failure
// costs one attempt.
func (e *Engine) resolve(ctx context.Context, task *types.DownloadTask) error {
	if task.ResolvedURL != "" {
		return nil
	}
	if e.resolver == nil {
		task.ResolvedURL = task.SourceURL
		return nil
	}

	key := "resolve:" + cache.NormalizeURL(task.SourceURL)
	var hit resolvedEntry
	if e.cache.GetJSON(key, &hit) && hit.URL != "" {
		task.ResolvedURL = hit.URL
		return nil
	}

	direct, err := e.resolver.Resolve(ctx, task.SourceURL)
	if err != nil {
		task.Attempts++
		var te *types.Error
		if errors.As(err, &te) {
			return err
		}
		if ctx.Err() != nil {
			return &types.Error{Kind: types.KindCanceled, Op: "resolve", URL: task.SourceURL, Err: err}
		}
		return &types.Error{Kind: types.KindRetryable, Op: "resolve", URL: task.SourceURL, Err: err}
	}
	if direct == "" {
		task.Attempts++
		return &types.Error{Kind: types.KindFatal, Op: "resolve", URL: task.SourceURL, Err: errors.New("resolver returned no url")}
	}
	task.ResolvedURL = direct
	e.cache.SetJSON(key, resolvedEntry{URL: direct})
	return nil
}

// commit atomically moves the verified part file into place. A non-empty
// file that showed up at the destination after the existing-file check is
// left alone.
func (e *Engine) commit(task *types.DownloadTask) error {
	if info, err := os.Lstat(task.DestPath); err == nil && info.Size() > 0 {
		_ = os.Remove(task.PartPath())
		return &types.Error{Kind: types.KindFatal, Op: "commit", URL: task.SourceURL, Err: types.ErrDestinationExists}
	}
	if err := os.Rename(task.PartPath(), task.DestPath); err != nil {
		return &types.Error{Kind: types.KindResource, Op: "commit", URL: task.SourceURL, Err: err}
	}
	return nil
}

func (e *Engine) skip(task *types.DownloadTask, reason types.SkipReason) types.Outcome {
	task.State = types.StateSkipped
	e.sink.OnTaskTerminal(events.DownloadSkippedMsg{
		DownloadID: task.ID,
		URL:        task.SourceURL,
		Filename:   task.Filename,
		Reason:     string(reason),
	})
	return types.Outcome{
		TaskID:   task.ID,
		URL:      task.SourceURL,
		DestPath: task.DestPath,
		State:    types.StateSkipped,
		Skip:     reason,
	}
}

func (e *Engine) finish(task *types.DownloadTask, err error) types.Outcome {
	elapsed := time.Since(task.StartedAt)
	e.backoff.Reset("task:" + task.ID)

	out := types.Outcome{
		TaskID:   task.ID,
		URL:      task.SourceURL,
		DestPath: task.DestPath,
		Bytes:    task.Written,
		Attempts: task.Attempts,
		Elapsed:  elapsed,
		Err:      err,
	}
	if err == nil {
		task.State = types.StateCompleted
		out.State = types.StateCompleted
		e.sink.OnTaskTerminal(events.DownloadCompleteMsg{
			DownloadID: task.ID,
			Filename:   task.Filename,
			DestPath:   task.DestPath,
			Elapsed:    elapsed,
			Total:      task.Written,
			Attempts:   task.Attempts,
		})
		return out
	}

	task.State = types.StateFailed
	task.LastErr = err
	out.State = types.StateFailed
	e.sink.OnTaskTerminal(events.DownloadErrorMsg{
		DownloadID: task.ID,
		Filename:   task.Filename,
		Kind:       types.KindOf(err).String(),
		Attempts:   task.Attempts,
		Err:        err,
	})
	return out
}
