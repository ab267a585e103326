package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/surge-downloader/batchdl/internal/engine/events"
	"github.com/surge-downloader/batchdl/internal/engine/transport"
	"github.com/surge-downloader/batchdl/internal/engine/types"
)

// stream fetches the resolved URL into the task's part file, appending to
// whatever a previous attempt left behind.
func (e *Engine) stream(ctx context.Context, task *types.DownloadTask) error {
	if err := os.MkdirAll(task.Dir(), 0o755); err != nil {
		return &types.Error{Kind: types.KindResource, Op: "stream", URL: task.SourceURL, Err: err}
	}

	part := task.PartPath()
	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	}

	expected := task.Candidate.ExpectedSize
	if expected > 0 && offset > expected {
		e.logger.Debug("part file larger than expected, restarting", "path", part, "size", offset)
		_ = os.Remove(part)
		offset = 0
	}
	if expected > 0 && offset == expected {
		task.Written = offset
		return nil
	}

	header := task.Candidate.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if offset > 0 {
		header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.transport.Fetch(ctx, transport.Request{
		URL:         task.ResolvedURL,
		Header:      header,
		MaxAttempts: e.cfg.MaxRetries - task.Attempts,
	})
	if err != nil {
		var te *types.Error
		if errors.As(err, &te) {
			task.Attempts += te.Attempts
		}
		// The server has nothing past our offset, so the part is complete
		// as far as it knows. Verification decides.
		if offset > 0 && types.StatusCodeOf(err) == http.StatusRequestedRangeNotSatisfiable {
			task.Written = offset
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	task.Attempts += resp.Attempts

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		if !rangeStartsAt(resp.Header.Get("Content-Range"), offset) {
			_ = os.Remove(part)
			return &types.Error{Kind: types.KindRetryable, Op: "stream", URL: task.SourceURL,
				Err: fmt.Errorf("content-range %q does not start at %d", resp.Header.Get("Content-Range"), offset)}
		}
	case offset > 0:
		e.logger.Debug("server ignored range, restarting from zero", "url", task.ResolvedURL, "status", resp.StatusCode)
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		offset = 0
	}

	if err := e.checkHeaders(task, resp, offset); err != nil {
		return err
	}

	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return &types.Error{Kind: types.KindResource, Op: "stream", URL: task.SourceURL, Err: err}
	}

	written, err := e.copyBody(ctx, task, f, resp.Body, offset, resp.ContentLength)
	task.Written = offset + written
	if cerr := f.Close(); err == nil && cerr != nil {
		err = &types.Error{Kind: types.KindResource, Op: "stream", URL: task.SourceURL, Err: cerr}
	}
	return err
}

// copyBody moves the body into f in ChunkSize pieces, reporting progress.
// Read failures are retryable and keep the part file for resume. Write
// failures are resource errors.
func (e *Engine) copyBody(ctx context.Context, task *types.DownloadTask, f *os.File, body io.Reader, offset, length int64) (int64, error) {
	total := int64(0)
	if length >= 0 {
		total = offset + length
	} else if task.Candidate.ExpectedSize > 0 {
		total = task.Candidate.ExpectedSize
	}

	buf := make([]byte, e.cfg.ChunkSize)
	var written int64
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return written, &types.Error{Kind: types.KindCanceled, Op: "stream", URL: task.SourceURL, Err: err}
		}
		nr, rerr := body.Read(buf)
		if nr > 0 {
			nw, werr := f.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
				e.stats.AddBytes(int64(nw))
				e.sink.OnTaskProgress(events.ProgressMsg{
					DownloadID: task.ID,
					Downloaded: offset + written,
					Total:      total,
					Delta:      int64(nw),
					Elapsed:    time.Since(start),
				})
			}
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, &types.Error{Kind: types.KindResource, Op: "write part", URL: task.SourceURL, Err: werr}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return written, &types.Error{Kind: types.KindCanceled, Op: "stream", URL: task.SourceURL, Err: ctx.Err()}
			}
			return written, &types.Error{Kind: types.KindRetryable, Op: "stream", URL: task.SourceURL, Err: rerr}
		}
	}
}

func rangeStartsAt(contentRange string, offset int64) bool {
	var start, end, size int64
	if _, err := fmt.Sscanf(contentRange, "bytes %d-%d/%d", &start, &end, &size); err == nil {
		return start == offset
	}
	var star string
	if _, err := fmt.Sscanf(contentRange, "bytes %d-%d/%s", &start, &end, &star); err == nil {
		return start == offset
	}
	return false
}
