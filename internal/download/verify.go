package download

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"

	"github.com/surge-downloader/batchdl/internal/engine/transport"
	"github.com/surge-downloader/batchdl/internal/engine/types"
)

// sniffLen is how much of the payload is inspected for magic bytes.
const sniffLen = 512

func verificationError(task *types.DownloadTask, op string, cause error, detail string) error {
	err := cause
	if detail != "" {
		err = fmt.Errorf("%w: %s", cause, detail)
	}
	return &types.Error{Kind: types.KindVerification, Op: op, URL: task.SourceURL, Err: err}
}

// checkHeaders rejects responses that cannot be the expected payload before
// any byte reaches disk. A rejected response also discards the part file.
func (e *Engine) checkHeaders(task *types.DownloadTask, resp *transport.Response, offset int64) error {
	fail := func(cause error, detail string) error {
		_ = os.Remove(task.PartPath())
		return verificationError(task, "check headers", cause, detail)
	}

	if mediaType, _ := httpheader.ContentType(resp.Header); mediaType == "text/html" {
		return fail(types.ErrHTMLPayload, "content-type "+mediaType)
	}
	if resp.ContentLength < 0 {
		return nil
	}
	size := offset + resp.ContentLength
	if size < e.cfg.MinFileSize {
		return fail(types.ErrUndersized, fmt.Sprintf("content-length %d below minimum %d", size, e.cfg.MinFileSize))
	}
	if want := task.Candidate.ExpectedSize; want > 0 && size != want {
		return fail(types.ErrSizeMismatch, fmt.Sprintf("content-length %d, expected %d", size, want))
	}
	return nil
}

// verify checks the finished part file. Any failure deletes it so the next
// attempt starts clean.
func (e *Engine) verify(task *types.DownloadTask) (err error) {
	part := task.PartPath()
	defer func() {
		if err != nil && types.KindOf(err) == types.KindVerification {
			_ = os.Remove(part)
		}
	}()

	info, statErr := os.Stat(part)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return verificationError(task, "verify", types.ErrUndersized, "part file missing")
		}
		return &types.Error{Kind: types.KindResource, Op: "verify", URL: task.SourceURL, Err: statErr}
	}
	size := info.Size()
	task.Written = size

	if size < e.cfg.MinFileSize {
		return verificationError(task, "verify", types.ErrUndersized, fmt.Sprintf("%d bytes, minimum %d", size, e.cfg.MinFileSize))
	}
	if want := task.Candidate.ExpectedSize; want > 0 && size != want {
		return verificationError(task, "verify", types.ErrSizeMismatch, fmt.Sprintf("%d bytes, expected %d", size, want))
	}

	f, openErr := os.Open(part)
	if openErr != nil {
		return &types.Error{Kind: types.KindResource, Op: "verify", URL: task.SourceURL, Err: openErr}
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, readErr := io.ReadFull(f, head)
	if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
		return &types.Error{Kind: types.KindResource, Op: "verify", URL: task.SourceURL, Err: readErr}
	}
	head = head[:n]

	if looksLikeHTML(head) {
		return verificationError(task, "verify", types.ErrHTMLPayload, "")
	}
	if e.cfg.VerifyMediaType && !isMedia(head) {
		kind, _ := filetype.Match(head)
		return verificationError(task, "verify", types.ErrUnexpectedMediaType, "detected "+kind.MIME.Value)
	}

	if want := task.Candidate.ExpectedSHA256; want != "" {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return &types.Error{Kind: types.KindResource, Op: "verify", URL: task.SourceURL, Err: err}
		}
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return &types.Error{Kind: types.KindResource, Op: "verify", URL: task.SourceURL, Err: err}
		}
		if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, want) {
			return verificationError(task, "verify", types.ErrHashMismatch, "got "+got)
		}
	}
	return nil
}

func looksLikeHTML(head []byte) bool {
	return !isMedia(head) && strings.HasPrefix(http.DetectContentType(head), "text/html")
}

func isMedia(head []byte) bool {
	return filetype.IsImage(head) || filetype.IsVideo(head) || filetype.IsAudio(head) || filetype.IsArchive(head)
}
