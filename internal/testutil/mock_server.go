// Package testutil provides HTTP test fixtures for the batch downloader.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockServer serves the same payload on every path, with knobs for the
// failure modes the engine has to survive.
type MockServer struct {
	Server *httptest.Server

	// Configuration
	FileSize         int64         // Size of the served payload
	SupportsRanges   bool          // Whether to honour Range requests
	ContentType      string        // Content-Type header value
	RandomData       bool          // Serve random bytes instead of zeros
	Latency          time.Duration // Artificial latency before headers
	ByteLatency      time.Duration // Latency per 32KB block written
	FailAfterBytes   int64         // Drop each response after this many bytes (0 = never)
	FailOnNthRequest int           // Return 500 on the Nth request (0 = never)
	Status           int           // Always answer with this status when non-zero
	StatusSequence   []int         // Status for the first len() requests, 0 or 200 means serve normally
	RetryAfter       string        // Retry-After value sent with error statuses
	PathStatus       map[string]int

	// Tracking
	RequestCount   atomic.Int64
	BytesServed    atomic.Int64
	ActiveRequests atomic.Int64
	PeakActive     atomic.Int64
	RangeRequests  atomic.Int64
	FullRequests   atomic.Int64
	FailedRequests atomic.Int64

	mu        sync.Mutex
	reqNum    int
	pathCount map[string]int
	userAgent []string

	data          []byte
	CustomHandler http.HandlerFunc
}

// MockServerOption is a function that configures a MockServer.
type MockServerOption func(*MockServer)

// WithHandler replaces request handling entirely. Counters still apply.
func WithHandler(h http.HandlerFunc) MockServerOption {
	return func(m *MockServer) { m.CustomHandler = h }
}

// WithFileSize sets the payload size.
func WithFileSize(size int64) MockServerOption {
	return func(m *MockServer) { m.FileSize = size }
}

// WithRangeSupport enables or disables Range request support.
func WithRangeSupport(enabled bool) MockServerOption {
	return func(m *MockServer) { m.SupportsRanges = enabled }
}

// WithContentType sets the Content-Type header.
func WithContentType(ct string) MockServerOption {
	return func(m *MockServer) { m.ContentType = ct }
}

// WithRandomData enables serving random bytes instead of zeros.
func WithRandomData(random bool) MockServerOption {
	return func(m *MockServer) { m.RandomData = random }
}

// WithPayload serves exactly data.
func WithPayload(data []byte) MockServerOption {
	return func(m *MockServer) {
		m.data = append([]byte(nil), data...)
		m.FileSize = int64(len(data))
	}
}

// WithLatency adds artificial latency per request.
func WithLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) { m.Latency = d }
}

// WithByteLatency slows the body down.
func WithByteLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) { m.ByteLatency = d }
}

// WithFailAfterBytes cuts every response after n body bytes.
func WithFailAfterBytes(n int64) MockServerOption {
	return func(m *MockServer) { m.FailAfterBytes = n }
}

// WithFailOnNthRequest causes the Nth request to fail with 500.
func WithFailOnNthRequest(n int) MockServerOption {
	return func(m *MockServer) { m.FailOnNthRequest = n }
}

// WithStatus makes every request answer with code.
func WithStatus(code int) MockServerOption {
	return func(m *MockServer) { m.Status = code }
}

// WithStatusSequence scripts the status of the first requests.
func WithStatusSequence(codes ...int) MockServerOption {
	return func(m *MockServer) { m.StatusSequence = codes }
}

// WithRetryAfter sets the Retry-After header on error responses.
func WithRetryAfter(v string) MockServerOption {
	return func(m *MockServer) { m.RetryAfter = v }
}

// WithPathStatus makes requests for path answer with code.
func WithPathStatus(path string, code int) MockServerOption {
	return func(m *MockServer) {
		if m.PathStatus == nil {
			m.PathStatus = make(map[string]int)
		}
		m.PathStatus[path] = code
	}
}

func newMock(opts []MockServerOption) *MockServer {
	m := &MockServer{
		FileSize:       64 * 1024,
		SupportsRanges: true,
		ContentType:    "application/octet-stream",
		pathCount:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	if int64(len(m.data)) != m.FileSize {
		m.data = make([]byte, m.FileSize)
		if m.RandomData {
			_, _ = rand.Read(m.data)
		}
	}
	return m
}

// NewMockServer creates a new mock HTTP server with the given options.
func NewMockServer(opts ...MockServerOption) *MockServer {
	m := newMock(opts)
	m.Server = NewHTTPServer(http.HandlerFunc(m.handleRequest))
	return m
}

// NewMockServerT creates a mock server, skipping the test if binding fails.
// The server is closed when the test ends.
func NewMockServerT(t *testing.T, opts ...MockServerOption) *MockServer {
	t.Helper()
	m := newMock(opts)
	m.Server = NewHTTPServerT(t, http.HandlerFunc(m.handleRequest))
	t.Cleanup(m.Close)
	return m
}

// URL returns the server's base URL.
func (m *MockServer) URL() string {
	return m.Server.URL
}

// FileURL returns a URL for name on this server.
func (m *MockServer) FileURL(name string) string {
	return m.Server.URL + "/" + strings.TrimPrefix(name, "/")
}

// Data returns the payload served for a full request.
func (m *MockServer) Data() []byte {
	return m.data
}

// SHA256 is the hex digest of the payload.
func (m *MockServer) SHA256() string {
	sum := sha256.Sum256(m.data)
	return hex.EncodeToString(sum[:])
}

// PathRequests is how many requests hit path.
func (m *MockServer) PathRequests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pathCount[path]
}

// UserAgents lists the User-Agent of every request so far.
func (m *MockServer) UserAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.userAgent...)
}

// Close shuts down the mock server.
func (m *MockServer) Close() {
	if m.Server != nil {
		m.Server.Close()
	}
}

// Stats returns a summary of server statistics.
func (m *MockServer) Stats() MockServerStats {
	return MockServerStats{
		TotalRequests:  m.RequestCount.Load(),
		BytesServed:    m.BytesServed.Load(),
		RangeRequests:  m.RangeRequests.Load(),
		FullRequests:   m.FullRequests.Load(),
		FailedRequests: m.FailedRequests.Load(),
		PeakActive:     m.PeakActive.Load(),
	}
}

// MockServerStats contains server statistics.
type MockServerStats struct {
	TotalRequests  int64
	BytesServed    int64
	RangeRequests  int64
	FullRequests   int64
	FailedRequests int64
	PeakActive     int64
}

func (m *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	m.RequestCount.Add(1)
	active := m.ActiveRequests.Add(1)
	defer m.ActiveRequests.Add(-1)
	for {
		peak := m.PeakActive.Load()
		if active <= peak || m.PeakActive.CompareAndSwap(peak, active) {
			break
		}
	}

	m.mu.Lock()
	m.reqNum++
	reqNum := m.reqNum
	m.pathCount[r.URL.Path]++
	m.userAgent = append(m.userAgent, r.UserAgent())
	m.mu.Unlock()

	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}

	if m.CustomHandler != nil {
		m.CustomHandler(w, r)
		return
	}

	status := m.Status
	if code, ok := m.PathStatus[r.URL.Path]; ok {
		status = code
	}
	if reqNum <= len(m.StatusSequence) {
		if code := m.StatusSequence[reqNum-1]; code != 0 && code != http.StatusOK {
			status = code
		}
	}
	if m.FailOnNthRequest > 0 && reqNum == m.FailOnNthRequest {
		status = http.StatusInternalServerError
	}
	if status != 0 && status != http.StatusOK {
		m.FailedRequests.Add(1)
		if m.RetryAfter != "" {
			w.Header().Set("Retry-After", m.RetryAfter)
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	if r.Method == http.MethodHead {
		m.setCommonHeaders(w, m.FileSize)
		w.WriteHeader(http.StatusOK)
		return
	}

	start, end := int64(0), m.FileSize-1
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" && m.SupportsRanges {
		m.RangeRequests.Add(1)
		var err error
		start, end, err = parseRange(rangeHeader, m.FileSize)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", m.FileSize))
			http.Error(w, "Invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		m.setCommonHeaders(w, end-start+1)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.FileSize))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		m.FullRequests.Add(1)
		m.setCommonHeaders(w, m.FileSize)
		w.WriteHeader(http.StatusOK)
	}

	length := end - start + 1
	written := int64(0)
	block := int64(32 * 1024)
	for written < length {
		if m.FailAfterBytes > 0 && written >= m.FailAfterBytes {
			m.FailedRequests.Add(1)
			// Abort the connection so the client sees a truncated body.
			panic(http.ErrAbortHandler)
		}
		n := length - written
		if n > block {
			n = block
		}
		if m.FailAfterBytes > 0 && written+n > m.FailAfterBytes {
			n = m.FailAfterBytes - written
		}
		from := start + written
		wn, err := w.Write(m.data[from : from+n])
		if err != nil {
			return
		}
		written += int64(wn)
		m.BytesServed.Add(int64(wn))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if m.ByteLatency > 0 {
			time.Sleep(m.ByteLatency)
		}
	}
}

func (m *MockServer) setCommonHeaders(w http.ResponseWriter, length int64) {
	w.Header().Set("Content-Type", m.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if m.SupportsRanges {
		w.Header().Set("Accept-Ranges", "bytes")
	}
}

// parseRange parses an HTTP Range header and returns start, end positions.
// Handles formats like "bytes=0-499", "bytes=500-" and "bytes=-500".
func parseRange(rangeHeader string, fileSize int64) (int64, int64, error) {
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range prefix")
	}

	parts := strings.Split(strings.TrimPrefix(rangeHeader, "bytes="), "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range format")
	}

	var start, end int64
	var err error
	if parts[0] == "" {
		end = fileSize - 1
		start, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		start = fileSize - start
	} else {
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		if parts[1] == "" {
			end = fileSize - 1
		} else {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, 0, err
			}
		}
	}

	if start < 0 || end >= fileSize || start > end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}
	return start, end, nil
}
