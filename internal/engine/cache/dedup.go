package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Request is the logical identity of a fetch for fingerprinting.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NormalizeURL lower-cases scheme and host, strips default ports and the
// fragment, and sorts the query so equivalent URLs compare equal. Unparseable
// input is returned trimmed.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawQuery = u.Query().Encode()
	return u.String()
}

// Fingerprint is a stable sha256 over method, normalized URL, the sorted
// header set and the body.
func Fingerprint(r Request) string {
	h := sha256.New()
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeURL(r.URL)))
	h.Write([]byte{0})

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, http.CanonicalHeaderKey(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := append([]string(nil), r.Header.Values(k)...)
		sort.Strings(vals)
		h.Write([]byte(k + ":" + strings.Join(vals, ",")))
		h.Write([]byte{0})
	}
	h.Write(r.Body)
	return hex.EncodeToString(h.Sum(nil))
}

// Deduplicator remembers fingerprints for a TTL. The first caller for a
// fingerprint proceeds, later callers inside the TTL are told to skip.
type Deduplicator struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
}

// NewDeduplicator returns a Deduplicator with the given window.
func NewDeduplicator(ttl time.Duration) *Deduplicator {
	return &Deduplicator{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// IsDuplicate reports whether r was already seen within the TTL. When it was
// not, its fingerprint is recorded.
func (d *Deduplicator) IsDuplicate(r Request) bool {
	fp := Fingerprint(r)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweepLocked(now)
	if at, ok := d.seen[fp]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[fp] = now
	return false
}

// Forget removes r so it may be submitted again.
func (d *Deduplicator) Forget(r Request) {
	fp := Fingerprint(r)
	d.mu.Lock()
	delete(d.seen, fp)
	d.mu.Unlock()
}

// Len is the number of remembered fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduplicator) sweepLocked(now time.Time) {
	if now.Sub(d.lastSweep) < d.ttl/4 {
		return
	}
	d.lastSweep = now
	for fp, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, fp)
		}
	}
}
