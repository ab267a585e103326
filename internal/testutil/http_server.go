package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

// Sandboxed CI runners often lack an IPv6 loopback, so listeners are bound
// to 127.0.0.1 explicitly.
func startTCP4(handler http.Handler) (*httptest.Server, error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	srv := &httptest.Server{Listener: ln, Config: &http.Server{Handler: handler}}
	srv.Start()
	return srv, nil
}

// NewHTTPServer starts handler on an IPv4 listener, falling back to the
// httptest default when that fails.
func NewHTTPServer(handler http.Handler) *httptest.Server {
	srv, err := startTCP4(handler)
	if err != nil {
		return httptest.NewServer(handler)
	}
	return srv
}

// NewHTTPServerT starts handler on an IPv4 listener and skips the test if
// binding fails.
func NewHTTPServerT(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv, err := startTCP4(handler)
	if err != nil {
		t.Skipf("tcp4 listener unavailable: %v", err)
		return nil
	}
	return srv
}
