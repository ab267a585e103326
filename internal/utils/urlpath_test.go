package utils

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestURLDir(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
		wantErr  bool
	}{
		{
			name:     "Simple URL with path",
			url:      "https://example.com/a/b/file.zip",
			expected: filepath.Join("example.com", "a", "b"),
		},
		{
			name:     "URL with no subdirectories",
			url:      "https://example.com/file.zip",
			expected: "example.com",
		},
		{
			name:     "URL with deep path",
			url:      "https://cdn.example.com/downloads/2024/01/archive.tar.gz",
			expected: filepath.Join("cdn.example.com", "downloads", "2024", "01"),
		},
		{
			name:     "URL with port",
			url:      "https://example.com:8080/path/to/file.bin",
			expected: filepath.Join("example.com_8080", "path", "to"),
		},
		{
			name:     "URL with query parameters",
			url:      "https://example.com/download/file.zip?token=abc123",
			expected: filepath.Join("example.com", "download"),
		},
		{
			name:     "Traversal segments are dropped",
			url:      "https://example.com/a/../../etc/passwd",
			expected: filepath.Join("example.com", "etc"),
		},
		{
			name:    "Invalid URL",
			url:     "://bad",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := URLDir(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("URLDir() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.expected {
				t.Errorf("URLDir() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"photo 01.jpg", "photo 01.jpg"},
		{"../../etc/passwd", "etcpasswd"},
		{"a<b>c:d|e?.png", "abcde.png"},
		{"  ..hidden.. ", "hidden"},
		{"文件-1.mp4", "文件-1.mp4"},
		{"???", "unnamed"},
		{"", "unnamed"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := strings.Repeat("é", 200) // 400 bytes
	got := SanitizeFilename(long)
	if len(got) > MaxFilenameLength {
		t.Errorf("expected at most %d bytes, got %d", MaxFilenameLength, len(got))
	}
	if !strings.HasPrefix(long, got) {
		t.Error("truncation must keep whole runes")
	}
}

func TestFilenameFromURL(t *testing.T) {
	tests := []struct {
		url, want string
	}{
		{"https://cdn.example.com/v/clip.mp4?x=1", "clip.mp4"},
		{"https://example.com/", ""},
		{"https://example.com", ""},
		{"https://example.com/a%20b.jpg", "a b.jpg"},
	}
	for _, tt := range tests {
		if got := FilenameFromURL(tt.url); got != tt.want {
			t.Errorf("FilenameFromURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestSleepWithContext(t *testing.T) {
	if err := SleepWithContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := SleepWithContext(ctx, time.Hour); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep did not return on cancellation")
	}
	if err := SleepWithContext(ctx, 0); err != context.Canceled {
		t.Errorf("zero sleep should still report cancellation, got %v", err)
	}
}
