package utils

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxFilenameLength is the byte limit most filesystems impose on one name.
const MaxFilenameLength = 255

// SanitizeFilename keeps letters, digits, space, '-', '_' and '.', trims
// leading and trailing dots and spaces, and caps the length. An empty result
// becomes "unnamed".
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("- _.", r) {
			b.WriteRune(r)
		}
	}
	safe := strings.Trim(b.String(), ". ")
	if safe == "" {
		return "unnamed"
	}
	for len(safe) > MaxFilenameLength {
		_, size := utf8.DecodeLastRuneInString(safe)
		safe = safe[:len(safe)-size]
	}
	return safe
}

// FilenameFromURL returns the sanitized last path segment of rawURL, or ""
// when the URL has none.
func FilenameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(parsed.Path)
	if base == "/" || base == "." || base == "" {
		return ""
	}
	return SanitizeFilename(base)
}

// URLDir maps a URL onto a relative directory mirroring its host and path
// without the filename.
// Example: https://example.com/a/b/file.zip -> example.com/a/b
func URLDir(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	parts := []string{SanitizeFilename(strings.ReplaceAll(parsed.Host, ":", "_"))}
	dir := path.Dir(strings.TrimPrefix(parsed.Path, "/"))
	if dir != "." {
		for _, seg := range strings.Split(dir, "/") {
			if seg == "" || seg == "." || seg == ".." {
				continue
			}
			parts = append(parts, SanitizeFilename(seg))
		}
	}
	return filepath.Join(parts...), nil
}
