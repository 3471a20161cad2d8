package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Formats the readers understand, identified by file extension.
const (
	FormatCSV  = ".csv"
	FormatXLSX = ".xlsx"
	FormatHTML = ".html"
)

// DefaultAllowedTypes are the MIME types accepted for import.
var DefaultAllowedTypes = []string{
	"text/csv",
	"text/plain",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/html",
}

// computeHash returns the SHA-256 hex digest of content.
func computeHash(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// Sniff detects the MIME type of content and reports whether it, or one of
// its parent types, is in allowed.
func Sniff(content []byte, allowed []string) (*mimetype.MIME, bool) {
	detected := mimetype.Detect(content)
	for m := detected; m != nil; m = m.Parent() {
		for _, a := range allowed {
			if m.Is(a) {
				return detected, true
			}
		}
	}
	return detected, false
}

// FormatFor picks the reader format for a sniffed type, falling back to the
// file name's extension for plain text.
func FormatFor(detected *mimetype.MIME, filename string) string {
	switch {
	case detected.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"):
		return FormatXLSX
	case detected.Is("text/html"):
		return FormatHTML
	case detected.Is("text/csv"):
		return FormatCSV
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".htm", ".html":
		return FormatHTML
	default:
		return FormatCSV
	}
}

// filenameFromURL returns the last path segment of a URL path, or fallback.
func filenameFromURL(urlPath, fallback string) string {
	name := path.Base(urlPath)
	if name == "." || name == "/" || name == "" {
		return fallback
	}
	return name
}
