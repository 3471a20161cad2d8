package ingestion

import (
	"fmt"
	"regexp"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// CleanCell normalizes a cell value: line endings become spaces, runs of
// whitespace collapse to one space, and the result is trimmed.
func CleanCell(value string) string {
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "\r\n", "\n")
	value = strings.TrimPrefix(value, "\ufeff")
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(value, " "))
}

// CleanHeaders normalizes header cells. Blank headers become column_N
// (1-based) and repeated headers get a _2, _3 suffix so no column is lost.
func CleanHeaders(cells []string) []string {
	headers := make([]string, len(cells))
	seen := make(map[string]int, len(cells))
	for i, cell := range cells {
		name := CleanCell(cell)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		headers[i] = name
	}
	return headers
}

// isBlankRecord reports whether every cell is empty after cleaning.
func isBlankRecord(cells []string) bool {
	for _, cell := range cells {
		if CleanCell(cell) != "" {
			return false
		}
	}
	return true
}
