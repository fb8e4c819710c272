// Package ingest turns uploaded files into embedded source passages through
// an asynchronous job: parse, chunk, embed, persist.
package ingest

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/cortex/pkg/errs"
)

// Parse extracts plain text from an upload. Plain text and markdown pass
// through with newline normalization; anything else is rejected up front so
// the job never starts for an unsupported format.
func Parse(name, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errs.InvalidArgumentf("file %q is empty", name)
	}
	if !utf8.Valid(data) {
		return "", errs.InvalidArgumentf("file %q is not valid UTF-8 text", name)
	}

	kind := contentType
	if i := strings.Index(kind, ";"); i >= 0 {
		kind = kind[:i]
	}
	kind = strings.TrimSpace(strings.ToLower(kind))

	switch kind {
	case "text/plain", "text/markdown", "application/json", "":
	default:
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".txt" && ext != ".md" && ext != ".markdown" {
			return "", errs.InvalidArgumentf("unsupported content type %q for file %q", contentType, name)
		}
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return "", errs.InvalidArgumentf("file %q contains no text", name)
	}
	return text, nil
}

// IsMarkdown reports whether the upload should chunk with markdown-aware
// separators.
func IsMarkdown(name, contentType string) bool {
	if strings.HasPrefix(strings.ToLower(contentType), "text/markdown") {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".md" || ext == ".markdown"
}
