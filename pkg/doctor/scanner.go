package doctor

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mova-labs/ocp/pkg/canonical"
)

// DefaultPatterns are the leak indicators searched for in text artifacts.
// Matching is case-insensitive.
var DefaultPatterns = []string{
	"authorization: bearer",
	wellKnownTestSecret,
	"token=",
	"secret=",
	"api_key",
}

// textExtensions are the artifact types the scanner reads.
var textExtensions = map[string]bool{
	".json":  true,
	".jsonl": true,
	".log":   true,
	".txt":   true,
	".yaml":  true,
	".yml":   true,
	".md":    true,
	".bak":   true,
}

// Match is one flagged file/pattern pair. SnippetHash is the SHA-256 of the
// matching line, so the scan report never reproduces the leaked value.
type Match struct {
	File        string `json:"file"`
	Pattern     string `json:"pattern"`
	SnippetHash string `json:"snippet_hash"`
}

// ScanResult summarizes one directory scan.
type ScanResult struct {
	Status  string  `json:"status"`
	Scanned int     `json:"files_scanned"`
	Matches []Match `json:"matches"`
}

// Scanner walks artifact trees looking for leak patterns.
type Scanner struct {
	patterns []string
	logger   *slog.Logger
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithPatterns adds leak patterns beyond the defaults (instruction-profile
// redaction rules, deployment-specific markers).
func WithPatterns(extra ...string) ScannerOption {
	return func(s *Scanner) {
		for _, p := range extra {
			s.patterns = append(s.patterns, strings.ToLower(p))
		}
	}
}

// WithScannerLogger overrides the default logger.
func WithScannerLogger(l *slog.Logger) ScannerOption {
	return func(s *Scanner) { s.logger = l }
}

// NewScanner builds a Scanner with DefaultPatterns.
func NewScanner(opts ...ScannerOption) *Scanner {
	s := &Scanner{
		patterns: append([]string(nil), DefaultPatterns...),
		logger:   slog.Default().With("component", "doctor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan walks dir and flags every text artifact containing a leak pattern.
// Unreadable files are skipped; a missing dir is an error. Callers map a
// non-ok status to a non-zero exit code.
func (s *Scanner) Scan(dir string) (*ScanResult, error) {
	res := &ScanResult{Status: StatusOK, Matches: []Match{}}

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}
		if !textExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			s.logger.Warn("scan skipped unreadable file", "path", path, "error", rerr)
			return nil
		}
		res.Scanned++

		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		haystack := strings.ToLower(string(data))
		for _, p := range s.patterns {
			idx := strings.Index(haystack, p)
			if idx < 0 {
				continue
			}
			res.Matches = append(res.Matches, Match{
				File:        rel,
				Pattern:     p,
				SnippetHash: canonical.HashBytes(lineAround(data, idx)),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("doctor: scan %s: %w", dir, err)
	}

	if len(res.Matches) > 0 {
		res.Status = StatusFail
	}
	return res, nil
}

// lineAround returns the full line containing offset idx.
func lineAround(data []byte, idx int) []byte {
	start := idx
	for start > 0 && data[start-1] != '\n' {
		start--
	}
	end := idx
	for end < len(data) && data[end] != '\n' {
		end++
	}
	return data[start:end]
}
