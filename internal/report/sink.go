package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sink accepts a finished Metrics and persists or exposes it.
type Sink interface {
	// Write stores the metrics under the given report title and
	// returns a locator for the stored artifact.
	Write(ctx context.Context, title string, m *Metrics) (string, error)
}

// FileSink writes each report as a JSON artifact named
// <repo>_<title>_<timestamp>.json in a fixed directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Write(_ context.Context, title string, m *Metrics) (string, error) {
	name := fmt.Sprintf("%s_%s_%s.json",
		sanitize(m.Repo), sanitize(title), m.GeneratedAt.UTC().Format("20060102T150405Z"))
	path := filepath.Join(s.dir, name)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalizing report: %w", err)
	}
	return path, nil
}

// sanitize makes a string safe for use in a filename.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}
