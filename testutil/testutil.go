// Package testutil provides shared test utilities for filekeep tests.
package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// ArtifactName builds an upload filename {unixMillis}_{hash}_{logical}.
// Pass an empty hash for names without a hash segment.
func ArtifactName(ts time.Time, hash, logical string) string {
	if hash == "" {
		return fmt.Sprintf("%d_%s", ts.UnixMilli(), logical)
	}
	return fmt.Sprintf("%d_%s_%s", ts.UnixMilli(), hash, logical)
}

// WriteArtifact writes an artifact file of the given size and sets its
// modification time, so retention tests control both sort order and age.
func WriteArtifact(t *testing.T, dir, name string, size int, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := bytes.Repeat([]byte{'x'}, size)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("failed to set artifact mtime: %v", err)
	}
	return path
}
