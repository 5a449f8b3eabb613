package dcc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashFileKnownDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	digest, err := hashFile(path, "sha256")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if digest != want {
		t.Fatalf("expected %s, got %s", want, digest)
	}
}

func TestNewHasherRejectsUnknownAlgorithm(t *testing.T) {
	if _, ok := newHasher("crc32"); ok {
		t.Fatal("expected unsupported algorithm to be rejected")
	}
}

func TestHashFileMissingFile(t *testing.T) {
	if _, err := hashFile("/nonexistent/path/to/file", "md5"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
