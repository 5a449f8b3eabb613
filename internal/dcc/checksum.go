package dcc

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

func newHasher(algorithm string) (hash.Hash, bool) {
	switch strings.ToLower(algorithm) {
	case "md5":
		return md5.New(), true
	case "sha1":
		return sha1.New(), true
	case "sha256":
		return sha256.New(), true
	default:
		return nil, false
	}
}

// hashFile computes algorithm's digest of the file at path, hex-encoded.
func hashFile(path, algorithm string) (string, error) {
	h, ok := newHasher(algorithm)
	if !ok {
		return "", fmt.Errorf("dcc: unsupported checksum algorithm %q", algorithm)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
