package dcc

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxFilenameBytes = 255

// securityErr is the type of ErrDCCSecurityViolation, which marks a DCC
// offer that sanitizeFilename or resolveDownloadPath rejected; callers must
// never retry it.
type securityErr string

func (e securityErr) Error() string { return string(e) }

// ErrDCCSecurityViolation is the spec's DCCSecurityViolation error kind.
var ErrDCCSecurityViolation = securityErr("dcc: security violation")

// sanitizeFilename implements spec §6's filename sanitization: reject any
// path separator, reject "." and "..", reject control characters, reject a
// configured blocked-extension set, and clamp to 255 bytes. Grounded on
// internal/server/sanitize.go's validatePathComponent, which rejects on the
// raw component rather than basename-ing it first — a filename carrying a
// separator is refused outright, never silently reduced to its basename.
func sanitizeFilename(original string, blockedExtensions []string) (string, error) {
	name := strings.TrimSpace(original)
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("%w: filename contains path separator", ErrDCCSecurityViolation)
	}
	if name == "" || name == "." {
		return "", fmt.Errorf("%w: empty filename", ErrDCCSecurityViolation)
	}
	if name == ".." {
		return "", fmt.Errorf("%w: filename is \"..\"", ErrDCCSecurityViolation)
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 {
			return "", fmt.Errorf("%w: filename contains control character", ErrDCCSecurityViolation)
		}
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, blocked := range blockedExtensions {
		if ext == strings.ToLower(blocked) {
			return "", fmt.Errorf("%w: extension %q is blocked", ErrDCCSecurityViolation, ext)
		}
	}
	if len(name) > maxFilenameBytes {
		name = name[:maxFilenameBytes]
	}
	return name, nil
}

// resolveDownloadPath joins a sanitized filename to downloadDir and
// verifies the result still resolves inside downloadDir after symlink
// resolution, per spec §6. Grounded on
// internal/server/sanitize.go's validatePathInBaseDir.
func resolveDownloadPath(downloadDir, filename string) (string, error) {
	candidate := filepath.Join(downloadDir, filename)

	absBase, err := filepath.Abs(downloadDir)
	if err != nil {
		return "", fmt.Errorf("resolving download dir: %w", err)
	}
	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolving candidate path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absCandidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes download dir %q", ErrDCCSecurityViolation, filename, downloadDir)
	}
	return absCandidate, nil
}

// uniqueIfExists appends " (2)", " (3)", ... before the extension until it
// finds a path that does not already exist, using exists to probe.
func uniqueIfExists(path string, exists func(string) bool) string {
	if !exists(path) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if !exists(candidate) {
			return candidate
		}
	}
}
