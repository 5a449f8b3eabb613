package dcc

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestResolveDownloadPathRejectsTraversal(t *testing.T) {
	// Even if a caller passed an unsanitized filename straight through,
	// resolveDownloadPath's confinement check must still catch it.
	if _, err := resolveDownloadPath("/downloads", "../../etc/passwd"); !errors.Is(err, ErrDCCSecurityViolation) {
		t.Fatalf("expected ErrDCCSecurityViolation, got %v", err)
	}
}

func TestSanitizeFilenameRejectsTraversal(t *testing.T) {
	if _, err := sanitizeFilename("../../etc/evil.sh", nil); !errors.Is(err, ErrDCCSecurityViolation) {
		t.Fatalf("expected traversal filename to be rejected outright, got %v", err)
	}
}

func TestSanitizeFilenameRejectsEmbeddedSeparator(t *testing.T) {
	if _, err := sanitizeFilename("subdir/evil.sh", nil); !errors.Is(err, ErrDCCSecurityViolation) {
		t.Fatalf("expected embedded separator to be rejected, got %v", err)
	}
	if _, err := sanitizeFilename(`subdir\evil.sh`, nil); !errors.Is(err, ErrDCCSecurityViolation) {
		t.Fatalf("expected embedded backslash separator to be rejected, got %v", err)
	}
}

func TestSanitizeFilenameBlockedExtension(t *testing.T) {
	if _, err := sanitizeFilename("payload.exe", []string{".exe"}); !errors.Is(err, ErrDCCSecurityViolation) {
		t.Fatalf("expected blocked extension rejection, got %v", err)
	}
}

func TestSanitizeFilenameRejectsDotDot(t *testing.T) {
	if _, err := sanitizeFilename("..", nil); !errors.Is(err, ErrDCCSecurityViolation) {
		t.Fatalf("expected \"..\" to be rejected, got %v", err)
	}
}

func TestResolveDownloadPathConfinesToBase(t *testing.T) {
	base := "/downloads"
	path, err := resolveDownloadPath(base, "report.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Dir(path) != base {
		t.Fatalf("expected path under %s, got %s", base, path)
	}
}

func TestUniqueIfExistsAppendsCounter(t *testing.T) {
	seen := map[string]bool{"/downloads/report.txt": true, "/downloads/report (2).txt": true}
	exists := func(p string) bool { return seen[p] }
	got := uniqueIfExists("/downloads/report.txt", exists)
	if got != "/downloads/report (3).txt" {
		t.Fatalf("expected report (3).txt, got %s", got)
	}
}
