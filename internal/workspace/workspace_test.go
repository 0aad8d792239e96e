package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/treqd/treqd/internal/apierr"
)

func setupRoot(t *testing.T) *Root {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.http"), []byte("GET http://x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	r, err := NewRoot(dir)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSafeJoinAllowsWithinRoot(t *testing.T) {
	r := setupRoot(t)
	p, err := r.SafeJoin("a.http")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(p) != r.Path() {
		t.Fatalf("resolved path %q not under root %q", p, r.Path())
	}
}

func TestSafeJoinRejectsAbsolute(t *testing.T) {
	r := setupRoot(t)
	_, err := r.SafeJoin("/etc/passwd")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodePathOutsideWorkspace {
		t.Fatalf("expected PATH_OUTSIDE_WORKSPACE, got %v", err)
	}
}

func TestSafeJoinRejectsEscape(t *testing.T) {
	r := setupRoot(t)
	_, err := r.SafeJoin("../etc/passwd")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodePathOutsideWorkspace {
		t.Fatalf("expected PATH_OUTSIDE_WORKSPACE, got %v", err)
	}
}

func TestListFilesSkipsIgnored(t *testing.T) {
	r := setupRoot(t)
	files, err := r.ListFiles([]string{"sub"})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "a.http" {
		t.Fatalf("unexpected listing: %v", files)
	}
}
