package artifact

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/treqd/treqd/internal/apierr"
)

func TestLocalStorePutWritesFile(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	loc, err := s.Put(context.Background(), "flow-1.json", bytes.NewReader([]byte(`{"ok":true}`)))
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected content: %s", data)
	}
}

func TestLocalStoreRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	_, err := s.Put(context.Background(), "../../etc/passwd", bytes.NewReader(nil))
	if err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestLocalStoreKeyWithSubdirectory(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	loc, err := s.Put(context.Background(), filepath.Join("2026", "08", "flow-1.json"), bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(loc); err != nil {
		t.Fatalf("expected file to exist at %s: %v", loc, err)
	}
}

func TestExporterNotConfigured(t *testing.T) {
	e := NewExporter(nil)
	if e.Configured() {
		t.Fatal("expected unconfigured exporter")
	}
	_, err := e.Export(context.Background(), "flow-1", bytes.NewReader(nil))
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeArtifactExportNotConfig {
		t.Fatalf("expected ARTIFACT_EXPORT_NOT_CONFIGURED, got %v", err)
	}
}

func TestExporterExportsThroughStore(t *testing.T) {
	dir := t.TempDir()
	e := NewExporter(NewLocalStore(dir))
	loc, err := e.Export(context.Background(), "flow-1", bytes.NewReader([]byte(`{"total":1}`)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(loc); err != nil {
		t.Fatalf("expected export file to exist: %v", err)
	}
}
