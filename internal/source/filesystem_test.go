package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFilesystemSourceLoadText(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "proj-1"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "proj-1", "doc-1.txt"), []byte("Ada Lovelace"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	src := NewFilesystemSource(root)

	text, err := src.LoadText(context.Background(), "proj-1", "doc-1")
	if err != nil {
		t.Fatalf("LoadText: %v", err)
	}
	if text != "Ada Lovelace" {
		t.Errorf("text = %q", text)
	}

	if _, err := src.LoadText(context.Background(), "proj-1", "missing"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("err = %v, want ErrDocumentNotFound", err)
	}
	if _, err := src.LoadText(context.Background(), "..", "doc-1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("traversal err = %v, want ErrDocumentNotFound", err)
	}
}
