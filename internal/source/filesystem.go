package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemSource loads document text from a local directory, mirroring
// the S3 layout: <root>/<project_id>/<document_id>.txt. Used for local
// development and tests.
type FilesystemSource struct {
	root string
}

func NewFilesystemSource(root string) *FilesystemSource {
	return &FilesystemSource{root: root}
}

func (s *FilesystemSource) LoadText(_ context.Context, projectID, documentID string) (string, error) {
	// Identifiers come from job rows, but keep path traversal out anyway.
	if strings.Contains(projectID, "..") || strings.Contains(documentID, "..") {
		return "", fmt.Errorf("%w: invalid identifier", ErrDocumentNotFound)
	}

	path := filepath.Join(s.root, projectID, documentID+".txt")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrDocumentNotFound, path)
		}
		return "", fmt.Errorf("read document %s: %w", path, err)
	}
	return string(data), nil
}
