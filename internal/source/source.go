package source

import (
	"errors"
)

// ErrDocumentNotFound marks a document that does not exist in the backing
// store. The orchestrator treats it as a fatal job condition.
var ErrDocumentNotFound = errors.New("source: document not found")
