package graphstore

import (
	"context"
	"errors"
)

var (
	// ErrVersionConflict means another writer superseded the live version
	// between the caller's read and this write. Callers re-read the live
	// version and retry resolution against it.
	ErrVersionConflict = errors.New("graphstore: version conflict")

	// ErrNotFound means no live version exists for the requested identity.
	ErrNotFound = errors.New("graphstore: not found")

	// ErrEndpointMissing means a relationship endpoint does not reference a
	// live object in the same project and branch.
	ErrEndpointMissing = errors.New("graphstore: relationship endpoint not live")
)

// Store is the append-only versioned graph storage contract. All reads of
// "live" state resolve the maximum-version, non-deleted, non-superseded row
// of a canonical identity and branch.
type Store interface {
	// WriteObject appends a version per the ObjectWrite contract. When the
	// proposed content hashes equal to the current live version, no row is
	// written and the live version is returned unchanged.
	WriteObject(ctx context.Context, write ObjectWrite) (*GraphObject, error)

	// GetLiveObject returns the live version of a canonical object.
	GetLiveObject(ctx context.Context, projectID, branchID, canonicalID string) (*GraphObject, error)

	// FindLiveObjectByKey finds the live object of the given type whose
	// normalized business key matches, within one project and branch.
	FindLiveObjectByKey(ctx context.Context, projectID, branchID, typ, key string) (*GraphObject, error)

	// ListLiveObjects returns all live objects of a type in a project and
	// branch. An empty type matches all types.
	ListLiveObjects(ctx context.Context, projectID, branchID, typ string) ([]*GraphObject, error)

	// ObjectHistory returns every version of a canonical object oldest
	// first, tombstones included.
	ObjectHistory(ctx context.Context, projectID, branchID, canonicalID string) ([]*GraphObject, error)

	// DeleteObject appends a tombstone version. Deleting an already-deleted
	// object is a no-op returning the existing tombstone.
	DeleteObject(ctx context.Context, projectID, branchID, canonicalID string, prov Provenance) (*GraphObject, error)

	// RestoreObject appends a version that revives the last non-deleted
	// content of a tombstoned object.
	RestoreObject(ctx context.Context, projectID, branchID, canonicalID string, prov Provenance) (*GraphObject, error)

	// NearestObjects returns live objects of a type ranked by embedding
	// similarity, best first.
	NearestObjects(ctx context.Context, projectID, branchID, typ string, embedding []float32, limit int) ([]ObjectMatch, error)

	// WriteRelationship appends a relationship version after validating
	// that both endpoints are live objects in the same project and branch.
	WriteRelationship(ctx context.Context, write RelationshipWrite) (*GraphRelationship, error)

	// GetLiveRelationship returns the live version of a canonical
	// relationship.
	GetLiveRelationship(ctx context.Context, projectID, branchID, canonicalID string) (*GraphRelationship, error)

	// ListLiveRelationships returns live relationships of a type in a
	// project and branch. An empty type matches all types.
	ListLiveRelationships(ctx context.Context, projectID, branchID, typ string) ([]*GraphRelationship, error)

	// HasNeedsReview reports whether any live object or relationship
	// authored by the given extraction job is flagged for review.
	HasNeedsReview(ctx context.Context, jobID string) (bool, error)
}
