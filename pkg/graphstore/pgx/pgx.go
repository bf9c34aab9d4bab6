package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/emergent-company/emergent.strategy-sub008/pkg/graphstore"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements graphstore.Store on PostgreSQL with pgvector for
// similarity search. Version chains are append-only rows; writer
// serialization per canonical identity uses transaction-scoped advisory
// locks plus a unique index on (canonical_id, branch_id, version) as the
// safety net.
type Store struct {
	conn pgxIConn
}

// NewStoreWithConnection creates a Store using an existing connection or
// pool.
func NewStoreWithConnection(conn pgxIConn) *Store {
	return &Store{conn: conn}
}

const uniqueViolation = "23505"

// mapWriteErr converts a unique-index violation on the version chain into
// the conflict error callers retry on.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %v", graphstore.ErrVersionConflict, err)
	}
	return err
}

// lockChain takes a transaction-scoped advisory lock for one canonical
// identity so concurrent writers within this database serialize before the
// version check.
func lockChain(ctx context.Context, tx pgx.Tx, projectID, branchID, canonicalID string) error {
	key := "graph-write|" + projectID + "|" + branchID + "|" + canonicalID
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1)::bigint)`, key)
	return err
}

const objectColumns = `
	id, canonical_id, project_id, branch_id, type, key, version,
	supersedes_id, properties, labels, content_hash, change_summary,
	deleted_at, extraction_job_id, extraction_confidence, needs_review,
	reviewed_by, reviewed_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*graphstore.GraphObject, error) {
	var obj graphstore.GraphObject
	err := row.Scan(
		&obj.ID,
		&obj.CanonicalID,
		&obj.ProjectID,
		&obj.BranchID,
		&obj.Type,
		&obj.Key,
		&obj.Version,
		&obj.SupersedesID,
		&obj.Properties,
		&obj.Labels,
		&obj.ContentHash,
		&obj.ChangeSummary,
		&obj.DeletedAt,
		&obj.Provenance.ExtractionJobID,
		&obj.Provenance.ExtractionConfidence,
		&obj.Provenance.NeedsReview,
		&obj.Provenance.ReviewedBy,
		&obj.Provenance.ReviewedAt,
		&obj.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

const relationshipColumns = `
	id, canonical_id, project_id, branch_id, type, src_id, dst_id, version,
	supersedes_id, properties, weight, valid_from, valid_to, content_hash,
	deleted_at, extraction_job_id, extraction_confidence, needs_review,
	reviewed_by, reviewed_at, created_at`

func scanRelationship(row rowScanner) (*graphstore.GraphRelationship, error) {
	var rel graphstore.GraphRelationship
	err := row.Scan(
		&rel.ID,
		&rel.CanonicalID,
		&rel.ProjectID,
		&rel.BranchID,
		&rel.Type,
		&rel.SrcID,
		&rel.DstID,
		&rel.Version,
		&rel.SupersedesID,
		&rel.Properties,
		&rel.Weight,
		&rel.ValidFrom,
		&rel.ValidTo,
		&rel.ContentHash,
		&rel.DeletedAt,
		&rel.Provenance.ExtractionJobID,
		&rel.Provenance.ExtractionConfidence,
		&rel.Provenance.NeedsReview,
		&rel.Provenance.ReviewedBy,
		&rel.Provenance.ReviewedAt,
		&rel.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rel, nil
}
