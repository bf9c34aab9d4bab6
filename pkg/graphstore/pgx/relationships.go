package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emergent-company/emergent.strategy-sub008/pkg/graphstore"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const liveRelationshipSQL = `
	SELECT ` + relationshipColumns + ` FROM (
		SELECT DISTINCT ON (canonical_id) *
		FROM graph_relationships
		WHERE project_id = $1 AND branch_id = $2
		ORDER BY canonical_id, version DESC
	) head
	WHERE head.deleted_at IS NULL`

func (s *Store) WriteRelationship(ctx context.Context, write graphstore.RelationshipWrite) (*graphstore.GraphRelationship, error) {
	branch := write.BranchID
	if branch == "" {
		branch = graphstore.DefaultBranch
	}
	hash := graphstore.ComputeRelationshipHash(write.Type, write.SrcID, write.DstID, write.Properties, write.Weight)

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	for _, endpoint := range []string{write.SrcID, write.DstID} {
		live, err := s.endpointLive(ctx, tx, write.ProjectID, branch, endpoint)
		if err != nil {
			return nil, err
		}
		if !live {
			return nil, fmt.Errorf("%w: %s", graphstore.ErrEndpointMissing, endpoint)
		}
	}

	canonical := write.CanonicalID
	version := 1
	var supersedes *string

	if canonical == "" {
		canonical = uuid.NewString()
	} else {
		if err := lockChain(ctx, tx, write.ProjectID, branch, canonical); err != nil {
			return nil, err
		}

		head, err := s.headRelationship(ctx, tx, write.ProjectID, branch, canonical)
		if err != nil {
			return nil, err
		}
		if head.Deleted() {
			return nil, fmt.Errorf("%w: relationship %s is deleted", graphstore.ErrNotFound, canonical)
		}
		if write.ExpectedVersion > 0 && head.Version != write.ExpectedVersion {
			return nil, fmt.Errorf("%w: relationship %s at version %d, expected %d",
				graphstore.ErrVersionConflict, canonical, head.Version, write.ExpectedVersion)
		}
		if hash == head.ContentHash {
			return head, nil
		}

		version = head.Version + 1
		supersedes = &head.ID
	}

	rel := &graphstore.GraphRelationship{
		ID:           uuid.NewString(),
		CanonicalID:  canonical,
		ProjectID:    write.ProjectID,
		BranchID:     branch,
		Type:         write.Type,
		SrcID:        write.SrcID,
		DstID:        write.DstID,
		Version:      version,
		SupersedesID: supersedes,
		Properties:   write.Properties,
		Weight:       write.Weight,
		ValidFrom:    write.ValidFrom,
		ValidTo:      write.ValidTo,
		ContentHash:  hash,
		Provenance:   write.Provenance,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO graph_relationships (
			id, canonical_id, project_id, branch_id, type, src_id, dst_id,
			version, supersedes_id, properties, weight, valid_from, valid_to,
			content_hash, deleted_at, extraction_job_id,
			extraction_confidence, needs_review, reviewed_by, reviewed_at,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21
		)`,
		rel.ID, rel.CanonicalID, rel.ProjectID, rel.BranchID, rel.Type,
		rel.SrcID, rel.DstID, rel.Version, rel.SupersedesID, rel.Properties,
		rel.Weight, rel.ValidFrom, rel.ValidTo, rel.ContentHash,
		rel.DeletedAt, rel.Provenance.ExtractionJobID,
		rel.Provenance.ExtractionConfidence, rel.Provenance.NeedsReview,
		rel.Provenance.ReviewedBy, rel.Provenance.ReviewedAt, rel.CreatedAt,
	)
	if err != nil {
		return nil, mapWriteErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapWriteErr(err)
	}
	return rel, nil
}

func (s *Store) endpointLive(ctx context.Context, tx pgx.Tx, projectID, branch, canonicalID string) (bool, error) {
	var live bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM (
				SELECT DISTINCT ON (canonical_id) deleted_at
				FROM graph_objects
				WHERE project_id = $1 AND branch_id = $2 AND canonical_id = $3
				ORDER BY canonical_id, version DESC
			) head
			WHERE head.deleted_at IS NULL
		)`,
		projectID, branch, canonicalID,
	).Scan(&live)
	return live, err
}

func (s *Store) headRelationship(ctx context.Context, tx pgx.Tx, projectID, branch, canonicalID string) (*graphstore.GraphRelationship, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+relationshipColumns+`
		FROM graph_relationships
		WHERE project_id = $1 AND branch_id = $2 AND canonical_id = $3
		ORDER BY version DESC
		LIMIT 1`,
		projectID, branch, canonicalID,
	)
	rel, err := scanRelationship(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: relationship %s", graphstore.ErrNotFound, canonicalID)
	}
	return rel, err
}

func (s *Store) GetLiveRelationship(ctx context.Context, projectID, branchID, canonicalID string) (*graphstore.GraphRelationship, error) {
	row := s.conn.QueryRow(ctx, liveRelationshipSQL+` AND head.canonical_id = $3`,
		projectID, branchOrDefault(branchID), canonicalID)
	rel, err := scanRelationship(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: relationship %s", graphstore.ErrNotFound, canonicalID)
	}
	return rel, err
}

func (s *Store) ListLiveRelationships(ctx context.Context, projectID, branchID, typ string) ([]*graphstore.GraphRelationship, error) {
	sql := liveRelationshipSQL
	args := []any{projectID, branchOrDefault(branchID)}
	if typ != "" {
		sql += ` AND head.type = $3`
		args = append(args, typ)
	}
	sql += ` ORDER BY head.canonical_id`

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*graphstore.GraphRelationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}
