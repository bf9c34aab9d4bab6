package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emergent-company/emergent.strategy-sub008/pkg/graphstore"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// liveObjectSQL selects the newest version per canonical identity within a
// project and branch. The outer query filters tombstones, so live rows are
// exactly the non-deleted heads.
const liveObjectSQL = `
	SELECT ` + objectColumns + ` FROM (
		SELECT DISTINCT ON (canonical_id) *
		FROM graph_objects
		WHERE project_id = $1 AND branch_id = $2
		ORDER BY canonical_id, version DESC
	) head
	WHERE head.deleted_at IS NULL`

func (s *Store) WriteObject(ctx context.Context, write graphstore.ObjectWrite) (*graphstore.GraphObject, error) {
	branch := write.BranchID
	if branch == "" {
		branch = graphstore.DefaultBranch
	}
	hash := graphstore.ComputeContentHash(write.Type, write.Properties, write.Labels)

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	canonical := write.CanonicalID
	version := 1
	var supersedes *string
	var changeSummary string
	key := write.Key

	if canonical == "" {
		canonical = uuid.NewString()
	} else {
		if err := lockChain(ctx, tx, write.ProjectID, branch, canonical); err != nil {
			return nil, err
		}

		head, err := s.headObject(ctx, tx, write.ProjectID, branch, canonical)
		if err != nil {
			return nil, err
		}
		if head.Deleted() {
			return nil, fmt.Errorf("%w: object %s is deleted", graphstore.ErrNotFound, canonical)
		}
		if write.ExpectedVersion > 0 && head.Version != write.ExpectedVersion {
			return nil, fmt.Errorf("%w: object %s at version %d, expected %d",
				graphstore.ErrVersionConflict, canonical, head.Version, write.ExpectedVersion)
		}
		if hash == head.ContentHash {
			return head, nil
		}

		version = head.Version + 1
		supersedes = &head.ID
		changeSummary = graphstore.ChangeSummary(head.Properties, write.Properties)
		if key == "" {
			key = head.Key
		}
	}

	var embedding *pgvector.Vector
	if len(write.Embedding) > 0 {
		v := pgvector.NewVector(write.Embedding)
		embedding = &v
	}

	obj := &graphstore.GraphObject{
		ID:            uuid.NewString(),
		CanonicalID:   canonical,
		ProjectID:     write.ProjectID,
		BranchID:      branch,
		Type:          write.Type,
		Key:           key,
		Version:       version,
		SupersedesID:  supersedes,
		Properties:    write.Properties,
		Labels:        write.Labels,
		ContentHash:   hash,
		ChangeSummary: changeSummary,
		Provenance:    write.Provenance,
		CreatedAt:     time.Now().UTC(),
		Embedding:     write.Embedding,
	}

	if err := s.insertObject(ctx, tx, obj, embedding); err != nil {
		return nil, mapWriteErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapWriteErr(err)
	}
	return obj, nil
}

func (s *Store) insertObject(ctx context.Context, tx pgx.Tx, obj *graphstore.GraphObject, embedding *pgvector.Vector) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO graph_objects (
			id, canonical_id, project_id, branch_id, type, key, key_normalized,
			version, supersedes_id, properties, labels, content_hash,
			change_summary, deleted_at, extraction_job_id,
			extraction_confidence, needs_review, reviewed_by, reviewed_at,
			embedding, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21
		)`,
		obj.ID, obj.CanonicalID, obj.ProjectID, obj.BranchID, obj.Type,
		obj.Key, graphstore.NormalizeKey(obj.Key), obj.Version,
		obj.SupersedesID, obj.Properties, obj.Labels, obj.ContentHash,
		obj.ChangeSummary, obj.DeletedAt, obj.Provenance.ExtractionJobID,
		obj.Provenance.ExtractionConfidence, obj.Provenance.NeedsReview,
		obj.Provenance.ReviewedBy, obj.Provenance.ReviewedAt,
		embedding, obj.CreatedAt,
	)
	return err
}

// headObject returns the newest version of a chain regardless of deletion,
// inside the caller's transaction.
func (s *Store) headObject(ctx context.Context, tx pgx.Tx, projectID, branch, canonicalID string) (*graphstore.GraphObject, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+objectColumns+`
		FROM graph_objects
		WHERE project_id = $1 AND branch_id = $2 AND canonical_id = $3
		ORDER BY version DESC
		LIMIT 1`,
		projectID, branch, canonicalID,
	)
	obj, err := scanObject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: object %s", graphstore.ErrNotFound, canonicalID)
	}
	return obj, err
}

func (s *Store) GetLiveObject(ctx context.Context, projectID, branchID, canonicalID string) (*graphstore.GraphObject, error) {
	row := s.conn.QueryRow(ctx, liveObjectSQL+` AND head.canonical_id = $3`,
		projectID, branchOrDefault(branchID), canonicalID)
	obj, err := scanObject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: object %s", graphstore.ErrNotFound, canonicalID)
	}
	return obj, err
}

func (s *Store) FindLiveObjectByKey(ctx context.Context, projectID, branchID, typ, key string) (*graphstore.GraphObject, error) {
	row := s.conn.QueryRow(ctx,
		liveObjectSQL+` AND head.type = $3 AND head.key_normalized = $4 LIMIT 1`,
		projectID, branchOrDefault(branchID), typ, graphstore.NormalizeKey(key))
	obj, err := scanObject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no live %s with key %q", graphstore.ErrNotFound, typ, key)
	}
	return obj, err
}

func (s *Store) ListLiveObjects(ctx context.Context, projectID, branchID, typ string) ([]*graphstore.GraphObject, error) {
	sql := liveObjectSQL
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

	var out []*graphstore.GraphObject
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

func (s *Store) ObjectHistory(ctx context.Context, projectID, branchID, canonicalID string) ([]*graphstore.GraphObject, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+objectColumns+`
		FROM graph_objects
		WHERE project_id = $1 AND branch_id = $2 AND canonical_id = $3
		ORDER BY version ASC`,
		projectID, branchOrDefault(branchID), canonicalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*graphstore.GraphObject
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: object %s", graphstore.ErrNotFound, canonicalID)
	}
	return out, nil
}

func (s *Store) DeleteObject(ctx context.Context, projectID, branchID, canonicalID string, prov graphstore.Provenance) (*graphstore.GraphObject, error) {
	branch := branchOrDefault(branchID)

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := lockChain(ctx, tx, projectID, branch, canonicalID); err != nil {
		return nil, err
	}
	head, err := s.headObject(ctx, tx, projectID, branch, canonicalID)
	if err != nil {
		return nil, err
	}
	if head.Deleted() {
		return head, nil
	}

	now := time.Now().UTC()
	tombstone := *head
	tombstone.ID = uuid.NewString()
	tombstone.Version = head.Version + 1
	tombstone.SupersedesID = &head.ID
	tombstone.DeletedAt = &now
	tombstone.ChangeSummary = ""
	tombstone.Provenance = prov
	tombstone.CreatedAt = now

	if err := s.insertObject(ctx, tx, &tombstone, nil); err != nil {
		return nil, mapWriteErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapWriteErr(err)
	}
	return &tombstone, nil
}

func (s *Store) RestoreObject(ctx context.Context, projectID, branchID, canonicalID string, prov graphstore.Provenance) (*graphstore.GraphObject, error) {
	branch := branchOrDefault(branchID)

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := lockChain(ctx, tx, projectID, branch, canonicalID); err != nil {
		return nil, err
	}
	head, err := s.headObject(ctx, tx, projectID, branch, canonicalID)
	if err != nil {
		return nil, err
	}
	if !head.Deleted() {
		return head, nil
	}

	row := tx.QueryRow(ctx, `
		SELECT `+objectColumns+`
		FROM graph_objects
		WHERE project_id = $1 AND branch_id = $2 AND canonical_id = $3
			AND deleted_at IS NULL
		ORDER BY version DESC
		LIMIT 1`,
		projectID, branch, canonicalID,
	)
	source, err := scanObject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: object %s has no restorable version", graphstore.ErrNotFound, canonicalID)
	}
	if err != nil {
		return nil, err
	}

	restored := *source
	restored.ID = uuid.NewString()
	restored.Version = head.Version + 1
	restored.SupersedesID = &head.ID
	restored.DeletedAt = nil
	restored.ChangeSummary = ""
	restored.Provenance = prov
	restored.CreatedAt = time.Now().UTC()

	if err := s.insertObject(ctx, tx, &restored, nil); err != nil {
		return nil, mapWriteErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapWriteErr(err)
	}
	return &restored, nil
}

func (s *Store) NearestObjects(ctx context.Context, projectID, branchID, typ string, embedding []float32, limit int) ([]graphstore.ObjectMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.conn.Query(ctx, `
		SELECT `+objectColumns+`, 1 - (head.embedding <=> $5) AS similarity
		FROM (
			SELECT DISTINCT ON (canonical_id) *
			FROM graph_objects
			WHERE project_id = $1 AND branch_id = $2
			ORDER BY canonical_id, version DESC
		) head
		WHERE head.deleted_at IS NULL AND head.type = $3 AND head.embedding IS NOT NULL
		ORDER BY head.embedding <=> $5
		LIMIT $4`,
		projectID, branchOrDefault(branchID), typ, limit, pgvector.NewVector(embedding),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []graphstore.ObjectMatch
	for rows.Next() {
		var obj graphstore.GraphObject
		var similarity float64
		err := rows.Scan(
			&obj.ID, &obj.CanonicalID, &obj.ProjectID, &obj.BranchID,
			&obj.Type, &obj.Key, &obj.Version, &obj.SupersedesID,
			&obj.Properties, &obj.Labels, &obj.ContentHash,
			&obj.ChangeSummary, &obj.DeletedAt,
			&obj.Provenance.ExtractionJobID, &obj.Provenance.ExtractionConfidence,
			&obj.Provenance.NeedsReview, &obj.Provenance.ReviewedBy,
			&obj.Provenance.ReviewedAt, &obj.CreatedAt,
			&similarity,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, graphstore.ObjectMatch{Object: &obj, Similarity: similarity})
	}
	return out, rows.Err()
}

func (s *Store) HasNeedsReview(ctx context.Context, jobID string) (bool, error) {
	var flagged bool
	err := s.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM (
				SELECT DISTINCT ON (canonical_id) needs_review, deleted_at, extraction_job_id
				FROM graph_objects
				WHERE extraction_job_id = $1
				ORDER BY canonical_id, version DESC
			) head
			WHERE head.deleted_at IS NULL AND head.needs_review
		) OR EXISTS (
			SELECT 1 FROM (
				SELECT DISTINCT ON (canonical_id) needs_review, deleted_at, extraction_job_id
				FROM graph_relationships
				WHERE extraction_job_id = $1
				ORDER BY canonical_id, version DESC
			) head
			WHERE head.deleted_at IS NULL AND head.needs_review
		)`,
		jobID,
	).Scan(&flagged)
	return flagged, err
}

func branchOrDefault(branchID string) string {
	if branchID == "" {
		return graphstore.DefaultBranch
	}
	return branchID
}
