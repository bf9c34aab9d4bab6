package graphstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store implementation. It backs tests and
// single-node setups; the versioning semantics are identical to the
// Postgres-backed store.
type MemoryStore struct {
	mu            sync.Mutex
	objects       map[string][]*GraphObject
	relationships map[string][]*GraphRelationship
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:       make(map[string][]*GraphObject),
		relationships: make(map[string][]*GraphRelationship),
	}
}

func chainKey(projectID, branchID, canonicalID string) string {
	return projectID + "|" + branchID + "|" + canonicalID
}

func branchOrDefault(branchID string) string {
	if branchID == "" {
		return DefaultBranch
	}
	return branchID
}

func (m *MemoryStore) WriteObject(ctx context.Context, write ObjectWrite) (*GraphObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := branchOrDefault(write.BranchID)
	hash := ComputeContentHash(write.Type, write.Properties, write.Labels)

	if write.CanonicalID == "" {
		canonical := uuid.NewString()
		obj := &GraphObject{
			ID:          uuid.NewString(),
			CanonicalID: canonical,
			ProjectID:   write.ProjectID,
			BranchID:    branch,
			Type:        write.Type,
			Key:         write.Key,
			Version:     1,
			Properties:  write.Properties,
			Labels:      write.Labels,
			ContentHash: hash,
			Provenance:  write.Provenance,
			CreatedAt:   time.Now().UTC(),
			Embedding:   write.Embedding,
		}
		key := chainKey(write.ProjectID, branch, canonical)
		m.objects[key] = append(m.objects[key], obj)
		return obj, nil
	}

	key := chainKey(write.ProjectID, branch, write.CanonicalID)
	chain := m.objects[key]
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, write.CanonicalID)
	}
	head := chain[len(chain)-1]
	if head.Deleted() {
		return nil, fmt.Errorf("%w: object %s is deleted", ErrNotFound, write.CanonicalID)
	}
	if write.ExpectedVersion > 0 && head.Version != write.ExpectedVersion {
		return nil, fmt.Errorf("%w: object %s at version %d, expected %d",
			ErrVersionConflict, write.CanonicalID, head.Version, write.ExpectedVersion)
	}
	if hash == head.ContentHash {
		// Unchanged content never creates churn.
		return head, nil
	}

	objKey := write.Key
	if objKey == "" {
		objKey = head.Key
	}
	supersedes := head.ID
	obj := &GraphObject{
		ID:            uuid.NewString(),
		CanonicalID:   write.CanonicalID,
		ProjectID:     write.ProjectID,
		BranchID:      branch,
		Type:          write.Type,
		Key:           objKey,
		Version:       head.Version + 1,
		SupersedesID:  &supersedes,
		Properties:    write.Properties,
		Labels:        write.Labels,
		ContentHash:   hash,
		ChangeSummary: ChangeSummary(head.Properties, write.Properties),
		Provenance:    write.Provenance,
		CreatedAt:     time.Now().UTC(),
		Embedding:     write.Embedding,
	}
	m.objects[key] = append(chain, obj)
	return obj, nil
}

func (m *MemoryStore) GetLiveObject(ctx context.Context, projectID, branchID, canonicalID string) (*GraphObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	head := m.liveObject(projectID, branchOrDefault(branchID), canonicalID)
	if head == nil {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, canonicalID)
	}
	return head, nil
}

func (m *MemoryStore) liveObject(projectID, branch, canonicalID string) *GraphObject {
	chain := m.objects[chainKey(projectID, branch, canonicalID)]
	if len(chain) == 0 {
		return nil
	}
	head := chain[len(chain)-1]
	if head.Deleted() {
		return nil
	}
	return head
}

func (m *MemoryStore) FindLiveObjectByKey(ctx context.Context, projectID, branchID, typ, key string) (*GraphObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := branchOrDefault(branchID)
	want := NormalizeKey(key)
	for _, chain := range m.objects {
		head := chain[len(chain)-1]
		if head.ProjectID != projectID || head.BranchID != branch || head.Deleted() {
			continue
		}
		if head.Type == typ && NormalizeKey(head.Key) == want {
			return head, nil
		}
	}
	return nil, fmt.Errorf("%w: no live %s with key %q", ErrNotFound, typ, key)
}

func (m *MemoryStore) ListLiveObjects(ctx context.Context, projectID, branchID, typ string) ([]*GraphObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := branchOrDefault(branchID)
	var out []*GraphObject
	for _, chain := range m.objects {
		head := chain[len(chain)-1]
		if head.ProjectID != projectID || head.BranchID != branch || head.Deleted() {
			continue
		}
		if typ != "" && head.Type != typ {
			continue
		}
		out = append(out, head)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CanonicalID < out[j].CanonicalID
	})
	return out, nil
}

func (m *MemoryStore) ObjectHistory(ctx context.Context, projectID, branchID, canonicalID string) ([]*GraphObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.objects[chainKey(projectID, branchOrDefault(branchID), canonicalID)]
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, canonicalID)
	}
	return append([]*GraphObject(nil), chain...), nil
}

func (m *MemoryStore) DeleteObject(ctx context.Context, projectID, branchID, canonicalID string, prov Provenance) (*GraphObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := branchOrDefault(branchID)
	key := chainKey(projectID, branch, canonicalID)
	chain := m.objects[key]
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, canonicalID)
	}
	head := chain[len(chain)-1]
	if head.Deleted() {
		return head, nil
	}

	now := time.Now().UTC()
	supersedes := head.ID
	tombstone := &GraphObject{
		ID:           uuid.NewString(),
		CanonicalID:  canonicalID,
		ProjectID:    projectID,
		BranchID:     branch,
		Type:         head.Type,
		Key:          head.Key,
		Version:      head.Version + 1,
		SupersedesID: &supersedes,
		Properties:   head.Properties,
		Labels:       head.Labels,
		ContentHash:  head.ContentHash,
		DeletedAt:    &now,
		Provenance:   prov,
		CreatedAt:    now,
	}
	m.objects[key] = append(chain, tombstone)
	return tombstone, nil
}

func (m *MemoryStore) RestoreObject(ctx context.Context, projectID, branchID, canonicalID string, prov Provenance) (*GraphObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := branchOrDefault(branchID)
	key := chainKey(projectID, branch, canonicalID)
	chain := m.objects[key]
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, canonicalID)
	}
	head := chain[len(chain)-1]
	if !head.Deleted() {
		return head, nil
	}

	// Revive the content of the most recent non-deleted version.
	var source *GraphObject
	for i := len(chain) - 1; i >= 0; i-- {
		if !chain[i].Deleted() {
			source = chain[i]
			break
		}
	}
	if source == nil {
		return nil, fmt.Errorf("%w: object %s has no restorable version", ErrNotFound, canonicalID)
	}

	supersedes := head.ID
	restored := &GraphObject{
		ID:           uuid.NewString(),
		CanonicalID:  canonicalID,
		ProjectID:    projectID,
		BranchID:     branch,
		Type:         source.Type,
		Key:          source.Key,
		Version:      head.Version + 1,
		SupersedesID: &supersedes,
		Properties:   source.Properties,
		Labels:       source.Labels,
		ContentHash:  source.ContentHash,
		Provenance:   prov,
		CreatedAt:    time.Now().UTC(),
		Embedding:    source.Embedding,
	}
	m.objects[key] = append(chain, restored)
	return restored, nil
}

func (m *MemoryStore) NearestObjects(ctx context.Context, projectID, branchID, typ string, embedding []float32, limit int) ([]ObjectMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := branchOrDefault(branchID)
	var matches []ObjectMatch
	for _, chain := range m.objects {
		head := chain[len(chain)-1]
		if head.ProjectID != projectID || head.BranchID != branch || head.Deleted() {
			continue
		}
		if typ != "" && head.Type != typ {
			continue
		}
		if len(head.Embedding) == 0 {
			continue
		}
		matches = append(matches, ObjectMatch{
			Object:     head,
			Similarity: cosineSimilarity(embedding, head.Embedding),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (m *MemoryStore) WriteRelationship(ctx context.Context, write RelationshipWrite) (*GraphRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := branchOrDefault(write.BranchID)
	if m.liveObject(write.ProjectID, branch, write.SrcID) == nil {
		return nil, fmt.Errorf("%w: src %s", ErrEndpointMissing, write.SrcID)
	}
	if m.liveObject(write.ProjectID, branch, write.DstID) == nil {
		return nil, fmt.Errorf("%w: dst %s", ErrEndpointMissing, write.DstID)
	}

	hash := ComputeRelationshipHash(write.Type, write.SrcID, write.DstID, write.Properties, write.Weight)

	if write.CanonicalID == "" {
		canonical := uuid.NewString()
		rel := &GraphRelationship{
			ID:          uuid.NewString(),
			CanonicalID: canonical,
			ProjectID:   write.ProjectID,
			BranchID:    branch,
			Type:        write.Type,
			SrcID:       write.SrcID,
			DstID:       write.DstID,
			Version:     1,
			Properties:  write.Properties,
			Weight:      write.Weight,
			ValidFrom:   write.ValidFrom,
			ValidTo:     write.ValidTo,
			ContentHash: hash,
			Provenance:  write.Provenance,
			CreatedAt:   time.Now().UTC(),
		}
		key := chainKey(write.ProjectID, branch, canonical)
		m.relationships[key] = append(m.relationships[key], rel)
		return rel, nil
	}

	key := chainKey(write.ProjectID, branch, write.CanonicalID)
	chain := m.relationships[key]
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: relationship %s", ErrNotFound, write.CanonicalID)
	}
	head := chain[len(chain)-1]
	if head.Deleted() {
		return nil, fmt.Errorf("%w: relationship %s is deleted", ErrNotFound, write.CanonicalID)
	}
	if write.ExpectedVersion > 0 && head.Version != write.ExpectedVersion {
		return nil, fmt.Errorf("%w: relationship %s at version %d, expected %d",
			ErrVersionConflict, write.CanonicalID, head.Version, write.ExpectedVersion)
	}
	if hash == head.ContentHash {
		return head, nil
	}

	supersedes := head.ID
	rel := &GraphRelationship{
		ID:           uuid.NewString(),
		CanonicalID:  write.CanonicalID,
		ProjectID:    write.ProjectID,
		BranchID:     branch,
		Type:         write.Type,
		SrcID:        write.SrcID,
		DstID:        write.DstID,
		Version:      head.Version + 1,
		SupersedesID: &supersedes,
		Properties:   write.Properties,
		Weight:       write.Weight,
		ValidFrom:    write.ValidFrom,
		ValidTo:      write.ValidTo,
		ContentHash:  hash,
		Provenance:   write.Provenance,
		CreatedAt:    time.Now().UTC(),
	}
	m.relationships[key] = append(chain, rel)
	return rel, nil
}

func (m *MemoryStore) GetLiveRelationship(ctx context.Context, projectID, branchID, canonicalID string) (*GraphRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.relationships[chainKey(projectID, branchOrDefault(branchID), canonicalID)]
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: relationship %s", ErrNotFound, canonicalID)
	}
	head := chain[len(chain)-1]
	if head.Deleted() {
		return nil, fmt.Errorf("%w: relationship %s is deleted", ErrNotFound, canonicalID)
	}
	return head, nil
}

func (m *MemoryStore) ListLiveRelationships(ctx context.Context, projectID, branchID, typ string) ([]*GraphRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := branchOrDefault(branchID)
	var out []*GraphRelationship
	for _, chain := range m.relationships {
		head := chain[len(chain)-1]
		if head.ProjectID != projectID || head.BranchID != branch || head.Deleted() {
			continue
		}
		if typ != "" && head.Type != typ {
			continue
		}
		out = append(out, head)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CanonicalID < out[j].CanonicalID
	})
	return out, nil
}

func (m *MemoryStore) HasNeedsReview(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, chain := range m.objects {
		head := chain[len(chain)-1]
		if !head.Deleted() && head.Provenance.NeedsReview && head.Provenance.ExtractionJobID == jobID {
			return true, nil
		}
	}
	for _, chain := range m.relationships {
		head := chain[len(chain)-1]
		if !head.Deleted() && head.Provenance.NeedsReview && head.Provenance.ExtractionJobID == jobID {
			return true, nil
		}
	}
	return false, nil
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
