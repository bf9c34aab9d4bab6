package graphstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultBranch is the main version lineage. Draft or variant work happens
// on other branch IDs without touching live rows here.
const DefaultBranch = "main"

// Provenance records where a version came from and how much the pipeline
// trusts it.
type Provenance struct {
	ExtractionJobID      string     `json:"extraction_job_id,omitempty"`
	ExtractionConfidence float64    `json:"extraction_confidence,omitempty"`
	NeedsReview          bool       `json:"needs_review"`
	ReviewedBy           string     `json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time `json:"reviewed_at,omitempty"`
}

// GraphObject is one immutable version of a canonical entity. Rows are never
// updated after insert; state changes happen by appending a new version whose
// SupersedesID points at this row.
type GraphObject struct {
	ID            string         `json:"id"`
	CanonicalID   string         `json:"canonical_id"`
	ProjectID     string         `json:"project_id"`
	BranchID      string         `json:"branch_id"`
	Type          string         `json:"type"`
	Key           string         `json:"key"`
	Version       int            `json:"version"`
	SupersedesID  *string        `json:"supersedes_id,omitempty"`
	Properties    map[string]any `json:"properties"`
	Labels        []string       `json:"labels,omitempty"`
	ContentHash   string         `json:"content_hash"`
	ChangeSummary string         `json:"change_summary,omitempty"`
	DeletedAt     *time.Time     `json:"deleted_at,omitempty"`
	Provenance    Provenance     `json:"provenance"`
	CreatedAt     time.Time      `json:"created_at"`

	Embedding []float32 `json:"-"`
}

// Deleted reports whether this version is a tombstone.
func (o *GraphObject) Deleted() bool {
	return o.DeletedAt != nil
}

// GraphRelationship is one immutable version of a canonical relationship.
// Endpoints reference canonical object identities within the same project
// and branch.
type GraphRelationship struct {
	ID           string         `json:"id"`
	CanonicalID  string         `json:"canonical_id"`
	ProjectID    string         `json:"project_id"`
	BranchID     string         `json:"branch_id"`
	Type         string         `json:"type"`
	SrcID        string         `json:"src_id"`
	DstID        string         `json:"dst_id"`
	Version      int            `json:"version"`
	SupersedesID *string        `json:"supersedes_id,omitempty"`
	Properties   map[string]any `json:"properties"`
	Weight       float64        `json:"weight"`
	ValidFrom    *time.Time     `json:"valid_from,omitempty"`
	ValidTo      *time.Time     `json:"valid_to,omitempty"`
	ContentHash  string         `json:"content_hash"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
	Provenance   Provenance     `json:"provenance"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Deleted reports whether this version is a tombstone.
func (r *GraphRelationship) Deleted() bool {
	return r.DeletedAt != nil
}

// ObjectWrite describes a proposed object version. An empty CanonicalID
// creates a new canonical entity at version 1; a set CanonicalID proposes a
// superseding version. ExpectedVersion, when positive, is the live version
// the writer resolved against: a mismatch at write time means another
// writer got there first and surfaces as ErrVersionConflict.
type ObjectWrite struct {
	CanonicalID string
	ProjectID   string
	BranchID    string
	Type        string
	Key         string
	Properties  map[string]any
	Labels      []string
	Provenance  Provenance
	Embedding   []float32

	ExpectedVersion int
}

// RelationshipWrite mirrors ObjectWrite for relationships.
type RelationshipWrite struct {
	CanonicalID string
	ProjectID   string
	BranchID    string
	Type        string
	SrcID       string
	DstID       string
	Properties  map[string]any
	Weight      float64
	ValidFrom   *time.Time
	ValidTo     *time.Time
	Provenance  Provenance

	ExpectedVersion int
}

// ObjectMatch is a similarity search hit.
type ObjectMatch struct {
	Object     *GraphObject
	Similarity float64
}

// ComputeContentHash produces the deterministic hash used for idempotence
// checks. Equal type+properties+labels always hash equal, so re-extracting
// unchanged content is detectable before any insert.
func ComputeContentHash(typ string, properties map[string]any, labels []string) string {
	sortedLabels := append([]string(nil), labels...)
	sort.Strings(sortedLabels)

	payload := struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
		Labels     []string       `json:"labels"`
	}{
		Type:       typ,
		Properties: properties,
		Labels:     sortedLabels,
	}

	// encoding/json writes map keys in sorted order, which makes the
	// serialization canonical for our property maps.
	raw, err := json.Marshal(payload)
	if err != nil {
		// Properties come from JSON in the first place, so this only
		// fires on programmer error (channels, funcs).
		raw = []byte(fmt.Sprintf("unhashable:%v|%v|%v", typ, properties, labels))
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ComputeRelationshipHash is the relationship counterpart of
// ComputeContentHash: endpoints and weight are part of the identity-relevant
// content alongside type and properties.
func ComputeRelationshipHash(typ, srcID, dstID string, properties map[string]any, weight float64) string {
	payload := struct {
		Type       string         `json:"type"`
		SrcID      string         `json:"src_id"`
		DstID      string         `json:"dst_id"`
		Properties map[string]any `json:"properties"`
		Weight     float64        `json:"weight"`
	}{
		Type:       typ,
		SrcID:      srcID,
		DstID:      dstID,
		Properties: properties,
		Weight:     weight,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf("unhashable:%v|%v|%v|%v", typ, srcID, dstID, properties))
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ChangeSummary renders a short human-readable diff between two property
// maps, recorded on superseding versions.
func ChangeSummary(prev, next map[string]any) string {
	var added, removed, changed []string

	for key := range next {
		if _, ok := prev[key]; !ok {
			added = append(added, key)
		}
	}
	for key, oldVal := range prev {
		newVal, ok := next[key]
		if !ok {
			removed = append(removed, key)
			continue
		}
		oldRaw, _ := json.Marshal(oldVal)
		newRaw, _ := json.Marshal(newVal)
		if string(oldRaw) != string(newRaw) {
			changed = append(changed, key)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)

	var parts []string
	if len(added) > 0 {
		parts = append(parts, "added "+strings.Join(added, ", "))
	}
	if len(changed) > 0 {
		parts = append(parts, "changed "+strings.Join(changed, ", "))
	}
	if len(removed) > 0 {
		parts = append(parts, "removed "+strings.Join(removed, ", "))
	}
	return strings.Join(parts, "; ")
}

// NormalizeKey canonicalizes a business key for matching: lowercased,
// whitespace collapsed.
func NormalizeKey(key string) string {
	return strings.Join(strings.Fields(strings.ToLower(key)), " ")
}
