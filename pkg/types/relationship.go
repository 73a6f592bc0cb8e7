package types

import "fmt"

// RelationKind is the type of a directed edge between entities
type RelationKind string

const (
	RelContains RelationKind = "CONTAINS"
	RelImports  RelationKind = "IMPORTS"
	RelCalls    RelationKind = "CALLS"
	RelDefines  RelationKind = "DEFINES"
)

// Valid reports whether k is one of the known relationship kinds
func (k RelationKind) Valid() bool {
	switch k {
	case RelContains, RelImports, RelCalls, RelDefines:
		return true
	}
	return false
}

// Confidence levels assigned during call resolution
const (
	ConfidenceExact    = 1.0
	ConfidenceNameOnly = 0.5
)

// Relationship is a typed, confidence-scored directed edge
type Relationship struct {
	SourceID   string
	TargetID   string
	Kind       RelationKind
	Confidence float64
}

// Key identifies a relationship; at most one edge exists per key
func (r Relationship) Key() string {
	return r.SourceID + "|" + string(r.Kind) + "|" + r.TargetID
}

// Validate checks the shape of the relationship. Endpoint existence is
// checked by the graph store.
func (r *Relationship) Validate() error {
	if r.SourceID == "" || r.TargetID == "" {
		return fmt.Errorf("%w: both endpoints are required", ErrInvalidRelationship)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRelationship, r.Kind)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f out of range", ErrInvalidRelationship, r.Confidence)
	}
	return nil
}
