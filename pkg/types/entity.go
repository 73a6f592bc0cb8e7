package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// EntityKind represents the structural role of an entity
type EntityKind string

const (
	KindFile     EntityKind = "File"
	KindModule   EntityKind = "Module"
	KindClass    EntityKind = "Class"
	KindFunction EntityKind = "Function"
	KindImport   EntityKind = "Import"
)

// Valid reports whether k is one of the known entity kinds
func (k EntityKind) Valid() bool {
	switch k {
	case KindFile, KindModule, KindClass, KindFunction, KindImport:
		return true
	}
	return false
}

// Span is an inclusive, 1-based line range
type Span struct {
	StartLine int
	EndLine   int
}

// Contains reports whether other lies within s
func (s Span) Contains(other Span) bool {
	return s.StartLine <= other.StartLine && other.EndLine <= s.EndLine
}

// Overlaps reports whether the two spans share at least one line
func (s Span) Overlaps(other Span) bool {
	return s.StartLine <= other.EndLine && other.StartLine <= s.EndLine
}

// Entity is a structural code element stored in the graph
type Entity struct {
	ID       string
	Kind     EntityKind
	Name     string
	FilePath string // Relative to repository root, slash separated
	Span     Span
	Metadata Metadata
}

// EntityID derives the stable identifier of an entity from its repository
// relative path and qualified name.
func EntityID(filePath, qualifiedName string) string {
	h := sha256.New()
	h.Write([]byte(filePath))
	h.Write([]byte{0})
	h.Write([]byte(qualifiedName))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// FileEntityID is the id of the File entity of a path
func FileEntityID(filePath string) string {
	return EntityID(filePath, filePath)
}

// NewEntity builds an entity and assigns its identifier
func NewEntity(kind EntityKind, name, filePath, qualifiedName string, span Span) Entity {
	return Entity{
		ID:       EntityID(filePath, qualifiedName),
		Kind:     kind,
		Name:     name,
		FilePath: filePath,
		Span:     span,
		Metadata: Metadata{QualifiedName: qualifiedName},
	}
}

// QualifiedName returns the qualified name recorded in metadata
func (e *Entity) QualifiedName() string {
	return e.Metadata.QualifiedName
}

// Validate checks the entity before it is written to a store
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEntity)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntity, e.Kind)
	}
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidEntity)
	}
	if e.FilePath == "" {
		return fmt.Errorf("%w: file path is required", ErrInvalidEntity)
	}
	if e.Span.StartLine < 0 || e.Span.EndLine < e.Span.StartLine {
		return fmt.Errorf("%w: invalid span %d-%d", ErrInvalidEntity, e.Span.StartLine, e.Span.EndLine)
	}
	if err := e.Metadata.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	return nil
}

// Neighbor is an entity reached during graph expansion
type Neighbor struct {
	Entity Entity
	Hops   int
}

// ValidateEntities validates every entity in a batch
func ValidateEntities(batch []Entity) error {
	for i := range batch {
		if err := batch[i].Validate(); err != nil {
			return fmt.Errorf("entity %d (%s): %w", i, batch[i].Name, err)
		}
	}
	return nil
}
