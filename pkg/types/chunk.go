package types

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

// Chunk is a bounded span of file text used as the unit of semantic indexing
type Chunk struct {
	ID       string
	FilePath string
	EntityID string   // Owning entity; empty when no entity owns the span
	Entities []string // Entities whose span overlaps the chunk

	Text       string
	TokenCount int

	// Location
	StartLine int
	EndLine   int
	StartByte int
	EndByte   int

	Revision int64
}

// ChunkID derives the identifier of a chunk from its file and byte offsets
func ChunkID(filePath string, startByte, endByte int) string {
	var offsets [16]byte
	binary.BigEndian.PutUint64(offsets[:8], uint64(startByte))
	binary.BigEndian.PutUint64(offsets[8:], uint64(endByte))

	h := sha256.New()
	h.Write([]byte(filePath))
	h.Write([]byte{0})
	h.Write(offsets[:])
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Span returns the line range covered by the chunk
func (c *Chunk) Span() Span {
	return Span{StartLine: c.StartLine, EndLine: c.EndLine}
}

// Validate checks if the chunk is valid
func (c *Chunk) Validate() error {
	if c.ID == "" {
		return errors.New("chunk id is required")
	}
	if c.FilePath == "" {
		return errors.New("chunk file path is required")
	}
	if c.Text == "" {
		return errors.New("chunk text cannot be empty")
	}
	if c.StartLine <= 0 || c.EndLine <= 0 {
		return errors.New("line numbers must be positive")
	}
	if c.StartLine > c.EndLine {
		return errors.New("start line must be before or equal to end line")
	}
	if c.StartByte < 0 || c.EndByte < c.StartByte {
		return fmt.Errorf("invalid byte range %d-%d", c.StartByte, c.EndByte)
	}
	return nil
}

// EmbeddedChunk is a chunk together with its vector for one embedding model
type EmbeddedChunk struct {
	Chunk  Chunk
	Model  string
	Vector []float32
	Norm   float64
}

// NewEmbeddedChunk pairs a chunk with its vector and computes the norm
func NewEmbeddedChunk(chunk Chunk, model string, vector []float32) EmbeddedChunk {
	return EmbeddedChunk{
		Chunk:  chunk,
		Model:  model,
		Vector: vector,
		Norm:   VectorNorm(vector),
	}
}

// Validate checks if the embedded chunk is valid
func (e *EmbeddedChunk) Validate() error {
	if err := e.Chunk.Validate(); err != nil {
		return err
	}
	if e.Model == "" {
		return errors.New("embedding model is required")
	}
	if len(e.Vector) == 0 {
		return errors.New("vector cannot be empty")
	}
	return nil
}

// VectorNorm returns the Euclidean norm of v
func VectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// ScoredChunk is a vector search hit
type ScoredChunk struct {
	Chunk      Chunk
	Similarity float64
}
