package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Metadata holds the attributes of an entity. Well-known attributes have
// typed fields; anything else goes in Extra, which accepts scalar values only.
type Metadata struct {
	QualifiedName  string         `json:"qualified_name,omitempty"`
	Language       string         `json:"language,omitempty"`
	ContentHash    string         `json:"content_hash,omitempty"`
	Revision       int64          `json:"revision,omitempty"`
	ParseFailed    bool           `json:"parse_failed,omitempty"`
	ParseError     string         `json:"parse_error,omitempty"`
	Signature      string         `json:"signature,omitempty"`
	Indexed        bool           `json:"indexed,omitempty"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	Role           string         `json:"role,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

var reservedMetadataKeys = map[string]bool{
	"qualified_name":  true,
	"language":        true,
	"content_hash":    true,
	"revision":        true,
	"parse_failed":    true,
	"parse_error":     true,
	"signature":       true,
	"indexed":         true,
	"embedding_model": true,
	"role":            true,
}

// Set stores a value in the extension bucket
func (m *Metadata) Set(key string, value any) {
	if m.Extra == nil {
		m.Extra = make(map[string]any)
	}
	m.Extra[key] = value
}

// Get reads a value from the extension bucket
func (m *Metadata) Get(key string) (any, bool) {
	v, ok := m.Extra[key]
	return v, ok
}

// Validate rejects extension keys that shadow typed keys and non-scalar values
func (m *Metadata) Validate() error {
	for key, value := range m.Extra {
		if strings.TrimSpace(key) == "" {
			return errors.New("metadata key cannot be empty")
		}
		if reservedMetadataKeys[key] {
			return fmt.Errorf("metadata key %q is reserved", key)
		}
		if !isScalar(value) {
			return fmt.Errorf("metadata key %q has non-scalar value of type %T", key, value)
		}
	}
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64:
		return true
	}
	return false
}

// Encode serializes metadata for storage
func (m *Metadata) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

// DecodeMetadata parses stored metadata. JSON numbers in Extra come back as
// float64, matching what encoding/json does for interface values.
func DecodeMetadata(raw string) (Metadata, error) {
	var m Metadata
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return m, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// Clone returns a copy that does not share the extension map
func (m Metadata) Clone() Metadata {
	out := m
	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
