package encoding

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// Serializer interface for different serialization implementations
type Serializer interface {
	Serialize(data interface{}) ([]byte, error)
	Deserialize(data []byte, target interface{}) error
}

// JSONSerializer implements JSON serialization
type JSONSerializer struct {
	indent bool
}

// NewJSONSerializer creates a new JSON serializer
func NewJSONSerializer(indent bool) *JSONSerializer {
	return &JSONSerializer{indent: indent}
}

// Serialize serializes data to JSON
func (j *JSONSerializer) Serialize(data interface{}) ([]byte, error) {
	if j.indent {
		return json.MarshalIndent(data, "", "  ")
	}
	return json.Marshal(data)
}

// Deserialize deserializes JSON data
func (j *JSONSerializer) Deserialize(data []byte, target interface{}) error {
	return json.Unmarshal(data, target)
}

// GobSerializer implements Go's gob serialization
type GobSerializer struct{}

// NewGobSerializer creates a new Gob serializer
func NewGobSerializer() *GobSerializer {
	return &GobSerializer{}
}

// Serialize serializes data with gob
func (g *GobSerializer) Serialize(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize deserializes gob data
func (g *GobSerializer) Deserialize(data []byte, target interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(target); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}
