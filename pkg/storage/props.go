package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Properties is an insertion-ordered string-to-string map.
//
// PKM properties are author-visible and order matters for round-tripping:
// a snapshot must serialize a node's properties in the same order the
// producer delivered them. Setting an existing key overwrites its value
// in place without changing its position.
//
// The zero value is not usable; call NewProperties.
//
// Example:
//
//	props := storage.NewProperties()
//	props.Set("type", "book")
//	props.Set("author", "Le Guin")
//	props.Set("type", "novel") // overwrites, keeps first position
//
//	for _, k := range props.Keys() {
//		v, _ := props.Get(k)
//		fmt.Printf("%s:: %s\n", k, v)
//	}
type Properties struct {
	keys []string
	vals map[string]string
}

// NewProperties creates an empty ordered property map.
func NewProperties() *Properties {
	return &Properties{vals: make(map[string]string)}
}

// Set inserts or overwrites a key. New keys append to the order; existing
// keys keep their position.
func (p *Properties) Set(key, value string) {
	if _, ok := p.vals[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.vals[key] = value
}

// Get returns the value for key and whether it is present.
func (p *Properties) Get(key string) (string, bool) {
	v, ok := p.vals[key]
	return v, ok
}

// Len returns the number of keys.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Keys returns the keys in insertion order. The returned slice is a copy.
func (p *Properties) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Clone returns a deep copy. Cloning nil yields nil.
func (p *Properties) Clone() *Properties {
	if p == nil {
		return nil
	}
	out := &Properties{
		keys: make([]string, len(p.keys)),
		vals: make(map[string]string, len(p.vals)),
	}
	copy(out.keys, p.keys)
	for k, v := range p.vals {
		out.vals[k] = v
	}
	return out
}

// Equal reports whether two property maps hold the same keys in the same
// order with the same values. A nil map equals any empty map.
func (p *Properties) Equal(other *Properties) bool {
	if p.Len() != other.Len() {
		return false
	}
	if p == nil {
		return true
	}
	for i, k := range p.keys {
		if other.keys[i] != k {
			return false
		}
		if p.vals[k] != other.vals[k] {
			return false
		}
	}
	return true
}

// MarshalJSON serializes as a JSON object with keys in insertion order.
func (p *Properties) MarshalJSON() ([]byte, error) {
	if p == nil || len(p.keys) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(p.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a JSON object, preserving the key order of the
// document. Non-string values are rejected.
func (p *Properties) UnmarshalJSON(data []byte) error {
	p.keys = nil
	p.vals = make(map[string]string)

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil // JSON null -> empty
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("properties: expected object, got %v: %w", tok, ErrInvalidData)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("properties: non-string key: %w", ErrInvalidData)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("properties: value for %q: %w", key, ErrInvalidData)
		}
		p.Set(key, value)
	}
	// Consume closing brace
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
