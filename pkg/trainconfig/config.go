// Package trainconfig materializes a job's training configuration: it keeps
// the caller's key order, persists the configuration as JSON artifacts and
// encodes it into the trainer's flat CLI argument vector.
package trainconfig

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Entry is one key/value pair of a Config.
type Entry struct {
	Key   string
	Value Value
}

// Config is an insertion-ordered mapping from option name to Value.
//
// The zero value is an empty, usable Config. Decoding JSON or YAML keeps
// document order; a repeated key keeps its first position and its last
// value.
type Config struct {
	entries []Entry
}

// NewConfig builds a Config from entries, in order.
func NewConfig(entries ...Entry) Config {
	var c Config
	for _, e := range entries {
		c.Set(e.Key, e.Value)
	}
	return c
}

// Len returns the number of keys.
func (c Config) Len() int { return len(c.entries) }

// IsEmpty reports whether the mapping has no keys.
func (c Config) IsEmpty() bool { return len(c.entries) == 0 }

// Entries returns a copy of the entries in order.
func (c Config) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

// Keys returns the keys in order.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		keys = append(keys, e.Key)
	}
	return keys
}

// Get returns the value stored under key.
func (c Config) Get(key string) (Value, bool) {
	for _, e := range c.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Set stores v under key, replacing an existing value in place.
func (c *Config) Set(key string, v Value) {
	for i := range c.entries {
		if c.entries[i].Key == key {
			c.entries[i].Value = v
			return
		}
	}
	c.entries = append(c.entries, Entry{Key: key, Value: v})
}

// MarshalJSON writes a JSON object in entry order.
func (c Config) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range c.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		val, err := e.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("marshal %q: %w", e.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping key order. null decodes to
// an empty Config.
func (c *Config) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if tok == nil {
		*c = Config{}
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode config: expected JSON object, got %v", tok)
	}

	var out Config
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decode config: unexpected key token %v", keyTok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode config %q: %w", key, err)
		}
		val, err := parseJSONValue(raw)
		if err != nil {
			return fmt.Errorf("decode config %q: %w", key, err)
		}
		out.Set(key, val)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	*c = out
	return nil
}

// UnmarshalYAML decodes a YAML mapping node, keeping key order.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*c = Config{}
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("decode config: line %d: expected mapping", node.Line)
	}

	var out Config
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]

		var key string
		if err := keyNode.Decode(&key); err != nil {
			return fmt.Errorf("decode config: line %d: %w", keyNode.Line, err)
		}

		var native any
		if err := valNode.Decode(&native); err != nil {
			return fmt.Errorf("decode config %q: %w", key, err)
		}
		val, err := fromNative(native)
		if err != nil {
			return fmt.Errorf("decode config %q: %w", key, err)
		}
		out.Set(key, val)
	}

	*c = out
	return nil
}
