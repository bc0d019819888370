package trainconfig

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document is a configuration passed to the trainer as a file rather than
// as flags. Its JSON is kept verbatim, so any shape is accepted; dataloader
// descriptors are usually arrays of dataset blocks.
type Document struct {
	raw json.RawMessage
}

// NewDocument wraps raw JSON. It must be valid.
func NewDocument(raw []byte) (Document, error) {
	var d Document
	if err := d.UnmarshalJSON(raw); err != nil {
		return Document{}, err
	}
	return d, nil
}

// IsEmpty reports whether there is nothing worth persisting: absent, null,
// {} or [].
func (d Document) IsEmpty() bool {
	switch string(d.raw) {
	case "", "null", "{}", "[]":
		return true
	}
	return false
}

// Raw returns the compact JSON.
func (d Document) Raw() json.RawMessage { return d.raw }

func (d Document) MarshalJSON() ([]byte, error) {
	if len(d.raw) == 0 {
		return []byte("null"), nil
	}
	return d.raw, nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	d.raw = buf.Bytes()
	return nil
}

// UnmarshalYAML converts a YAML document to JSON, keeping mapping key order.
func (d *Document) UnmarshalYAML(node *yaml.Node) error {
	var buf bytes.Buffer
	if err := writeNodeJSON(&buf, node); err != nil {
		return err
	}
	d.raw = buf.Bytes()
	return nil
}

func writeNodeJSON(buf *bytes.Buffer, node *yaml.Node) error {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return writeNodeJSON(buf, node.Content[0])
	case yaml.AliasNode:
		return writeNodeJSON(buf, node.Alias)
	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(node.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			var key string
			if err := node.Content[i].Decode(&key); err != nil {
				return fmt.Errorf("decode document: line %d: %w", node.Content[i].Line, err)
			}
			k, _ := json.Marshal(key)
			buf.Write(k)
			buf.WriteByte(':')
			if err := writeNodeJSON(buf, node.Content[i+1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, item := range node.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeNodeJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		var v any
		if err := node.Decode(&v); err != nil {
			return fmt.Errorf("decode document: line %d: %w", node.Line, err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("decode document: line %d: %w", node.Line, err)
		}
		buf.Write(b)
	}
	return nil
}
