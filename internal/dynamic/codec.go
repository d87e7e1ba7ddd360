package dynamic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// MarshalJSON writes the record as an object in insertion order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	if rec, ok := v.AsRecord(); ok {
		return rec.MarshalJSON()
	}
	return json.Marshal(v.Interface())
}

// UnmarshalJSON merges a JSON object into r using r's options. Arrays become
// nested records keyed by element index.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("%w: expected JSON object", ErrUnsupportedValue)
	}
	return r.decodeObject(dec)
}

func (r *Record) decodeObject(dec *json.Decoder) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("%w: object key %v", ErrUnsupportedValue, tok)
		}
		v, err := r.decodeValue(dec)
		if err != nil {
			return fmt.Errorf("%q: %w", key, err)
		}
		if !r.Has(key) {
			r.Set(key, v)
		}
	}
	_, err := dec.Token()
	return err
}

func (r *Record) decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return Int(n), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Float(f), nil
	case json.Delim:
		child := New(r.Options()...)
		switch t {
		case '{':
			if err := child.decodeObject(dec); err != nil {
				return Value{}, err
			}
		case '[':
			for i := 0; dec.More(); i++ {
				v, err := child.decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				child.Set(strconv.Itoa(i), v)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
		}
		return Nested(child), nil
	default:
		return Value{}, fmt.Errorf("%w: token %v", ErrUnsupportedValue, tok)
	}
}

// UnmarshalYAML merges a YAML mapping into r using r's options, keeping
// document order.
func (r *Record) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: line %d: expected mapping", ErrUnsupportedValue, node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		v, err := r.yamlValue(node.Content[i+1])
		if err != nil {
			return fmt.Errorf("%q: %w", key, err)
		}
		if !r.Has(key) {
			r.Set(key, v)
		}
	}
	return nil
}

func (r *Record) yamlValue(node *yaml.Node) (Value, error) {
	switch node.Kind {
	case yaml.AliasNode:
		return r.yamlValue(node.Alias)
	case yaml.MappingNode:
		child := New(r.Options()...)
		if err := child.UnmarshalYAML(node); err != nil {
			return Value{}, err
		}
		return Nested(child), nil
	case yaml.SequenceNode:
		child := New(r.Options()...)
		for i, item := range node.Content {
			v, err := child.yamlValue(item)
			if err != nil {
				return Value{}, err
			}
			child.Set(strconv.Itoa(i), v)
		}
		return Nested(child), nil
	case yaml.ScalarNode:
		var decoded any
		if err := node.Decode(&decoded); err != nil {
			return Value{}, err
		}
		v, err := From(decoded)
		if err != nil {
			// timestamps and other tagged scalars keep their source text
			return String(node.Value), nil
		}
		return v, nil
	default:
		return Value{}, fmt.Errorf("%w: line %d", ErrUnsupportedValue, node.Line)
	}
}
