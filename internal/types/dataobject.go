package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// DataObject is a JSON-shaped key/value tree. Values are JSON-compatible:
// strings, booleans, numbers, nil, []any and nested DataObject/map[string]any.
type DataObject map[string]any

// DataObjectFromJSON decodes a JSON object. Numbers are kept as json.Number so
// integers survive the round trip without float conversion.
func DataObjectFromJSON(data []byte) (DataObject, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj DataObject
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("types: decode data object: %w", err)
	}
	if obj == nil {
		obj = DataObject{}
	}
	return obj, nil
}

// ToDataObject converts any JSON-marshallable value (struct, map) into a
// DataObject.
func ToDataObject(v any) (DataObject, error) {
	if d, ok := v.(DataObject); ok {
		return d.Copy(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("types: encode data object: %w", err)
	}
	return DataObjectFromJSON(raw)
}

// JSON encodes the object.
func (d DataObject) JSON() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// Copy returns a deep copy so that mutations to nested objects and lists do
// not leak between owners.
func (d DataObject) Copy() DataObject {
	if d == nil {
		return DataObject{}
	}
	out := make(DataObject, len(d))
	for k, v := range d {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case DataObject:
		return t.Copy()
	case map[string]any:
		return DataObject(t).Copy()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Merge returns a new object holding d overlaid with other; keys in other win.
func (d DataObject) Merge(other DataObject) DataObject {
	out := d.Copy()
	for k, v := range other {
		out[k] = copyValue(v)
	}
	return out
}

// Get returns the raw value stored at key.
func (d DataObject) Get(key string) (any, bool) {
	v, ok := d[key]
	return v, ok
}

// GetString returns the string stored at key.
func (d DataObject) GetString(key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

// GetBool returns the boolean stored at key.
func (d DataObject) GetBool(key string) (bool, bool) {
	b, ok := d[key].(bool)
	return b, ok
}

// GetInt returns the integer stored at key, accepting any numeric encoding.
func (d DataObject) GetInt(key string) (int64, bool) {
	return toInt(d[key])
}

// GetFloat returns the number stored at key as a float64.
func (d DataObject) GetFloat(key string) (float64, bool) {
	switch n := d[key].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt(d[key]); ok {
		return float64(i), true
	}
	return 0, false
}

// GetObject returns the nested object stored at key.
func (d DataObject) GetObject(key string) (DataObject, bool) {
	switch o := d[key].(type) {
	case DataObject:
		return o, true
	case map[string]any:
		return DataObject(o), true
	}
	return nil, false
}

// GetStringSlice returns the list of strings stored at key. Non-string
// elements make the lookup fail.
func (d DataObject) GetStringSlice(key string) ([]string, bool) {
	switch l := d[key].(type) {
	case []string:
		return append([]string(nil), l...), true
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// Decode unmarshals the object into v (typically a configuration struct).
func (d DataObject) Decode(v any) error {
	raw, err := d.JSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil || f != float64(int64(f)) {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}
