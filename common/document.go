package common

import (
	"encoding/json"
	"strconv"
	"time"
)

// Document is a point-in-time snapshot of an entity row as attribute -> value.
// A nil Document means "no row" (before an insert, after a delete); an empty
// Document is a row with no captured attributes. The two are never conflated.
type Document map[string]any

// Clone returns a shallow copy. Clone of nil is nil.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merged returns a copy of d with the attributes of changes laid on top.
func (d Document) Merged(changes Document) Document {
	out := d.Clone()
	if out == nil {
		out = make(Document, len(changes))
	}
	for k, v := range changes {
		out[k] = v
	}
	return out
}

// Attributes returns the attribute names present in the document.
func (d Document) Attributes() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d))
	for k := range d {
		names = append(names, k)
	}
	return names
}

// NormalizeValue collapses equivalent Go representations of a scalar into the
// canonical forms produced by a database scan (int64, float64, string, []byte,
// bool, time.Time, nil). Caller-supplied documents pass through this before
// they are compared against scanned rows.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

// NormalizeDocument applies NormalizeValue to every attribute.
// Nil in, nil out.
func NormalizeDocument(d Document) Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = NormalizeValue(v)
	}
	return out
}

// FormatValue renders an attribute value in its canonical string form, used
// for primary keys and indexed pairs. The encoding is deterministic so equal
// values always produce equal strings.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		data, _ := json.Marshal(val)
		return string(data)
	}
}
