package plain

import (
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// maxDepth bounds the reflective walk.
const maxDepth = 64

// Circular replaces a pointer, map or slice that refers back to one of its
// own ancestors.
const Circular = "[circular]"

// visit identifies a reference on the current walk path.
type visit struct {
	ptr uintptr
	typ reflect.Type
}

// Placeholder returns the deterministic stand-in recorded for a value of type t
// that has no plain-data representation.
func Placeholder(t reflect.Type) string {
	if t == nil {
		return "[unserializable]"
	}
	return fmt.Sprintf("[unserializable %s]", t.String())
}

// From converts v into a plain tree. The result never shares memory with v.
//
// The fast path is an encoding/json round trip. If v contains anything json
// rejects, From falls back to a reflective walk that mirrors json's field
// naming rules and substitutes Placeholder for the offending values.
func From(v any) any {
	if v == nil {
		return nil
	}
	if data, err := json.Marshal(v); err == nil {
		var out any
		if err := json.Unmarshal(data, &out); err == nil {
			return out
		}
	}
	return walk(reflect.ValueOf(v), 0, make(map[visit]bool))
}

// Clone is From for values that are already plain trees. It exists so call
// sites read as what they mean.
func Clone(v any) any {
	return From(v)
}

// Object converts v into a plain object. Values that do not serialize to a
// JSON object yield an error.
func Object(v any) (map[string]any, error) {
	tree := From(v)
	if tree == nil {
		return map[string]any{}, nil
	}
	obj, ok := tree.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("plain: %T does not serialize to an object", v)
	}
	return obj, nil
}

// Decode converts a plain tree back into a typed value through encoding/json.
func Decode[T any](tree any) (T, error) {
	var out T
	data, err := json.Marshal(tree)
	if err != nil {
		return out, fmt.Errorf("plain: encode tree: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("plain: decode into %T: %w", out, err)
	}
	return out, nil
}

// Equal reports whether two plain trees are structurally equal.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// IsObject reports whether v is a plain object.
func IsObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// walk converts v. path holds the references being walked above v; a
// reference seen again on the same path is a cycle.
func walk(v reflect.Value, depth int, path map[visit]bool) any {
	if !v.IsValid() {
		return nil
	}
	if depth > maxDepth {
		return Circular
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if !v.IsNil() {
			key := visit{ptr: v.Pointer(), typ: v.Type()}
			if path[key] {
				return Circular
			}
			path[key] = true
			defer delete(path, key)
		}
	}

	if v.Type().Implements(jsonMarshalerType) || v.Type().Implements(textMarshalerType) {
		if v.Kind() == reflect.Pointer && v.IsNil() {
			return nil
		}
		if data, err := json.Marshal(v.Interface()); err == nil {
			var out any
			if json.Unmarshal(data, &out) == nil {
				return out
			}
		}
		return Placeholder(v.Type())
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return walk(v.Elem(), depth+1, path)
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(v.Uint())
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Placeholder(v.Type())
		}
		return f
	case reflect.String:
		return v.String()
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(v.Bytes())
		}
		fallthrough
	case reflect.Array:
		out := make([]any, v.Len())
		for i := range out {
			out[i] = walk(v.Index(i), depth+1, path)
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key())] = walk(iter.Value(), depth+1, path)
		}
		return out
	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		walkStruct(v, out, depth, path)
		return out
	default:
		// func, chan, complex, unsafe.Pointer
		return Placeholder(v.Type())
	}
}

func walkStruct(v reflect.Value, out map[string]any, depth int, path map[visit]bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")

		fv := v.Field(i)
		if field.Anonymous && name == "" {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct {
				walkStruct(inner, out, depth+1, path)
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = field.Name
		}
		if strings.Contains(opts, "omitempty") && fv.IsZero() {
			continue
		}
		out[name] = walk(fv, depth+1, path)
	}
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		if text, err := tm.MarshalText(); err == nil {
			return string(text)
		}
	}
	return fmt.Sprint(k.Interface())
}
