package persist

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/bjpl/describe-it-sub004/internal/plain"
)

// project selects the persisted fields of state.
func project[T any](state T, fields []string, partialize func(T) (map[string]any, error)) (map[string]any, error) {
	if partialize != nil {
		out, err := partialize(state)
		if err != nil {
			return nil, err
		}
		obj, err := plain.Object(out)
		if err != nil {
			return nil, err
		}
		return obj, nil
	}

	obj, err := plain.Object(state)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return obj, nil
	}
	out := make(map[string]any, len(fields))
	for _, name := range fields {
		if v, ok := obj[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

// shallowMerge returns a copy of current in which every top-level field named
// in fields is replaced by the persisted value. Fields not named keep their
// current values. Replacement is wholesale: a persisted map or slice never
// merges into, or aliases, the current one.
//
// Persisted keys that name no field of T are ignored. A key whose value
// cannot be decoded into its field's type is reported in skipped and the
// field keeps its current value.
func shallowMerge[T any](current T, fields map[string]any) (next T, skipped []string, err error) {
	rv := reflect.ValueOf(&current).Elem()

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return current, nil, fmt.Errorf("unsupported state type %s: map keys must be strings", rv.Type())
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len()+len(fields))
		if !rv.IsNil() {
			iter := rv.MapRange()
			for iter.Next() {
				out.SetMapIndex(iter.Key(), iter.Value())
			}
		}
		for key, value := range fields {
			decoded, err := decodeInto(rv.Type().Elem(), value)
			if err != nil {
				skipped = append(skipped, key)
				continue
			}
			out.SetMapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()), decoded)
		}
		return out.Interface().(T), skipped, nil

	case reflect.Pointer:
		if rv.Type().Elem().Kind() != reflect.Struct {
			return current, nil, fmt.Errorf("unsupported state type %s", rv.Type())
		}
		copied := reflect.New(rv.Type().Elem())
		if !rv.IsNil() {
			copied.Elem().Set(rv.Elem())
		}
		skipped = mergeStruct(copied.Elem(), fields)
		return copied.Interface().(T), skipped, nil

	case reflect.Struct:
		copied := reflect.New(rv.Type()).Elem()
		copied.Set(rv)
		skipped = mergeStruct(copied, fields)
		return copied.Interface().(T), skipped, nil

	default:
		return current, nil, fmt.Errorf("unsupported state type %s: state must be a struct or string-keyed map", rv.Type())
	}
}

func mergeStruct(target reflect.Value, fields map[string]any) (skipped []string) {
	index := jsonFieldIndex(target.Type())
	for key, value := range fields {
		path, ok := index[key]
		if !ok {
			continue
		}
		field, err := target.FieldByIndexErr(path)
		if err != nil || !field.CanSet() {
			skipped = append(skipped, key)
			continue
		}
		decoded, err := decodeInto(field.Type(), value)
		if err != nil {
			skipped = append(skipped, key)
			continue
		}
		field.Set(decoded)
	}
	return skipped
}

// jsonFieldIndex maps JSON field names to struct field index paths using
// encoding/json naming rules for exported and promoted fields.
func jsonFieldIndex(t reflect.Type) map[string][]int {
	index := make(map[string][]int)
	for _, field := range reflect.VisibleFields(t) {
		if !field.IsExported() || field.Anonymous && field.Tag.Get("json") == "" {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = field.Name
		}
		if existing, ok := index[name]; ok && len(existing) <= len(field.Index) {
			continue
		}
		index[name] = field.Index
	}
	return index
}

// decodeInto converts a plain value into a fresh value of type t.
func decodeInto(t reflect.Type, value any) (reflect.Value, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}
