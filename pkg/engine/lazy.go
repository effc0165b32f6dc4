package engine

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"sort"
)

// Lazy is a placeholder value whose concrete form is only known once the whole
// graph is final. Lazy values are resolved by Stack.Synthesize.
type Lazy interface {
	// References returns the resource IDs the value points at.
	References() []string

	// Resolve returns the template form of the value.
	Resolve() interface{}
}

// Ref points at a resource (Attribute empty) or one of its attributes.
type Ref struct {
	ResourceID string
	Attribute  string
}

// References implements Lazy.
func (r Ref) References() []string {
	return []string{r.ResourceID}
}

// Resolve implements Lazy.
func (r Ref) Resolve() interface{} {
	if r.Attribute == "" {
		return map[string]interface{}{"Ref": r.ResourceID}
	}
	return map[string]interface{}{"Fn::GetAtt": []interface{}{r.ResourceID, r.Attribute}}
}

// String returns a readable form used in logs and DOT output.
func (r Ref) String() string {
	if r.Attribute == "" {
		return fmt.Sprintf("${%s}", r.ResourceID)
	}
	return fmt.Sprintf("${%s.%s}", r.ResourceID, r.Attribute)
}

// Join concatenates literals and lazy values with a separator.
type Join struct {
	Separator string
	Parts     []interface{}
}

// Concat joins parts without a separator.
func Concat(parts ...interface{}) Join {
	return Join{Parts: parts}
}

// References implements Lazy.
func (j Join) References() []string {
	var refs []string
	for _, p := range j.Parts {
		refs = append(refs, collectReferences(p)...)
	}
	return refs
}

// Resolve implements Lazy. Joins made only of strings collapse into a single string.
func (j Join) Resolve() interface{} {
	parts := make([]interface{}, 0, len(j.Parts))
	allLiteral := true
	for _, p := range j.Parts {
		resolved := resolveValue(p)
		if _, ok := resolved.(string); !ok {
			allLiteral = false
		}
		parts = append(parts, resolved)
	}

	if allLiteral {
		out := ""
		for i, p := range parts {
			if i > 0 {
				out += j.Separator
			}
			out += p.(string)
		}
		return out
	}

	return map[string]interface{}{"Fn::Join": []interface{}{j.Separator, parts}}
}

// Sub substitutes ${Name} placeholders in Template with Vars. Vars may hold
// lazy values.
type Sub struct {
	Template string
	Vars     map[string]interface{}
}

// References implements Lazy.
func (s Sub) References() []string {
	return collectReferences(s.Vars)
}

// Resolve implements Lazy.
func (s Sub) Resolve() interface{} {
	if len(s.Vars) == 0 {
		return map[string]interface{}{"Fn::Sub": s.Template}
	}
	return map[string]interface{}{"Fn::Sub": []interface{}{s.Template, resolveValue(s.Vars)}}
}

// Base64 encodes its value. Literal strings are encoded at synthesis time.
type Base64 struct {
	Value interface{}
}

// References implements Lazy.
func (b Base64) References() []string {
	return collectReferences(b.Value)
}

// Resolve implements Lazy.
func (b Base64) Resolve() interface{} {
	resolved := resolveValue(b.Value)
	if s, ok := resolved.(string); ok {
		return base64.StdEncoding.EncodeToString([]byte(s))
	}
	return map[string]interface{}{"Fn::Base64": resolved}
}

// resolveValue walks a property value and replaces every lazy value with its
// template form. Maps and slices are copied; the input is never mutated.
func resolveValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case Lazy:
		return val.Resolve()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = resolveValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = resolveValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case string, bool, int, int32, int64, float32, float64:
		return val
	}

	// Typed slices and maps (e.g. []map[string]interface{}) go through reflection.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = resolveValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = resolveValue(iter.Value().Interface())
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return resolveValue(rv.Elem().Interface())
	}

	return v
}

// collectReferences returns the sorted, de-duplicated resource IDs referenced by v.
func collectReferences(v interface{}) []string {
	seen := make(map[string]bool)
	walkReferences(v, seen)

	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}
	sort.Strings(refs)
	return refs
}

func walkReferences(v interface{}, seen map[string]bool) {
	switch val := v.(type) {
	case nil:
		return
	case Ref:
		seen[val.ResourceID] = true
		return
	case Join:
		for _, p := range val.Parts {
			walkReferences(p, seen)
		}
		return
	case Lazy:
		for _, id := range val.References() {
			seen[id] = true
		}
		return
	case map[string]interface{}:
		for _, item := range val {
			walkReferences(item, seen)
		}
		return
	case []interface{}:
		for _, item := range val {
			walkReferences(item, seen)
		}
		return
	case string, bool, int, int32, int64, float32, float64, map[string]string, []string:
		return
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			walkReferences(rv.Index(i).Interface(), seen)
		}
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			walkReferences(iter.Value().Interface(), seen)
		}
	case reflect.Ptr:
		if !rv.IsNil() {
			walkReferences(rv.Elem().Interface(), seen)
		}
	}
}
