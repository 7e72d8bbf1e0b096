package expressions

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// Template is a parsed template string: a sequence of literal runs and
// {{path}} variable references. Parsing once and resolving against a binding
// map keeps tool parameters free of raw string splicing.
type Template struct {
	raw      string
	segments []segment
}

// segment is one template element. path is nil for literals.
type segment struct {
	literal string
	path    []string
}

// ParseTemplate parses a template string into its segment list.
func ParseTemplate(s string) (*Template, error) {
	t := &Template{raw: s}

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			t.segments = append(t.segments, segment{literal: s[i:]})
			break
		}

		if idx > 0 {
			t.segments = append(t.segments, segment{literal: s[i : i+idx]})
		}
		start := i + idx + 2

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"unclosed {{ reference in %q", s)
		}
		end += start

		ref := strings.TrimSpace(s[start:end])
		if ref == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty variable reference in %q", s)
		}
		if strings.Contains(ref, "{{") {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"nested reference not allowed in %q", s)
		}

		t.segments = append(t.segments, segment{path: strings.Split(ref, ".")})
		i = end + 2
	}

	return t, nil
}

// HasReferences reports whether the template contains any variable reference.
func (t *Template) HasReferences() bool {
	for _, seg := range t.segments {
		if seg.path != nil {
			return true
		}
	}
	return false
}

// Resolve evaluates the template against the bindings. A template that is a
// single bare reference yields the referenced value with its type intact;
// mixed templates yield the concatenated string form. A missing variable is
// an error, never a silent empty string.
func (t *Template) Resolve(bindings map[string]any) (any, error) {
	if len(t.segments) == 1 && t.segments[0].path != nil {
		return resolvePath(bindings, t.segments[0].path, t.raw)
	}

	var b strings.Builder
	for _, seg := range t.segments {
		if seg.path == nil {
			b.WriteString(seg.literal)
			continue
		}
		val, err := resolvePath(bindings, seg.path, t.raw)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
	}
	return b.String(), nil
}

// Resolver parses and resolves templates with a compiled-template cache,
// mirroring the expression engines. Safe for concurrent use.
type Resolver struct {
	mu    sync.RWMutex
	cache map[string]*Template
}

// NewResolver creates a template Resolver.
func NewResolver() *Resolver {
	return &Resolver{cache: make(map[string]*Template)}
}

// Resolve parses (or retrieves from cache) a template string and evaluates it
// against the bindings.
func (r *Resolver) Resolve(s string, bindings map[string]any) (any, error) {
	t, err := r.getOrParse(s)
	if err != nil {
		return nil, err
	}
	return t.Resolve(bindings)
}

// ResolveParams resolves every template reference inside a raw JSON parameter
// block. String values are resolved individually; a value that is one bare
// reference keeps the referenced value's JSON type.
func (r *Resolver) ResolveParams(raw json.RawMessage, bindings map[string]any) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "parameters are not valid JSON").WithCause(err)
	}

	resolved, err := r.resolveValue(doc, bindings)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "failed to encode resolved parameters").WithCause(err)
	}
	return out, nil
}

func (r *Resolver) resolveValue(v any, bindings map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "{{") {
			return val, nil
		}
		return r.Resolve(val, bindings)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.resolveValue(item, bindings)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(item, bindings)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Resolver) getOrParse(s string) (*Template, error) {
	r.mu.RLock()
	if t, ok := r.cache[s]; ok {
		r.mu.RUnlock()
		return t, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock.
	if t, ok := r.cache[s]; ok {
		return t, nil
	}

	t, err := ParseTemplate(s)
	if err != nil {
		return nil, err
	}
	r.cache[s] = t
	return t, nil
}

// resolvePath walks a dot-delimited path through the bindings. The first
// segment is a binding name; the rest traverse nested objects.
func resolvePath(bindings map[string]any, path []string, ref string) (any, error) {
	// A binding key containing dots wins over traversal.
	full := strings.Join(path, ".")
	if val, ok := bindings[full]; ok {
		return val, nil
	}

	root, ok := bindings[path[0]]
	if !ok {
		available := mapKeys(bindings)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"variable %q not found in %q; available: [%s]", path[0], ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref, "available": available})
	}

	current := root
	for _, seg := range path[1:] {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current).
				WithDetails(map[string]any{"reference": ref})
		}
		val, ok := obj[seg]
		if !ok {
			available := mapKeys(obj)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, ref, strings.Join(available, ", ")).
				WithDetails(map[string]any{"reference": ref, "available": available})
		}
		current = val
	}

	return current, nil
}

// stringify converts a resolved value to its string form for embedding in a
// mixed template.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
