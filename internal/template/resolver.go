// Package template implements the {{var.path}} substitution engine
// described in spec §4.1, grounded in the teacher's gjson-based resolver
// (cmd/workflow-runner/resolver/resolver.go) but reshaped around the
// spec's resolution order: context data first, then node outputs, then
// diagnostic passthrough of the unresolved literal.
package template

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Source supplies the two lookup surfaces a Resolver consults.
type Source interface {
	// Data returns the context's data map.
	Data() map[string]interface{}
	// GetNodeOutput returns a node's recorded output, if any.
	GetNodeOutput(nodeID string) (interface{}, bool)
}

var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// wholePlaceholder reports whether s is exactly one {{...}} placeholder
// with nothing else around it, and returns its inner path.
func wholePlaceholder(s string) (string, bool) {
	m := placeholderPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	if m[0] != s {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// Resolve substitutes every {{path}} placeholder found in value. Resolution
// order (spec §4.1):
//
//	(a) dereference path in context.data
//	(b) treat the first segment as a nodeId and resolve the remaining
//	    segments against that node's output
//	(c) leave the literal {{path}} in place if neither resolves
//
// When the entire value is a single placeholder, the raw resolved value is
// returned with its original type; otherwise values are coerced to their
// canonical string form and substituted inline. Resolution recurses through
// nested maps and arrays; other primitives pass through untouched.
func Resolve(value interface{}, src Source) interface{} {
	switch v := value.(type) {
	case string:
		return resolveString(v, src)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = Resolve(val, src)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = Resolve(val, src)
		}
		return out
	default:
		return value
	}
}

func resolveString(s string, src Source) interface{} {
	if path, ok := wholePlaceholder(s); ok {
		resolved, found := lookup(path, src)
		if found {
			return resolved
		}
		return s
	}

	if !strings.Contains(s, "{{") {
		return s
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		resolved, found := lookup(path, src)
		if !found {
			return match
		}
		return stringify(resolved)
	})
}

// lookup implements the (a)/(b) resolution order for a single dotted path.
func lookup(path string, src Source) (interface{}, bool) {
	if val, ok := lookupInData(path, src.Data()); ok {
		return val, true
	}
	return lookupInNodeOutput(path, src)
}

func lookupInData(path string, data map[string]interface{}) (interface{}, bool) {
	segments := strings.Split(path, ".")
	root, ok := data[segments[0]]
	if !ok {
		return nil, false
	}
	if len(segments) == 1 {
		return root, true
	}
	return lookupPath(root, segments[1:])
}

func lookupInNodeOutput(path string, src Source) (interface{}, bool) {
	segments := strings.Split(path, ".")
	output, ok := src.GetNodeOutput(segments[0])
	if !ok {
		return nil, false
	}
	if len(segments) == 1 {
		return output, true
	}
	return lookupPath(output, segments[1:])
}

// lookupPath walks the remaining dotted segments into root via gjson,
// round-tripping through JSON so arbitrary Go values (maps, structs already
// decoded from JSON) can be addressed uniformly.
func lookupPath(root interface{}, segments []string) (interface{}, bool) {
	raw, err := json.Marshal(root)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(raw, strings.Join(segments, "."))
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
