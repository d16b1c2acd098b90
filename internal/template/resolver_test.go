package template

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	data    map[string]interface{}
	outputs map[string]interface{}
}

func (f *fakeSource) Data() map[string]interface{} { return f.data }

func (f *fakeSource) GetNodeOutput(nodeID string) (interface{}, bool) {
	v, ok := f.outputs[nodeID]
	return v, ok
}

func TestResolve_WholePlaceholderPreservesType(t *testing.T) {
	tests := []interface{}{
		42.0, true, "hello", []interface{}{1.0, 2.0}, map[string]interface{}{"k": "v"}, nil,
	}
	for _, v := range tests {
		src := &fakeSource{data: map[string]interface{}{"x": v}}
		got := Resolve("{{x}}", src)
		require.Equal(t, v, got)
	}
}

func TestResolve_NodeOutputFieldPath(t *testing.T) {
	src := &fakeSource{
		data: map[string]interface{}{},
		outputs: map[string]interface{}{
			"fetch": map[string]interface{}{"body": map[string]interface{}{"id": "abc"}},
		},
	}
	got := Resolve("{{fetch.body.id}}", src)
	require.Equal(t, "abc", got)
}

func TestResolve_UnresolvedLeavesLiteral(t *testing.T) {
	src := &fakeSource{data: map[string]interface{}{}}
	got := Resolve("{{missing.path}}", src)
	require.Equal(t, "{{missing.path}}", got)
}

func TestResolve_StringInterpolation(t *testing.T) {
	src := &fakeSource{data: map[string]interface{}{"name": "world"}}
	got := Resolve("hello {{name}}!", src)
	require.Equal(t, "hello world!", got)
}

func TestResolve_RecursesThroughNestedStructures(t *testing.T) {
	src := &fakeSource{data: map[string]interface{}{"a": 1.0, "b": "two"}}
	input := map[string]interface{}{
		"list": []interface{}{"{{a}}", "{{b}}"},
		"obj":  map[string]interface{}{"inner": "{{a}}"},
	}
	got := Resolve(input, src).(map[string]interface{})
	list := got["list"].([]interface{})
	require.Equal(t, 1.0, list[0])
	require.Equal(t, "two", list[1])
	obj := got["obj"].(map[string]interface{})
	require.Equal(t, 1.0, obj["inner"])
}

func TestResolve_PrimitivesPassThrough(t *testing.T) {
	src := &fakeSource{data: map[string]interface{}{}}
	require.Equal(t, 5, Resolve(5, src))
	require.Equal(t, true, Resolve(true, src))
	require.Nil(t, Resolve(nil, src))
}
