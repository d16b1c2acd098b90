package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateBool_ComparisonAndLogical(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(`$data.count > 3 && $status == "completed"`, Bindings{
		Data:   map[string]interface{}{"count": 5.0},
		Status: "completed",
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateBool_StrictEqualityOperators(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(`$data.count === 5 && $status !== "failed"`, Bindings{
		Data:   map[string]interface{}{"count": 5.0},
		Status: "completed",
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.EvaluateBool(`$data.count !== 5`, Bindings{
		Data: map[string]interface{}{"count": 5.0},
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluateBool_OutputBinding(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(`$output.matchedPort == "retry"`, Bindings{
		Output: map[string]interface{}{"matchedPort": "retry"},
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateBool_TernaryAndArithmetic(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(`($data.a + $data.b) > 10 ? true : false`, Bindings{
		Data: map[string]interface{}{"a": 6.0, "b": 6.0},
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateBool_CtxGetNodeOutput(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(`$ctx.getNodeOutput("fetch").status == 200`, Bindings{
		GetNodeOutput: func(nodeID string) (interface{}, bool) {
			if nodeID == "fetch" {
				return map[string]interface{}{"status": 200.0}, true
			}
			return nil, false
		},
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateEdgeCondition_ThrowingExpressionIsFalse(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	result := e.EvaluateEdgeCondition(`$data.missing.deeper.field == "x"`, Bindings{
		Data: map[string]interface{}{},
	})
	require.False(t, result)
}

func TestEvaluateBool_PropagatesErrorForConditionNode(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	_, err = e.EvaluateBool(`$data.x +++ `, Bindings{Data: map[string]interface{}{}})
	require.Error(t, err)
}

func TestEvaluate_ProgramCaching(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	_, err = e.Evaluate(`$data.a`, Bindings{Data: map[string]interface{}{"a": 1.0}})
	require.NoError(t, err)
	require.Equal(t, 1, e.CacheSize())

	_, err = e.Evaluate(`$data.a`, Bindings{Data: map[string]interface{}{"a": 2.0}})
	require.NoError(t, err)
	require.Equal(t, 1, e.CacheSize())

	e.ClearCache()
	require.Equal(t, 0, e.CacheSize())
}

func TestEvaluateBool_StringConcatAndTypeof(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(`("prefix-" + $data.name) == "prefix-agent"`, Bindings{
		Data: map[string]interface{}{"name": "agent"},
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.EvaluateBool(`typeof($data.name) == "string"`, Bindings{
		Data: map[string]interface{}{"name": "agent"},
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateBool_ArrayIsArrayAndIncludes(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(`Array.isArray($data.tags) && $data.tags.includes("urgent")`, Bindings{
		Data: map[string]interface{}{"tags": []interface{}{"urgent", "bug"}},
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateBool_JSONParse(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(`JSON.parse($output.body).status == "ok"`, Bindings{
		Output: map[string]interface{}{"body": `{"status":"ok"}`},
	})
	require.NoError(t, err)
	require.True(t, ok)
}
