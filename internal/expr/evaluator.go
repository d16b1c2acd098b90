// Package expr implements the restricted expression evaluator for edge
// conditions and condition.expression nodes (spec §4.2), grounded in the
// teacher's CEL-based evaluator (cmd/workflow-runner/condition/evaluator.go)
// but extended with the four bindings the spec requires: $output, $data,
// $status, and $ctx (with ctx.getNodeOutput(id)).
//
// CEL identifiers cannot start with '$', so expressions are rewritten to
// plain identifiers (output/data/status/ctx) before compilation; the
// evaluator never reaches the shell, the filesystem, the network, or any
// host process API — CEL's standard library has no such capability, and no
// custom function added here introduces one (spec §4.2, §9).
package expr

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Bindings is the evaluation context exposed to a condition expression.
type Bindings struct {
	Output interface{}
	Data   map[string]interface{}
	Status string
	// GetNodeOutput backs $ctx.getNodeOutput(id).
	GetNodeOutput func(nodeID string) (interface{}, bool)
}

// Evaluator compiles and caches CEL programs for condition expressions.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
	env   *cel.Env
}

// NewEvaluator creates an evaluator with its own compiled-program cache.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("data", cel.DynType),
		cel.Variable("status", cel.StringType),
		cel.Variable("ctx", cel.DynType),
		cel.Function("getNodeOutput",
			cel.MemberOverload("ctx_get_node_output_string",
				[]*cel.Type{cel.DynType, cel.StringType}, cel.DynType,
				cel.BinaryBinding(getNodeOutputImpl),
			),
		),
		cel.Function("typeof",
			cel.Overload("typeof_dyn", []*cel.Type{cel.DynType}, cel.StringType,
				cel.UnaryBinding(typeofImpl)),
		),
		cel.Function("Array.isArray",
			cel.Overload("array_isarray_dyn", []*cel.Type{cel.DynType}, cel.BoolType,
				cel.UnaryBinding(isArrayImpl)),
		),
		cel.Function("JSON.parse",
			cel.Overload("json_parse_string", []*cel.Type{cel.StringType}, cel.DynType,
				cel.UnaryBinding(jsonParseImpl)),
		),
		cel.Function("includes",
			cel.MemberOverload("includes_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
				cel.BinaryBinding(includesImpl)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// ctxGetter is threaded through the CEL activation so the custom
// getNodeOutput function can reach the per-call Bindings without a global.
type ctxGetter struct {
	get func(nodeID string) (interface{}, bool)
}

func getNodeOutputImpl(lhs, rhs ref.Val) ref.Val {
	getter, ok := lhs.Value().(*ctxGetter)
	if !ok || getter.get == nil {
		return types.NewErr("ctx has no getNodeOutput binding")
	}
	id, ok := rhs.Value().(string)
	if !ok {
		return types.NewErr("getNodeOutput expects a string argument")
	}
	v, found := getter.get(id)
	if !found {
		return types.NullValue
	}
	return types.DefaultTypeAdapter.NativeToValue(v)
}

// typeofImpl backs the `typeof` free function (spec §4.2 grammar).
func typeofImpl(val ref.Val) ref.Val {
	switch v := val.Value().(type) {
	case nil:
		return types.String("undefined")
	case string:
		return types.String("string")
	case bool:
		return types.String("boolean")
	case float64, int64, uint64:
		return types.String("number")
	case []interface{}:
		return types.String("object")
	case map[string]interface{}:
		return types.String("object")
	default:
		_ = v
		return types.String("object")
	}
}

// isArrayImpl backs `Array.isArray`.
func isArrayImpl(val ref.Val) ref.Val {
	_, ok := val.Value().([]interface{})
	return types.Bool(ok)
}

// jsonParseImpl backs `JSON.parse`, letting expressions decode a JSON
// string value produced by a prior node's output into a structured value.
func jsonParseImpl(val ref.Val) ref.Val {
	s, ok := val.Value().(string)
	if !ok {
		return types.NewErr("JSON.parse expects a string argument")
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return types.NewErr("JSON.parse: %v", err)
	}
	return types.DefaultTypeAdapter.NativeToValue(parsed)
}

// includesImpl backs the `includes` member function on strings and arrays,
// mirroring String.prototype.includes / Array.prototype.includes.
func includesImpl(lhs, rhs ref.Val) ref.Val {
	switch container := lhs.Value().(type) {
	case string:
		sub, ok := rhs.Value().(string)
		if !ok {
			return types.NewErr("includes on a string expects a string argument")
		}
		return types.Bool(strings.Contains(container, sub))
	case []interface{}:
		target := rhs.Value()
		for _, item := range container {
			if reflect.DeepEqual(item, target) {
				return types.Bool(true)
			}
		}
		return types.Bool(false)
	default:
		return types.NewErr("includes is only defined for strings and arrays")
	}
}

var (
	dollarVar    = regexp.MustCompile(`\$(output|data|status|ctx)\b`)
	strictEquals = regexp.MustCompile(`===`)
	strictNotEq  = regexp.MustCompile(`!==`)
)

// normalize rewrites $output/$data/$status/$ctx to plain CEL identifiers and
// strict JS-style ===/!== to CEL's ==/!= (spec §4.2 grammar keeps === and
// !== alongside == and != — CEL itself has no === token, so a spec-legal
// expression using it would otherwise fail env.Compile).
func normalize(expression string) string {
	expression = strictEquals.ReplaceAllString(expression, "==")
	expression = strictNotEq.ReplaceAllString(expression, "!=")
	return dollarVar.ReplaceAllString(expression, "$1")
}

func (e *Evaluator) compile(expression string) (cel.Program, error) {
	normalized := normalize(expression)

	e.mu.RLock()
	prg, ok := e.cache[normalized]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(normalized)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression compilation error: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build expression program: %w", err)
	}

	e.mu.Lock()
	e.cache[normalized] = prg
	e.mu.Unlock()
	return prg, nil
}

// EvaluateBool compiles (or reuses the cached compile of) expression and
// evaluates it against b, requiring a boolean result. Used for edge
// conditions (§4.6 "Edge gating") and condition.expression nodes.
func (e *Evaluator) EvaluateBool(expression string, b Bindings) (bool, error) {
	out, err := e.Evaluate(expression, b)
	if err != nil {
		return false, err
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not evaluate to a boolean, got %T", out)
	}
	return result, nil
}

// Evaluate compiles (or reuses the cached compile of) expression and
// evaluates it against b, returning the raw result value.
func (e *Evaluator) Evaluate(expression string, b Bindings) (interface{}, error) {
	prg, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	getter := &ctxGetter{get: b.GetNodeOutput}
	data := b.Data
	if data == nil {
		data = map[string]interface{}{}
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"output": b.Output,
		"data":   data,
		"status": b.Status,
		"ctx":    getter,
	})
	if err != nil {
		return nil, fmt.Errorf("expression evaluation error: %w", err)
	}
	return out.Value(), nil
}

// EvaluateEdgeCondition evaluates an edge condition; per spec §4.2 an
// expression that throws evaluates to false for edge routing (never an
// error to the caller).
func (e *Evaluator) EvaluateEdgeCondition(expression string, b Bindings) bool {
	result, err := e.EvaluateBool(expression, b)
	if err != nil {
		return false
	}
	return result
}

// ClearCache empties the compiled-program cache.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns how many expressions are currently cached.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
