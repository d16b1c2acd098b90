package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type describingHandler struct {
	out interface{}
}

func (h describingHandler) Execute(ctx context.Context, rc ResolvedCall) (interface{}, error) {
	return h.out, nil
}

func (h describingHandler) Describe() string { return "test handler" }

func (h describingHandler) Schema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func TestRegister_LookupAndExecute(t *testing.T) {
	r := New()
	r.Register("action.delay", describingHandler{out: "ok"})

	h, ok := r.Lookup("action.delay")
	require.True(t, ok)
	require.NotNil(t, h)

	out, err := r.Execute(context.Background(), ResolvedCall{NodeType: "action.delay"})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
}

func TestRegister_HotSwapsExistingType(t *testing.T) {
	r := New()
	r.Register("action.delay", describingHandler{out: "first"})
	r.Register("action.delay", describingHandler{out: "second"})

	out, err := r.Execute(context.Background(), ResolvedCall{NodeType: "action.delay"})
	require.NoError(t, err)
	require.Equal(t, "second", out)
}

func TestExecute_UnregisteredTypeFails(t *testing.T) {
	r := New()
	_, err := r.Execute(context.Background(), ResolvedCall{NodeType: "action.unknown"})
	require.Error(t, err)
}

func TestKnown_ReflectsRegistrations(t *testing.T) {
	r := New()
	require.False(t, r.Known("trigger.manual"))
	r.Register("trigger.manual", describingHandler{})
	require.True(t, r.Known("trigger.manual"))
}

func TestListNodeTypes_GroupsByCategory(t *testing.T) {
	r := New()
	r.Register("trigger.manual", describingHandler{})
	r.Register("trigger.schedule", describingHandler{})
	r.Register("action.delay", describingHandler{})

	grouped := r.ListNodeTypes()
	require.Len(t, grouped["trigger"], 2)
	require.Len(t, grouped["action"], 1)
	require.Equal(t, "trigger.manual", grouped["trigger"][0].Type)
	require.Equal(t, "test handler", grouped["action"][0].Description)
}

func TestUnregister_RemovesHandler(t *testing.T) {
	r := New()
	r.Register("action.delay", describingHandler{})
	r.Unregister("action.delay")
	_, ok := r.Lookup("action.delay")
	require.False(t, ok)
}
