package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryrobes/larsql-sub001/internal/cerrs"
)

func noop(ctx context.Context, args map[string]any) (any, error) { return "ok", nil }

func TestRegisterAndGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&Skill{Name: "echo", Origin: OriginBuiltin, Callable: noop}, false))

	s, err := r.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", s.Name)

	_, err = r.Get("absent")
	require.Error(t, err)
	var ce *cerrs.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, cerrs.KindUnknownSkill, ce.Kind)
}

func TestRegisterCollision(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&Skill{Name: "dup", Origin: OriginBuiltin, Callable: noop}, false))
	err := r.Register(&Skill{Name: "dup", Origin: OriginBuiltin, Callable: noop}, false)
	require.Error(t, err, "name collision fails")

	// Cascade-origin skills may replace themselves under a reload.
	require.NoError(t, r.Register(&Skill{Name: "flow", Origin: OriginCascade, Callable: noop}, false))
	require.NoError(t, r.Register(&Skill{Name: "flow", Origin: OriginCascade, Callable: noop}, true))
	err = r.Register(&Skill{Name: "flow", Origin: OriginCascade, Callable: noop}, false)
	require.Error(t, err, "cascade collision without reload still fails")
}

func TestListFiltersByOrigin(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&Skill{Name: "b", Origin: OriginBuiltin, Callable: noop}, false))
	require.NoError(t, r.Register(&Skill{Name: "a", Origin: OriginBuiltin, Callable: noop}, false))
	require.NoError(t, r.Register(&Skill{Name: "c", Origin: OriginMCP, Callable: noop}, false))

	all := r.List("")
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Name, "listing is name-sorted")

	builtins := r.List(OriginBuiltin)
	require.Len(t, builtins, 2)
}

func TestSchemaValidation(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&Skill{
		Name:     "typed",
		Origin:   OriginBuiltin,
		Callable: noop,
		RawSchema: map[string]any{
			"type":       "object",
			"required":   []any{"q"},
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
		},
	}, false))

	s, err := r.Get("typed")
	require.NoError(t, err)

	_, err = s.Invoke(context.Background(), map[string]any{"q": "hello"})
	require.NoError(t, err)

	_, err = s.Invoke(context.Background(), map[string]any{})
	require.Error(t, err, "missing required argument fails schema validation")
}
