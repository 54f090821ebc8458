package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryrobes/larsql-sub001/internal/cascade"
)

func writeCascade(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMinimalCascade(t *testing.T) {
	path := writeCascade(t, `
cascade_id: greet
description: Says hello.
inputs:
  name:
    type: string
    required: true
cells:
  - name: hello
    kind: agent
    instructions: "Say hello to {{ .inputs.name }}."
    rules:
      max_turns: 2
      timeout_seconds: 30
`)
	def, warnings, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "greet", def.ID)
	require.Len(t, def.Cells, 1)
	assert.Equal(t, cascade.CellAgent, def.Cells[0].Kind)
	assert.Equal(t, 2, def.Cells[0].Rules.MaxTurns)
}

func TestLoadRejectsZeroFactor(t *testing.T) {
	path := writeCascade(t, `
cascade_id: bad
cells:
  - name: c
    kind: agent
    candidates:
      factor: "0"
      mode: select
`)
	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "factor")
}

func TestLoadRejectsFactorWithoutMode(t *testing.T) {
	path := writeCascade(t, `
cascade_id: bad
cells:
  - name: c
    kind: agent
    candidates:
      factor: "3"
`)
	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode")
}

func TestLoadRejectsReforgeOnAggregate(t *testing.T) {
	path := writeCascade(t, `
cascade_id: bad
cells:
  - name: c
    kind: agent
    candidates:
      factor: "3"
      mode: aggregate
      reforge: 2
`)
	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reforge")
}

func TestLoadRejectsBudgetSmallerThanReserve(t *testing.T) {
	path := writeCascade(t, `
cascade_id: bad
token_budget:
  max_total: 1000
  reserve_for_output: 2000
cells:
  - name: c
    kind: agent
`)
	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserve")
}

func TestLoadRejectsDuplicateCellNames(t *testing.T) {
	path := writeCascade(t, `
cascade_id: bad
cells:
  - name: same
    kind: agent
  - name: same
    kind: agent
`)
	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadRejectsReservedInputName(t *testing.T) {
	path := writeCascade(t, `
cascade_id: bad
inputs:
  state:
    type: string
cells:
  - name: c
    kind: agent
`)
	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestLoadWarnsOnUnknownFields(t *testing.T) {
	path := writeCascade(t, `
cascade_id: typo
not_a_field: true
cells:
  - name: c
    kind: agent
    max_turnz: 3
`)
	_, warnings, err := Load(path)
	require.NoError(t, err, "unknown fields warn, not fail")
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0].Message, "not_a_field")
	assert.Contains(t, warnings[1].Message, "max_turnz")
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadSQLFunctionBlock(t *testing.T) {
	path := writeCascade(t, `
cascade_id: aligns
sql_function:
  name: semantic_aligns
  returns: boolean
  shape: scalar
  cache: true
  args:
    - name: text
      type: varchar
    - name: narrative
      type: varchar
  operators:
    - "{{ text }} ALIGNS WITH {{ narrative }}"
cells:
  - name: judge
    kind: agent
`)
	def, _, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, def.SQLFunction)
	assert.Equal(t, "semantic_aligns", def.SQLFunction.Name)
	assert.Len(t, def.SQLFunction.Args, 2)
	assert.True(t, def.SQLFunction.Cache)
}

func TestResolveCascadePath(t *testing.T) {
	assert.Equal(t, "/abs/child.yaml", ResolveCascadePath("/root/parent.yaml", "/abs/child.yaml"))
	assert.Equal(t, filepath.Join("/root", "sub", "child.yaml"),
		ResolveCascadePath("/root/parent.yaml", "sub/child.yaml"))
}
