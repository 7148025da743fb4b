package grammar

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireloom/llamaserve/internal/pkg/xcache"
)

func TestCompileCachesBySchemaHash(t *testing.T) {
	c := NewCompiler(xcache.DefaultConfig())
	ctx := context.Background()

	spec := Spec{JSONSchema: []byte(`{"type":"object"}`)}

	a, err := c.Compile(ctx, spec)
	require.NoError(t, err)

	b, err := c.Compile(ctx, spec)
	require.NoError(t, err)

	assert.Same(t, a, b)
}

func TestLazyGrammarActivatesOnTriggerWord(t *testing.T) {
	c := NewCompiler(xcache.DefaultConfig())
	ctx := context.Background()

	spec := Spec{
		JSONSchema:   []byte(`{"type":"object"}`),
		Lazy:         true,
		TriggerWords: []string{"<tool_call>"},
	}

	compiled, err := c.Compile(ctx, spec)
	require.NoError(t, err)

	state := compiled.NewState()
	assert.False(t, state.Active())

	state.SawText("some preamble ")
	assert.False(t, state.Active())

	state.SawText("<tool_call>{")
	assert.True(t, state.Active())
}

func TestNonLazyGrammarStartsActive(t *testing.T) {
	c := NewCompiler(xcache.DefaultConfig())
	ctx := context.Background()

	compiled, err := c.Compile(ctx, Spec{JSONSchema: []byte(`{"type":"string"}`)})
	require.NoError(t, err)

	state := compiled.NewState()
	assert.True(t, state.Active())
}

func TestTriggerPatternActivates(t *testing.T) {
	c := NewCompiler(xcache.DefaultConfig())
	ctx := context.Background()

	spec := Spec{
		JSONSchema:      []byte(`{"type":"object"}`),
		Lazy:            true,
		TriggerPatterns: []string{`\{\s*"name"`},
	}

	compiled, err := c.Compile(ctx, spec)
	require.NoError(t, err)

	state := compiled.NewState()
	state.SawText(`{"name": "foo"}`)
	assert.True(t, state.Active())
}
