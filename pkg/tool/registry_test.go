package tool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() Definition {
	return Definition{
		Name:        "echo",
		Description: "Echo the input back",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return params["text"], nil
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(0)

	require.NoError(t, r.Register(echoTool()))

	err := r.Register(Definition{Name: "", Handler: func(ctx context.Context, p map[string]any) (any, error) { return nil, nil }})
	assert.Error(t, err)

	err = r.Register(Definition{Name: "nohandler"})
	assert.Error(t, err)

	err = r.Register(Definition{
		Name:       "badtype",
		Parameters: []Parameter{{Name: "x", Type: "tuple"}},
		Handler:    func(ctx context.Context, p map[string]any) (any, error) { return nil, nil },
	})
	assert.Error(t, err)
}

func TestExecuteSuccess(t *testing.T) {
	r := NewRegistry(0)
	require.NoError(t, r.Register(echoTool()))

	res := r.Execute(context.Background(), "echo", map[string]any{"text": "hello"})
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Output)
}

func TestExecuteUnknownToolReturnsFailureResult(t *testing.T) {
	r := NewRegistry(0)

	res := r.Execute(context.Background(), "nope", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "tool not found")
}

func TestExecuteValidatesParameters(t *testing.T) {
	r := NewRegistry(0)
	require.NoError(t, r.Register(echoTool()))

	res := r.Execute(context.Background(), "echo", map[string]any{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "validation failed")

	res = r.Execute(context.Background(), "echo", map[string]any{"text": 42})
	assert.False(t, res.Success)
}

func TestExecuteHandlerErrorBecomesResult(t *testing.T) {
	r := NewRegistry(0)
	require.NoError(t, r.Register(Definition{
		Name:        "failing",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, errors.New("disk on fire")
		},
	}))

	res := r.Execute(context.Background(), "failing", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "disk on fire", res.Error)
}

func TestExecutePanicIsCaught(t *testing.T) {
	r := NewRegistry(0)
	require.NoError(t, r.Register(Definition{
		Name:        "panicky",
		Description: "Panics",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			panic("boom")
		},
	}))

	res := r.Execute(context.Background(), "panicky", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRegistry(0)
	require.NoError(t, r.Register(Definition{
		Name:        "slow",
		Description: "Never finishes in time",
		Timeout:     50 * time.Millisecond,
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "done", nil
			}
		},
	}))

	res := r.Execute(context.Background(), "slow", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
}

func TestExecuteTruncatesLargeOutput(t *testing.T) {
	r := NewRegistry(0)
	require.NoError(t, r.Register(Definition{
		Name:        "bigmouth",
		Description: "Huge output",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return strings.Repeat("x", maxOutputBytes+100), nil
		},
	}))

	res := r.Execute(context.Background(), "bigmouth", nil)
	assert.True(t, res.Success)
	assert.True(t, res.Truncated)
	out, ok := res.Output.(string)
	require.True(t, ok)
	assert.LessOrEqual(t, len(out), maxOutputBytes+len("… [truncated]"))
}

func TestSchemasExport(t *testing.T) {
	r := NewRegistry(0)
	require.NoError(t, r.Register(echoTool()))

	schemas := r.Schemas()
	require.Len(t, schemas, 1)
	assert.Equal(t, "echo", schemas[0].Name)

	props, ok := schemas[0].InputSchema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "text")
	assert.Equal(t, []string{"text"}, schemas[0].InputSchema["required"])
}

func TestBuiltinsAreTerminal(t *testing.T) {
	r := NewRegistry(0)
	require.NoError(t, RegisterBuiltins(r))

	assert.True(t, r.IsTerminal("complete"))
	assert.True(t, r.IsTerminal("ask"))
	assert.False(t, r.IsTerminal("echo"))

	res := r.Execute(context.Background(), "complete", map[string]any{"summary": "done"})
	assert.True(t, res.Success)
}
