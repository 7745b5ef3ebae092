package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "echoes input",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"text"},
		},
		Handler: func(_ context.Context, args map[string]interface{}) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	}
}

func TestRegisterAndList(t *testing.T) {
	r := NewRegistry(time.Second, zerolog.Nop())

	require.NoError(t, r.Register(echoTool()))
	require.NoError(t, r.Register(Tool{
		Name:    "abort",
		Handler: func(context.Context, map[string]interface{}) (string, error) { return "", nil },
	}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "abort", list[0].Name)
	assert.Equal(t, "echo", list[1].Name)
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(time.Second, zerolog.Nop())

	require.NoError(t, r.Register(echoTool()))
	assert.Error(t, r.Register(echoTool()))
}

func TestRegisterWithoutHandler(t *testing.T) {
	r := NewRegistry(time.Second, zerolog.Nop())
	assert.Error(t, r.Register(Tool{Name: "broken"}))
}

func TestExecuteSuccess(t *testing.T) {
	r := NewRegistry(time.Second, zerolog.Nop())
	require.NoError(t, r.Register(echoTool()))

	result := r.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	assert.False(t, result.IsError)
	assert.Equal(t, "hi", result.Output)
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(time.Second, zerolog.Nop())

	result := r.Execute(context.Background(), "missing", nil)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Output, "unknown tool")
}

func TestExecuteSchemaViolation(t *testing.T) {
	r := NewRegistry(time.Second, zerolog.Nop())
	require.NoError(t, r.Register(echoTool()))

	result := r.Execute(context.Background(), "echo", map[string]interface{}{})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Output, "invalid arguments")
}

func TestExecuteHandlerError(t *testing.T) {
	r := NewRegistry(time.Second, zerolog.Nop())
	require.NoError(t, r.Register(Tool{
		Name: "failing",
		Handler: func(context.Context, map[string]interface{}) (string, error) {
			return "", errors.New("upstream unavailable")
		},
	}))

	result := r.Execute(context.Background(), "failing", nil)
	assert.True(t, result.IsError)
	assert.Equal(t, "upstream unavailable", result.Output)
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRegistry(50*time.Millisecond, zerolog.Nop())
	require.NoError(t, r.Register(Tool{
		Name: "slow",
		Handler: func(ctx context.Context, _ map[string]interface{}) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return "too late", nil
			}
		},
	}))

	result := r.Execute(context.Background(), "slow", nil)
	assert.True(t, result.IsError)
}
