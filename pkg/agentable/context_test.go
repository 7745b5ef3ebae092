package agentable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextType(t *testing.T) {
	assert.Equal(t, "", ContextType(nil))
	assert.Equal(t, "", ContextType(map[string]interface{}{}))
	assert.Equal(t, "", ContextType(map[string]interface{}{"type": 42}))
	assert.Equal(t, "agent_check_in", ContextType(map[string]interface{}{"type": "agent_check_in"}))
}

func TestChildContextRenamesDispatchKey(t *testing.T) {
	parent := map[string]interface{}{
		"type":        "feed_generation",
		"feed_period": "morning",
	}

	child := ChildContext(parent)

	assert.Equal(t, map[string]interface{}{
		"origin_type": "feed_generation",
		"feed_period": "morning",
	}, child)
	assert.NotContains(t, child, "type")
}

func TestChildContextWithoutDispatchKey(t *testing.T) {
	parent := map[string]interface{}{"feed_period": "morning"}

	child := ChildContext(parent)

	assert.Equal(t, map[string]interface{}{"feed_period": "morning"}, child)
	assert.NotContains(t, child, "origin_type")
}

func TestChildContextNilParent(t *testing.T) {
	child := ChildContext(nil)

	assert.Empty(t, child)
	assert.NotContains(t, child, "origin_type")
}

func TestChildContextDoesNotMutateParent(t *testing.T) {
	parent := map[string]interface{}{"type": "agent_check_in", "extra": 1}

	ChildContext(parent)

	assert.Equal(t, "agent_check_in", parent["type"])
	assert.NotContains(t, parent, "origin_type")
}

func TestChildContextOriginNeverEqualsDispatchKey(t *testing.T) {
	inputs := []map[string]interface{}{
		{"type": "agent_check_in"},
		{"type": "feed_generation", "feed_period": "evening"},
		{"other": "value"},
		nil,
	}
	for _, parent := range inputs {
		child := ChildContext(parent)
		_, hasType := child[ContextKeyType]
		assert.False(t, hasType)
	}
}
