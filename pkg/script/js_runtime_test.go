package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunScriptReturnsCompletionValue(t *testing.T) {
	runtime := NewJsRuntime(context.Background(), 2, 1)

	out, err := runtime.RunScript("({total: a + b})", map[string]any{"a": 2, "b": 3})
	assert.NoError(t, err)
	result, ok := out.(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, int64(5), result["total"])
}

func TestRunScriptDoesNotLeakVariablesBetweenRuns(t *testing.T) {
	runtime := NewJsRuntime(context.Background(), 1, 1)

	out, err := runtime.RunScript("secret", map[string]any{"secret": "s3cr3t"})
	assert.NoError(t, err)
	assert.Equal(t, "s3cr3t", out)

	// same pooled VM, the binding must be gone
	_, err = runtime.RunScript("secret", nil)
	assert.Error(t, err)
}

func TestRunScriptReportsScriptErrors(t *testing.T) {
	runtime := NewJsRuntime(context.Background(), 1, 1)

	_, err := runtime.RunScript("throw new Error('boom')", nil)
	assert.Error(t, err)
}
