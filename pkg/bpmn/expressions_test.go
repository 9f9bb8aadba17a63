package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateExpression(t *testing.T) {
	evaluator := newExpressionEvaluator()

	out, err := evaluator.evaluate("price * 2", map[string]interface{}{"price": 21})
	assert.NoError(t, err)
	assert.Equal(t, 42, out)

	out, err = evaluator.evaluate(`status + "-checked"`, map[string]interface{}{"status": "ok"})
	assert.NoError(t, err)
	assert.Equal(t, "ok-checked", out)
}

func TestEvaluateToBool(t *testing.T) {
	evaluator := newExpressionEvaluator()

	ok, err := evaluator.evaluateToBool("amount > 100", map[string]interface{}{"amount": 250})
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = evaluator.evaluateToBool("amount > 100", map[string]interface{}{"amount": 50})
	assert.NoError(t, err)
	assert.False(t, ok)

	// a non-boolean result is an error, not a truthiness guess
	_, err = evaluator.evaluateToBool("amount", map[string]interface{}{"amount": 50})
	assert.Error(t, err)
}

func TestEvaluateUndefinedVariables(t *testing.T) {
	evaluator := newExpressionEvaluator()

	// undefined variables compare as nil instead of failing compilation
	ok, err := evaluator.evaluateToBool("missing == nil", nil)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateInvalidExpression(t *testing.T) {
	evaluator := newExpressionEvaluator()

	_, err := evaluator.evaluate("this is not an expression ((", nil)
	assert.Error(t, err)
}

func TestCompiledProgramsAreCached(t *testing.T) {
	evaluator := newExpressionEvaluator()

	_, err := evaluator.evaluate("x + 1", map[string]interface{}{"x": 1})
	assert.NoError(t, err)
	first, ok := evaluator.cache["x + 1"]
	assert.True(t, ok)

	_, err = evaluator.evaluate("x + 1", map[string]interface{}{"x": 2})
	assert.NoError(t, err)
	assert.Same(t, first, evaluator.cache["x + 1"])
}
