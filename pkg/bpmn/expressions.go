package bpmn

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// expressionEvaluator evaluates flow conditions and conditional event
// expressions. Compiled programs are cached by source text and reused across
// goroutines; the cache only ever grows with the set of deployed definitions.
type expressionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newExpressionEvaluator() *expressionEvaluator {
	return &expressionEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

func (e *expressionEvaluator) evaluate(expression string, variableContext map[string]interface{}) (interface{}, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}
	env := variableContext
	if env == nil {
		env = map[string]interface{}{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression '%s': %w", expression, err)
	}
	return out, nil
}

// evaluateToBool evaluates the expression and requires a boolean result.
func (e *expressionEvaluator) evaluateToBool(expression string, variableContext map[string]interface{}) (bool, error) {
	out, err := e.evaluate(expression, variableContext)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression '%s' did not evaluate to a boolean but to %T", expression, out)
	}
	return b, nil
}

func (e *expressionEvaluator) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression '%s': %w", expression, err)
	}
	e.cache[expression] = prg
	return prg, nil
}
