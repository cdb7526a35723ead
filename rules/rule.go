package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached per expression, so every env passed for one
// expression must have the same shape.
type ExprEvaluator struct {
	cache   map[string]*vm.Program
	derived map[string]func(map[string]interface{}) interface{}
	mu      sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:   make(map[string]*vm.Program),
		derived: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddDerived registers a value computed from the env before evaluation,
// e.g. "stuck" derived from "revisedCount".
func (e *ExprEvaluator) AddDerived(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.derived[name] = f
	// Programs compiled without the new name are stale.
	e.cache = make(map[string]*vm.Program)
}

// Evaluate evaluates the given expression against env. env is not modified.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	full := e.extend(env)

	program, err := e.program(expression, full)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, full)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Validate compiles expression against a sample env without running it.
func (e *ExprEvaluator) Validate(expression string, sample map[string]interface{}) error {
	_, err := e.program(expression, e.extend(sample))
	return err
}

func (e *ExprEvaluator) extend(env map[string]interface{}) map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	full := make(map[string]interface{}, len(env)+len(e.derived))
	for k, v := range env {
		full[k] = v
	}
	for k, f := range e.derived {
		full[k] = f(env)
	}
	return full
}

func (e *ExprEvaluator) program(expression string, env map[string]interface{}) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}
