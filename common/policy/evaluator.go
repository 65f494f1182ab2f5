// Package policy decides, per scale request, whether pixels are rendered on
// the request or handed to the derivation queue. Rules are CEL expressions
// over the request and source dimensions.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Input is the activation a rule is evaluated against
type Input struct {
	Field        string
	Scale        string
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int
	SourceBytes  int64
	ContentType  string
}

func (in Input) activation() map[string]interface{} {
	return map[string]interface{}{
		"field":         in.Field,
		"scale":         in.Scale,
		"width":         int64(in.Width),
		"height":        int64(in.Height),
		"source_width":  int64(in.SourceWidth),
		"source_height": int64(in.SourceHeight),
		"source_bytes":  in.SourceBytes,
		"content_type":  in.ContentType,
	}
}

// Evaluator compiles and caches boolean CEL rules
type Evaluator struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates an evaluator with the scale request variables declared
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("field", cel.StringType),
		cel.Variable("scale", cel.StringType),
		cel.Variable("width", cel.IntType),
		cel.Variable("height", cel.IntType),
		cel.Variable("source_width", cel.IntType),
		cel.Variable("source_height", cel.IntType),
		cel.Variable("source_bytes", cel.IntType),
		cel.Variable("content_type", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Compile checks expr and caches its program
func (e *Evaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// Evaluate runs expr against in
func (e *Evaluator) Evaluate(expr string, in Input) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(in.activation())
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()

	return prg, nil
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
