// Package cel provides CEL rule evaluation for classifying offline requests.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// maxExpressionLength is the maximum allowed length for CEL expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single CEL evaluation.
const evalTimeout = time.Second

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates CEL expressions over a request activation.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator creates a new CEL evaluator with the request environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewRequestEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create request environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks a CEL expression, returning a compiled program.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum allowed
// nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that a CEL expression is syntactically valid and
// within the length and nesting limits.
func (e *Evaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}

	if expr == "" {
		return errors.New("expression is empty")
	}

	if err := validateNesting(expr); err != nil {
		return err
	}

	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}

	return nil
}

// Evaluate runs a compiled program against activation with a timeout.
// Returns true if the expression evaluates to true.
func (e *Evaluator) Evaluate(ctx context.Context, prg cel.Program, activation map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}

	return boolResult, nil
}
