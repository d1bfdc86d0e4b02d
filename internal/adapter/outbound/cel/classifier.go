package cel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/Sentinel-Gate/portalguard/internal/domain/offline"
	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

// Rule assigns Priority to requests matching Condition.
type Rule struct {
	Condition string
	Priority  offline.Priority
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// PriorityClassifier evaluates rules in order; the first matching rule wins.
// Requests matching no rule get the default priority.
type PriorityClassifier struct {
	eval     *Evaluator
	rules    []compiledRule
	fallback offline.Priority
	logger   *slog.Logger
}

// NewPriorityClassifier compiles rules. An invalid rule is an error.
func NewPriorityClassifier(rules []Rule, fallback offline.Priority, logger *slog.Logger) (*PriorityClassifier, error) {
	eval, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	if fallback == "" {
		fallback = offline.PriorityMedium
	}

	c := &PriorityClassifier{eval: eval, fallback: fallback, logger: logger}
	for i, r := range rules {
		if _, err := offline.ParsePriority(string(r.Priority)); err != nil || r.Priority == "" {
			return nil, fmt.Errorf("rule %d: invalid priority %q", i, r.Priority)
		}
		if err := eval.ValidateExpression(r.Condition); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		prg, err := eval.Compile(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		c.rules = append(c.rules, compiledRule{rule: r, prg: prg})
	}
	return c, nil
}

// Classify implements outbound.PriorityClassifier. A rule that fails to
// evaluate is logged and skipped.
func (c *PriorityClassifier) Classify(ctx context.Context, d offline.Draft) (offline.Priority, error) {
	activation := BuildActivation(d)
	for _, cr := range c.rules {
		ok, err := c.eval.Evaluate(ctx, cr.prg, activation)
		if err != nil {
			c.logger.Warn("priority rule evaluation failed", "condition", cr.rule.Condition, "error", err)
			continue
		}
		if ok {
			return cr.rule.Priority, nil
		}
	}
	return c.fallback, nil
}

// Compile-time interface verification.
var _ outbound.PriorityClassifier = (*PriorityClassifier)(nil)
