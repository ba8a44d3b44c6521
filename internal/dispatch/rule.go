package dispatch

import (
	"fmt"

	"affwatch/internal/programme"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule decides whether a change should be alerted on. The expression sees
// {id, kind, market} and must evaluate to a bool; an empty expression matches
// everything.
type Rule struct {
	expression string
	program    *vm.Program
}

func NewRule(expression string) (*Rule, error) {
	if expression == "" {
		return &Rule{}, nil
	}
	program, err := expr.Compile(expression, expr.Env(ruleEnv(programme.Change{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile alert rule: %w", err)
	}
	return &Rule{expression: expression, program: program}, nil
}

// Match reports whether the change passes the rule.
func (r *Rule) Match(change programme.Change) (bool, error) {
	if r == nil || r.program == nil {
		return true, nil
	}
	result, err := expr.Run(r.program, ruleEnv(change))
	if err != nil {
		return false, fmt.Errorf("run alert rule: %w", err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("alert rule did not return bool")
	}
	return matched, nil
}

func ruleEnv(change programme.Change) map[string]any {
	return map[string]any{
		"id":     string(change.ProgrammeID),
		"kind":   string(change.Kind),
		"market": change.MarketKey,
	}
}
