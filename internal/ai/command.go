package ai

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
)

// CommandScope is the fixed context a dynamic command expression may read.
// Expressions are administrator-authored configuration, not runtime user
// input, and are limited to attribute access, arithmetic and string ops.
type CommandScope struct {
	Now    time.Time
	User   string
	Kwargs map[string]any
}

// ResolveCommand returns the instruction text for one invocation. The static
// command text is used verbatim unless AdvanceCommand is set, in which case
// the expression result replaces it.
func (c Config) ResolveCommand(scope CommandScope) (string, error) {
	if c.AdvanceCommand == "" {
		return c.Command, nil
	}
	kwargs := scope.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	env := map[string]any{
		"now":     scope.Now,
		"user":    scope.User,
		"command": c.Command,
		"kwargs":  kwargs,
	}
	program, err := expr.Compile(c.AdvanceCommand, expr.Env(env))
	if err != nil {
		return "", validationf("Extended command is invalid: %s", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return "", validationf("Extended command failed: %s", err)
	}
	switch v := out.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
