package expressions

import "context"

// Engine evaluates expressions against execution bindings.
// Three implementations: Expr (default for conditions), CEL (opt-in for
// conditions), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
