// Package condition implements the Condition & Foreach Evaluator (spec
// §4.2): pure functions of (node_args, parent-results) compiled ahead of
// time from CEL expressions carried in the flow definition, the "ahead of
// time ... expression-tree" option spec §9 calls out.
package condition

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
)

// Accessor is the narrow storage capability the evaluator is given so it
// can resolve task results without speaking to storage directly (spec
// §4.2: "the evaluator must therefore be given an accessor capability").
type Accessor interface {
	GetResult(ctx context.Context, taskName, id string) (any, error)
}

// EvalContext is the (node_args, parent-view) pair every condition and
// foreach expression is pure in. Results is a flattened map of
// task-name -> most-recent result, built by the caller from an Accessor
// before evaluation (see BuildResults).
type EvalContext struct {
	NodeArgs any
	Parent   any
	Results  map[string]any
}

func (c EvalContext) activation() map[string]any {
	results := c.Results
	if results == nil {
		results = map[string]any{}
	}
	return map[string]any{
		"node_args": valueOrNull(c.NodeArgs),
		"parent":    valueOrNull(c.Parent),
		"results":   results,
	}
}

func valueOrNull(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

// Compiler compiles condition/foreach source expressions against a shared
// CEL environment. Built once by the FDR at load time; compiled Programs
// are immutable and safe for concurrent use thereafter.
type Compiler struct {
	env *cel.Env
}

// NewCompiler constructs the shared CEL environment used for every edge
// condition, fallback condition, and foreach expression in the registry.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("node_args", cel.DynType),
		cel.Variable("parent", cel.DynType),
		cel.Variable("results", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Program is a compiled, pure expression: an edge condition, a fallback
// condition, or a foreach expansion expression.
type Program struct {
	source string
	prg    cel.Program
}

// Source returns the original expression text, for tracing/diagnostics.
func (p Program) Source() string { return p.source }

// IsZero reports whether the program is unset (e.g. an edge with no
// foreach annotation).
func (p Program) IsZero() bool { return p.prg == nil }

// Compile compiles a single CEL expression. Called once per edge/failure
// entry when the FDR is built; never called during dispatch.
func (c *Compiler) Compile(source string) (Program, error) {
	if source == "" {
		return Program{}, nil
	}
	ast, issues := c.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("compile expression %q: %w", source, issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("build program for %q: %w", source, err)
	}
	return Program{source: source, prg: prg}, nil
}

// MustCompile panics on a compile error; intended for static, built-in
// expressions such as the always-true default condition.
func (c *Compiler) MustCompile(source string) Program {
	p, err := c.Compile(source)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Program) eval(evalCtx EvalContext) (ref.Val, error) {
	if p.prg == nil {
		return nil, fmt.Errorf("evaluate unset program")
	}
	out, _, err := p.prg.Eval(evalCtx.activation())
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EvaluateCondition evaluates a compiled boolean condition. Per spec §4.3:
// "a condition that raises is treated as false and reported via trace" —
// callers are expected to treat a non-nil error as false-with-trace, not
// propagate it as a dispatcher fault.
func EvaluateCondition(prog Program, evalCtx EvalContext) (bool, error) {
	if prog.IsZero() {
		return true, nil
	}
	val, err := prog.eval(evalCtx)
	if err != nil {
		return false, err
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to bool, got %T", prog.source, val.Value())
	}
	return b, nil
}

// ExpandForeach evaluates a compiled foreach expression into a finite,
// ordered sequence of per-element argument values (spec §4.2).
func ExpandForeach(prog Program, evalCtx EvalContext) ([]any, error) {
	if prog.IsZero() {
		return nil, nil
	}
	val, err := prog.eval(evalCtx)
	if err != nil {
		return nil, err
	}
	raw := val.Value()
	switch v := raw.(type) {
	case []any:
		return v, nil
	case []ref.Val:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e.Value()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("foreach %q did not evaluate to a list, got %T", prog.source, raw)
	}
}

// BuildResults flattens the most recent result of each finished task in
// names into the map EvalContext.Results expects, using accessor to fetch
// each one. Engine calls this once per edge-readiness check, scoped to
// just that edge's from_set, keeping evaluation pure and cheap.
func BuildResults(ctx context.Context, accessor Accessor, finished map[string][]string, names []string) (map[string]any, error) {
	out := make(map[string]any, len(names))
	for _, name := range names {
		ids := finished[name]
		if len(ids) == 0 {
			continue
		}
		lastID := ids[len(ids)-1]
		val, err := accessor.GetResult(ctx, name, lastID)
		if err != nil {
			return nil, fmt.Errorf("fetch result for %s/%s: %w", name, lastID, err)
		}
		out[name] = val
	}
	return out, nil
}
