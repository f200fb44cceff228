// Package fdr implements the Flow Definition Registry (spec §4.1): an
// immutable, process-wide structure built once at startup and thereafter
// safe for concurrent read-only access from many dispatchers.
package fdr

import (
	"fmt"

	"github.com/selinon-go/selinon/internal/condition"
	"github.com/selinon-go/selinon/internal/errs"
)

// Registry is the read-only flow catalog. Build it once with Build; every
// method is a pure lookup.
type Registry struct {
	flows map[string]*FlowDefinition
}

// Build compiles every FlowSource's conditions/foreach expressions and
// assembles the immutable Registry. Intended to run once at process start;
// never called during dispatch.
func Build(sources []FlowSource, compiler *condition.Compiler) (*Registry, error) {
	reg := &Registry{flows: make(map[string]*FlowDefinition, len(sources))}
	for _, src := range sources {
		fd, err := buildFlow(src, compiler)
		if err != nil {
			return nil, fmt.Errorf("build flow %q: %w", src.Name, err)
		}
		reg.flows[src.Name] = fd
	}
	return reg, nil
}

func buildFlow(src FlowSource, compiler *condition.Compiler) (*FlowDefinition, error) {
	fd := &FlowDefinition{
		Name:     src.Name,
		Nodes:    src.Nodes,
		TaskMeta: src.TaskMeta,
		Policy: FlowPolicy{
			MaxRetry:                  src.Policy.MaxRetry,
			RetryCountdown:            src.Policy.RetryCountdown,
			Queue:                     src.Policy.Queue,
			Nowait:                    toSet(src.Policy.Nowait),
			EagerFailures:             EagerFailures{All: src.Policy.EagerFailuresAll, Set: toSet(src.Policy.EagerFailuresSet)},
			PropagateNodeArgs:         src.Policy.PropagateNodeArgs,
			PropagateParent:           src.Policy.PropagateParent,
			PropagateFinished:         src.Policy.PropagateFinished,
			PropagateCompoundFinished: src.Policy.PropagateCompoundFinished,
			PropagateCompoundParent:   src.Policy.PropagateCompoundParent,
			CancelOnRetry:             src.Policy.CancelOnRetry,
			CachePolicies:             src.Policy.CachePolicies,
			IdleCountdown:             src.Policy.IdleCountdown,
		},
	}

	for _, e := range src.Edges {
		cond, err := compiler.Compile(e.Condition)
		if err != nil {
			return nil, err
		}
		foreach, err := compiler.Compile(e.Foreach)
		if err != nil {
			return nil, err
		}
		sel, err := compiler.Compile(e.SelectiveRunFunction)
		if err != nil {
			return nil, err
		}
		fd.Edges = append(fd.Edges, EdgeDefinition{
			From:                   e.From,
			To:                     e.To,
			Condition:              cond,
			Foreach:                foreach,
			ForeachPropagateResult: e.ForeachPropagateResult,
			SelectiveRunFunction:   sel,
		})
	}

	for _, f := range src.Failures {
		cond, err := compiler.Compile(f.Condition)
		if err != nil {
			return nil, err
		}
		fd.Failures = append(fd.Failures, FailureDefinition{
			Nodes:     f.Nodes,
			Fallback:  f.Fallback,
			Condition: cond,
		})
	}

	return fd, nil
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

// Flow returns the definition for name, or a ConfigError if unknown.
func (r *Registry) Flow(name string) (*FlowDefinition, error) {
	fd, ok := r.flows[name]
	if !ok {
		return nil, &errs.ConfigError{What: fmt.Sprintf("unknown flow %q", name)}
	}
	return fd, nil
}

// IsFlow reports whether name is itself a registered flow name, used to
// distinguish a sub-flow node from a plain task node.
func (r *Registry) IsFlow(name string) bool {
	_, ok := r.flows[name]
	return ok
}

// Edges returns flow's edge table.
func (r *Registry) Edges(flow string) ([]EdgeDefinition, error) {
	fd, err := r.Flow(flow)
	if err != nil {
		return nil, err
	}
	return fd.Edges, nil
}

// Failures returns flow's fallback table.
func (r *Registry) Failures(flow string) ([]FailureDefinition, error) {
	fd, err := r.Flow(flow)
	if err != nil {
		return nil, err
	}
	return fd.Failures, nil
}

// Policy returns flow's policy bundle.
func (r *Registry) Policy(flow string) (FlowPolicy, error) {
	fd, err := r.Flow(flow)
	if err != nil {
		return FlowPolicy{}, err
	}
	return fd.Policy, nil
}

// Queue returns the configured broker queue for a node, falling back to
// the flow's dispatcher queue when the node has no dedicated one.
func (r *Registry) Queue(flow, node string) string {
	fd, ok := r.flows[flow]
	if !ok {
		return ""
	}
	if meta, ok := fd.TaskMeta[node]; ok && meta.Queue != "" {
		return meta.Queue
	}
	return fd.Policy.Queue
}

// Nowait reports whether node is in flow's nowait set (spec §4.3).
func (r *Registry) Nowait(flow, node string) bool {
	fd, ok := r.flows[flow]
	if !ok {
		return false
	}
	return fd.Policy.Nowait[node]
}

// Names returns every registered flow name, for diagnostics/listing.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.flows))
	for name := range r.flows {
		out = append(out, name)
	}
	return out
}
