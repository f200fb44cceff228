package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/selinon-go/selinon/internal/condition"
	"github.com/selinon-go/selinon/internal/fdr"
	"github.com/selinon-go/selinon/internal/state"
	"github.com/selinon-go/selinon/internal/trace"
)

// edgeReady reports whether every node in from_set has a finished entry
// (spec §4.3 step 4); an empty from_set — a starting edge — is ready
// exactly once, at flow birth.
func edgeReady(snap *state.Snapshot, edge fdr.EdgeDefinition) bool {
	if edge.IsStarting() {
		return true
	}
	for _, n := range edge.From {
		if !snap.IsFinished(n) {
			return false
		}
	}
	return true
}

// fireEdges implements spec §4.3 step 4 in definition order, with the
// fired-once removal from waiting_edges_idx applied only on a true
// condition — a ready edge whose condition is (still) false is rechecked
// every wakeup rather than treated as dead (spec is silent on the
// alternative and this reading keeps condition evaluation a pure function
// of immutable inputs: nothing about a false verdict can change without
// new finished results).
func (e *Engine) fireEdges(ctx context.Context, fd *fdr.FlowDefinition, snap *state.Snapshot, now time.Time) error {
	for i, edge := range fd.Edges {
		if !snap.WaitingEdges.IsSet(i) {
			continue
		}
		if !edgeReady(snap, edge) {
			continue
		}

		evalCtx, err := e.buildEvalCtx(ctx, snap, edge.From)
		if err != nil {
			return err
		}
		ok, cerr := condition.EvaluateCondition(edge.Condition, evalCtx)
		if cerr != nil {
			e.Emitter.Log(trace.ConditionFalse, e.flowInfo(fd, snap), map[string]any{"edge": i, "error": cerr.Error()})
			continue
		}
		if !ok {
			e.Emitter.Log(trace.ConditionFalse, e.flowInfo(fd, snap), map[string]any{"edge": i})
			continue
		}

		deferred, err := e.fireOneEdge(ctx, fd, snap, edge, evalCtx, now)
		if err != nil {
			return err
		}
		// A throttled target leaves the edge pending (spec §4.3
		// "Throttling": "deferred starts become pending edges re-checked
		// next wakeup") rather than marking it fired.
		if !deferred {
			snap.WaitingEdges.Clear(i)
		}
	}
	return nil
}

func (e *Engine) fireOneEdge(ctx context.Context, fd *fdr.FlowDefinition, snap *state.Snapshot, edge fdr.EdgeDefinition, evalCtx condition.EvalContext, now time.Time) (deferred bool, err error) {
	fromNode := ""
	if len(edge.From) > 0 {
		fromNode = edge.From[0]
	}

	if !edge.Foreach.IsZero() {
		elements, ferr := condition.ExpandForeach(edge.Foreach, evalCtx)
		if ferr != nil {
			return false, ferr
		}
		e.Emitter.Log(trace.ForeachExpand, e.flowInfo(fd, snap), map[string]any{"count": len(elements)})
		for _, elem := range elements {
			elemJSON, merr := json.Marshal(elem)
			if merr != nil {
				return false, merr
			}
			childArgs := snap.NodeArgs
			var aux json.RawMessage
			if edge.ForeachPropagateResult {
				childArgs = elemJSON
			} else {
				aux = elemJSON
			}
			for _, to := range edge.To {
				d, serr := e.startAndCommit(ctx, fd, snap, fromNode, to, childArgs, aux, now)
				if serr != nil {
					return false, serr
				}
				deferred = deferred || d
			}
		}
		return deferred, nil
	}

	for _, to := range edge.To {
		d, serr := e.startAndCommit(ctx, fd, snap, fromNode, to, snap.NodeArgs, nil, now)
		if serr != nil {
			return false, serr
		}
		deferred = deferred || d
	}
	return deferred, nil
}

func (e *Engine) startAndCommit(ctx context.Context, fd *fdr.FlowDefinition, snap *state.Snapshot, fromNode, to string, nodeArgs, aux json.RawMessage, now time.Time) (deferred bool, err error) {
	res, err := e.startChild(ctx, fd, snap, fromNode, to, nodeArgs, aux, now)
	if err != nil {
		return false, err
	}
	if res.deferred > 0 {
		return true, nil
	}
	if !res.omitted {
		snap.ActiveNodes = append(snap.ActiveNodes, res.node)
	}
	return false, nil
}
