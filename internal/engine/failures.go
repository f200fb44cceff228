package engine

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/selinon-go/selinon/internal/condition"
	"github.com/selinon-go/selinon/internal/errs"
	"github.com/selinon-go/selinon/internal/fdr"
	"github.com/selinon-go/selinon/internal/state"
	"github.com/selinon-go/selinon/internal/trace"
)

// failureFingerprint deterministically identifies a failure rule's key set
// so "triggered" membership (spec §3 invariant: each fallback consumed at
// most once per failed_nodes constellation) doesn't depend on slice order.
func failureFingerprint(nodes []string) string {
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func allFailed(snap *state.Snapshot, names []string) bool {
	for _, n := range names {
		if !snap.IsFailed(n) {
			return false
		}
	}
	return true
}

// handleFailure implements spec §4.3 step 3 for one newly-failed node. It
// returns (eagerFlowError, uncovered, err): eagerFlowError is non-nil when
// the node's failure must immediately terminate the flow without waiting
// for siblings (eager_failures); uncovered is true when the node exhausted
// its retries with no fallback covering it (Update does not read it: its
// termination decision recomputes coverage from the snapshot via
// allFailuresCovered, spec §4.3 step 7); err is non-nil only for
// infrastructure failures (storage, broker) that should bubble as
// DispatcherRetry.
func (e *Engine) handleFailure(ctx context.Context, fd *fdr.FlowDefinition, snap *state.Snapshot, f failedItem, now time.Time) (eagerFlowError error, uncovered bool, err error) {
	snap.AppendFailed(f.Name, f.ID)
	e.Emitter.Log(trace.NodeFailure, e.flowInfo(fd, snap), map[string]any{"node": f.Name, "id": f.ID, "reason": f.Reason})

	covered := false
	for _, fb := range fd.Failures {
		fp := failureFingerprint(fb.Nodes)
		if snap.Triggered[fp] {
			continue
		}
		covers := false
		for _, n := range fb.Nodes {
			if n == f.Name {
				covers = true
				break
			}
		}
		if !covers || !allFailed(snap, fb.Nodes) {
			continue
		}

		evalCtx, berr := e.buildEvalCtx(ctx, snap, fb.Nodes)
		if berr != nil {
			return nil, false, berr
		}
		ok, cerr := condition.EvaluateCondition(fb.Condition, evalCtx)
		if cerr != nil {
			e.Emitter.Log(trace.ConditionFalse, e.flowInfo(fd, snap), map[string]any{"fallback": fb.Nodes, "error": cerr.Error()})
			continue
		}
		if !ok {
			continue
		}

		snap.Triggered[fp] = true
		e.Emitter.Log(trace.FallbackStart, e.flowInfo(fd, snap), map[string]any{"nodes": fb.Nodes, "fallback": fb.Fallback})
		for _, target := range fb.Fallback {
			res, serr := e.startChild(ctx, fd, snap, "", target, snap.NodeArgs, nil, now)
			if serr != nil {
				return nil, false, serr
			}
			if !res.omitted && res.deferred == 0 {
				snap.ActiveNodes = append(snap.ActiveNodes, res.node)
			}
		}
		covered = true
	}

	snap.RetriedNodes[f.Name]++
	maxRetry := fd.MaxRetryFor(f.Name)

	if snap.RetriedNodes[f.Name] <= maxRetry {
		if covered && fd.Policy.EagerFailures.Eager(f.Name) {
			return nil, false, nil
		}
		res, serr := e.startChild(ctx, fd, snap, "", f.Name, snap.NodeArgs, nil, now)
		if serr != nil {
			return nil, false, serr
		}
		if !res.omitted && res.deferred == 0 {
			snap.ActiveNodes = append(snap.ActiveNodes, res.node)
		}
		return nil, false, nil
	}

	if covered {
		return nil, false, nil
	}

	// Retries exhausted and no fallback covers this node: the flow is
	// failed for this wakeup (spec §4.3 step 3c).
	if fd.Policy.EagerFailures.Eager(f.Name) {
		body, _ := json.Marshal(snap)
		return &errs.FlowError{FlowName: fd.Name, StateJSON: body, Cause: &errs.NodeFailure{NodeName: f.Name, TaskID: f.ID, Reason: f.Reason}}, true, nil
	}
	return nil, true, nil
}

func (e *Engine) buildEvalCtx(ctx context.Context, snap *state.Snapshot, names []string) (condition.EvalContext, error) {
	results, err := condition.BuildResults(ctx, e.Accessor, snap.FinishedNodes, names)
	if err != nil {
		return condition.EvalContext{}, (&errs.StorageError{Op: "get_result", Cause: err}).AsDispatcherRetry()
	}
	var nodeArgs any
	if len(snap.NodeArgs) > 0 {
		_ = json.Unmarshal(snap.NodeArgs, &nodeArgs)
	}
	return condition.EvalContext{NodeArgs: nodeArgs, Parent: snap.Parent, Results: results}, nil
}
