package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/selinon-go/selinon/internal/errs"
	"github.com/selinon-go/selinon/internal/fdr"
	"github.com/selinon-go/selinon/internal/state"
	"github.com/selinon-go/selinon/internal/trace"
)

// childPayload is what crosses the broker to start one task, mirroring the
// worker runtime's task invocation contract (out of scope per spec §1, but
// the shape is fixed by what a task body expects to unmarshal).
type childPayload struct {
	NodeArgs    json.RawMessage `json:"node_args"`
	ForeachItem json.RawMessage `json:"foreach_item,omitempty"`
	Parent      *state.Parent   `json:"parent,omitempty"`
	FlowName    string          `json:"flow_name"`
}

// dispatcherPayload is what crosses the broker to start a nested sub-flow:
// a fresh Dispatcher Entry wakeup (spec §6 "Dispatcher payload").
type dispatcherPayload struct {
	FlowName     string          `json:"flow_name"`
	NodeArgs     json.RawMessage `json:"node_args"`
	Parent       *state.Parent   `json:"parent,omitempty"`
	RetriedCount int             `json:"retried_count"`
	Selective    *state.Selective `json:"selective,omitempty"`
}

// startResult is what one invocation of startChild produced, for the
// caller to fold into the snapshot's active/deferred bookkeeping.
type startResult struct {
	node     state.ActiveNode
	deferred time.Duration // >0 if throttling pushed the start out
	omitted  bool          // selective gating suppressed the start
}

// startChild starts one instance of nodeName (task or sub-flow), honoring
// nowait, throttling, and selective gating (spec §4.3 "Starting a child",
// "Nowait tasks", "Throttling", §4.3 step 5).
func (e *Engine) startChild(ctx context.Context, fd *fdr.FlowDefinition, snap *state.Snapshot, fromNode, nodeName string, nodeArgs, foreachItem json.RawMessage, now time.Time) (startResult, error) {
	if !e.selectiveAllows(fd, snap, fromNode, nodeName) {
		e.Emitter.Log(trace.SelectiveOmit, e.flowInfo(fd, snap), map[string]any{"node": nodeName})
		return startResult{omitted: true}, nil
	}

	if meta, ok := fd.TaskMeta[nodeName]; ok && meta.Throttling > 0 {
		last, seen := snap.LastNodeStart[nodeName]
		if seen {
			elapsed := now.Sub(time.Unix(0, last))
			if elapsed < meta.Throttling {
				return startResult{deferred: meta.Throttling - elapsed}, nil
			}
		}
	}

	idempotencyKey := fmt.Sprintf("%s:%s:%d", snap.FlowID, nodeName, snap.NextCounter())

	var parentView *state.Parent
	if fd.Policy.PropagateParent {
		parentView = snap.Parent
	}

	var id string
	var err error
	if fd.Nodes[nodeName] == fdr.NodeFlow {
		id, err = e.startSubflow(ctx, fd, snap, nodeName, nodeArgs, parentView, idempotencyKey)
	} else {
		id, err = e.startTask(ctx, fd, nodeName, nodeArgs, foreachItem, parentView, idempotencyKey)
	}
	if err != nil {
		return startResult{}, err
	}

	snap.LastNodeStart[nodeName] = now.UnixNano()
	e.Emitter.Log(trace.NodeSchedule, e.flowInfo(fd, snap), map[string]any{"node": nodeName, "id": id})

	if fd.Policy.Nowait[nodeName] {
		return startResult{omitted: true}, nil
	}
	return startResult{node: state.ActiveNode{Name: nodeName, ID: id}}, nil
}

func (e *Engine) startTask(ctx context.Context, fd *fdr.FlowDefinition, nodeName string, nodeArgs, foreachItem json.RawMessage, parentView *state.Parent, idempotencyKey string) (string, error) {
	payload, err := json.Marshal(childPayload{NodeArgs: nodeArgs, ForeachItem: foreachItem, Parent: parentView, FlowName: fd.Name})
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}
	queue := fd.TaskMeta[nodeName].Queue
	if queue == "" {
		queue = fd.Policy.Queue
	}
	id, err := guardedCall(ctx, e, func() (string, error) { return e.Broker.Submit(ctx, queue, payload, 0, idempotencyKey) })
	if err != nil {
		return "", (&errs.StorageError{Op: "broker.submit", Cause: err}).AsDispatcherRetry()
	}
	return id, nil
}

func (e *Engine) startSubflow(ctx context.Context, fd *fdr.FlowDefinition, snap *state.Snapshot, flowName string, nodeArgs json.RawMessage, parentView *state.Parent, idempotencyKey string) (string, error) {
	childParent := &state.Parent{FlowName: fd.Name, Finished: map[string][]string{}, Nested: parentView}
	payload, err := json.Marshal(dispatcherPayload{FlowName: flowName, NodeArgs: nodeArgs, Parent: childParent, Selective: nil})
	if err != nil {
		return "", fmt.Errorf("marshal subflow dispatch payload: %w", err)
	}
	queue := e.FDR.Queue(flowName, flowName)
	id, err := guardedCall(ctx, e, func() (string, error) { return e.Broker.Submit(ctx, queue, payload, 0, idempotencyKey) })
	if err != nil {
		return "", (&errs.StorageError{Op: "broker.submit(subflow)", Cause: err}).AsDispatcherRetry()
	}
	return id, nil
}

// selectiveAllows implements spec §4.3 step 5. A node is startable when no
// selective restriction is in force, when it's directly named, or when
// run_subsequent extends the selected set from an already-selected
// predecessor — in which case the target is folded into the selected set
// so later edges treat it as selected too (spec's transitive extension).
func (e *Engine) selectiveAllows(fd *fdr.FlowDefinition, snap *state.Snapshot, fromNode, toNode string) bool {
	sel := snap.Selective
	if sel == nil {
		return true
	}
	if sel.Contains(toNode) {
		return true
	}
	if sel.RunSubsequent && (fromNode == "" || sel.Contains(fromNode)) {
		sel.TaskNames = append(sel.TaskNames, toNode)
		return true
	}
	return false
}
