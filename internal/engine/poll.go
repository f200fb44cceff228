package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/selinon-go/selinon/internal/broker"
	"github.com/selinon-go/selinon/internal/errs"
	"github.com/selinon-go/selinon/internal/fdr"
	"github.com/selinon-go/selinon/internal/state"
)

type finishedItem struct{ Name, ID string }
type failedItem struct {
	Name, ID, Reason string
}

// subflowResult is the shape the parent expects to find stored as a
// finished sub-flow's task result, mirroring the shape the DE returns on
// success (spec §6 "Exit conditions"); the DE itself returns that summary
// and does not store it. The parent engine reads it the same way it would
// read any task's result, rather than reaching into the child's private
// snapshot (spec §9: "No back-pointers from child to parent snapshot").
type subflowResult struct {
	FinishedNodes map[string][]string `json:"finished_nodes"`
	FailedNodes   map[string][]string `json:"failed_nodes"`
}

// pollActiveNodes implements spec §4.3 step 1: query every active node's
// broker status and partition into still-running / newly-finished /
// newly-failed, preserving the §5 ordering guarantee that ties within one
// wakeup break on task id lexicographic order.
func (e *Engine) pollActiveNodes(ctx context.Context, fd *fdr.FlowDefinition, snap *state.Snapshot) (stillActive []state.ActiveNode, finished []finishedItem, failed []failedItem, err error) {
	type observed struct {
		node   state.ActiveNode
		status broker.Status
	}
	var obs []observed
	for _, n := range snap.ActiveNodes {
		st, serr := guardedCall(ctx, e, func() (broker.Status, error) { return e.Broker.Status(ctx, n.ID) })
		if serr != nil {
			return nil, nil, nil, (&errs.StorageError{Op: "broker.status", Cause: serr}).AsDispatcherRetry()
		}
		obs = append(obs, observed{node: n, status: st})
	}

	sort.SliceStable(obs, func(i, j int) bool { return obs[i].node.ID < obs[j].node.ID })

	for _, o := range obs {
		switch o.status {
		case broker.Success:
			if fd.Nodes[o.node.Name] == fdr.NodeFlow {
				if herr := e.harvestSubflow(ctx, fd, snap, o.node); herr != nil {
					return nil, nil, nil, herr
				}
			}
			finished = append(finished, finishedItem{Name: o.node.Name, ID: o.node.ID})
		case broker.Failure:
			failed = append(failed, failedItem{Name: o.node.Name, ID: o.node.ID, Reason: fmt.Sprintf("task %s reported FAILURE", o.node.ID)})
		case broker.Revoked:
			failed = append(failed, failedItem{Name: o.node.Name, ID: o.node.ID, Reason: "revoked"})
		default: // PENDING, STARTED
			stillActive = append(stillActive, o.node)
		}
	}
	return stillActive, finished, failed, nil
}

// harvestSubflow implements spec §4.3 step 2: fold a finished sub-flow's
// finished/failed node maps into the parent's view, namespaced under the
// sub-flow's node name, subject to the parent's compound propagation
// policy.
func (e *Engine) harvestSubflow(ctx context.Context, fd *fdr.FlowDefinition, snap *state.Snapshot, node state.ActiveNode) error {
	if !fd.Policy.PropagateCompoundFinished && !fd.Policy.PropagateCompoundParent {
		return nil
	}
	raw, err := guardedCall(ctx, e, func() (json.RawMessage, error) { return e.Storage.GetResult(ctx, node.Name, node.ID) })
	if err != nil {
		return (&errs.StorageError{Op: "get_result(subflow)", Cause: err}).AsDispatcherRetry()
	}
	if len(raw) == 0 {
		return nil
	}
	var sub subflowResult
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil // not a compound result; nothing to fold
	}
	if fd.Policy.PropagateCompoundFinished {
		for taskName, ids := range sub.FinishedNodes {
			key := node.Name + "." + taskName
			snap.FinishedNodes[key] = append(snap.FinishedNodes[key], ids...)
		}
	}
	if fd.Policy.PropagateCompoundParent {
		for taskName, ids := range sub.FailedNodes {
			key := node.Name + "." + taskName
			snap.FailedNodes[key] = append(snap.FailedNodes[key], ids...)
		}
	}
	return nil
}
