// Package dispatch implements the Dispatcher Entry (spec §4.4): the
// re-entrant driver invoked by the broker on every wakeup. Grounded on
// the source's Dispatcher.run()/selinon_retry() (original_source/selinon/
// dispatcher.py) for the exact state machine, expressed with explicit Go
// error types in place of Python exception dispatch.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/selinon-go/selinon/internal/broker"
	"github.com/selinon-go/selinon/internal/engine"
	"github.com/selinon-go/selinon/internal/errs"
	"github.com/selinon-go/selinon/internal/fdr"
	"github.com/selinon-go/selinon/internal/state"
	"github.com/selinon-go/selinon/internal/trace"
)

// Payload is the dispatcher message that crosses the broker between
// wakeups (spec §6 "Dispatcher payload"), JSON-compatible end to end.
type Payload struct {
	FlowName     string           `json:"flow_name"`
	NodeArgs     json.RawMessage  `json:"node_args,omitempty"`
	Parent       *state.Parent    `json:"parent,omitempty"`
	RetriedCount int              `json:"retried_count"`
	Retry        *int             `json:"retry,omitempty"`
	State        *state.Snapshot  `json:"state,omitempty"`
	Selective    *state.Selective `json:"selective,omitempty"`
}

// Result is the DE's terminal success summary (spec §6 "Exit conditions").
type Result struct {
	FinishedNodes map[string][]string `json:"finished_nodes"`
	FailedNodes   map[string][]string `json:"failed_nodes"`
}

// DefectError marks a dispatcher-level defect (e.g. unknown flow): the DE
// does not re-enqueue and an operator must intervene (spec §6).
type DefectError struct{ Cause error }

func (e *DefectError) Error() string { return fmt.Sprintf("dispatcher defect: %v", e.Cause) }
func (e *DefectError) Unwrap() error { return e.Cause }

// Entry is the Dispatcher Entry: one instance shared process-wide, built
// over an Engine and the same Broker/FDR handles the engine uses, since
// the DE — not the SSE — owns every re-enqueue decision (spec §4.4: "The
// DE is the ONLY component that decides to re-enqueue").
type Entry struct {
	Engine  *engine.Engine
	FDR     *fdr.Registry
	Broker  broker.Broker
	Emitter *trace.Emitter
}

func New(eng *engine.Engine, reg *fdr.Registry, brk broker.Broker, emitter *trace.Emitter) *Entry {
	return &Entry{Engine: eng, FDR: reg, Broker: brk, Emitter: emitter}
}

// Run executes one dispatcher wakeup. dispatcherID identifies this
// specific broker message (spec's self.request.id), distinct from the
// flow instance id carried inside the snapshot.
func (d *Entry) Run(ctx context.Context, dispatcherID string, p Payload) (*Result, error) {
	fd, err := d.FDR.Flow(p.FlowName)
	if err != nil {
		return nil, &DefectError{Cause: err}
	}

	info := d.flowInfo(fd, dispatcherID, p)
	d.Emitter.Log(trace.DispatcherWakeup, info, nil)

	snap := p.State
	if snap == nil {
		snap = state.New(uuid.NewString(), len(fd.Edges))
		snap.NodeArgs = p.NodeArgs
		snap.Selective = p.Selective
		snap.Parent = p.Parent
	}

	outcome, uerr := d.Engine.Update(ctx, p.FlowName, snap)
	if uerr != nil {
		return d.handleUpdateError(ctx, fd, dispatcherID, p, info, uerr)
	}

	if outcome.NextRetry != nil {
		p.State = outcome.Snapshot
		d.Emitter.Log(trace.DispatcherRetry, info, map[string]any{"countdown": outcome.NextRetry.String()})
		if err := d.reenqueue(ctx, fd, p, *outcome.NextRetry); err != nil {
			return nil, err
		}
		return nil, nil
	}

	d.Emitter.Log(trace.FlowEnd, info, nil)
	return &Result{FinishedNodes: outcome.FinishedNodes, FailedNodes: outcome.FailedNodes}, nil
}

func (d *Entry) handleUpdateError(ctx context.Context, fd *fdr.FlowDefinition, dispatcherID string, p Payload, info trace.FlowInfo, uerr error) (*Result, error) {
	var flowErr *errs.FlowError
	var retryErr *errs.DispatcherRetry

	switch {
	case asFlowError(uerr, &flowErr):
		newCount := p.RetriedCount + 1
		if newCount > fd.Policy.MaxRetry {
			d.Emitter.Log(trace.FlowFailure, info, map[string]any{"state": string(flowErr.StateJSON)})
			return nil, flowErr
		}
		d.Emitter.Log(trace.FlowRetry, info, map[string]any{"retried_count": newCount})
		fresh := Payload{FlowName: p.FlowName, NodeArgs: p.NodeArgs, Parent: p.Parent, RetriedCount: newCount, State: nil, Selective: p.Selective}
		return nil, d.reenqueue(ctx, fd, fresh, fd.Policy.RetryCountdown)

	case asDispatcherRetry(uerr, &retryErr):
		newCount := p.RetriedCount
		if retryErr.AdjustRetryCount {
			newCount++
		}
		next := p
		next.RetriedCount = newCount
		if !retryErr.KeepState {
			next.State = nil
		}
		return nil, d.reenqueue(ctx, fd, next, 0)

	default:
		d.Emitter.Log(trace.DispatcherFailure, info, map[string]any{"error": uerr.Error()})
		return nil, &DefectError{Cause: uerr}
	}
}

func asFlowError(err error, target **errs.FlowError) bool {
	return errors.As(err, target)
}

func asDispatcherRetry(err error, target **errs.DispatcherRetry) bool {
	return errors.As(err, target)
}

func (d *Entry) reenqueue(ctx context.Context, fd *fdr.FlowDefinition, p Payload, countdown time.Duration) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal dispatcher payload: %w", err)
	}
	queue := fd.Policy.Queue
	if err := d.Broker.RetrySelf(ctx, payload, countdown, queue); err != nil {
		return fmt.Errorf("re-enqueue dispatcher wakeup: %w", err)
	}
	return nil
}

func (d *Entry) flowInfo(fd *fdr.FlowDefinition, dispatcherID string, p Payload) trace.FlowInfo {
	var nodeArgs any
	if len(p.NodeArgs) > 0 {
		_ = json.Unmarshal(p.NodeArgs, &nodeArgs)
	}
	var selective any
	if p.Selective != nil {
		selective = *p.Selective
	}
	return trace.FlowInfo{
		FlowName:     fd.Name,
		DispatcherID: dispatcherID,
		NodeArgs:     nodeArgs,
		Retry:        p.Retry,
		Queue:        fd.Policy.Queue,
		Selective:    selective,
		RetriedCount: p.RetriedCount,
		Parent:       p.Parent,
	}
}
