// Package engine implements the System-State Engine (spec §4.3): the
// transition function that, given a snapshot and newly-observed broker
// state, advances a flow instance one dispatcher wakeup. Grounded on the
// teacher's DAGEngine (services/orchestrator/dag_engine.go) for the
// overall shape — metrics, tracer, a pure transition core — generalized
// from a worker-pool executor into a re-entrant snapshot transition since
// this engine never runs task bodies itself, only decides what to submit.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/selinon-go/selinon/internal/broker"
	"github.com/selinon-go/selinon/internal/condition"
	"github.com/selinon-go/selinon/internal/errs"
	"github.com/selinon-go/selinon/internal/fdr"
	"github.com/selinon-go/selinon/internal/resilience"
	"github.com/selinon-go/selinon/internal/state"
	"github.com/selinon-go/selinon/internal/storage"
	"github.com/selinon-go/selinon/internal/trace"
)

// errCircuitOpen is what a broker/storage call site sees when the
// circuit breaker is refusing calls; it is always converted to a
// DispatcherRetry, never a flow failure.
var errCircuitOpen = errors.New("circuit breaker open")

// Engine is the System-State Engine. One Engine is built at process start
// and shared, read-only except for its metrics instruments and circuit
// breaker, across every wakeup — all flow state lives in the Snapshot
// passed to Update.
type Engine struct {
	FDR      *fdr.Registry
	Broker   broker.Broker
	Storage  storage.Storage
	Accessor condition.Accessor
	Emitter  *trace.Emitter

	tracer oteltrace.Tracer

	nodeDuration metric.Float64Histogram
	nodeRetries  metric.Int64Counter
	nodeFailures metric.Int64Counter
	activeGauge  metric.Int64Gauge

	// breaker and retry guard every outbound Broker/Storage call a
	// wakeup makes — transient infra failures must not be confused with
	// a task's own FAILURE status (spec §7's DispatcherRetry lane).
	breaker       *resilience.CircuitBreaker
	retryAttempts int
	retryDelay    time.Duration
}

// New builds an Engine over an already-built Registry and the broker/
// storage adapters. meter and tracer follow the teacher's convention of
// being supplied by the process's shared OTel providers rather than
// constructed ad hoc per component.
func New(reg *fdr.Registry, brk broker.Broker, store storage.Storage, emitter *trace.Emitter, meter metric.Meter, tracer oteltrace.Tracer) *Engine {
	nodeDuration, _ := meter.Float64Histogram("selinon_node_wakeup_latency_ms")
	nodeRetries, _ := meter.Int64Counter("selinon_node_retries_total")
	nodeFailures, _ := meter.Int64Counter("selinon_node_failures_total")
	activeGauge, _ := meter.Int64Gauge("selinon_active_nodes")
	return &Engine{
		FDR:      reg,
		Broker:   brk,
		Storage:  store,
		Accessor: storage.Accessor{Storage: store},
		Emitter:  emitter,
		tracer:   tracer,

		nodeDuration: nodeDuration,
		nodeRetries:  nodeRetries,
		nodeFailures: nodeFailures,
		activeGauge:  activeGauge,

		breaker:       resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 5*time.Second, 3),
		retryAttempts: 3,
		retryDelay:    100 * time.Millisecond,
	}
}

// Outcome is the result of one Update call: either a reschedule delay
// (NextRetry non-nil) or a terminal success (NextRetry nil).
// Terminal failure is signaled by Update returning a non-nil error
// instead of an Outcome (an *errs.FlowError per spec §7).
type Outcome struct {
	Snapshot      *state.Snapshot
	NextRetry     *time.Duration
	FinishedNodes map[string][]string
	FailedNodes   map[string][]string
}

// Update executes one dispatcher wakeup against snapshot, implementing
// every step of spec §4.3. It never mutates the caller's snapshot — it
// clones first — so that a retried call over the same (snapshot, observed
// external state) produces the same forward result (spec §8 property 1).
func (e *Engine) Update(ctx context.Context, flowName string, snapshot *state.Snapshot) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "engine.update", oteltrace.WithAttributes(attribute.String("flow", flowName)))
	defer span.End()

	fd, err := e.FDR.Flow(flowName)
	if err != nil {
		return nil, err
	}

	snap := snapshot.Clone()
	now := time.Now()

	// Step 1: poll, step 2: sub-flow harvest (folded into pollActiveNodes).
	stillActive, finishedNow, failedNow, err := e.pollActiveNodes(ctx, fd, snap)
	if err != nil {
		return nil, err
	}
	snap.ActiveNodes = stillActive

	for _, f := range finishedNow {
		snap.AppendFinished(f.Name, f.ID)
		e.Emitter.Log(trace.NodeSuccessful, e.flowInfo(fd, snap), map[string]any{"node": f.Name, "id": f.ID})
	}

	// Step 3: failure handling.
	for _, f := range failedNow {
		eagerErr, _, herr := e.handleFailure(ctx, fd, snap, f, now)
		if herr != nil {
			return nil, herr
		}
		if eagerErr != nil {
			e.nodeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("node", f.Name)))
			return nil, eagerErr
		}
	}

	// Step 4: edge firing (includes step 5 selective gating inline, step 6
	// commit of newly-started nodes inline via startAndCommit).
	if err := e.fireEdges(ctx, fd, snap, now); err != nil {
		return nil, err
	}

	e.activeGauge.Record(ctx, int64(len(snap.ActiveNodes)), metric.WithAttributes(attribute.String("flow", flowName)))

	// Step 7: termination decision.
	if len(snap.ActiveNodes) == 0 && !hasReadyEdge(fd, snap) {
		if len(snap.FailedNodes) > 0 && !allFailuresCovered(fd, snap) {
			body, _ := json.Marshal(snap)
			e.Emitter.Log(trace.FlowFailure, e.flowInfo(fd, snap), nil)
			return nil, &errs.FlowError{FlowName: flowName, StateJSON: body}
		}
		e.Emitter.Log(trace.FlowEnd, e.flowInfo(fd, snap), nil)
		return &Outcome{
			Snapshot:      snap,
			NextRetry:     nil,
			FinishedNodes: snap.FinishedNodes,
			FailedNodes:   map[string][]string{},
		}, nil
	}

	next := nextRetryDelay(fd, snap, now)
	return &Outcome{Snapshot: snap, NextRetry: &next}, nil
}

func hasReadyEdge(fd *fdr.FlowDefinition, snap *state.Snapshot) bool {
	for i, edge := range fd.Edges {
		if snap.WaitingEdges.IsSet(i) && edgeReady(snap, edge) {
			return true
		}
	}
	return false
}

// allFailuresCovered reports whether every node with a failed entry either
// later finished (a successful retry) or is named by some triggered
// fallback rule — i.e. nothing failed uncovered.
func allFailuresCovered(fd *fdr.FlowDefinition, snap *state.Snapshot) bool {
	for name := range snap.FailedNodes {
		covered := snap.IsFinished(name)
		for _, fb := range fd.Failures {
			if !snap.Triggered[failureFingerprint(fb.Nodes)] {
				continue
			}
			for _, n := range fb.Nodes {
				if n == name {
					covered = true
				}
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// nextRetryDelay computes the wakeup's reschedule countdown: the smallest
// positive throttling deferral pending, else the flow's idle countdown,
// else zero (spec §4.3 step 7: "max(per-task retry countdowns, flow idle
// countdown, 0)" — read as "whichever applies", since a zero countdown and
// a positive one are not meant to be summed).
func nextRetryDelay(fd *fdr.FlowDefinition, snap *state.Snapshot, now time.Time) time.Duration {
	var min time.Duration
	for name, meta := range fd.TaskMeta {
		if meta.Throttling <= 0 {
			continue
		}
		last, ok := snap.LastNodeStart[name]
		if !ok {
			continue
		}
		elapsed := now.Sub(time.Unix(0, last))
		if elapsed >= meta.Throttling {
			continue
		}
		remaining := meta.Throttling - elapsed
		if min == 0 || remaining < min {
			min = remaining
		}
	}
	if min > 0 {
		return min
	}
	return fd.Policy.IdleCountdown
}

// guardedCall wraps one outbound Broker/Storage call with the circuit
// breaker and full-jitter retry: a run of transient failures backs off
// and, once the breaker trips, fails fast instead of hammering a down
// dependency every wakeup. The call site is responsible for turning the
// returned error into the right errs.* kind.
func guardedCall[T any](ctx context.Context, e *Engine, fn func() (T, error)) (T, error) {
	return resilience.Retry(ctx, e.retryAttempts, e.retryDelay, func() (T, error) {
		if !e.breaker.Allow() {
			var zero T
			return zero, errCircuitOpen
		}
		v, err := fn()
		e.breaker.RecordResult(err == nil)
		return v, err
	})
}

func (e *Engine) flowInfo(fd *fdr.FlowDefinition, snap *state.Snapshot) trace.FlowInfo {
	var nodeArgs any
	if len(snap.NodeArgs) > 0 {
		_ = json.Unmarshal(snap.NodeArgs, &nodeArgs)
	}
	var selective any
	if snap.Selective != nil {
		selective = *snap.Selective
	}
	return trace.FlowInfo{
		FlowName:     fd.Name,
		DispatcherID: snap.FlowID,
		NodeArgs:     nodeArgs,
		Queue:        fd.Policy.Queue,
		Selective:    selective,
		Parent:       snap.Parent,
	}
}
