package fdr

import (
	"time"

	"github.com/selinon-go/selinon/internal/condition"
)

// NodeKind distinguishes a task node from a nested sub-flow node.
type NodeKind int

const (
	NodeTask NodeKind = iota
	NodeFlow
)

// EagerFailures represents spec §9's open question: the source config may
// say "eager_failures: true" (any failure is eager) or
// "eager_failures: [NodeA, NodeB]" (only those nodes are eager). Both
// shapes are preserved simultaneously rather than collapsed into one.
type EagerFailures struct {
	All bool
	Set map[string]bool
}

// Eager reports whether a failure of nodeName should short-circuit the
// flow immediately rather than waiting for siblings to finish.
func (e EagerFailures) Eager(nodeName string) bool {
	if e.All {
		return true
	}
	return e.Set[nodeName]
}

// TaskMetadata carries per-task configuration from the immutable flow
// definition. The engine reads Queue, Throttling and MaxRetry; Storage,
// Cacheable and CacheName are carried for the worker runtime (out of
// scope per spec §1) and not read by the engine.
type TaskMetadata struct {
	Queue      string
	Throttling time.Duration
	Storage    string
	Cacheable  bool
	CacheName  string
	// MaxRetry overrides the flow's default max_retry for this node when
	// non-nil (spec §3 invariant: retried_nodes[n] <= max_retry(n)).
	MaxRetry *int
}

// EdgeDefinition is one edge in a flow's edge table (spec §3). From may
// be empty, meaning "starting edge, fires once at flow start."
type EdgeDefinition struct {
	From                   []string
	To                     []string
	Condition              condition.Program
	Foreach                condition.Program
	ForeachPropagateResult bool
	SelectiveRunFunction   condition.Program
}

// IsStarting reports whether this edge fires once at flow birth.
func (e EdgeDefinition) IsStarting() bool { return len(e.From) == 0 }

// FailureDefinition is one fallback rule (spec §3): fires when every node
// in Nodes has failed and Condition (if any) evaluates true.
type FailureDefinition struct {
	Nodes     []string
	Fallback  []string
	Condition condition.Program
}

// FlowPolicy bundles every per-flow knob from spec §3.
type FlowPolicy struct {
	MaxRetry                  int
	RetryCountdown            time.Duration
	Queue                     string
	Nowait                    map[string]bool
	EagerFailures             EagerFailures
	PropagateNodeArgs         bool
	PropagateParent           bool
	PropagateFinished         bool
	PropagateCompoundFinished bool
	PropagateCompoundParent   bool
	CancelOnRetry             bool
	CachePolicies             map[string]string
	IdleCountdown             time.Duration
}

// FlowDefinition is one flow's complete, immutable definition (spec §3).
type FlowDefinition struct {
	Name     string
	Nodes    map[string]NodeKind
	Edges    []EdgeDefinition
	Failures []FailureDefinition
	Policy   FlowPolicy
	TaskMeta map[string]TaskMetadata
}

// MaxRetryFor returns the per-task max retry count, falling back to the
// flow's default when the task has no override (spec §3 invariant:
// retried_nodes[n] <= max_retry(n)).
func (f *FlowDefinition) MaxRetryFor(nodeName string) int {
	if meta, ok := f.TaskMeta[nodeName]; ok && meta.MaxRetry != nil {
		return *meta.MaxRetry
	}
	return f.Policy.MaxRetry
}
