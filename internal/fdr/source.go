package fdr

import "time"

// FlowSource is the plain-data contract the external config loader
// produces (spec §6 "Flow-definition contract"): a flow with its node
// list, edge list, failure list, and policy map, expressed with string
// conditions/foreach expressions rather than compiled programs. The core
// never parses a config file itself — it only consumes this shape.
type FlowSource struct {
	Name     string
	Nodes    map[string]NodeKind
	Edges    []EdgeSource
	Failures []FailureSource
	Policy   PolicySource
	TaskMeta map[string]TaskMetadata
}

// EdgeSource mirrors EdgeDefinition before condition/foreach compilation.
type EdgeSource struct {
	From                   []string
	To                     []string
	Condition              string // CEL expression, "" means always-true
	Foreach                string // CEL expression, "" means no expansion
	ForeachPropagateResult bool
	SelectiveRunFunction   string
}

// FailureSource mirrors FailureDefinition before compilation.
type FailureSource struct {
	Nodes     []string
	Fallback  []string
	Condition string
}

// PolicySource mirrors FlowPolicy in source form.
type PolicySource struct {
	MaxRetry                  int
	RetryCountdown            time.Duration
	Queue                     string
	Nowait                    []string
	EagerFailuresAll          bool
	EagerFailuresSet          []string
	PropagateNodeArgs         bool
	PropagateParent           bool
	PropagateFinished         bool
	PropagateCompoundFinished bool
	PropagateCompoundParent   bool
	CancelOnRetry             bool
	CachePolicies             map[string]string
	IdleCountdown             time.Duration
}
