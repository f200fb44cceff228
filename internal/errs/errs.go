// Package errs defines the named failure kinds the dispatcher core raises
// and consumes (spec §7).
package errs

import "fmt"

// NodeFailure is raised internally by the engine when a task's observed
// status is FAILURE. It never escapes Engine.Update — it is resolved into
// either a retry, a fallback, or a FlowError.
type NodeFailure struct {
	NodeName string
	TaskID   string
	Reason   string
}

func (e *NodeFailure) Error() string {
	return fmt.Sprintf("node %s (task %s) failed: %s", e.NodeName, e.TaskID, e.Reason)
}

// FlowError is raised by the System-State Engine when no fallback covers a
// failed node and that node's retries are exhausted. The Dispatcher Entry
// turns this into FLOW_RETRY (if the flow itself has retries left) or a
// terminal FLOW_FAILURE.
type FlowError struct {
	FlowName string
	// StateJSON is the JSON-encoded snapshot at the moment of failure, for
	// post-mortem (spec §7: "terminal failures carry the current snapshot
	// in a JSON-serialized body").
	StateJSON []byte
	Cause     error
}

func (e *FlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("flow %s failed: %v", e.FlowName, e.Cause)
	}
	return fmt.Sprintf("flow %s failed", e.FlowName)
}

func (e *FlowError) Unwrap() error { return e.Cause }

// DispatcherRetry is raised when the engine detects a transient condition
// (e.g. broker unavailable) and wants the Dispatcher Entry to re-enqueue
// the wakeup without treating it as a flow-level failure.
type DispatcherRetry struct {
	// AdjustRetryCount mirrors Selinon's retried_count bump: set when the
	// retry should count against the flow's own retry budget.
	AdjustRetryCount bool
	// KeepState: if false, the DE clears the snapshot before re-enqueuing
	// so the flow restarts from scratch.
	KeepState bool
	Cause     error
}

func (e *DispatcherRetry) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dispatcher retry requested: %v", e.Cause)
	}
	return "dispatcher retry requested"
}

func (e *DispatcherRetry) Unwrap() error { return e.Cause }

// ConfigError is raised when the FDR is asked to resolve an unknown flow
// or node. It always surfaces as a dispatcher defect — never retried.
type ConfigError struct {
	What string
}

func (e *ConfigError) Error() string { return "config error: " + e.What }

// StorageError wraps a failed result fetch/put. Per spec §7 it bubbles up
// as a DispatcherRetry with KeepState=true rather than a flow failure.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// AsDispatcherRetry converts a StorageError into the DispatcherRetry the
// Dispatcher Entry expects, per spec §7's policy table.
func (e *StorageError) AsDispatcherRetry() *DispatcherRetry {
	return &DispatcherRetry{AdjustRetryCount: false, KeepState: true, Cause: e}
}
