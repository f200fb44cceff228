// Package state defines the serializable State Snapshot (spec §3): the
// entire unit of dispatcher re-entry. Nothing outside a Snapshot survives
// between dispatcher wakeups.
package state

import "encoding/json"

// ActiveNode is one in-flight node: a task id, or (for a nested sub-flow)
// its own recursively-nested snapshot.
type ActiveNode struct {
	Name  string    `json:"name"`
	ID    string    `json:"id"`
	State *Snapshot `json:"state,omitempty"`
}

// Selective restricts a flow run to a subset of its nodes (spec §3).
type Selective struct {
	TaskNames      []string `json:"task_names"`
	FollowSubflows bool     `json:"follow_subflows"`
	RunSubsequent  bool     `json:"run_subsequent"`
}

// Contains reports whether name is in the selected set.
func (s *Selective) Contains(name string) bool {
	if s == nil {
		return true
	}
	for _, n := range s.TaskNames {
		if n == name {
			return true
		}
	}
	return false
}

// Parent links a flow instance to its compound parent (spec §3, §4.3):
// an arbitrarily-nested {flow_name, task_name -> [ids]} structure, passed
// in the dispatcher payload rather than as a runtime object graph (spec §9).
type Parent struct {
	FlowName string              `json:"flow_name"`
	Finished map[string][]string `json:"finished,omitempty"`
	Nested   *Parent             `json:"parent,omitempty"`
}

// Snapshot is the serializable representation of an in-flight flow
// instance (spec §3).
type Snapshot struct {
	// FlowID identifies this flow instance for its entire lifetime,
	// independent of the per-wakeup dispatcher id, so deterministic
	// idempotency keys survive across dispatcher re-enqueues (spec §9).
	FlowID        string              `json:"flow_id"`
	ActiveNodes   []ActiveNode        `json:"active_nodes"`
	FinishedNodes map[string][]string `json:"finished_nodes"`
	FailedNodes   map[string][]string `json:"failed_nodes"`
	WaitingEdges  *Bitset             `json:"waiting_edges_idx"`
	Triggered     map[string]bool     `json:"triggered"`
	RetriedNodes  map[string]int      `json:"retried_nodes"`
	NodeArgs      json.RawMessage     `json:"node_args,omitempty"`
	Selective     *Selective          `json:"selective,omitempty"`
	Parent        *Parent             `json:"parent,omitempty"`

	// LastNodeStart records the most recent start time per node name, used
	// by the throttling check (spec §4.3 "Throttling"). Not part of the
	// wire contract's semantics beyond this process's own scheduling
	// decisions, but still carried in the snapshot so it survives wakeups.
	LastNodeStart map[string]int64 `json:"last_node_start,omitempty"` // unix nanos

	// StartCounter is a monotonically increasing per-instance counter
	// consumed by every child start, so idempotency keys can be derived
	// deterministically from (flow_id, node_name, counter) rather than a
	// fresh random value each wakeup (spec §9 "At-least-once broker").
	StartCounter int `json:"start_counter"`
}

// New returns an empty snapshot for a freshly-dispatched flow with
// numEdges entries in its edge table.
func New(flowID string, numEdges int) *Snapshot {
	return &Snapshot{
		FlowID:        flowID,
		ActiveNodes:   nil,
		FinishedNodes: make(map[string][]string),
		FailedNodes:   make(map[string][]string),
		WaitingEdges:  NewBitset(numEdges),
		Triggered:     make(map[string]bool),
		RetriedNodes:  make(map[string]int),
		LastNodeStart: make(map[string]int64),
	}
}

// Clone deep-copies the snapshot so callers can mutate it without aliasing
// the caller's copy — required for the idempotent-replay property (spec §8
// property 1): two concurrent wakeups over "the same" snapshot must not
// observe each other's in-progress mutation.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cp := &Snapshot{
		FlowID:        s.FlowID,
		FinishedNodes: cloneStrSliceMap(s.FinishedNodes),
		FailedNodes:   cloneStrSliceMap(s.FailedNodes),
		Triggered:     cloneBoolMap(s.Triggered),
		RetriedNodes:  cloneIntMap(s.RetriedNodes),
		LastNodeStart: cloneInt64Map(s.LastNodeStart),
		StartCounter:  s.StartCounter,
	}
	if s.WaitingEdges != nil {
		cp.WaitingEdges = s.WaitingEdges.Clone()
	}
	cp.ActiveNodes = make([]ActiveNode, len(s.ActiveNodes))
	for i, n := range s.ActiveNodes {
		cp.ActiveNodes[i] = ActiveNode{Name: n.Name, ID: n.ID, State: n.State.Clone()}
	}
	if len(s.NodeArgs) > 0 {
		cp.NodeArgs = append(json.RawMessage(nil), s.NodeArgs...)
	}
	if s.Selective != nil {
		sel := *s.Selective
		sel.TaskNames = append([]string(nil), s.Selective.TaskNames...)
		cp.Selective = &sel
	}
	cp.Parent = s.Parent // parent is read-only within a wakeup, safe to share
	return cp
}

func cloneStrSliceMap(m map[string][]string) map[string][]string {
	cp := make(map[string][]string, len(m))
	for k, v := range m {
		cp[k] = append([]string(nil), v...)
	}
	return cp
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	cp := make(map[string]bool, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneIntMap(m map[string]int) map[string]int {
	cp := make(map[string]int, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneInt64Map(m map[string]int64) map[string]int64 {
	cp := make(map[string]int64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// IsFinished reports whether name has at least one finished instance.
func (s *Snapshot) IsFinished(name string) bool {
	return len(s.FinishedNodes[name]) > 0
}

// IsFailed reports whether name has at least one failed instance.
func (s *Snapshot) IsFailed(name string) bool {
	return len(s.FailedNodes[name]) > 0
}

// AppendFinished records id as completed for node name, preserving
// completion order (spec §3 invariant).
func (s *Snapshot) AppendFinished(name, id string) {
	s.FinishedNodes[name] = append(s.FinishedNodes[name], id)
}

// AppendFailed records id as failed for node name.
func (s *Snapshot) AppendFailed(name, id string) {
	s.FailedNodes[name] = append(s.FailedNodes[name], id)
}

// NextCounter consumes and returns the next value of StartCounter, for
// deriving a deterministic idempotency key for the child about to start.
func (s *Snapshot) NextCounter() int {
	s.StartCounter++
	return s.StartCounter
}

// RemoveActive removes the active node with the given id, returning it.
func (s *Snapshot) RemoveActive(id string) (ActiveNode, bool) {
	for i, n := range s.ActiveNodes {
		if n.ID == id {
			s.ActiveNodes = append(s.ActiveNodes[:i], s.ActiveNodes[i+1:]...)
			return n, true
		}
	}
	return ActiveNode{}, false
}
