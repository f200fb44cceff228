// Package trace implements the fixed, leveled event taxonomy of spec §4.5.
// Emission is pluggable and must never be allowed to abort the engine.
package trace

import (
	"log/slog"
	"sync"
)

// Code is one of the fixed dispatcher/flow/node event codes.
type Code string

const (
	DispatcherWakeup  Code = "DISPATCHER_WAKEUP"
	DispatcherRetry   Code = "DISPATCHER_RETRY"
	DispatcherFailure Code = "DISPATCHER_FAILURE"
	FlowStart         Code = "FLOW_START"
	FlowEnd           Code = "FLOW_END"
	FlowRetry         Code = "FLOW_RETRY"
	FlowFailure       Code = "FLOW_FAILURE"
	NodeSchedule      Code = "NODE_SCHEDULE"
	NodeStart         Code = "NODE_START"
	NodeSuccessful    Code = "NODE_SUCCESSFUL"
	NodeFailure       Code = "NODE_FAILURE"
	FallbackStart     Code = "FALLBACK_START"
	ConditionFalse    Code = "CONDITION_FALSE"
	ForeachExpand     Code = "FOREACH_EXPAND"
	SelectiveOmit     Code = "SELECTIVE_OMIT"
)

// FlowInfo mirrors spec §4.5's flow_info payload carried on every event.
type FlowInfo struct {
	FlowName     string
	DispatcherID string
	NodeArgs     any
	Retry        *int
	Queue        string
	State        any
	Selective    any
	RetriedCount int
	Parent       any
}

// Event is one emitted trace record.
type Event struct {
	Code     Code
	FlowInfo FlowInfo
	Extra    map[string]any
}

// Sink receives emitted events. Implementations must not panic; Emitter
// recovers regardless so a misbehaving sink can never take down a wakeup.
type Sink interface {
	Emit(Event)
}

// Emitter wraps a Sink with panic containment, matching spec §4.5:
// "emission MUST be non-throwing from the engine's viewpoint."
type Emitter struct {
	mu   sync.Mutex
	sink Sink
}

// New wraps sink. A nil sink is valid and emits nothing.
func New(sink Sink) *Emitter {
	return &Emitter{sink: sink}
}

// Log emits an event, swallowing any panic raised by the sink.
func (e *Emitter) Log(code Code, info FlowInfo, extra map[string]any) {
	if e == nil || e.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("trace sink panicked", "code", code, "recovered", r)
		}
	}()
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	sink.Emit(Event{Code: code, FlowInfo: info, Extra: extra})
}

// SlogSink emits trace events through log/slog, the ambient logger used
// throughout this repo.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Emit(ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := []any{
		"event", string(ev.Code),
		"flow", ev.FlowInfo.FlowName,
		"dispatcher_id", ev.FlowInfo.DispatcherID,
		"retried_count", ev.FlowInfo.RetriedCount,
	}
	for k, v := range ev.Extra {
		args = append(args, k, v)
	}
	switch ev.Code {
	case DispatcherFailure, FlowFailure, NodeFailure:
		logger.Error("trace", args...)
	case FlowRetry, DispatcherRetry, ConditionFalse, SelectiveOmit:
		logger.Warn("trace", args...)
	default:
		logger.Info("trace", args...)
	}
}
