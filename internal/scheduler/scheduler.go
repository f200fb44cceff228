// Package scheduler implements periodic flow triggers — not part of the
// core dispatcher spec but a natural adjunct to it (a flow has to get its
// first dispatch from somewhere), adapted from the teacher's
// services/orchestrator/scheduler.go cron wiring.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/selinon-go/selinon/internal/broker"
	"github.com/selinon-go/selinon/internal/dispatch"
	"github.com/selinon-go/selinon/internal/fdr"
)

// Entry describes one periodic trigger: dispatch FlowName with NodeArgs on
// CronExpr's schedule.
type Entry struct {
	FlowName string
	CronExpr string
	NodeArgs json.RawMessage
}

// Scheduler wraps a robfig/cron/v3 scheduler that submits a fresh
// dispatcher wakeup for each configured flow on its cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	fdr    *fdr.Registry
	broker broker.Broker
	tracer oteltrace.Tracer

	runs metric.Int64Counter
	fail metric.Int64Counter
}

func New(reg *fdr.Registry, brk broker.Broker, meter metric.Meter) *Scheduler {
	runs, _ := meter.Int64Counter("selinon_schedule_runs_total")
	fail, _ := meter.Int64Counter("selinon_schedule_failures_total")
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		fdr:    reg,
		broker: brk,
		tracer: otel.Tracer("selinon-scheduler"),
		runs:   runs,
		fail:   fail,
	}
}

// Start begins running registered cron entries.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop gracefully drains in-flight cron jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add registers one periodic flow trigger.
func (s *Scheduler) Add(entry Entry) error {
	if !s.fdr.IsFlow(entry.FlowName) {
		return fmt.Errorf("schedule %q: not a registered flow", entry.FlowName)
	}
	_, err := s.cron.AddFunc(entry.CronExpr, func() {
		s.trigger(context.Background(), entry)
	})
	if err != nil {
		return fmt.Errorf("add cron schedule for %q: %w", entry.FlowName, err)
	}
	slog.Info("schedule registered", "flow", entry.FlowName, "cron", entry.CronExpr)
	return nil
}

func (s *Scheduler) trigger(ctx context.Context, entry Entry) {
	ctx, span := s.tracer.Start(ctx, "scheduler.trigger", oteltrace.WithAttributes(attribute.String("flow", entry.FlowName)))
	defer span.End()

	queue := s.fdr.Queue(entry.FlowName, entry.FlowName)
	payload, err := json.Marshal(dispatch.Payload{FlowName: entry.FlowName, NodeArgs: entry.NodeArgs})
	if err != nil {
		s.fail.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", entry.FlowName)))
		slog.Error("schedule marshal failed", "flow", entry.FlowName, "error", err)
		return
	}
	if _, err := s.broker.Submit(ctx, queue, payload, 0, ""); err != nil {
		s.fail.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", entry.FlowName)))
		slog.Error("schedule submit failed", "flow", entry.FlowName, "error", err)
		return
	}
	s.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", entry.FlowName)))
}
