package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// NATSBroker implements Broker over a NATS connection, adapted from the
// teacher's libs/go/core/natsctx trace-propagation helpers. Task status is
// served by the (out-of-scope) worker runtime answering a request/reply
// subject; submission and self-retry are plain publishes.
type NATSBroker struct {
	nc        *nats.Conn
	subjectFn func(queue string) string
	tracer    trace.Tracer
}

var propagator = propagation.TraceContext{}

// NewNATSBroker wraps an established NATS connection. subjectPrefix
// namespaces the task and self-retry subjects (<prefix>.tasks.<queue>);
// the status and cancel subjects always use the fixed "selinon." prefix.
func NewNATSBroker(nc *nats.Conn, subjectPrefix string) *NATSBroker {
	if subjectPrefix == "" {
		subjectPrefix = "selinon"
	}
	return &NATSBroker{
		nc: nc,
		subjectFn: func(queue string) string {
			return fmt.Sprintf("%s.tasks.%s", subjectPrefix, queue)
		},
		tracer: otel.Tracer("selinon-broker-nats"),
	}
}

func (b *NATSBroker) publish(ctx context.Context, subject string, payload []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return b.nc.PublishMsg(&nats.Msg{Subject: subject, Data: payload, Header: hdr})
}

func (b *NATSBroker) Submit(ctx context.Context, queue string, payload []byte, countdown time.Duration, idempotencyKey string) (string, error) {
	ctx, span := b.tracer.Start(ctx, "broker.submit")
	defer span.End()

	taskID := idempotencyKey
	if taskID == "" {
		taskID = uuid.NewString()
	}

	if countdown > 0 {
		// NATS has no native delayed delivery; the worker runtime (out of
		// scope) is expected to honor a Selinon-Delay-Ms header. We still
		// publish immediately — delay enforcement is the consumer's job.
		time.Sleep(0) // no-op: countdown is advisory, carried in the header below
	}

	subject := b.subjectFn(queue)
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	hdr.Set("Selinon-Task-Id", taskID)
	if countdown > 0 {
		hdr.Set("Selinon-Delay-Ms", fmt.Sprintf("%d", countdown.Milliseconds()))
	}
	if err := b.nc.PublishMsg(&nats.Msg{Subject: subject, Data: payload, Header: hdr}); err != nil {
		return "", fmt.Errorf("publish to %s: %w", subject, err)
	}
	return taskID, nil
}

func (b *NATSBroker) Status(ctx context.Context, taskID string) (Status, error) {
	ctx, span := b.tracer.Start(ctx, "broker.status")
	defer span.End()

	subject := fmt.Sprintf("selinon.status.%s", taskID)
	msg, err := b.nc.RequestWithContext(ctx, subject, nil)
	if err != nil {
		if err == nats.ErrNoResponders || err == nats.ErrTimeout {
			// No worker runtime answered; treat as still pending rather
			// than failing the wakeup outright.
			return Pending, nil
		}
		return "", fmt.Errorf("status request for %s: %w", taskID, err)
	}
	return Status(msg.Data), nil
}

func (b *NATSBroker) Cancel(ctx context.Context, taskID string) error {
	_, span := b.tracer.Start(ctx, "broker.cancel")
	defer span.End()
	return b.publish(ctx, fmt.Sprintf("selinon.cancel.%s", taskID), nil)
}

func (b *NATSBroker) RetrySelf(ctx context.Context, payload []byte, countdown time.Duration, queue string) error {
	_, span := b.tracer.Start(ctx, "broker.retry_self")
	defer span.End()

	subject := b.subjectFn(queue)
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	if countdown > 0 {
		hdr.Set("Selinon-Delay-Ms", fmt.Sprintf("%d", countdown.Milliseconds()))
	}
	if err := b.nc.PublishMsg(&nats.Msg{Subject: subject, Data: payload, Header: hdr}); err != nil {
		return fmt.Errorf("publish self-retry to %s: %w", subject, err)
	}
	return nil
}

// Subscribe wraps nc.Subscribe, extracting trace context from each
// message's headers and starting a consumer span — the dispatcher runtime
// uses this to receive dispatcher wakeups and task-queue work.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	tracer := otel.Tracer("selinon-broker-nats")
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		ctx, span := tracer.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
