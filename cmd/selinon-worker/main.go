// Command selinon-worker is the dispatcher runtime entrypoint: it builds
// the Flow Definition Registry once, wires the System-State Engine and
// Dispatcher Entry over a broker/storage pair, and serves wakeups
// delivered over NATS until signaled to shut down. In -dev mode it uses an
// in-process MemoryBroker and subscribes to nothing, so no wakeups are
// delivered to it. Grounded on the teacher's
// services/orchestrator/main.go for the HTTP health server and
// graceful-shutdown shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/selinon-go/selinon/internal/broker"
	"github.com/selinon-go/selinon/internal/condition"
	"github.com/selinon-go/selinon/internal/dispatch"
	"github.com/selinon-go/selinon/internal/engine"
	"github.com/selinon-go/selinon/internal/fdr"
	"github.com/selinon-go/selinon/internal/obs"
	"github.com/selinon-go/selinon/internal/scheduler"
	"github.com/selinon-go/selinon/internal/storage"
	"github.com/selinon-go/selinon/internal/trace"
)

func main() {
	service := "selinon-worker"
	obs.InitLogging(service)

	var (
		flowsPath = flag.String("flows", "", "path to a JSON array of flow definitions")
		dbPath    = flag.String("db", "selinon.db", "bolt db path for task results")
		httpAddr  = flag.String("http", ":8080", "health/flow-listing HTTP listen address")
		devMode   = flag.Bool("dev", false, "run with an in-process broker instead of NATS")
		natsURL   = flag.String("nats", nats.DefaultURL, "NATS connection URL")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := obs.InitTracer(ctx, service)
	shutdownMetrics := obs.InitMetrics(ctx, service)
	meter := obs.Meter()

	sources, err := loadFlowSources(*flowsPath)
	if err != nil {
		slog.Error("load flow sources failed", "error", err)
		os.Exit(1)
	}

	compiler, err := condition.NewCompiler()
	if err != nil {
		slog.Error("build condition compiler failed", "error", err)
		os.Exit(1)
	}
	reg, err := fdr.Build(sources, compiler)
	if err != nil {
		slog.Error("build flow registry failed", "error", err)
		os.Exit(1)
	}

	boltStore, err := storage.NewBoltStorage(*dbPath, meter)
	if err != nil {
		slog.Error("open storage failed", "error", err)
		os.Exit(1)
	}
	defer boltStore.Close()
	cachePolicies := gatherCachePolicies(reg)
	cached := storage.NewCachedStorage(boltStore, cachePolicies)
	defer cached.Close()

	emitter := trace.New(trace.SlogSink{Logger: slog.Default()})

	var brk broker.Broker
	var nc *nats.Conn
	if *devMode {
		brk = broker.NewMemoryBroker()
	} else {
		nc, err = nats.Connect(*natsURL)
		if err != nil {
			slog.Error("nats connect failed", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		brk = broker.NewNATSBroker(nc, "selinon")
	}

	eng := engine.New(reg, brk, cached, emitter, meter, otel.Tracer("selinon-engine"))
	entry := dispatch.New(eng, reg, brk, emitter)

	sched := scheduler.New(reg, brk, meter)
	sched.Start()
	defer func() { _ = sched.Stop(context.Background()) }()

	if nc != nil {
		for _, name := range reg.Names() {
			queue := reg.Queue(name, name)
			subject := "selinon.tasks." + queue
			if _, err := broker.Subscribe(nc, subject, dispatchHandler(entry)); err != nil {
				slog.Error("subscribe failed", "subject", subject, "error", err)
				os.Exit(1)
			}
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/flows", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(reg.Names())
	})

	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("selinon-worker started", "flows", len(reg.Names()), "dev", *devMode)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	obs.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

// dispatchHandler adapts a NATS message into one dispatch.Entry.Run call.
func dispatchHandler(entry *dispatch.Entry) func(context.Context, *nats.Msg) {
	return func(ctx context.Context, msg *nats.Msg) {
		var p dispatch.Payload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			slog.Error("decode dispatcher payload failed", "error", err)
			return
		}
		dispatcherID := msg.Header.Get("Selinon-Task-Id")
		if _, err := entry.Run(ctx, dispatcherID, p); err != nil {
			slog.Error("dispatcher run failed", "flow", p.FlowName, "error", err)
		}
	}
}

// loadFlowSources reads a JSON array of fdr.FlowSource from path. The
// config loader / code generator that would normally materialize these
// from a richer DSL is out of scope (spec §1); this is the minimal
// JSON-native stand-in so the worker has something to dispatch.
func loadFlowSources(path string) ([]fdr.FlowSource, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sources []fdr.FlowSource
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, err
	}
	return sources, nil
}

func gatherCachePolicies(reg *fdr.Registry) map[string]storage.CachePolicy {
	policies := make(map[string]storage.CachePolicy)
	for _, name := range reg.Names() {
		fd, err := reg.Flow(name)
		if err != nil {
			continue
		}
		for taskName, spec := range fd.Policy.CachePolicies {
			ttl, _ := time.ParseDuration(spec)
			policies[taskName] = storage.CachePolicy{TTL: ttl, Capacity: 1000}
		}
	}
	return policies
}
