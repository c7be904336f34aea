// Package main is the pybrook engine's entry point: it loads a model (the
// built-in demo or a --model YAML file), connects to the broker, and hosts
// one splitter per input report, one generator per derived field, and one
// resolver per output report under a single runtime.Supervisor.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pybrook/pybrook/broker"
	"github.com/pybrook/pybrook/engine"
	"github.com/pybrook/pybrook/generator"
	"github.com/pybrook/pybrook/history"
	"github.com/pybrook/pybrook/internal/config"
	"github.com/pybrook/pybrook/logging"
	"github.com/pybrook/pybrook/metric"
	"github.com/pybrook/pybrook/model"
	"github.com/pybrook/pybrook/resolver"
	"github.com/pybrook/pybrook/runtime"
	"github.com/pybrook/pybrook/splitter"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "pybrook"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := goruntime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pybrook: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	log := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	def := builtinModel()
	if cliCfg.ModelPath != "" {
		data, err := os.ReadFile(cliCfg.ModelPath)
		if err != nil {
			return fmt.Errorf("read model file: %w", err)
		}
		fns := computeRegistry(def)
		def, err = model.LoadYAML(data, fns)
		if err != nil {
			return fmt.Errorf("load model: %w", err)
		}
	}

	compiled, err := model.Compile(def)
	if err != nil {
		return fmt.Errorf("compile model: %w", err)
	}

	if cliCfg.Validate {
		log.Info("configuration and model are valid", "derived_fields", len(compiled.Order))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()
	if cliCfg.HealthPort > 0 {
		startMetricsServer(log, cliCfg.HealthPort, metricsRegistry)
	}

	client, err := broker.NewClient(cfg.BrokerURL,
		broker.WithLogger(log),
		broker.WithMetrics(metricsRegistry),
		broker.WithName(appName))
	if err != nil {
		return fmt.Errorf("create broker client: %w", err)
	}

	log.Info("connecting to broker", "url", cfg.BrokerURL)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer client.Close(context.Background())

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = client.WaitForConnection(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("broker connection timeout: %w", err)
	}

	eng := engine.New(client, compiled, cfg, log, metricsRegistry.CoreMetrics())
	if err := eng.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	hist := history.New(eng.KV, cfg.Separator)

	supervisor := runtime.New(log, metricsRegistry.CoreMetrics())

	for _, in := range compiled.Inputs {
		role := splitter.New(client, in, cfg.Separator,
			splitter.WithWorkers(cfg.DefaultWorkers),
			splitter.WithLogger(log),
			splitter.WithMetrics(metricsRegistry.CoreMetrics()),
			splitter.WithAckWait(cfg.AckWait),
			splitter.WithHistory(compiled, hist))
		supervisor.Add("splitter", in.Name, role)
	}

	for _, name := range compiled.Order {
		field := compiled.Fields[name]
		role, err := generator.New(client, field, compiled, eng.KV, cfg.Separator,
			generator.WithWorkers(cfg.DefaultWorkers),
			generator.WithLogger(log),
			generator.WithMetrics(metricsRegistry.CoreMetrics()),
			generator.WithAckWait(cfg.AckWait),
			generator.WithBacklogLimit(cfg.PendingBacklogLimit))
		if err != nil {
			return fmt.Errorf("build generator for field %q: %w", name, err)
		}
		supervisor.Add("generator", name, role)
	}

	for _, out := range compiled.Outputs {
		role, err := resolver.New(client, out, compiled, eng.KV, cfg.Separator,
			resolver.WithWorkers(cfg.DefaultWorkers),
			resolver.WithLogger(log),
			resolver.WithMetrics(metricsRegistry.CoreMetrics()),
			resolver.WithAckWait(cfg.AckWait),
			resolver.WithBacklogLimit(cfg.PendingBacklogLimit))
		if err != nil {
			return fmt.Errorf("build resolver for report %q: %w", out.Name, err)
		}
		supervisor.Add("resolver", out.Name, role)
	}

	log.Info("initializing roles", "inputs", len(compiled.Inputs), "derived_fields", len(compiled.Order), "outputs", len(compiled.Outputs))
	if err := supervisor.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize roles: %w", err)
	}

	if err := supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start roles: %w", err)
	}
	log.Info("pybrook engine started")

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	if err := supervisor.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("pybrook engine stopped")
	return nil
}

// startMetricsServer exposes the metrics registry's collectors over HTTP,
// a responsibility the metric package's own doc comment leaves to the
// embedding application.
func startMetricsServer(log *logging.Logger, port int, registry *metric.MetricsRegistry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.PrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server failed: %v", err)
		}
	}()
}

// computeRegistry builds the field-name -> GeneratorFunc map a --model YAML
// file resolves its derived fields against, seeded from the built-in
// model's own registrations. A deployment's YAML model can therefore only
// redeclare topology/dependencies for fields whose compute functions are
// already compiled into this binary.
func computeRegistry(def model.ModelDef) map[string]model.GeneratorFunc {
	fns := make(map[string]model.GeneratorFunc, len(def.Fields))
	for _, fd := range def.Fields {
		fns[fd.Name] = fd.Compute
	}
	return fns
}
