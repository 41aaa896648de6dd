// Package main is the fabrica demo runner. It loads client definitions,
// executes a single method invocation or a bulk plan, and prints the result
// as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pitabwire/fabrica"
	"github.com/pitabwire/fabrica/internal/config"
	"github.com/pitabwire/fabrica/internal/definition"
	"github.com/pitabwire/fabrica/internal/observability"
	"github.com/pitabwire/fabrica/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// kvFlags collects repeated -arg key=value pairs.
type kvFlags map[string]any

func (f kvFlags) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (f kvFlags) Set(value string) error {
	k, v, ok := strings.Cut(value, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	f[k] = v
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "", "path to configuration file (defaults apply when empty)")
	definitionsDir := flag.String("definitions", "", "client definitions directory (overrides config)")
	methodRef := flag.String("method", "", "method reference to invoke, client.resource.method")
	noexec := flag.Bool("noexec", false, "build and print the request without sending it")
	planPath := flag.String("plan", "", "bulk plan file to run instead of a single method")
	list := flag.Bool("list", false, "list loaded method references and exit")
	opsAddr := flag.String("ops", "", "address serving health and metrics endpoints for the run, e.g. :9090")
	kwargs := kvFlags{}
	flag.Var(kwargs, "arg", "keyword argument as key=value, repeatable")
	flag.Parse()

	// Step 2: Load configuration.
	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *definitionsDir != "" {
		cfg.Definitions.Directories = []string{*definitionsDir}
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "fabrica", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}
	defer func() {
		if err := tracingShutdown(context.Background()); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
	}()

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// Step 4: Build the factory from definitions.
	opts := []fabrica.Option{fabrica.WithLogger(logger)}
	if metrics != nil {
		opts = append(opts, fabrica.WithMetrics(metrics))
	}

	factory, err := fabrica.Load(cfg, opts...)
	if err != nil {
		logger.Error("factory initialization failed", zap.Error(err))
		return 1
	}
	defer factory.Close()

	logger.Info("definitions loaded",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("methods", factory.Registry().MethodRefs()),
		zap.String("checksum", factory.Registry().Checksum()),
	)

	// Step 5: Optionally expose liveness, readiness, and metrics endpoints
	// for the duration of the run.
	if *opsAddr != "" {
		observability.Version = version
		observability.Commit = commit
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", observability.HandleHealth())
		mux.HandleFunc("/readyz", observability.HandleReady(factory.ReadinessChecks()))
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *opsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops server error", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info("ops endpoints listening", zap.String("addr", *opsAddr))
	}

	// Step 6: Dispatch.
	switch {
	case *list:
		return printJSON(factory.Registry().MethodRefs())
	case *planPath != "":
		return runPlan(ctx, factory, *planPath, logger)
	case *methodRef != "":
		return runMethod(ctx, factory, *methodRef, kwargs, *noexec, logger)
	default:
		fmt.Fprintln(os.Stderr, "nothing to do: pass -method, -plan, or -list")
		return 2
	}
}

// runMethod invokes one method and prints the processed result, or the
// built request under -noexec.
func runMethod(ctx context.Context, factory *fabrica.Factory, ref string, kwargs map[string]any, noexec bool, logger *zap.Logger) int {
	bound, err := factory.Bind(ctx, ref)
	if err != nil {
		logger.Error("method resolution failed", zap.String("method_ref", ref), zap.Error(err))
		return 1
	}

	inv := model.NewInvocation(kwargs)
	if noexec {
		req, err := bound.Request(ctx, inv)
		if err != nil {
			logger.Error("request build failed", zap.String("method_ref", ref), zap.Error(err))
			return 1
		}
		return printJSON(req)
	}

	result, err := bound.Call(ctx, inv)
	if err != nil {
		logger.Error("invocation failed", zap.String("method_ref", ref), zap.Error(err))
		return 1
	}
	return printJSON(renderResult(result))
}

// runPlan loads a bulk plan file, runs it, and prints the bulk result.
func runPlan(ctx context.Context, factory *fabrica.Factory, path string, logger *zap.Logger) int {
	plan, err := definition.NewLoader().LoadPlan(path)
	if err != nil {
		logger.Error("plan load failed", zap.String("path", path), zap.Error(err))
		return 1
	}

	result, err := factory.RunPlan(ctx, plan)
	if err != nil {
		logger.Error("bulk run failed", zap.String("plan", plan.Name), zap.Error(err))
		if result != nil {
			printJSON(renderBulk(result))
		}
		return 1
	}
	return printJSON(renderBulk(result))
}

// renderResult flattens a pipeline result into something json.Marshal can
// print: responses become status plus parsed body, everything else passes
// through.
func renderResult(result any) any {
	resp, ok := result.(*model.Response)
	if !ok {
		return result
	}
	body, err := resp.JSON()
	if err != nil {
		body = resp.Text()
	}
	return map[string]any{
		"status": resp.StatusCode,
		"ok":     resp.OK(),
		"body":   body,
	}
}

// renderBulk flattens a bulk result, rendering each outcome's value and
// surfacing error text the JSON marshaller would otherwise drop.
func renderBulk(result *model.BulkResult) any {
	outcomes := make([]map[string]any, 0, len(result.Outcomes))
	for _, oc := range result.Outcomes {
		entry := map[string]any{
			"index":  oc.Index,
			"status": oc.Status,
		}
		if oc.Value != nil {
			entry["value"] = renderResult(oc.Value)
		}
		if msg := oc.ErrorMessage(); msg != "" {
			entry["error"] = msg
		}
		outcomes = append(outcomes, entry)
	}

	out := map[string]any{
		"run_id":   result.RunID,
		"state":    result.State,
		"elapsed":  result.Elapsed.String(),
		"outcomes": outcomes,
	}
	if result.Aggregate != nil {
		if agg, ok := result.Aggregate.([]model.Outcome); ok {
			out["aggregate_count"] = len(agg)
		} else {
			out["aggregate"] = result.Aggregate
		}
	}
	if result.TriggerErr != nil {
		out["trigger_error"] = result.TriggerErr.Error()
	}
	if result.RollbackErr != nil {
		out["rollback_error"] = result.RollbackErr.Error()
	}
	return out
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encoding result: %v\n", err)
		return 1
	}
	return 0
}
