// Package metrics exposes runtime metrics through OpenTelemetry with a
// Prometheus exporter bound to a private registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "agentd"

// StatusCounter reports how many agents currently sit in each status.
type StatusCounter func() map[string]int64

// Recorder owns the meter provider and the instruments used by the runtime,
// the job processor and the HTTP API. A nil *Recorder is a valid no-op.
type Recorder struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry
	meter    metric.Meter

	tasks        metric.Int64Counter
	taskDuration metric.Float64Histogram
	lifecycle    metric.Int64Counter
	jobs         metric.Int64Counter
	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram
}

// New creates a Recorder with its own Prometheus registry.
func New() (*Recorder, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	r := &Recorder{provider: provider, registry: registry, meter: meter}

	if r.tasks, err = meter.Int64Counter("agentd_tasks",
		metric.WithDescription("Tasks executed by agents, labelled by result code")); err != nil {
		return nil, fmt.Errorf("failed to create tasks counter: %w", err)
	}
	if r.taskDuration, err = meter.Float64Histogram("agentd_task_duration_seconds",
		metric.WithDescription("Task execution duration in seconds")); err != nil {
		return nil, fmt.Errorf("failed to create task duration histogram: %w", err)
	}
	if r.lifecycle, err = meter.Int64Counter("agentd_lifecycle_operations",
		metric.WithDescription("Initialize and shutdown calls, labelled by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create lifecycle counter: %w", err)
	}
	if r.jobs, err = meter.Int64Counter("agentd_jobs",
		metric.WithDescription("Queued jobs reaching a state transition")); err != nil {
		return nil, fmt.Errorf("failed to create jobs counter: %w", err)
	}
	if r.httpRequests, err = meter.Int64Counter("agentd_http_requests",
		metric.WithDescription("HTTP requests processed")); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}
	if r.httpDuration, err = meter.Float64Histogram("agentd_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds")); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}
	return r, nil
}

// ObserveAgentStatuses registers an asynchronous gauge fed by counter.
func (r *Recorder) ObserveAgentStatuses(counter StatusCounter) error {
	if r == nil || counter == nil {
		return nil
	}
	_, err := r.meter.Int64ObservableGauge("agentd_agents",
		metric.WithDescription("Registered agents by lifecycle status"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for status, n := range counter() {
				o.Observe(n, metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		}))
	if err != nil {
		return fmt.Errorf("failed to create agent status gauge: %w", err)
	}
	return nil
}

// RecordTask records one ExecuteTask call. code is empty on success.
func (r *Recorder) RecordTask(ctx context.Context, agentName, taskType, code string, duration time.Duration) {
	if r == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	attrs := metric.WithAttributes(
		attribute.String("agent", agentName),
		attribute.String("task_type", taskType),
		attribute.String("code", code),
	)
	r.tasks.Add(ctx, 1, attrs)
	r.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("agent", agentName),
		attribute.String("task_type", taskType),
	))
}

// RecordLifecycle records an initialize or shutdown call.
func (r *Recorder) RecordLifecycle(ctx context.Context, agentName, operation string, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.lifecycle.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agentName),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// RecordJob records a job state transition such as succeeded, failed or requeued.
func (r *Recorder) RecordJob(ctx context.Context, agentID, transition string) {
	if r == nil {
		return
	}
	r.jobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("transition", transition),
	))
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Recorder) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	ctx := context.Background()
	r.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("method", method),
		attribute.String("code", strconv.Itoa(status)),
	))
	r.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("method", method),
	))
}

// Handler exposes the registry in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}

// StartServer launches a standalone HTTP server exposing /metrics.
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
