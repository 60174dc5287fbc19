// Package telemetry exposes the executor's Prometheus registry and a
// host-capacity sampling loop, generalized from beemesh's main.go
// gopsutil ticker into a reusable component.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Registry bundles the metric families every component records against.
type Registry struct {
	reg *prometheus.Registry

	HostCPUFreeMillicores prometheus.Gauge
	HostMemoryFreeBytes   prometheus.Gauge

	MembershipHeartbeats prometheus.Counter
	MembershipDeadNodes  prometheus.Counter

	LifecycleTransitions *prometheus.CounterVec
	LifecycleFailures    *prometheus.CounterVec

	GatewayRequests *prometheus.CounterVec
	GatewayLatency  *prometheus.HistogramVec

	RPCRequests *prometheus.CounterVec

	UsageSubmissions *prometheus.CounterVec

	SupervisorRestarts   *prometheus.CounterVec
	SupervisorCheckpoint *prometheus.CounterVec
}

// New constructs a Registry with all metric families registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		HostCPUFreeMillicores: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mu_host_cpu_free_millicores", Help: "Free CPU capacity on this node, in millicores.",
		}),
		HostMemoryFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mu_host_memory_free_bytes", Help: "Free memory on this node, in bytes.",
		}),
		MembershipHeartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mu_membership_heartbeats_total", Help: "Successful membership row publishes.",
		}),
		MembershipDeadNodes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mu_membership_dead_nodes_total", Help: "Nodes observed transitioning to Dead.",
		}),
		LifecycleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mu_lifecycle_transitions_total", Help: "Stack lifecycle state transitions.",
		}, []string{"to"}),
		LifecycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mu_lifecycle_failures_total", Help: "Stack lifecycle transitions that failed.",
		}, []string{"stage"}),
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mu_gateway_requests_total", Help: "Gateway requests by resulting status.",
		}, []string{"status"}),
		GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "mu_gateway_request_duration_seconds", Help: "Gateway request latency.",
		}, []string{"status"}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mu_rpc_requests_total", Help: "Internal RPC requests by outcome.",
		}, []string{"outcome"}),
		UsageSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mu_usage_submissions_total", Help: "Usage report submissions by outcome.",
		}, []string{"outcome"}),
		SupervisorRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mu_supervisor_component_restarts_total", Help: "Component restarts performed by the supervisor.",
		}, []string{"component"}),
		SupervisorCheckpoint: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mu_supervisor_checkpoints_total", Help: "Shutdown checkpoint attempts by component and outcome.",
		}, []string{"component", "outcome"}),
	}
	reg.MustRegister(
		r.HostCPUFreeMillicores, r.HostMemoryFreeBytes,
		r.MembershipHeartbeats, r.MembershipDeadNodes,
		r.LifecycleTransitions, r.LifecycleFailures,
		r.GatewayRequests, r.GatewayLatency,
		r.RPCRequests, r.UsageSubmissions,
		r.SupervisorRestarts, r.SupervisorCheckpoint,
	)
	return r
}

// ObserveTransition satisfies lifecycle.Metrics.
func (r *Registry) ObserveTransition(to string) {
	r.LifecycleTransitions.WithLabelValues(to).Inc()
}

// ObserveFailure satisfies lifecycle.Metrics.
func (r *Registry) ObserveFailure(stage string) {
	r.LifecycleFailures.WithLabelValues(stage).Inc()
}

// ObserveComponentRestart satisfies supervisor.Metrics.
func (r *Registry) ObserveComponentRestart(name string) {
	r.SupervisorRestarts.WithLabelValues(name).Inc()
}

// ObserveCheckpoint satisfies supervisor.Metrics.
func (r *Registry) ObserveCheckpoint(name, outcome string) {
	r.SupervisorCheckpoint.WithLabelValues(name, outcome).Inc()
}

// Handler returns the HTTP handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SampleHostCapacity runs until ctx is cancelled, refreshing the host
// CPU/memory gauges every interval. Mirrors beemesh's main.go ticker.
func (r *Registry) SampleHostCapacity(ctx context.Context, log zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			totalCPU, err := cpu.Counts(true)
			if err != nil {
				log.Warn().Err(err).Msg("cpu.Counts failed")
				continue
			}
			percents, err := cpu.Percent(0, false)
			if err != nil || len(percents) == 0 {
				log.Warn().Err(err).Msg("cpu.Percent failed")
				continue
			}
			used := int64(float64(totalCPU) * 1000 * percents[0] / 100)
			r.HostCPUFreeMillicores.Set(float64(int64(totalCPU*1000) - used))

			vm, err := mem.VirtualMemory()
			if err != nil {
				log.Warn().Err(err).Msg("mem.VirtualMemory failed")
				continue
			}
			r.HostMemoryFreeBytes.Set(float64(vm.Free))
		}
	}
}
