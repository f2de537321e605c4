// Package observability — metrics.go
//
// Prometheus metrics for the fabricd node agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default; ServeMetrics listens on the address it is given.
//
// Metric naming convention: fabricd_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Peer/workload/node ids are NOT used as labels (unbounded cardinality).
//   - Only bounded enums (outcome, satisfied, direction, kind, status,
//     decision) are used as label values.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the fabric core.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Gossip ───────────────────────────────────────────────────────────────

	// GossipMessagesReceivedTotal counts inbound gossip messages, by
	// outcome (accepted, duplicate, rate_limited, banned, rejected).
	GossipMessagesReceivedTotal *prometheus.CounterVec

	// GossipMessagesForwardedTotal counts messages forwarded to peers.
	GossipMessagesForwardedTotal prometheus.Counter

	// GossipPeerCount is the current number of known peers.
	GossipPeerCount prometheus.Gauge

	// GossipAnnouncementCacheSize is the current announcement cache size.
	GossipAnnouncementCacheSize prometheus.Gauge

	// ─── Attestation ──────────────────────────────────────────────────────────

	// AttestationVerificationsTotal counts attestation verification
	// attempts, by outcome (passed, failed, rate_limited, cooldown).
	AttestationVerificationsTotal *prometheus.CounterVec

	// AttestationTrustScore records the distribution of observed trust
	// scores across attestation chains.
	AttestationTrustScore prometheus.Histogram

	// ─── Preemption ───────────────────────────────────────────────────────────

	// PreemptionsTotal counts preemption operations, by whether they
	// satisfied the requesting workload's resource needs.
	PreemptionsTotal *prometheus.CounterVec

	// PreemptionVictimsSelected records the distribution of victim-set
	// sizes chosen per preemption operation.
	PreemptionVictimsSelected prometheus.Histogram

	// ─── Autoscaler ───────────────────────────────────────────────────────────

	// ScalingRecommendationsTotal counts recommendations emitted, by
	// direction (up, down, none).
	ScalingRecommendationsTotal *prometheus.CounterVec

	// ─── Resource tracker ─────────────────────────────────────────────────────

	// WorkloadsAdmittedTotal counts admission decisions, by outcome
	// (accepted, rejected).
	WorkloadsAdmittedTotal *prometheus.CounterVec

	// ActiveWorkloads is the current number of workloads tracked on this node.
	ActiveWorkloads prometheus.Gauge

	// WatchdogTimeoutsTotal counts workloads flagged as runaway by the
	// execution watchdog.
	WatchdogTimeoutsTotal prometheus.Counter

	// ─── Volumes ──────────────────────────────────────────────────────────────

	// VolumeOperationsTotal counts lifecycle operations, by kind
	// (provision, bind, attach, detach, release, delete) and outcome.
	VolumeOperationsTotal *prometheus.CounterVec

	// VolumesByStatus is the current volume count per status.
	VolumesByStatus *prometheus.GaugeVec

	// ─── Alerts ───────────────────────────────────────────────────────────────

	// AlertsFiringTotal is the current number of firing alerts.
	AlertsFiringTotal prometheus.Gauge

	// AlertEvaluationErrorsTotal counts per-rule evaluation errors.
	AlertEvaluationErrorsTotal prometheus.Counter

	// NotificationsSentTotal counts notification dispatch attempts, by
	// outcome (sent, failed).
	NotificationsSentTotal *prometheus.CounterVec

	// ─── Secrets ──────────────────────────────────────────────────────────────

	// SecretsAccessChecksTotal counts access-policy evaluations, by
	// decision (granted, denied).
	SecretsAccessChecksTotal *prometheus.CounterVec

	// ─── Agent ────────────────────────────────────────────────────────────────

	// NodeUptimeSeconds is the number of seconds since this node agent started.
	NodeUptimeSeconds prometheus.Gauge

	// startTime records when the agent started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all fabricd Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		GossipMessagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabricd",
			Subsystem: "gossip",
			Name:      "messages_received_total",
			Help:      "Total inbound gossip messages, by outcome.",
		}, []string{"outcome"}),

		GossipMessagesForwardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fabricd",
			Subsystem: "gossip",
			Name:      "messages_forwarded_total",
			Help:      "Total gossip messages forwarded to peers.",
		}),

		GossipPeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fabricd",
			Subsystem: "gossip",
			Name:      "peer_count",
			Help:      "Current number of known gossip peers.",
		}),

		GossipAnnouncementCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fabricd",
			Subsystem: "gossip",
			Name:      "announcement_cache_size",
			Help:      "Current number of cached capacity announcements.",
		}),

		AttestationVerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabricd",
			Subsystem: "attestation",
			Name:      "verifications_total",
			Help:      "Total attestation verification attempts, by outcome.",
		}, []string{"outcome"}),

		AttestationTrustScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fabricd",
			Subsystem: "attestation",
			Name:      "trust_score",
			Help:      "Distribution of observed attestation chain trust scores.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),

		PreemptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabricd",
			Subsystem: "preemption",
			Name:      "operations_total",
			Help:      "Total preemption operations, by whether resource needs were satisfied.",
		}, []string{"satisfied"}),

		PreemptionVictimsSelected: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fabricd",
			Subsystem: "preemption",
			Name:      "victims_selected",
			Help:      "Distribution of victim-set sizes chosen per preemption operation.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),

		ScalingRecommendationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabricd",
			Subsystem: "autoscaler",
			Name:      "recommendations_total",
			Help:      "Total scaling recommendations emitted, by direction.",
		}, []string{"direction"}),

		WorkloadsAdmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabricd",
			Subsystem: "tracker",
			Name:      "workloads_admitted_total",
			Help:      "Total workload admission decisions, by outcome.",
		}, []string{"outcome"}),

		ActiveWorkloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fabricd",
			Subsystem: "tracker",
			Name:      "active_workloads",
			Help:      "Current number of workloads tracked on this node.",
		}),

		WatchdogTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fabricd",
			Subsystem: "tracker",
			Name:      "watchdog_timeouts_total",
			Help:      "Total workloads flagged as runaway by the execution watchdog.",
		}),

		VolumeOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabricd",
			Subsystem: "volumes",
			Name:      "operations_total",
			Help:      "Total volume lifecycle operations, by kind and outcome.",
		}, []string{"kind", "outcome"}),

		VolumesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fabricd",
			Subsystem: "volumes",
			Name:      "by_status",
			Help:      "Current volume count per status.",
		}, []string{"status"}),

		AlertsFiringTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fabricd",
			Subsystem: "alerts",
			Name:      "firing_total",
			Help:      "Current number of firing alerts.",
		}),

		AlertEvaluationErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fabricd",
			Subsystem: "alerts",
			Name:      "evaluation_errors_total",
			Help:      "Total per-rule evaluation errors encountered during evaluate().",
		}),

		NotificationsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabricd",
			Subsystem: "alerts",
			Name:      "notifications_sent_total",
			Help:      "Total notification dispatch attempts, by outcome.",
		}, []string{"outcome"}),

		SecretsAccessChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabricd",
			Subsystem: "secrets",
			Name:      "access_checks_total",
			Help:      "Total secret access policy checks, by decision.",
		}, []string{"decision"}),

		NodeUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fabricd",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since this node agent started.",
		}),
	}

	reg.MustRegister(
		m.GossipMessagesReceivedTotal,
		m.GossipMessagesForwardedTotal,
		m.GossipPeerCount,
		m.GossipAnnouncementCacheSize,
		m.AttestationVerificationsTotal,
		m.AttestationTrustScore,
		m.PreemptionsTotal,
		m.PreemptionVictimsSelected,
		m.ScalingRecommendationsTotal,
		m.WorkloadsAdmittedTotal,
		m.ActiveWorkloads,
		m.WatchdogTimeoutsTotal,
		m.VolumeOperationsTotal,
		m.VolumesByStatus,
		m.AlertsFiringTotal,
		m.AlertEvaluationErrorsTotal,
		m.NotificationsSentTotal,
		m.SecretsAccessChecksTotal,
		m.NodeUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the NodeUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.NodeUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
