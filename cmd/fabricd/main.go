// Package main — cmd/fabricd/main.go
//
// fabricd node agent entrypoint.
//
// Startup sequence:
//  1. Initialise structured logger (zap, JSON format).
//  2. Load and validate config from /etc/fabricd/config.yaml.
//  3. Open the BoltDB-backed audit event log.
//  4. Construct the gossip broadcaster, diversity tracker, attestation
//     chain store, preemption engine, autoscaler evaluator, resource
//     tracker, execution watchdog, volume manager, alert manager, and
//     secrets access controller.
//  5. Start the Prometheus metrics server and the maintenance loops.
//  6. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to the metrics server and loops).
//  2. Close the audit log.
//  3. Flush the logger.
//  4. Exit 0.
//
// The gossip transport, container runtime, and notification channel
// implementations live outside this process and are not started here;
// this entrypoint wires the in-process core only.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gpufabric/fabricd/internal/alerts"
	"github.com/gpufabric/fabricd/internal/attestation"
	"github.com/gpufabric/fabricd/internal/audit"
	"github.com/gpufabric/fabricd/internal/autoscaler"
	"github.com/gpufabric/fabricd/internal/config"
	"github.com/gpufabric/fabricd/internal/gossip"
	"github.com/gpufabric/fabricd/internal/ids"
	"github.com/gpufabric/fabricd/internal/observability"
	"github.com/gpufabric/fabricd/internal/preemption"
	"github.com/gpufabric/fabricd/internal/secrets"
	"github.com/gpufabric/fabricd/internal/tracker"
	"github.com/gpufabric/fabricd/internal/volumes"
)

// agent holds every core component for the lifetime of the process. The
// gossip transport and scheduler layers reach them through this struct;
// main only runs the in-process maintenance loops.
type agent struct {
	cfg *config.Config
	log *zap.Logger

	broadcaster *gossip.Broadcaster
	diversity   *gossip.DiversityTracker
	attestChain *attestation.AttestationChain
	preempt     *preemption.Engine
	scaler      *autoscaler.Evaluator
	resources   *tracker.Tracker
	watchdog    *tracker.Watchdog
	volumes     *volumes.Manager
	alerts      *alerts.Manager
	secrets     *secrets.Controller
	metrics     *observability.Metrics
}

func main() {
	configPath := flag.String("config", "/etc/fabricd/config.yaml", "path to config file")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	log.Info("starting fabricd",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("node_id", cfg.NodeID),
	)

	auditLog, err := audit.OpenLog(cfg.Storage.AuditDBPath)
	if err != nil {
		log.Fatal("audit log open failed", zap.Error(err))
	}
	defer auditLog.Close() //nolint:errcheck

	nodeID, err := ids.NewNodeID(cfg.NodeID)
	if err != nil {
		log.Fatal("invalid node id", zap.Error(err))
	}

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatal("peer key generation failed", zap.Error(err))
	}
	selfPeerID, err := ids.NewPeerID(pub)
	if err != nil {
		log.Fatal("peer id derivation failed", zap.Error(err))
	}

	app := &agent{
		cfg: cfg,
		log: log,
		broadcaster: gossip.NewBroadcaster(gossip.BroadcastConfig{
			SelfPeerID:              selfPeerID,
			Fanout:                  cfg.Gossip.Fanout,
			MaxSeenCache:            cfg.Gossip.MaxSeenCache,
			SeenCacheTTL:            cfg.Gossip.SeenCacheTTL,
			MaxAnnouncementsPerPeer: cfg.Gossip.MaxAnnouncementsPerPeer,
			MaxTotalAnnouncements:   cfg.Gossip.MaxTotalAnnouncements,
			CleanupInterval:         cfg.Gossip.CleanupInterval,
			RateLimit: gossip.RateLimitConfig{
				MessagesPerWindow: cfg.Gossip.RateLimit.MessagesPerWindow,
				Window:            cfg.Gossip.RateLimit.Window,
				BanDuration:       cfg.Gossip.RateLimit.BanDuration,
				BanThreshold:      cfg.Gossip.RateLimit.BanThreshold,
			},
		}, log),
		diversity: gossip.NewDiversityTracker(gossip.DiversityConfig{
			AllowPrivateIPs: cfg.Gossip.Diversity.AllowPrivateIPs,
			MaxPerSubnet:    cfg.Gossip.Diversity.MaxPerSubnet,
			MaxPerPrefix:    cfg.Gossip.Diversity.MaxPerPrefix,
			MaxPerASN:       cfg.Gossip.Diversity.MaxPerASN,
			Disabled:        cfg.Gossip.Diversity.Disabled,
		}),
		attestChain: attestation.NewAttestationChainWithRateLimit(nodeID, attestation.RateLimitConfig{
			MinVerificationInterval:    time.Duration(cfg.Attestation.MinVerificationIntervalSecs * float64(time.Second)),
			FailedVerificationCooldown: time.Duration(cfg.Attestation.CooldownSecs * float64(time.Second)),
		}),
		preempt: preemption.NewEngine(preemption.Config{
			DefaultGracePeriod:     30 * time.Second,
			MaxGracePeriod:         cfg.Preemption.MaxGracePeriod,
			VictimSelection:        preemption.LowestPriority,
			MinPriorityDifference:  uint16(cfg.Preemption.MinPriorityDifference),
			MaxVictimsPerOperation: cfg.Preemption.MaxVictimsPerOperation,
			Enabled:                cfg.Preemption.Enabled,
		}, preemption.NewNoOpEvictionHandler()),
		scaler: autoscaler.NewEvaluator(cfg.Autoscaler.SmoothingAlpha),
		resources: tracker.New(tracker.NodeCapacity{
			SystemReservedPercent:  uint8(cfg.Tracker.SystemReservedPercent),
			MaxConcurrentWorkloads: uint32(cfg.Tracker.MaxConcurrentWorkloads),
		}).WithAlertThreshold(uint8(cfg.Tracker.AlertThresholdPercent)),
		watchdog: tracker.NewWatchdog(),
		volumes: volumes.NewManagerWithConfig(volumes.ManagerConfig{
			MaxVolumes: cfg.Storage.MaxVolumes,
			MaxClaims:  cfg.Storage.MaxClaims,
		}, log),
		alerts: alerts.NewManagerWithConfig(alerts.ManagerConfig{
			ResolvedAlertRetention: cfg.Alerts.ResolvedAlertRetention,
			MaxAlerts:              cfg.Alerts.MaxAlerts,
			NotifyOnResolve:        cfg.Alerts.NotifyOnResolve,
		}, log),
		secrets: secrets.NewController(auditLog),
		metrics: observability.NewMetrics(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := app.metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	go app.gossipMaintenanceLoop(ctx)
	go app.watchdogLoop(ctx)

	log.Info("fabricd ready", zap.String("metrics_addr", cfg.Observability.MetricsAddr))

	<-ctx.Done()
	log.Info("shutting down")
}

// gossipMaintenanceLoop sweeps expired cache entries and refreshes the
// gossip gauges every CleanupInterval.
func (a *agent) gossipMaintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Gossip.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.broadcaster.Cleanup()
			stats := a.broadcaster.Stats()
			a.metrics.GossipPeerCount.Set(float64(stats.KnownPeerCount))
			a.metrics.GossipAnnouncementCacheSize.Set(float64(stats.AnnouncementCacheSize))
		case <-ctx.Done():
			return
		}
	}
}

// watchdogLoop polls for runaway workloads and resource-pressure alerts.
// Detection only: what to do with a timed-out workload (kill, restart,
// requeue) is external scheduler policy.
func (a *agent) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Tracker.WatchdogPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, id := range a.watchdog.CheckTimeouts() {
				a.metrics.WatchdogTimeoutsTotal.Inc()
				a.log.Warn("workload exceeded max execution time", zap.String("workload_id", string(id)))
			}
			for _, alert := range a.resources.CheckAlerts() {
				a.log.Warn("resource pressure", zap.String("resource", alert.Resource.String()), zap.String("detail", alert.Message))
			}
			a.metrics.ActiveWorkloads.Set(float64(a.resources.WorkloadCount()))
		case <-ctx.Done():
			return
		}
	}
}
