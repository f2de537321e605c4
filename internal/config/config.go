// Package config provides configuration loading and validation for a
// fabricd node agent.
//
// Configuration file: /etc/fabricd/config.yaml (default)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (fanout, cooldowns, thresholds).
//   - Invalid config on startup: the agent refuses to start (fatal error).
//
// This package only loads and validates config; it never constructs the
// core components itself. cmd/fabricd wires validated structs into each
// component's constructor.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be overridden at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for a fabricd node.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this node in gossip announcements, attestations,
	// and the audit log. Default: hostname.
	NodeID string `yaml:"node_id"`

	Gossip        GossipConfig        `yaml:"gossip"`
	Attestation   AttestationConfig   `yaml:"attestation"`
	Preemption    PreemptionConfig    `yaml:"preemption"`
	Autoscaler    AutoscalerConfig    `yaml:"autoscaler"`
	Tracker       TrackerConfig       `yaml:"tracker"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// GossipConfig configures the capacity-announcement broadcaster, peer
// diversity tracker, and their shared rate limiter.
type GossipConfig struct {
	// ListenAddr is the address the gossip transport (an external
	// collaborator) binds to; the core itself performs no network I/O.
	ListenAddr string `yaml:"listen_addr"`

	// Fanout is the number of peers a message is forwarded to on receipt.
	Fanout int `yaml:"fanout"`

	// MaxSeenCache bounds the dedup LRU.
	MaxSeenCache int `yaml:"max_seen_cache"`

	// SeenCacheTTL bounds how long a seen message id is remembered.
	SeenCacheTTL time.Duration `yaml:"seen_cache_ttl"`

	// MaxAnnouncementsPerPeer bounds the per-peer announcement cache.
	MaxAnnouncementsPerPeer int `yaml:"max_announcements_per_peer"`

	// MaxTotalAnnouncements bounds the global announcement cache.
	MaxTotalAnnouncements int `yaml:"max_total_announcements"`

	// CleanupInterval is how often expired cache entries are swept.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Diversity DiversityConfig `yaml:"diversity"`
}

// RateLimitConfig configures the per-peer sliding-window rate limiter.
type RateLimitConfig struct {
	MessagesPerWindow int           `yaml:"messages_per_window"`
	Window            time.Duration `yaml:"window"`
	BanDuration       time.Duration `yaml:"ban_duration"`
	BanThreshold      int           `yaml:"ban_threshold"`
}

// DiversityConfig configures eclipse-attack resistance: subnet and ASN
// caps on the peer set. Geographic region is tracked for diversity
// scoring (DiversityStats.RegionCount, WouldImproveGeoDiversity) but is
// not itself capped.
type DiversityConfig struct {
	AllowPrivateIPs bool `yaml:"allow_private_ips"`
	MaxPerSubnet    int  `yaml:"max_per_subnet"`
	MaxPerPrefix    int  `yaml:"max_per_prefix"`
	MaxPerASN       int  `yaml:"max_per_asn"`
	Disabled        bool `yaml:"disabled"`
}

// AttestationConfig configures hardware attestation chain rate limiting.
type AttestationConfig struct {
	MinVerificationIntervalSecs float64 `yaml:"min_verification_interval_secs"`
	CooldownSecs                float64 `yaml:"cooldown_secs"`
}

// PreemptionConfig configures the victim-selection engine.
type PreemptionConfig struct {
	Enabled                bool          `yaml:"enabled"`
	MinPriorityDifference  int           `yaml:"min_priority_difference"`
	MaxVictimsPerOperation int           `yaml:"max_victims_per_operation"`
	MaxPreemptionCost      float64       `yaml:"max_preemption_cost"`
	MaxGracePeriod         time.Duration `yaml:"max_grace_period"`
}

// AutoscalerConfig holds autoscaler settings. SmoothingAlpha is passed to
// the evaluator. The two default cooldowns are validated but not applied
// to any pool; autoscaler.NewScalingPolicy sets its own cooldowns.
type AutoscalerConfig struct {
	DefaultScaleUpCooldown   time.Duration `yaml:"default_scale_up_cooldown"`
	DefaultScaleDownCooldown time.Duration `yaml:"default_scale_down_cooldown"`
	SmoothingAlpha           float64       `yaml:"smoothing_alpha"`
}

// TrackerConfig configures node resource admission and the execution
// watchdog.
type TrackerConfig struct {
	SystemReservedPercent  float64       `yaml:"system_reserved_percent"`
	MaxConcurrentWorkloads int           `yaml:"max_concurrent_workloads"`
	AlertThresholdPercent  float64       `yaml:"alert_threshold_percent"`
	WatchdogPollInterval   time.Duration `yaml:"watchdog_poll_interval"`
}

// AlertsConfig configures the alert manager's retention and cleanup.
type AlertsConfig struct {
	MaxAlerts              int           `yaml:"max_alerts"`
	ResolvedAlertRetention time.Duration `yaml:"resolved_alert_retention"`
	NotifyOnResolve        bool          `yaml:"notify_on_resolve"`
}

// StorageConfig configures the append-only audit event log.
type StorageConfig struct {
	AuditDBPath string `yaml:"audit_db_path"`
	MaxVolumes  int    `yaml:"max_volumes"`
	MaxClaims   int    `yaml:"max_claims"`
}

// ObservabilityConfig configures metrics and logging.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// DefaultAuditDBPath is the default location of the audit event log.
const DefaultAuditDBPath = "/var/lib/fabricd/audit.db"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Gossip: GossipConfig{
			ListenAddr:              "0.0.0.0:7946",
			Fanout:                  4,
			MaxSeenCache:            8192,
			SeenCacheTTL:            10 * time.Minute,
			MaxAnnouncementsPerPeer: 16,
			MaxTotalAnnouncements:   16384,
			CleanupInterval:         time.Minute,
			RateLimit: RateLimitConfig{
				MessagesPerWindow: 100,
				Window:            time.Minute,
				BanDuration:       10 * time.Minute,
				BanThreshold:      3,
			},
			Diversity: DiversityConfig{
				AllowPrivateIPs: false,
				MaxPerSubnet:    3,
				MaxPerPrefix:    3,
				MaxPerASN:       5,
			},
		},
		Attestation: AttestationConfig{
			MinVerificationIntervalSecs: 3600,
			CooldownSecs:                7200,
		},
		Preemption: PreemptionConfig{
			Enabled:                true,
			MinPriorityDifference:  1,
			MaxVictimsPerOperation: 10,
			MaxPreemptionCost:      1000,
			MaxGracePeriod:         5 * time.Minute,
		},
		Autoscaler: AutoscalerConfig{
			DefaultScaleUpCooldown:   3 * time.Minute,
			DefaultScaleDownCooldown: 10 * time.Minute,
			SmoothingAlpha:           0.3,
		},
		Tracker: TrackerConfig{
			SystemReservedPercent:  10,
			MaxConcurrentWorkloads: 64,
			AlertThresholdPercent:  80,
			WatchdogPollInterval:   15 * time.Second,
		},
		Alerts: AlertsConfig{
			MaxAlerts:              10000,
			ResolvedAlertRetention: 24 * time.Hour,
			NotifyOnResolve:        true,
		},
		Storage: StorageConfig{
			AuditDBPath: DefaultAuditDBPath,
			MaxVolumes:  10000,
			MaxClaims:   10000,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, aggregating every
// violation into a single error.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}

	if cfg.Gossip.Fanout < 1 {
		errs = append(errs, fmt.Sprintf("gossip.fanout must be >= 1, got %d", cfg.Gossip.Fanout))
	}
	if cfg.Gossip.MaxSeenCache < 1 {
		errs = append(errs, "gossip.max_seen_cache must be >= 1")
	}
	if cfg.Gossip.MaxTotalAnnouncements < cfg.Gossip.MaxAnnouncementsPerPeer {
		errs = append(errs, "gossip.max_total_announcements must be >= max_announcements_per_peer")
	}
	if cfg.Gossip.RateLimit.MessagesPerWindow < 1 {
		errs = append(errs, "gossip.rate_limit.messages_per_window must be >= 1")
	}
	if cfg.Gossip.RateLimit.BanThreshold < 1 {
		errs = append(errs, "gossip.rate_limit.ban_threshold must be >= 1")
	}
	if cfg.Gossip.Diversity.MaxPerSubnet < 0 || cfg.Gossip.Diversity.MaxPerPrefix < 0 || cfg.Gossip.Diversity.MaxPerASN < 0 {
		errs = append(errs, "gossip.diversity caps must be >= 0")
	}

	if cfg.Attestation.MinVerificationIntervalSecs < 0 {
		errs = append(errs, "attestation.min_verification_interval_secs must be >= 0")
	}
	if cfg.Attestation.CooldownSecs < 0 {
		errs = append(errs, "attestation.cooldown_secs must be >= 0")
	}

	if cfg.Preemption.MinPriorityDifference < 0 {
		errs = append(errs, "preemption.min_priority_difference must be >= 0")
	}
	if cfg.Preemption.MaxVictimsPerOperation < 1 {
		errs = append(errs, "preemption.max_victims_per_operation must be >= 1")
	}
	if cfg.Preemption.MaxGracePeriod < 0 {
		errs = append(errs, "preemption.max_grace_period must be >= 0")
	}

	if cfg.Autoscaler.SmoothingAlpha < 0 || cfg.Autoscaler.SmoothingAlpha > 1 {
		errs = append(errs, fmt.Sprintf("autoscaler.smoothing_alpha must be in [0.0, 1.0], got %f", cfg.Autoscaler.SmoothingAlpha))
	}
	if cfg.Autoscaler.DefaultScaleUpCooldown < 0 || cfg.Autoscaler.DefaultScaleDownCooldown < 0 {
		errs = append(errs, "autoscaler cooldowns must be >= 0")
	}

	if cfg.Tracker.SystemReservedPercent < 0 || cfg.Tracker.SystemReservedPercent > 50 {
		errs = append(errs, fmt.Sprintf("tracker.system_reserved_percent must be in [0, 50], got %f", cfg.Tracker.SystemReservedPercent))
	}
	if cfg.Tracker.MaxConcurrentWorkloads < 1 {
		errs = append(errs, "tracker.max_concurrent_workloads must be >= 1")
	}
	if cfg.Tracker.AlertThresholdPercent <= 0 || cfg.Tracker.AlertThresholdPercent > 100 {
		errs = append(errs, fmt.Sprintf("tracker.alert_threshold_percent must be in (0, 100], got %f", cfg.Tracker.AlertThresholdPercent))
	}

	if cfg.Alerts.MaxAlerts < 1 {
		errs = append(errs, "alerts.max_alerts must be >= 1")
	}
	if cfg.Alerts.ResolvedAlertRetention < 0 {
		errs = append(errs, "alerts.resolved_alert_retention must be >= 0")
	}

	if cfg.Storage.AuditDBPath == "" {
		errs = append(errs, "storage.audit_db_path must not be empty")
	}
	if cfg.Storage.MaxVolumes < 1 {
		errs = append(errs, "storage.max_volumes must be >= 1")
	}
	if cfg.Storage.MaxClaims < 1 {
		errs = append(errs, "storage.max_claims must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
