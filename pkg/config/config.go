// Package config loads engine settings from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deplyx/deplyx/pkg/connectors"
	"github.com/deplyx/deplyx/pkg/impact"
	"github.com/deplyx/deplyx/pkg/risk"
	"github.com/deplyx/deplyx/pkg/syncsvc"
	"github.com/deplyx/deplyx/pkg/workflow"
)

// Settings is the fully resolved engine configuration.
type Settings struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`

	ApprovalTimeoutHours          int `mapstructure:"approval_timeout_hours"`
	MaintenanceWindowGraceMinutes int `mapstructure:"maintenance_window_grace_minutes"`

	SyncIntervalMinutes  int `mapstructure:"sync_interval_minutes"`
	SyncRetryMax         int `mapstructure:"sync_retry_max"`
	SyncRetryBaseSeconds int `mapstructure:"sync_retry_base_seconds"`
	SyncRetryCapSeconds  int `mapstructure:"sync_retry_cap_seconds"`
	SyncJobTimeoutSecs   int `mapstructure:"sync_job_timeout_seconds"`
	SyncMaxWorkers       int `mapstructure:"sync_max_workers"`

	ImpactMaxDepth map[string]int `mapstructure:"impact_max_depth"`

	RiskClipMin int `mapstructure:"risk_clip_min"`
	RiskClipMax int `mapstructure:"risk_clip_max"`

	CoreDeviceK int `mapstructure:"core_device_k"`

	PolicyBundle    string `mapstructure:"policy_bundle"`
	TopologyFile    string `mapstructure:"topology_file"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`

	AuditExportDir             string `mapstructure:"audit_export_dir"`
	AuditExportBucket          string `mapstructure:"audit_export_bucket"`
	AuditExportIntervalMinutes int    `mapstructure:"audit_export_interval_minutes"`

	Connectors []connectors.Config `mapstructure:"connectors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("approval_timeout_hours", 24)
	v.SetDefault("maintenance_window_grace_minutes", 5)
	v.SetDefault("sync_interval_minutes", 5)
	v.SetDefault("sync_retry_max", 8)
	v.SetDefault("sync_retry_base_seconds", 30)
	v.SetDefault("sync_retry_cap_seconds", 900)
	v.SetDefault("sync_job_timeout_seconds", 300)
	v.SetDefault("sync_max_workers", 16)
	v.SetDefault("audit_export_interval_minutes", 60)
	v.SetDefault("risk_clip_min", 0)
	v.SetDefault("risk_clip_max", 100)
	v.SetDefault("core_device_k", 2)
}

// Load reads settings from the given file (optional) with DEPLYX_-prefixed
// environment variables overriding file values.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DEPLYX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) validate() error {
	if s.RiskClipMin > s.RiskClipMax {
		return fmt.Errorf("risk_clip_min %d exceeds risk_clip_max %d", s.RiskClipMin, s.RiskClipMax)
	}
	if s.ApprovalTimeoutHours <= 0 {
		return fmt.Errorf("approval_timeout_hours must be positive, got %d", s.ApprovalTimeoutHours)
	}
	if s.CoreDeviceK <= 0 {
		return fmt.Errorf("core_device_k must be positive, got %d", s.CoreDeviceK)
	}
	for strategy, depth := range s.ImpactMaxDepth {
		if depth <= 0 {
			return fmt.Errorf("impact_max_depth[%s] must be positive, got %d", strategy, depth)
		}
	}
	return nil
}

// Workflow maps the settings onto the workflow controller's config.
func (s *Settings) Workflow() workflow.Config {
	cfg := workflow.DefaultConfig()
	cfg.ApprovalTimeout = time.Duration(s.ApprovalTimeoutHours) * time.Hour
	cfg.MaintenanceGrace = time.Duration(s.MaintenanceWindowGraceMinutes) * time.Minute
	cfg.Risk = s.Risk()
	return cfg
}

// Risk maps the settings onto the risk engine's config.
func (s *Settings) Risk() risk.Config {
	cfg := risk.DefaultConfig()
	cfg.ClipMin = s.RiskClipMin
	cfg.ClipMax = s.RiskClipMax
	cfg.MaintenanceGrace = time.Duration(s.MaintenanceWindowGraceMinutes) * time.Minute
	return cfg
}

// Sync maps the settings onto the sync coordinator's config.
func (s *Settings) Sync() syncsvc.Config {
	return syncsvc.Config{
		Interval:   time.Duration(s.SyncIntervalMinutes) * time.Minute,
		RetryBase:  time.Duration(s.SyncRetryBaseSeconds) * time.Second,
		RetryCap:   time.Duration(s.SyncRetryCapSeconds) * time.Second,
		RetryMax:   uint64(s.SyncRetryMax),
		JobTimeout: time.Duration(s.SyncJobTimeoutSecs) * time.Second,
		MaxWorkers: s.SyncMaxWorkers,
	}
}

// ImpactDepths maps the per-strategy depth overrides onto the analyzer's
// depth table. Strategies without an override keep their defaults.
func (s *Settings) ImpactDepths() impact.Depths {
	d := impact.DefaultDepths()
	for strategy, depth := range s.ImpactMaxDepth {
		d[impact.Strategy(strategy)] = depth
	}
	return d
}
