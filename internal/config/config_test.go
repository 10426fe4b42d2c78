package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 4*time.Hour, cfg.Limits.MaxPending)
	assert.Equal(t, 6*time.Hour, cfg.Limits.MaxRunning)
	assert.Equal(t, 50, cfg.Limits.MaxScansPerAudit)
	assert.Equal(t, "default", cfg.Kubernetes.Namespace)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "missing database url", mutate: func(c *Config) { c.Database.URL = "" }, wantErr: "database.url is required"},
		{name: "in memory needs no url", mutate: func(c *Config) { c.Database.URL = ""; c.Database.InMemory = true }},
		{name: "pool bounds", mutate: func(c *Config) { c.Database.MinConns = 30 }, wantErr: "database.min_conns (30) exceeds max_conns (20)"},
		{name: "sampling ratio", mutate: func(c *Config) { c.Telemetry.SamplingRatio = 1.5 }, wantErr: "telemetry.sampling_ratio must be within [0, 1], got 1.5"},
		{name: "stage interval", mutate: func(c *Config) { c.Scheduler.Intervals = map[string]time.Duration{"running": 0} }, wantErr: "scheduler.intervals.running must be positive"},
		{name: "debug addr", mutate: func(c *Config) { c.Debug.Enabled = true; c.Debug.Addr = "" }, wantErr: "debug.addr is required when debug is enabled"},
		{name: "duration limit", mutate: func(c *Config) { c.Limits.MaxDurationHours = 0 }, wantErr: "limits.max_duration_hours must be at least 1"},
		{name: "delivery timeout", mutate: func(c *Config) { c.Notifications.DeliveryTimeout = 0 }, wantErr: "notifications.delivery_timeout must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.API.Addr = ""
	cfg.Kubernetes.Namespace = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.addr is required")
	assert.Contains(t, err.Error(), "kubernetes.namespace is required")
}
