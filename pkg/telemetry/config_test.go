package telemetry

import (
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Default config must validate: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing service name", func(c *Config) { c.ServiceName = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "carrier-pigeon"
		}},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 1.5 }},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation failure")
			}
		})
	}
}

func TestMetrics_NilAndDisabledAreNoOps(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordDeploymentStarted()
	nilMetrics.RecordDeploymentCompleted("completed", time.Second)
	nilMetrics.RecordStepExecuted("enable-apis", "completed")
	nilMetrics.RecordRetry("enable-apis")
	nilMetrics.RecordBatchTask("grant-iam-roles", "success")

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	disabled.RecordDeploymentStarted()
	disabled.RecordStepExecuted("enable-apis", "failed")
}

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{
		Enabled:       true,
		ListenAddress: ":0",
		Namespace:     "edgelift",
	})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordDeploymentStarted()
	m.RecordDeploymentCompleted("completed", 42*time.Second)
	m.RecordStepExecuted("deploy-functions", "completed")
	m.RecordRetry("deploy-functions")
	m.RecordBatchTask("create-service-accounts", "skipped")

	if m.Handler() == nil {
		t.Error("Expected a metrics handler")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]string{
		"trace":   "trace",
		"debug":   "debug",
		"info":    "info",
		"warn":    "warn",
		"error":   "error",
		"unknown": "info",
	}
	for in, want := range cases {
		if got := parseLogLevel(in).String(); got != want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
