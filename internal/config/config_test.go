package config

import "testing"

func TestLoadDefaultsForLocalDevelopment(t *testing.T) {
	t.Setenv("MAPPER_ENV", "dev")
	t.Setenv("MAPPER_APP_SECRET", "")
	t.Setenv("MAPPER_VERIFY_TOKEN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Platform.AppSecret != "mapper-local-dev" {
		t.Fatalf("expected local fallback secret, got %q", cfg.Platform.AppSecret)
	}
	if cfg.Platform.VerifyToken != "mapper-local-verify" {
		t.Fatalf("expected local fallback verify token, got %q", cfg.Platform.VerifyToken)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Fatalf("expected default 5 delivery attempts, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.OwnerTTL().Hours() != 1 {
		t.Fatalf("expected 1h owner TTL, got %v", cfg.OwnerTTL())
	}
}

func TestLoadRequiresSecretsOutsideLocal(t *testing.T) {
	t.Setenv("MAPPER_ENV", "production")
	t.Setenv("MAPPER_APP_SECRET", "")
	t.Setenv("MAPPER_VERIFY_TOKEN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing app secret in production")
	}

	t.Setenv("MAPPER_APP_SECRET", "prod-secret")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing verify token in production")
	}
}

func TestLoadForToolAllowsMissingSecretsOutsideLocal(t *testing.T) {
	t.Setenv("MAPPER_ENV", "production")
	t.Setenv("MAPPER_APP_SECRET", "")
	t.Setenv("MAPPER_VERIFY_TOKEN", "")

	cfg, err := LoadForTool()
	if err != nil {
		t.Fatalf("expected no error for tool config load, got %v", err)
	}
	if cfg.Platform.AppSecret != "" {
		t.Fatalf("expected empty app secret for tool load, got %q", cfg.Platform.AppSecret)
	}
}

func TestLoadClampsRetryAndWorkerBounds(t *testing.T) {
	t.Setenv("MAPPER_ENV", "dev")
	t.Setenv("MAPPER_DELIVERY_ATTEMPTS", "500")
	t.Setenv("MAPPER_RESOLVER_RETRIES", "-1")
	t.Setenv("MAPPER_WORKERS", "100000")
	t.Setenv("MAPPER_DELIVERY_JITTER", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Delivery.MaxAttempts != 10 {
		t.Fatalf("expected attempts clamped to 10, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Resolver.Retries != 3 {
		t.Fatalf("expected retries fallback 3, got %d", cfg.Resolver.Retries)
	}
	if cfg.Pipeline.Workers != 256 {
		t.Fatalf("expected workers clamped to 256, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Delivery.Jitter != 1 {
		t.Fatalf("expected jitter clamped to 1, got %v", cfg.Delivery.Jitter)
	}
}

func TestLoadParsesOTLPHeadersAndMetricsConsole(t *testing.T) {
	t.Setenv("MAPPER_ENV", "dev")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Bearer common,x-org=abc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_HEADERS", "x-trace=trace-only")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_HEADERS", "x-metric=metric-only")
	t.Setenv("MAPPER_OTEL_METRICS_CONSOLE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Observability.Enabled {
		t.Fatal("expected observability enabled when console metrics is true")
	}
	if cfg.Observability.OTLPTraceHeaders["authorization"] != "Bearer common" {
		t.Fatalf("expected common header in trace headers, got %#v", cfg.Observability.OTLPTraceHeaders)
	}
	if cfg.Observability.OTLPTraceHeaders["x-trace"] != "trace-only" {
		t.Fatalf("expected trace-specific header, got %#v", cfg.Observability.OTLPTraceHeaders)
	}
	if cfg.Observability.OTLPMetricHeaders["x-metric"] != "metric-only" {
		t.Fatalf("expected metric-specific header, got %#v", cfg.Observability.OTLPMetricHeaders)
	}
}
