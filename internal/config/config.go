package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Database      DatabaseConfig
	Platform      PlatformConfig
	Redis         RedisConfig
	Resolver      ResolverConfig
	Delivery      DeliveryConfig
	Pipeline      PipelineConfig
	Routing       RoutingConfig
	Observability ObservabilityConfig
}

type ServerConfig struct {
	Port int
}

type DatabaseConfig struct {
	Path string
}

type PlatformConfig struct {
	GraphBaseURL string
	AccessToken  string
	AppSecret    string
	VerifyToken  string
	TimeoutMS    int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ResolverConfig struct {
	OwnerTTLMS      int
	Retries         int
	RetryInitialMS  int
	LookupTimeoutMS int
}

type DeliveryConfig struct {
	MaxAttempts      int
	BackoffInitialMS int
	BackoffMaxMS     int
	Jitter           float64
	TimeoutMS        int
	QueueMaxLen      int64
}

type PipelineConfig struct {
	Workers int
}

type RoutingConfig struct {
	RefreshMS int
}

type ObservabilityConfig struct {
	Enabled           bool
	OTLPEndpoint      string
	OTLPTraceHeaders  map[string]string
	OTLPMetricHeaders map[string]string
	ServiceName       string
	ServiceVer        string
	SamplingRatio     float64
	MetricsConsole    bool
}

func Load() (Config, error) {
	return load(true)
}

// LoadForTool loads config for CLI tools that do not require platform secrets.
func LoadForTool() (Config, error) {
	return load(false)
}

func load(requireSecrets bool) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("mapper_env", "")
	v.SetDefault("app_env", "")
	v.SetDefault("go_env", "")
	v.SetDefault("mapper_port", 8080)
	v.SetDefault("mapper_db_path", "data/mapper")
	v.SetDefault("mapper_graph_base_url", "https://graph.facebook.com/v19.0")
	v.SetDefault("mapper_graph_token", "")
	v.SetDefault("mapper_app_secret", "")
	v.SetDefault("mapper_verify_token", "")
	v.SetDefault("mapper_graph_timeout_ms", 10000)
	v.SetDefault("mapper_redis_addr", "")
	v.SetDefault("mapper_redis_password", "")
	v.SetDefault("mapper_redis_db", 0)
	v.SetDefault("mapper_owner_ttl_ms", 3600000)
	v.SetDefault("mapper_resolver_retries", 3)
	v.SetDefault("mapper_resolver_retry_initial_ms", 200)
	v.SetDefault("mapper_resolver_lookup_timeout_ms", 10000)
	v.SetDefault("mapper_delivery_attempts", 5)
	v.SetDefault("mapper_delivery_backoff_ms", 500)
	v.SetDefault("mapper_delivery_backoff_max_ms", 30000)
	v.SetDefault("mapper_delivery_jitter", 0.2)
	v.SetDefault("mapper_delivery_timeout_ms", 10000)
	v.SetDefault("mapper_queue_maxlen", 10000)
	v.SetDefault("mapper_workers", 32)
	v.SetDefault("mapper_route_refresh_ms", 15000)
	v.SetDefault("mapper_otel_enabled", false)
	v.SetDefault("otel_exporter_otlp_endpoint", "")
	v.SetDefault("otel_exporter_otlp_headers", "")
	v.SetDefault("otel_exporter_otlp_traces_headers", "")
	v.SetDefault("otel_exporter_otlp_metrics_headers", "")
	v.SetDefault("otel_service_name", "chatico-mapper")
	v.SetDefault("mapper_service_name", "chatico-mapper")
	v.SetDefault("mapper_version", "dev")
	v.SetDefault("otel_service_version", "")
	v.SetDefault("mapper_otel_sampling_ratio", 1.0)
	v.SetDefault("mapper_otel_metrics_console", false)

	env := resolveEnvironment(v)
	port := v.GetInt("mapper_port")
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid MAPPER_PORT: %d", port)
	}

	samplingRatio := v.GetFloat64("mapper_otel_sampling_ratio")
	if samplingRatio < 0 {
		samplingRatio = 0
	}
	if samplingRatio > 1 {
		samplingRatio = 1
	}

	jitter := v.GetFloat64("mapper_delivery_jitter")
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}

	ownerTTL := v.GetInt("mapper_owner_ttl_ms")
	if ownerTTL <= 0 {
		ownerTTL = 3600000
	}

	serviceName := strings.TrimSpace(v.GetString("otel_service_name"))
	if serviceName == "" {
		serviceName = strings.TrimSpace(v.GetString("mapper_service_name"))
	}
	if serviceName == "" {
		serviceName = "chatico-mapper"
	}

	serviceVersion := strings.TrimSpace(v.GetString("mapper_version"))
	if serviceVersion == "" {
		serviceVersion = strings.TrimSpace(v.GetString("otel_service_version"))
	}
	if serviceVersion == "" {
		serviceVersion = "dev"
	}

	otlpEndpoint := strings.TrimSpace(v.GetString("otel_exporter_otlp_endpoint"))
	otlpCommonHeaders := parseOTLPHeaders(v.GetString("otel_exporter_otlp_headers"))
	otlpTraceHeaders := parseOTLPHeaders(v.GetString("otel_exporter_otlp_traces_headers"))
	otlpMetricHeaders := parseOTLPHeaders(v.GetString("otel_exporter_otlp_metrics_headers"))
	metricsConsole := v.GetBool("mapper_otel_metrics_console")
	otelEnabled := v.GetBool("mapper_otel_enabled") || otlpEndpoint != "" || metricsConsole

	cfg := Config{
		Environment: env,
		Server:      ServerConfig{Port: port},
		Database: DatabaseConfig{
			Path: strings.TrimSpace(v.GetString("mapper_db_path")),
		},
		Platform: PlatformConfig{
			GraphBaseURL: strings.TrimRight(strings.TrimSpace(v.GetString("mapper_graph_base_url")), "/"),
			AccessToken:  strings.TrimSpace(v.GetString("mapper_graph_token")),
			AppSecret:    strings.TrimSpace(v.GetString("mapper_app_secret")),
			VerifyToken:  strings.TrimSpace(v.GetString("mapper_verify_token")),
			TimeoutMS:    clampInt(v.GetInt("mapper_graph_timeout_ms"), 100, 60000, 10000),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(v.GetString("mapper_redis_addr")),
			Password: v.GetString("mapper_redis_password"),
			DB:       v.GetInt("mapper_redis_db"),
		},
		Resolver: ResolverConfig{
			OwnerTTLMS:      ownerTTL,
			Retries:         clampInt(v.GetInt("mapper_resolver_retries"), 1, 10, 3),
			RetryInitialMS:  clampInt(v.GetInt("mapper_resolver_retry_initial_ms"), 10, 10000, 200),
			LookupTimeoutMS: clampInt(v.GetInt("mapper_resolver_lookup_timeout_ms"), 100, 60000, 10000),
		},
		Delivery: DeliveryConfig{
			MaxAttempts:      clampInt(v.GetInt("mapper_delivery_attempts"), 1, 10, 5),
			BackoffInitialMS: clampInt(v.GetInt("mapper_delivery_backoff_ms"), 10, 10000, 500),
			BackoffMaxMS:     clampInt(v.GetInt("mapper_delivery_backoff_max_ms"), 100, 300000, 30000),
			Jitter:           jitter,
			TimeoutMS:        clampInt(v.GetInt("mapper_delivery_timeout_ms"), 100, 60000, 10000),
			QueueMaxLen:      v.GetInt64("mapper_queue_maxlen"),
		},
		Pipeline: PipelineConfig{
			Workers: clampInt(v.GetInt("mapper_workers"), 1, 256, 32),
		},
		Routing: RoutingConfig{
			RefreshMS: clampInt(v.GetInt("mapper_route_refresh_ms"), 1000, 300000, 15000),
		},
		Observability: ObservabilityConfig{
			Enabled:           otelEnabled,
			OTLPEndpoint:      otlpEndpoint,
			OTLPTraceHeaders:  mergeHeaderMaps(otlpCommonHeaders, otlpTraceHeaders),
			OTLPMetricHeaders: mergeHeaderMaps(otlpCommonHeaders, otlpMetricHeaders),
			ServiceName:       serviceName,
			ServiceVer:        serviceVersion,
			SamplingRatio:     samplingRatio,
			MetricsConsole:    metricsConsole,
		},
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/mapper"
	}
	if requireSecrets && !cfg.IsLocalDevelopment() {
		if cfg.Platform.AppSecret == "" {
			return Config{}, fmt.Errorf("MAPPER_APP_SECRET is required outside local/dev environments")
		}
		if cfg.Platform.VerifyToken == "" {
			return Config{}, fmt.Errorf("MAPPER_VERIFY_TOKEN is required outside local/dev environments")
		}
	}
	if cfg.IsLocalDevelopment() {
		if cfg.Platform.AppSecret == "" {
			cfg.Platform.AppSecret = "mapper-local-dev"
		}
		if cfg.Platform.VerifyToken == "" {
			cfg.Platform.VerifyToken = "mapper-local-verify"
		}
	}

	return cfg, nil
}

func clampInt(value, min, max, fallback int) int {
	if value <= 0 {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func parseOTLPHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pair := strings.SplitN(part, "=", 2)
		if len(pair) != 2 {
			continue
		}
		key := strings.TrimSpace(pair[0])
		value := strings.TrimSpace(pair[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func mergeHeaderMaps(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func (c Config) IsLocalDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "", "local", "dev", "development", "test":
		return true
	default:
		return false
	}
}

func (c Config) OwnerTTL() time.Duration {
	return time.Duration(c.Resolver.OwnerTTLMS) * time.Millisecond
}

func (c Config) ResolverRetryInitial() time.Duration {
	return time.Duration(c.Resolver.RetryInitialMS) * time.Millisecond
}

func (c Config) ResolverLookupTimeout() time.Duration {
	return time.Duration(c.Resolver.LookupTimeoutMS) * time.Millisecond
}

func (c Config) PlatformTimeout() time.Duration {
	return time.Duration(c.Platform.TimeoutMS) * time.Millisecond
}

func (c Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.Delivery.TimeoutMS) * time.Millisecond
}

func (c Config) DeliveryBackoffInitial() time.Duration {
	return time.Duration(c.Delivery.BackoffInitialMS) * time.Millisecond
}

func (c Config) DeliveryBackoffMax() time.Duration {
	return time.Duration(c.Delivery.BackoffMaxMS) * time.Millisecond
}

func (c Config) RouteRefreshInterval() time.Duration {
	return time.Duration(c.Routing.RefreshMS) * time.Millisecond
}

func resolveEnvironment(v *viper.Viper) string {
	for _, key := range []string{"mapper_env", "app_env", "go_env"} {
		value := strings.TrimSpace(v.GetString(key))
		if value != "" {
			return strings.ToLower(value)
		}
	}
	return ""
}
