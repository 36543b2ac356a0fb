package config

import "time"

// Default values applied before a configuration document is decoded.
const (
	DefaultPort         = 28899
	DefaultAdminPort    = 9090
	DefaultTimeoutSecs  = 30
	DefaultMaxBodyBytes = 10 << 20

	DefaultHealthMethod        = "getSlot"
	DefaultHealthTimeoutSecs   = 5
	DefaultHealthIntervalSecs  = 10
	DefaultMaxSlotLag          = 50
	DefaultFailuresThreshold   = 3
	DefaultSuccessesThreshold  = 2
	DefaultKeyPrefix           = "rpcgw:"
	DefaultRateWindow          = Duration(time.Second)
	DefaultTracingSamplingRate = 1.0
)

// RouterConfig is the root configuration document.
type RouterConfig struct {
	Port         int               `yaml:"port" toml:"port" json:"port"`
	AdminPort    int               `yaml:"admin_port" toml:"admin_port" json:"admin_port"`
	RedisURL     string            `yaml:"redis_url" toml:"redis_url" json:"redis_url"`
	KeyStore     KeyStoreConfig    `yaml:"keystore" toml:"keystore" json:"keystore"`
	Backends     []BackendConfig   `yaml:"backends" toml:"backends" json:"backends"`
	Proxy        ProxyConfig       `yaml:"proxy" toml:"proxy" json:"proxy"`
	MethodRoutes map[string]string `yaml:"method_routes" toml:"method_routes" json:"method_routes,omitempty"`
	HealthCheck  HealthCheckConfig `yaml:"health_check" toml:"health_check" json:"health_check"`
	APIKeys      []APIKeyConfig    `yaml:"api_keys" toml:"api_keys" json:"-"`
	Tracing      TracingConfig     `yaml:"tracing" toml:"tracing" json:"tracing"`
}

// BackendConfig describes one upstream JSON-RPC node.
type BackendConfig struct {
	Label  string `yaml:"label" toml:"label" json:"label"`
	URL    string `yaml:"url" toml:"url" json:"url"`
	Weight uint32 `yaml:"weight" toml:"weight" json:"weight"`
}

// ProxyConfig bounds forwarded requests.
type ProxyConfig struct {
	TimeoutSecs  uint64 `yaml:"timeout_secs" toml:"timeout_secs" json:"timeout_secs"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" toml:"max_body_bytes" json:"max_body_bytes"`
}

// Timeout returns the forward timeout.
func (p ProxyConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// HealthCheckConfig controls the probe loop and its hysteresis.
type HealthCheckConfig struct {
	Method                        string `yaml:"method" toml:"method" json:"method"`
	TimeoutSecs                   uint64 `yaml:"timeout_secs" toml:"timeout_secs" json:"timeout_secs"`
	IntervalSecs                  uint64 `yaml:"interval_secs" toml:"interval_secs" json:"interval_secs"`
	MaxSlotLag                    uint64 `yaml:"max_slot_lag" toml:"max_slot_lag" json:"max_slot_lag"`
	ConsecutiveFailuresThreshold  uint32 `yaml:"consecutive_failures_threshold" toml:"consecutive_failures_threshold" json:"consecutive_failures_threshold"`
	ConsecutiveSuccessesThreshold uint32 `yaml:"consecutive_successes_threshold" toml:"consecutive_successes_threshold" json:"consecutive_successes_threshold"`
}

// Timeout returns the per-probe timeout.
func (h HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSecs) * time.Second
}

// Interval returns the delay between probe cycles.
func (h HealthCheckConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSecs) * time.Second
}

// KeyStoreConfig tunes the Redis-backed key store.
type KeyStoreConfig struct {
	Prefix     string   `yaml:"prefix" toml:"prefix" json:"prefix"`
	RateWindow Duration `yaml:"rate_window" toml:"rate_window" json:"rate_window"`
}

// APIKeyConfig is a statically configured key, used only with a memory:// store.
type APIKeyConfig struct {
	Key       string `yaml:"key" toml:"key"`
	Owner     string `yaml:"owner" toml:"owner"`
	RateLimit uint64 `yaml:"rate_limit" toml:"rate_limit"`
}

// TracingConfig enables OTLP span export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" toml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"service_name" toml:"service_name" json:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" toml:"otlp_endpoint" json:"otlp_endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" toml:"sampling_rate" json:"sampling_rate"`
}

// DefaultHealthCheckConfig returns the probe defaults.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Method:                        DefaultHealthMethod,
		TimeoutSecs:                   DefaultHealthTimeoutSecs,
		IntervalSecs:                  DefaultHealthIntervalSecs,
		MaxSlotLag:                    DefaultMaxSlotLag,
		ConsecutiveFailuresThreshold:  DefaultFailuresThreshold,
		ConsecutiveSuccessesThreshold: DefaultSuccessesThreshold,
	}
}

// DefaultConfig returns a configuration with every optional field populated.
// Decoders overwrite only the fields present in the document, so an explicit
// zero still reaches validation.
func DefaultConfig() *RouterConfig {
	return &RouterConfig{
		Port:      DefaultPort,
		AdminPort: DefaultAdminPort,
		KeyStore: KeyStoreConfig{
			Prefix:     DefaultKeyPrefix,
			RateWindow: DefaultRateWindow,
		},
		Proxy: ProxyConfig{
			TimeoutSecs:  DefaultTimeoutSecs,
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		HealthCheck: DefaultHealthCheckConfig(),
		Tracing: TracingConfig{
			ServiceName:  "rpcgw",
			SamplingRate: DefaultTracingSamplingRate,
		},
	}
}

// BackendLabels returns the configured labels in declaration order.
func (c *RouterConfig) BackendLabels() []string {
	labels := make([]string, 0, len(c.Backends))
	for _, b := range c.Backends {
		labels = append(labels, b.Label)
	}
	return labels
}
