package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates router configuration. Every rule runs, so a single
// pass reports all problems.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a router configuration.
func ValidateConfig(config *RouterConfig) error {
	return NewValidator().Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *RouterConfig) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validatePorts(config)
	v.validateRedisURL(config.RedisURL)
	v.validateKeyStore(&config.KeyStore)
	labels := v.validateBackends(config.Backends)
	v.validateProxy(&config.Proxy)
	v.validateMethodRoutes(config.MethodRoutes, labels)
	v.validateHealthCheck(&config.HealthCheck)
	v.validateAPIKeys(config.APIKeys)
	v.validateTracing(&config.Tracing)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validatePorts(config *RouterConfig) {
	if config.Port < 1 || config.Port > 65535 {
		v.addError("port", fmt.Sprintf("port %d is out of range 1-65535", config.Port))
	}
	// admin_port 0 disables the admin server.
	if config.AdminPort < 0 || config.AdminPort > 65535 {
		v.addError("admin_port", fmt.Sprintf("admin_port %d is out of range 0-65535", config.AdminPort))
	}
	if config.AdminPort != 0 && config.AdminPort == config.Port {
		v.addError("admin_port", fmt.Sprintf("admin_port %d collides with port", config.AdminPort))
	}
}

func (v *Validator) validateRedisURL(redisURL string) {
	if strings.TrimSpace(redisURL) == "" {
		v.addError("redis_url", "Redis URL cannot be empty")
	}
}

func (v *Validator) validateKeyStore(ks *KeyStoreConfig) {
	if ks.RateWindow.Duration() <= 0 {
		v.addError("keystore.rate_window", "rate_window must be greater than 0")
	}
}

// validateBackends checks each backend and returns the set of valid labels.
func (v *Validator) validateBackends(backends []BackendConfig) map[string]bool {
	labels := make(map[string]bool, len(backends))

	if len(backends) == 0 {
		v.addError("backends", "At least one backend must be configured")
		return labels
	}

	var duplicates []string
	for i := range backends {
		b := &backends[i]
		path := fmt.Sprintf("backends[%d]", i)

		if b.Label == "" {
			v.addError(path+".label", fmt.Sprintf("backend at index %d has an empty label", i))
		} else if labels[b.Label] {
			duplicates = append(duplicates, b.Label)
		} else {
			labels[b.Label] = true
		}

		if b.Weight == 0 {
			v.addError(path+".weight", fmt.Sprintf("backend '%s' has weight 0", b.Label))
		}

		v.validateBackendURL(b, path)
	}

	if len(duplicates) > 0 {
		v.addError("backends", fmt.Sprintf("Duplicate backend labels: %s", strings.Join(duplicates, ", ")))
	}

	return labels
}

func (v *Validator) validateBackendURL(b *BackendConfig, path string) {
	u, err := url.Parse(b.URL)
	switch {
	case err != nil:
		v.addError(path+".url", fmt.Sprintf("backend '%s' has invalid url: %v", b.Label, err))
	case u.Scheme != "http" && u.Scheme != "https":
		v.addError(path+".url", fmt.Sprintf("backend '%s' url must use http or https", b.Label))
	case u.Host == "":
		v.addError(path+".url", fmt.Sprintf("backend '%s' url has no host", b.Label))
	}
}

func (v *Validator) validateProxy(p *ProxyConfig) {
	if p.TimeoutSecs == 0 {
		v.addError("proxy.timeout_secs", "timeout_secs must be greater than 0")
	}
	if p.MaxBodyBytes <= 0 {
		v.addError("proxy.max_body_bytes", "max_body_bytes must be greater than 0")
	}
}

func (v *Validator) validateMethodRoutes(routes map[string]string, labels map[string]bool) {
	methods := make([]string, 0, len(routes))
	for method := range routes {
		methods = append(methods, method)
	}
	sort.Strings(methods)

	for _, method := range methods {
		label := routes[method]
		if !labels[label] {
			v.addError("method_routes."+method,
				fmt.Sprintf("method '%s' routes to unknown backend label '%s'", method, label))
		}
	}
}

func (v *Validator) validateHealthCheck(hc *HealthCheckConfig) {
	if strings.TrimSpace(hc.Method) == "" {
		v.addError("health_check.method", "method cannot be empty")
	}
	if hc.TimeoutSecs == 0 {
		v.addError("health_check.timeout_secs", "timeout_secs must be greater than 0")
	}
	if hc.IntervalSecs == 0 {
		v.addError("health_check.interval_secs", "interval_secs must be greater than 0")
	}
	if hc.MaxSlotLag == 0 {
		v.addError("health_check.max_slot_lag", "max_slot_lag must be greater than 0")
	}
	if hc.ConsecutiveFailuresThreshold == 0 {
		v.addError("health_check.consecutive_failures_threshold",
			"consecutive_failures_threshold must be greater than 0")
	}
	if hc.ConsecutiveSuccessesThreshold == 0 {
		v.addError("health_check.consecutive_successes_threshold",
			"consecutive_successes_threshold must be greater than 0")
	}
}

func (v *Validator) validateAPIKeys(keys []APIKeyConfig) {
	seen := make(map[string]bool, len(keys))
	for i, k := range keys {
		path := fmt.Sprintf("api_keys[%d]", i)
		switch {
		case k.Key == "":
			v.addError(path+".key", "key cannot be empty")
		case seen[k.Key]:
			v.addError(path+".key", fmt.Sprintf("duplicate api key for owner '%s'", k.Owner))
		default:
			seen[k.Key] = true
		}
	}
}

func (v *Validator) validateTracing(t *TracingConfig) {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.addError("tracing.sampling_rate", "sampling_rate must be between 0 and 1")
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
