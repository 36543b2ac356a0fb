package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalTOML = `
port = 8080
redis_url = "redis://localhost"

[[backends]]
label = "b1"
url = "http://localhost:9000"
weight = 1
`

func TestLoad_ValidTOML(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "valid.toml", minimalTOML))

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "b1", cfg.Backends[0].Label)
	assert.Equal(t, uint32(1), cfg.Backends[0].Weight)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "defaults.toml", minimalTOML))
	require.NoError(t, err)

	assert.Equal(t, DefaultAdminPort, cfg.AdminPort)
	assert.Equal(t, uint64(DefaultTimeoutSecs), cfg.Proxy.TimeoutSecs)
	assert.Equal(t, int64(DefaultMaxBodyBytes), cfg.Proxy.MaxBodyBytes)
	assert.Equal(t, DefaultHealthCheckConfig(), cfg.HealthCheck)
	assert.Equal(t, time.Second, cfg.KeyStore.RateWindow.Duration())
	assert.Equal(t, DefaultKeyPrefix, cfg.KeyStore.Prefix)
}

func TestLoad_PartialSectionKeepsOtherDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "partial.yaml", `
redis_url: redis://localhost
backends:
  - {label: b1, url: "http://localhost:9000", weight: 1}
health_check:
  max_slot_lag: 20
proxy:
  timeout_secs: 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(20), cfg.HealthCheck.MaxSlotLag)
	assert.Equal(t, DefaultHealthMethod, cfg.HealthCheck.Method)
	assert.Equal(t, uint32(DefaultFailuresThreshold), cfg.HealthCheck.ConsecutiveFailuresThreshold)
	assert.Equal(t, 7*time.Second, cfg.Proxy.Timeout())
	assert.Equal(t, int64(DefaultMaxBodyBytes), cfg.Proxy.MaxBodyBytes)
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestLoad_YAMLAndTOMLAgree(t *testing.T) {
	t.Parallel()

	yamlPath := writeConfig(t, "router.yaml", `
port: 8080
admin_port: 9191
redis_url: redis://localhost:6379
keystore:
  prefix: "test:"
  rate_window: 2s
backends:
  - label: primary
    url: https://node-a
    weight: 2
  - label: secondary
    url: https://node-b
    weight: 1
method_routes:
  getSlot: primary
health_check:
  method: getBlockHeight
  timeout_secs: 3
  interval_secs: 4
  max_slot_lag: 20
  consecutive_failures_threshold: 5
  consecutive_successes_threshold: 1
`)
	tomlPath := writeConfig(t, "router.toml", `
port = 8080
admin_port = 9191
redis_url = "redis://localhost:6379"

[keystore]
prefix = "test:"
rate_window = "2s"

[[backends]]
label = "primary"
url = "https://node-a"
weight = 2

[[backends]]
label = "secondary"
url = "https://node-b"
weight = 1

[method_routes]
getSlot = "primary"

[health_check]
method = "getBlockHeight"
timeout_secs = 3
interval_secs = 4
max_slot_lag = 20
consecutive_failures_threshold = 5
consecutive_successes_threshold = 1
`)

	fromYAML, err := Load(yamlPath)
	require.NoError(t, err)
	fromTOML, err := Load(tomlPath)
	require.NoError(t, err)

	assert.Equal(t, fromYAML, fromTOML)
	assert.Equal(t, 2*time.Second, fromTOML.KeyStore.RateWindow.Duration())
	assert.Equal(t, map[string]string{"getSlot": "primary"}, fromTOML.MethodRoutes)
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nonexistent_config.toml"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoad_InvalidTOML(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "broken.toml", "this is not valid toml {{{{"))

	require.Error(t, err)
	assert.NotEmpty(t, err.Error())
}

func TestLoad_InvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "broken.yaml", "port: [unterminated"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "YAML")
}

func TestLoad_ValidationFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name: "empty redis url",
			content: `
port = 8080
redis_url = ""

[[backends]]
label = "b1"
url = "http://localhost:9000"
weight = 1
`,
			want: []string{"Redis URL"},
		},
		{
			name: "no backends",
			content: `
port = 8080
redis_url = "redis://localhost"
backends = []
`,
			want: []string{"At least one backend"},
		},
		{
			name: "duplicate labels",
			content: `
port = 8080
redis_url = "redis://localhost"

[[backends]]
label = "same"
url = "http://localhost:9000"
weight = 1

[[backends]]
label = "same"
url = "http://localhost:9001"
weight = 1
`,
			want: []string{"Duplicate backend labels", "same"},
		},
		{
			name: "zero weight",
			content: `
port = 8080
redis_url = "redis://localhost"

[[backends]]
label = "bad-backend"
url = "http://localhost:9000"
weight = 0
`,
			want: []string{"weight 0", "bad-backend"},
		},
		{
			name: "empty label",
			content: `
port = 8080
redis_url = "redis://localhost"

[[backends]]
label = ""
url = "http://localhost:9000"
weight = 1
`,
			want: []string{"empty label"},
		},
		{
			name: "zero proxy timeout",
			content: `
port = 8080
redis_url = "redis://localhost"

[[backends]]
label = "b1"
url = "http://localhost:9000"
weight = 1

[proxy]
timeout_secs = 0
`,
			want: []string{"timeout_secs"},
		},
		{
			name: "unknown method route",
			content: `
port = 8080
redis_url = "redis://localhost"

[[backends]]
label = "b1"
url = "http://localhost:9000"
weight = 1

[method_routes]
getSlot = "nonexistent"
`,
			want: []string{"unknown backend label 'nonexistent'"},
		},
		{
			name: "zero health interval",
			content: `
port = 8080
redis_url = "redis://localhost"

[[backends]]
label = "b1"
url = "http://localhost:9000"
weight = 1

[health_check]
interval_secs = 0
`,
			want: []string{"interval_secs"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeConfig(t, strings.ReplaceAll(tt.name, " ", "_")+".toml", tt.content)
			_, err := Load(path)

			require.Error(t, err)
			for _, want := range tt.want {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("RPCGW_TEST_REDIS", "redis://cache:6379")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "set variable", input: "url: ${RPCGW_TEST_REDIS}", want: "url: redis://cache:6379"},
		{name: "default used", input: "url: ${RPCGW_TEST_UNSET:-redis://localhost}", want: "url: redis://localhost"},
		{name: "set wins over default", input: "${RPCGW_TEST_REDIS:-x}", want: "redis://cache:6379"},
		{name: "unset without default", input: "[${RPCGW_TEST_UNSET}]", want: "[]"},
		{name: "escaped dollar", input: "cost: $$5", want: "cost: $5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteEnvVars(tt.input))
		})
	}
}

func TestLoad_EnvSubstitution(t *testing.T) {
	t.Setenv("RPCGW_TEST_NODE", "https://node.example")

	path := writeConfig(t, "env.yaml", `
redis_url: ${RPCGW_TEST_REDIS_URL:-memory://}
backends:
  - label: b1
    url: ${RPCGW_TEST_NODE}
    weight: 1
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory://", cfg.RedisURL)
	assert.Equal(t, "https://node.example", cfg.Backends[0].URL)
}

func TestLoadConfigFromReader(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(minimalTOML), FormatTOML)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)

	_, err = LoadConfigFromReader(strings.NewReader("x"), Format("ini"))
	assert.Error(t, err)
}

func TestFormatFromPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FormatTOML, FormatFromPath("/etc/rpcgw/router.toml"))
	assert.Equal(t, FormatTOML, FormatFromPath("ROUTER.TOML"))
	assert.Equal(t, FormatYAML, FormatFromPath("router.yaml"))
	assert.Equal(t, FormatYAML, FormatFromPath("router"))
}

func TestResolveConfigPath(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "abs.yaml", "port: 1")
	resolved, err := ResolveConfigPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, resolved)

	_, err = ResolveConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoad_ShippedExamples(t *testing.T) {
	t.Parallel()

	yamlCfg, err := Load(filepath.Join("..", "..", "configs", "rpcgw.yaml"))
	require.NoError(t, err)
	assert.Len(t, yamlCfg.Backends, 3)
	assert.Equal(t, "archive", yamlCfg.MethodRoutes["getTransaction"])

	tomlCfg, err := Load(filepath.Join("..", "..", "configs", "rpcgw.toml"))
	require.NoError(t, err)
	assert.Equal(t, "memory://", tomlCfg.RedisURL)
	require.Len(t, tomlCfg.APIKeys, 1)
	assert.Equal(t, uint64(50), tomlCfg.APIKeys[0].RateLimit)
}

func TestRouterConfig_BackendLabels(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Empty(t, cfg.BackendLabels())

	cfg.Backends = []BackendConfig{
		{Label: "primary", URL: "http://a", Weight: 1},
		{Label: "archive", URL: "http://b", Weight: 1},
		{Label: "secondary", URL: "http://c", Weight: 1},
	}
	assert.Equal(t, []string{"primary", "archive", "secondary"}, cfg.BackendLabels())
}
