package keystore

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/rpcgw/internal/observability"
)

// Hash fields of a key record.
const (
	fieldOwner     = "owner"
	fieldRateLimit = "rate_limit"
	fieldActive    = "active"
)

// Script verdicts.
const (
	verdictInvalid     = 0
	verdictAccepted    = 1
	verdictRateLimited = 2
)

// validateScript checks the key record and counts the request in the
// current window.
// KEYS[1] = key record hash
// KEYS[2] = window counter
// ARGV[1] = window length in milliseconds
// Returns {verdict, owner, limit, count}.
var validateScript = redis.NewScript(`
	local rec = redis.call('HMGET', KEYS[1], 'owner', 'rate_limit', 'active')
	if not rec[1] then
		return {0}
	end
	if rec[3] ~= '1' and rec[3] ~= 'true' then
		return {0}
	end
	local limit = tonumber(rec[2]) or 0
	if limit == 0 then
		return {1, rec[1], 0, 0}
	end
	local count = redis.call('INCR', KEYS[2])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[2], ARGV[1])
	end
	if count > limit then
		return {2, rec[1], limit, count}
	end
	return {1, rec[1], limit, count}
`)

// storeMetrics holds operation metrics for a RedisStore.
type storeMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    prometheus.Counter
	connErrors prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	factory := promauto.With(reg)
	return &storeMetrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpcgw_keystore_operations_total",
				Help: "Total number of key store operations",
			},
			[]string{"operation", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpcgw_keystore_operation_duration_seconds",
				Help:    "Duration of key store operations in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),
		retries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rpcgw_keystore_connection_retries_total",
				Help: "Total number of Redis connection retry attempts",
			},
		),
		connErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rpcgw_keystore_connection_errors_total",
				Help: "Total number of Redis connection errors",
			},
		),
	}
}

func (m *storeMetrics) observe(op string, start time.Time, status string) {
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	m.operations.WithLabelValues(op, status).Inc()
}

// RedisStore implements KeyStore on Redis.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	window  time.Duration
	logger  observability.Logger
	metrics *storeMetrics
	now     func() time.Time
	closed  bool
	mu      sync.Mutex
}

// RedisConfig holds configuration for the Redis key store.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection URL.
	URL    string
	Prefix string

	// RateWindow is the length of the fixed counting window.
	RateWindow time.Duration

	// Connection pool settings
	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Backoff configuration for connection retries.
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	ConnectionRetries int

	Logger observability.Logger

	// Registerer receives the store metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	// Now overrides the clock used to pick the counting window.
	Now func() time.Time
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:               "redis://localhost:6379",
		Prefix:            "rpcgw:",
		RateWindow:        time.Second,
		PoolSize:          10,
		MinIdleConns:      2,
		MaxRetries:        3,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       3 * time.Second,
		WriteTimeout:      3 * time.Second,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		ConnectionRetries: 5,
	}
}

// NewRedisStore connects to Redis, retrying with decorrelated jitter
// backoff until the connection succeeds, ctx ends or the retries run out.
func NewRedisStore(ctx context.Context, config *RedisConfig) (*RedisStore, error) {
	config = normalizeRedisConfig(config)

	client, err := createRedisClient(config)
	if err != nil {
		return nil, err
	}

	store := &RedisStore{
		client:  client,
		prefix:  config.Prefix,
		window:  config.RateWindow,
		logger:  config.Logger,
		metrics: newStoreMetrics(config.Registerer),
		now:     config.Now,
	}

	if err := store.connectWithRetry(ctx, config); err != nil {
		_ = client.Close()
		return nil, err
	}

	return store, nil
}

func normalizeRedisConfig(config *RedisConfig) *RedisConfig {
	defaults := DefaultRedisConfig()
	if config == nil {
		config = defaults
	}
	normalized := *config

	if normalized.Prefix == "" {
		normalized.Prefix = defaults.Prefix
	}
	if normalized.RateWindow <= 0 {
		normalized.RateWindow = defaults.RateWindow
	}
	if normalized.DialTimeout <= 0 {
		normalized.DialTimeout = defaults.DialTimeout
	}
	if normalized.InitialBackoff <= 0 {
		normalized.InitialBackoff = defaults.InitialBackoff
	}
	if normalized.MaxBackoff <= 0 {
		normalized.MaxBackoff = defaults.MaxBackoff
	}
	if normalized.ConnectionRetries < 0 {
		normalized.ConnectionRetries = 0
	}
	if normalized.Logger == nil {
		normalized.Logger = observability.NopLogger()
	}
	if normalized.Now == nil {
		normalized.Now = time.Now
	}

	return &normalized
}

// createRedisClient parses the URL and applies pool settings on top of it.
func createRedisClient(config *RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.MaxRetries != 0 {
		opts.MaxRetries = config.MaxRetries
	}
	opts.DialTimeout = config.DialTimeout
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	return redis.NewClient(opts), nil
}

func (s *RedisStore) connectWithRetry(ctx context.Context, config *RedisConfig) error {
	backoff := newDecorrelatedJitterBackoff(config.InitialBackoff, config.MaxBackoff)

	totalTimeout := time.Duration(config.ConnectionRetries+1) * config.DialTimeout
	if totalTimeout > 2*time.Minute {
		totalTimeout = 2 * time.Minute
	}
	overallCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= config.ConnectionRetries; attempt++ {
		if err := overallCtx.Err(); err != nil {
			return fmt.Errorf("connection timeout exceeded: %w", err)
		}

		pingCtx, pingCancel := context.WithTimeout(overallCtx, config.DialTimeout)
		lastErr = s.client.Ping(pingCtx).Err()
		pingCancel()

		if lastErr == nil {
			if attempt > 0 {
				s.logger.Info("Redis connection established after retry",
					observability.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		s.metrics.connErrors.Inc()
		if attempt >= config.ConnectionRetries {
			break
		}

		wait := backoff.next(attempt)
		s.logger.Warn("Redis connection failed, retrying",
			observability.Int("attempt", attempt+1),
			observability.Int("max_retries", config.ConnectionRetries),
			observability.Duration("backoff", wait),
			observability.Error(lastErr),
		)
		s.metrics.retries.Inc()

		select {
		case <-overallCtx.Done():
			return fmt.Errorf("connection timeout exceeded during backoff: %w", overallCtx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("failed to connect to Redis after %d attempts: %w", config.ConnectionRetries+1, lastErr)
}

// decorrelatedJitterBackoff implements AWS-style decorrelated jitter backoff.
type decorrelatedJitterBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newDecorrelatedJitterBackoff(initial, maxDuration time.Duration) *decorrelatedJitterBackoff {
	return &decorrelatedJitterBackoff{
		initial: initial,
		max:     maxDuration,
		current: initial,
	}
}

// next returns min(cap, random_between(base, previous*3)).
func (b *decorrelatedJitterBackoff) next(attempt int) time.Duration {
	if attempt == 0 {
		b.current = b.initial
		return b.current
	}

	minBackoff := float64(b.initial)
	maxBackoff := float64(b.current) * 3
	backoff := minBackoff + jitterFraction()*(maxBackoff-minBackoff)

	if backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	b.current = time.Duration(backoff)
	return b.current
}

// jitterFraction returns a value in [0, 1).
func jitterFraction() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

func (s *RedisStore) recordKey(apiKey string) string {
	return s.prefix + "key:" + apiKey
}

func (s *RedisStore) windowKey(apiKey string) string {
	width := s.window.Milliseconds()
	if width <= 0 {
		width = 1
	}
	index := s.now().UnixMilli() / width
	return s.prefix + "rate:" + apiKey + ":" + strconv.FormatInt(index, 10)
}

// ValidateKey implements KeyStore.
func (s *RedisStore) ValidateKey(ctx context.Context, apiKey string) (*KeyInfo, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "validate", Err: err}
	}

	res, err := validateScript.Run(ctx, s.client,
		[]string{s.recordKey(apiKey), s.windowKey(apiKey)},
		max(s.window.Milliseconds(), 1),
	).Slice()
	if err != nil {
		s.metrics.observe("validate", start, "error")
		return nil, &StoreError{Op: "validate", Err: err}
	}

	verdict, info, err := parseVerdict(res)
	if err != nil {
		s.metrics.observe("validate", start, "error")
		return nil, &StoreError{Op: "validate", Err: err}
	}

	switch verdict {
	case verdictInvalid:
		s.metrics.observe("validate", start, "invalid")
		return nil, nil
	case verdictRateLimited:
		s.metrics.observe("validate", start, "rate_limited")
		return nil, ErrRateLimitExceeded
	default:
		s.metrics.observe("validate", start, "success")
		return info, nil
	}
}

func parseVerdict(res []interface{}) (int64, *KeyInfo, error) {
	if len(res) == 0 {
		return 0, nil, errors.New("empty script reply")
	}
	verdict, ok := res[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected verdict type %T", res[0])
	}
	if verdict == verdictInvalid {
		return verdict, nil, nil
	}
	if len(res) < 3 {
		return 0, nil, fmt.Errorf("short script reply: %d elements", len(res))
	}

	owner, ok := res[1].(string)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected owner type %T", res[1])
	}
	limit, ok := res[2].(int64)
	if !ok || limit < 0 {
		return 0, nil, fmt.Errorf("unexpected rate limit %v", res[2])
	}

	return verdict, &KeyInfo{Owner: owner, RateLimit: uint64(limit)}, nil
}

// CreateKey stores an active key record. An existing record is overwritten.
func (s *RedisStore) CreateKey(ctx context.Context, apiKey, owner string, rateLimit uint64) error {
	start := time.Now()

	err := s.client.HSet(ctx, s.recordKey(apiKey),
		fieldOwner, owner,
		fieldRateLimit, strconv.FormatUint(rateLimit, 10),
		fieldActive, "1",
	).Err()
	if err != nil {
		s.metrics.observe("create", start, "error")
		return &StoreError{Op: "create", Err: err}
	}

	s.metrics.observe("create", start, "success")
	return nil
}

// SetActive activates or deactivates an existing key. It reports whether
// the key exists.
func (s *RedisStore) SetActive(ctx context.Context, apiKey string, active bool) (bool, error) {
	start := time.Now()
	key := s.recordKey(apiKey)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		s.metrics.observe("set_active", start, "error")
		return false, &StoreError{Op: "set_active", Err: err}
	}
	if exists == 0 {
		s.metrics.observe("set_active", start, "not_found")
		return false, nil
	}

	value := "0"
	if active {
		value = "1"
	}
	if err := s.client.HSet(ctx, key, fieldActive, value).Err(); err != nil {
		s.metrics.observe("set_active", start, "error")
		return false, &StoreError{Op: "set_active", Err: err}
	}

	s.metrics.observe("set_active", start, "success")
	return true, nil
}

// DeleteKey removes a key record. It reports whether the key existed.
func (s *RedisStore) DeleteKey(ctx context.Context, apiKey string) (bool, error) {
	start := time.Now()

	n, err := s.client.Del(ctx, s.recordKey(apiKey)).Result()
	if err != nil {
		s.metrics.observe("delete", start, "error")
		return false, &StoreError{Op: "delete", Err: err}
	}

	s.metrics.observe("delete", start, "success")
	return n > 0, nil
}

// GetKey returns the stored record of a key regardless of its state, and
// whether it is active. A nil info means the key does not exist.
func (s *RedisStore) GetKey(ctx context.Context, apiKey string) (*KeyInfo, bool, error) {
	start := time.Now()

	fields, err := s.client.HGetAll(ctx, s.recordKey(apiKey)).Result()
	if err != nil {
		s.metrics.observe("get", start, "error")
		return nil, false, &StoreError{Op: "get", Err: err}
	}
	if len(fields) == 0 {
		s.metrics.observe("get", start, "not_found")
		return nil, false, nil
	}

	limit, err := strconv.ParseUint(fields[fieldRateLimit], 10, 64)
	if err != nil {
		limit = 0
	}
	active := fields[fieldActive] == "1" || fields[fieldActive] == "true"

	s.metrics.observe("get", start, "success")
	return &KeyInfo{Owner: fields[fieldOwner], RateLimit: limit}, active, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &StoreError{Op: "ping", Err: err}
	}
	return nil
}

// Close closes the Redis client. It is safe to call more than once.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}
