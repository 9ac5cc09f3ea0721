package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds Redis connection and behavior settings. An empty URL
// disables the status cache.
type RedisConfig struct {
	URL                string
	Stream             string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	StatusTTL          time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// Enabled reports whether a Redis URL was configured.
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// ServerConfig holds listener addresses and storage locations.
type ServerConfig struct {
	HTTPAddr    string
	GRPCAddr    string
	DatabaseURL string
	JournalPath string
	LogLevel    string
	AppEnv      string
	// ShutdownTimeout bounds the graceful drain of servers and sagas.
	ShutdownTimeout time.Duration
}

// OrdersConfig holds order saga behavior settings.
type OrdersConfig struct {
	ReviewTimeout       time.Duration
	ReviewTimeoutPolicy string
	// ExecutionTimeout bounds a whole order run. Zero disables the bound.
	ExecutionTimeout time.Duration
	// FailureRate injects transient ledger failures with this probability.
	FailureRate float64
	FailureSeed int64
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:                strings.TrimSpace(os.Getenv("REDIS_URL")),
		Stream:             strings.TrimSpace(os.Getenv("REDIS_STREAM")),
		HealthcheckTimeout: 2 * time.Second,
	}
	if !cfg.Enabled() {
		return cfg, nil
	}

	var err error
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if d, err := optionalDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	} else if d != nil {
		cfg.HealthcheckTimeout = *d
	}
	if cfg.StatusTTL, err = requiredDuration("REDIS_STATUS_TTL"); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = requiredInt64("REDIS_STREAM_MAXLEN"); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadServer reads listener and storage settings from env.
func LoadServer() (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddr:    stringOr("HTTP_ADDR", ":8080"),
		GRPCAddr:    stringOr("GRPC_ADDR", ":50051"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		JournalPath: stringOr("JOURNAL_PATH", "trellis-journal.db"),
		LogLevel:    stringOr("LOG_LEVEL", "info"),
		AppEnv:      strings.TrimSpace(os.Getenv("APP_ENV")),
	}
	timeout, err := optionalDuration("SHUTDOWN_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	cfg.ShutdownTimeout = 10 * time.Second
	if timeout != nil {
		cfg.ShutdownTimeout = *timeout
	}
	return cfg, nil
}

// DefaultOrderExecutionTimeout bounds order runs when ORDER_EXECUTION_TIMEOUT is unset.
const DefaultOrderExecutionTimeout = 24 * time.Hour

// LoadOrders reads order saga settings from env.
func LoadOrders() (OrdersConfig, error) {
	cfg := OrdersConfig{
		ReviewTimeoutPolicy: stringOr("ORDER_REVIEW_TIMEOUT_POLICY", "wait"),
	}
	timeout, err := optionalDuration("ORDER_REVIEW_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	if timeout != nil {
		cfg.ReviewTimeout = *timeout
	}
	cfg.ExecutionTimeout = DefaultOrderExecutionTimeout
	execTimeout, err := optionalDuration("ORDER_EXECUTION_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	if execTimeout != nil {
		cfg.ExecutionTimeout = *execTimeout
	}
	if cfg.FailureRate, err = optionalFloat("ORDER_FAILURE_RATE"); err != nil {
		return cfg, err
	}
	if cfg.FailureRate > 1 {
		return cfg, errors.New("ORDER_FAILURE_RATE must be <= 1")
	}
	seed, err := optionalInt("ORDER_FAILURE_SEED")
	if err != nil {
		return cfg, err
	}
	cfg.FailureSeed = time.Now().UnixNano()
	if seed != nil {
		cfg.FailureSeed = int64(*seed)
	}
	return cfg, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func optionalFloat(name string) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func stringOr(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredInt64(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
