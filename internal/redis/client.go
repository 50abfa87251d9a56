// Package redis dials the Redis deployment backing the gateway's
// distributed rate limiter. Single-instance, sentinel, and cluster
// topologies are supported; the Client interface exposes only the
// commands the limiter scripts need, which keeps test doubles small.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/gateguard/gateguard/internal/config"
	goredis "github.com/redis/go-redis/v9"
)

// Client is what the rate limiter needs from go-redis. Both
// *goredis.Client and *goredis.ClusterClient satisfy it.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *goredis.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *goredis.Cmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// InitLogger routes go-redis internal logging (pool errors, retries,
// failover notices) through slog instead of log.Printf. Call once
// before the first client is built.
func InitLogger(logger *slog.Logger) {
	goredis.SetLogger(redisLogAdapter{logger: logger})
}

type redisLogAdapter struct {
	logger *slog.Logger
}

func (a redisLogAdapter) Printf(ctx context.Context, format string, v ...interface{}) {
	a.logger.WarnContext(ctx, fmt.Sprintf(format, v...), "component", "go-redis")
}

// NewClient dials Redis in the configured topology and confirms the
// connection with a Ping before handing the client out.
func NewClient(cfg config.RedisConfig) (Client, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	c, desc := s.dial()
	if err := c.Ping(context.Background()).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%s: %w", desc, err)
	}
	return c, nil
}

// settings is the resolved form of config.RedisConfig: durations
// parsed, secrets unwrapped, defaults filled in.
type settings struct {
	cfg          config.RedisConfig
	mode         config.RedisMode
	poolSize     int
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func resolve(cfg config.RedisConfig) (*settings, error) {
	s := &settings{cfg: cfg, mode: cfg.Mode, poolSize: cfg.PoolSize}
	if s.mode == "" {
		s.mode = config.RedisModeSingle
	}
	switch s.mode {
	case config.RedisModeSingle, config.RedisModeSentinel, config.RedisModeCluster:
	default:
		return nil, fmt.Errorf("unknown redis mode: %s", s.mode)
	}
	if s.poolSize <= 0 {
		s.poolSize = 10
	}

	var err error
	if s.dialTimeout, err = durOr(cfg.DialTimeout, 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}
	if s.readTimeout, err = durOr(cfg.ReadTimeout, 3*time.Second); err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	if s.writeTimeout, err = durOr(cfg.WriteTimeout, 3*time.Second); err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}
	return s, nil
}

// dial builds the go-redis client for the topology along with a short
// description used in connection error messages. MaxRetries -1 turns
// off go-redis per-command retries; the admission pipeline already
// fails open on limiter errors, so retrying would only add latency.
func (s *settings) dial() (Client, string) {
	const (
		maxRetries      = -1
		minRetryBackoff = 100 * time.Millisecond
		maxRetryBackoff = 5 * time.Second
	)

	switch s.mode {
	case config.RedisModeSentinel:
		return goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:       s.cfg.MasterName,
			SentinelAddrs:    s.cfg.Endpoints,
			SentinelUsername: s.cfg.SentinelUsername,
			SentinelPassword: s.cfg.SentinelPassword.Value(),
			Username:         s.cfg.Username,
			Password:         s.cfg.Password.Value(),
			DB:               s.cfg.DB,
			PoolSize:         s.poolSize,
			DialTimeout:      s.dialTimeout,
			ReadTimeout:      s.readTimeout,
			WriteTimeout:     s.writeTimeout,
			MaxRetries:       maxRetries,
			MinRetryBackoff:  minRetryBackoff,
			MaxRetryBackoff:  maxRetryBackoff,
			TLSConfig:        s.tlsConfig(),
		}), fmt.Sprintf("sentinel: connect via %v for master %q", s.cfg.Endpoints, s.cfg.MasterName)

	case config.RedisModeCluster:
		return goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:           s.cfg.Endpoints,
			Username:        s.cfg.Username,
			Password:        s.cfg.Password.Value(),
			PoolSize:        s.poolSize,
			DialTimeout:     s.dialTimeout,
			ReadTimeout:     s.readTimeout,
			WriteTimeout:    s.writeTimeout,
			MaxRetries:      maxRetries,
			MinRetryBackoff: minRetryBackoff,
			MaxRetryBackoff: maxRetryBackoff,
			TLSConfig:       s.tlsConfig(),
		}), fmt.Sprintf("cluster: connect to seeds %v", s.cfg.Endpoints)

	default:
		return goredis.NewClient(&goredis.Options{
			Addr:            s.cfg.Endpoints[0],
			Username:        s.cfg.Username,
			Password:        s.cfg.Password.Value(),
			DB:              s.cfg.DB,
			PoolSize:        s.poolSize,
			DialTimeout:     s.dialTimeout,
			ReadTimeout:     s.readTimeout,
			WriteTimeout:    s.writeTimeout,
			MaxRetries:      maxRetries,
			MinRetryBackoff: minRetryBackoff,
			MaxRetryBackoff: maxRetryBackoff,
			TLSConfig:       s.tlsConfig(),
		}), fmt.Sprintf("single: connect to %s", s.cfg.Endpoints[0])
	}
}

func (s *settings) tlsConfig() *tls.Config {
	if !s.cfg.TLS.Enabled {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.TLS.InsecureSkipVerify,
	}
}

func durOr(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	return time.ParseDuration(raw)
}

// IsNoScriptErr reports whether Redis rejected an EVALSHA because the
// Lua script is not cached on the server.
func IsNoScriptErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// transientMarkers are substrings of error messages that indicate the
// server is unreachable or not ready, rather than a command problem.
// CLUSTERDOWN and LOADING are Redis states that clear on their own.
var transientMarkers = []string{
	"connection refused", "connection reset", "broken pipe",
	"EOF", "no such host", "no route to host",
	"network is unreachable", "i/o timeout",
	"deadline exceeded", "CLUSTERDOWN", "LOADING",
}

// IsConnectivityErr reports whether err means Redis could not be
// reached. A canceled context is the caller giving up, not a
// connectivity problem, so it returns false.
func IsConnectivityErr(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// WarnInsecureRedis calls out a Redis TLS setup that skips certificate
// verification. Logged at startup so the condition is visible in every
// boot log, not just the config file.
func WarnInsecureRedis(cfgTLS config.RedisTLSConfig, logger interface{ Warn(string, ...any) }) {
	if cfgTLS.InsecureSkipVerify {
		logger.Warn("SECURITY WARNING: Redis TLS certificate verification is DISABLED (insecure_skip_verify=true). " +
			"This should NEVER be used in production, it exposes Redis traffic to man-in-the-middle attacks.")
	}
}
