package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gateguard/gateguard/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	t.Run("single instance", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := NewClient(config.RedisConfig{
			Endpoints: []string{mr.Addr()},
			Mode:      config.RedisModeSingle,
		})
		require.NoError(t, err)
		defer client.Close()

		assert.NoError(t, client.Ping(context.Background()).Err())
	})

	t.Run("unreachable single instance fails the startup ping", func(t *testing.T) {
		_, err := NewClient(config.RedisConfig{
			Endpoints:   []string{"127.0.0.1:1"},
			Mode:        config.RedisModeSingle,
			DialTimeout: "100ms",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "single: connect")
	})

	t.Run("unreachable cluster seeds fail the startup ping", func(t *testing.T) {
		_, err := NewClient(config.RedisConfig{
			Endpoints:   []string{"127.0.0.1:1", "127.0.0.1:2"},
			Mode:        config.RedisModeCluster,
			DialTimeout: "100ms",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cluster: connect")
	})

	t.Run("unknown mode is rejected before dialing", func(t *testing.T) {
		_, err := NewClient(config.RedisConfig{
			Endpoints: []string{"redis:6379"},
			Mode:      "magic",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown redis mode")
	})
}

func TestResolve(t *testing.T) {
	t.Run("fills defaults", func(t *testing.T) {
		s, err := resolve(config.RedisConfig{Endpoints: []string{"redis:6379"}})
		require.NoError(t, err)

		assert.Equal(t, config.RedisModeSingle, s.mode)
		assert.Equal(t, 10, s.poolSize)
		assert.Equal(t, "5s", s.dialTimeout.String())
		assert.Equal(t, "3s", s.readTimeout.String())
		assert.Equal(t, "3s", s.writeTimeout.String())
	})

	t.Run("honors explicit settings", func(t *testing.T) {
		s, err := resolve(config.RedisConfig{
			Endpoints:    []string{"redis:6379"},
			Mode:         config.RedisModeSingle,
			PoolSize:     20,
			DialTimeout:  "10s",
			ReadTimeout:  "5s",
			WriteTimeout: "5s",
		})
		require.NoError(t, err)

		assert.Equal(t, 20, s.poolSize)
		assert.Equal(t, "10s", s.dialTimeout.String())
		assert.Equal(t, "5s", s.readTimeout.String())
	})

	t.Run("rejects malformed durations", func(t *testing.T) {
		_, err := resolve(config.RedisConfig{
			Endpoints:   []string{"redis:6379"},
			DialTimeout: "soon",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dial_timeout")
	})
}

func TestIsNoScriptErr(t *testing.T) {
	assert.True(t, IsNoScriptErr(fmt.Errorf("NOSCRIPT No matching script")))
	assert.False(t, IsNoScriptErr(nil))
	assert.False(t, IsNoScriptErr(fmt.Errorf("WRONGTYPE Operation against a key")))
}

func TestIsConnectivityErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled context", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"connection refused", fmt.Errorf("dial tcp: connection refused"), true},
		{"eof", fmt.Errorf("read tcp: EOF"), true},
		{"cluster down", fmt.Errorf("CLUSTERDOWN The cluster is down"), true},
		{"loading dataset", fmt.Errorf("LOADING Redis is loading the dataset in memory"), true},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("boom")}, true},
		{"command error", fmt.Errorf("ERR value is not an integer"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsConnectivityErr(tc.err))
		})
	}
}

func TestTLSConfig(t *testing.T) {
	t.Run("nil when disabled", func(t *testing.T) {
		s := &settings{cfg: config.RedisConfig{}}
		assert.Nil(t, s.tlsConfig())
	})

	t.Run("skip verify carries through", func(t *testing.T) {
		s := &settings{cfg: config.RedisConfig{
			TLS: config.RedisTLSConfig{Enabled: true, InsecureSkipVerify: true},
		}}
		tlsCfg := s.tlsConfig()
		require.NotNil(t, tlsCfg)
		assert.True(t, tlsCfg.InsecureSkipVerify)
	})
}
