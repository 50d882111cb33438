package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/slotd/config"
)

func TestParseRedisTLSURLPassword(t *testing.T) {
	useTLS, password, redisAddr, err := parseRedisURL("rediss://:password@localhost:6379")
	require.NoError(t, err)
	require.True(t, useTLS)
	require.Equal(t, "password", password)
	require.Equal(t, "localhost:6379", redisAddr)
}

func TestParseRedisNoTLSURLNoPassword(t *testing.T) {
	useTLS, password, redisAddr, err := parseRedisURL("redis://:@localhost:6379")
	require.NoError(t, err)
	require.False(t, useTLS)
	require.Equal(t, "", password)
	require.Equal(t, "localhost:6379", redisAddr)
}

func TestParseRedisURLMalformed(t *testing.T) {
	_, _, _, err := parseRedisURL("localhost:6379")
	require.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	oldPort, oldMetrics, oldRedis, oldKeyID, oldSecret :=
		httpPort, metricsAddr, redisURL, accessKeyID, accessKeySecret
	defer func() {
		httpPort, metricsAddr, redisURL, accessKeyID, accessKeySecret =
			oldPort, oldMetrics, oldRedis, oldKeyID, oldSecret
	}()

	httpPort = "9090"
	metricsAddr = ":9100"
	redisURL = "redis://:@localhost:6379"
	accessKeyID = "AKIAOVERRIDE"
	accessKeySecret = "oversecret"

	cfg := &config.Config{ListenAddr: ":8080"}
	cfg.Upload.AccessKeyID = "AKIAFILE"
	cfg.Upload.AccessKeySecret = "filesecret"
	applyEnvOverrides(cfg)

	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, ":9100", cfg.MetricsAddr)
	require.Equal(t, "redis://:@localhost:6379", cfg.RedisURL)
	require.Equal(t, "AKIAOVERRIDE", cfg.Upload.AccessKeyID)
	require.Equal(t, "oversecret", cfg.Upload.AccessKeySecret)

	httpPort, metricsAddr, redisURL, accessKeyID, accessKeySecret = "", "", "", "", ""
	applyEnvOverrides(cfg)
	require.Equal(t, ":9090", cfg.ListenAddr, "empty overrides should leave settings alone")
}
