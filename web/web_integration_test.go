//go:build integrationtest && !smoketest
// +build integrationtest,!smoketest

package web_test

import (
	"github.com/go-redis/redis/v8"

	"github.com/getlantern/slotd/quota/redisquota"

	"testing"

	"github.com/stretchr/testify/require"
)

func TestWebSocketUploadWithRealLedger(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:     "localhost:6379",
		Password: "", // no password set
		DB:       0,  // use default DB
	})
	ledger, err := redisquota.NewLedger(client)
	require.NoError(t, err)
	defer ledger.Close()

	testWebSocketUpload(t, ledger)
}
