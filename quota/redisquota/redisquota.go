// redisquota provides an implementation of the ../quota.Ledger interface
// backed by a Redis database. It can run on a cluster.
//
// It uses the following data model:
//
//   quota:{<host>}:<requester> - bytes reserved by a requester on a host during the current window
//
// The {} braces around host indicate that the host is used as the sharding
// key when running on a Redis cluster. Reservations are atomic: concurrent
// requests can never jointly overshoot the budget, and a refused reservation
// is rolled back without burning budget.
package redisquota

import (
	"context"
	_ "embed"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/getlantern/errors"

	"github.com/getlantern/slotd/identity"
	"github.com/getlantern/slotd/quota"
)

const (
	loadTimeout = 10 * time.Second
)

//go:embed reserve.lua
var reserveScript []byte

// NewLedger constructs a new Redis-backed Ledger that connects with the given client.
func NewLedger(client *redis.Client) (quota.Ledger, error) {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	reserveScriptSHA, err := client.ScriptLoad(ctx, string(reserveScript)).Result()
	if err != nil {
		return nil, errors.New("unable to load reserveScript: %v", err)
	}
	return &ledger{
		client:           client,
		reserveScriptSHA: reserveScriptSHA,
	}, nil
}

type ledger struct {
	client           *redis.Client
	reserveScriptSHA string
}

func (l *ledger) Reserve(ctx context.Context, host string, requester identity.Requester, size uint64, budget uint64, window time.Duration) (bool, error) {
	result, err := l.client.EvalSha(ctx,
		l.reserveScriptSHA,
		[]string{quotaKey(host, requester)},
		strconv.FormatUint(size, 10),
		strconv.FormatUint(budget, 10),
		strconv.FormatInt(window.Milliseconds(), 10)).Result()
	if err != nil {
		return false, err
	}
	granted, ok := result.(int64)
	if !ok {
		return false, errors.New("unexpected reserveScript result %v", result)
	}
	return granted == 1, nil
}

func (l *ledger) Close() error {
	return l.client.Close()
}

func quotaKey(host string, requester identity.Requester) string {
	return "quota:{" + host + "}:" + string(requester)
}
