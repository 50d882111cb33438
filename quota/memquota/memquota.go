// memquota implements a process-local quota.Ledger on top of an expiring
// cache. Counters live for one window from a requester's first reservation
// and vanish on their own afterwards.
package memquota

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/getlantern/slotd/identity"
	"github.com/getlantern/slotd/quota"
)

type window struct {
	reserved uint64
}

type ledger struct {
	windows *ttlcache.Cache[string, *window]
	mx      sync.Mutex
}

func NewLedger() quota.Ledger {
	windows := ttlcache.New[string, *window](
		ttlcache.WithDisableTouchOnHit[string, *window](),
	)
	go windows.Start()
	return &ledger{windows: windows}
}

func (l *ledger) Reserve(ctx context.Context, host string, requester identity.Requester, size uint64, budget uint64, windowLength time.Duration) (bool, error) {
	l.mx.Lock()
	defer l.mx.Unlock()

	key := host + "|" + string(requester)
	item := l.windows.Get(key)
	if item == nil {
		if size > budget {
			return false, nil
		}
		l.windows.Set(key, &window{reserved: size}, windowLength)
		return true, nil
	}

	w := item.Value()
	// The budget can shrink across reloads, so reserved may already exceed
	// it. Guard before subtracting to keep the arithmetic in range.
	if w.reserved >= budget || size > budget-w.reserved {
		return false, nil
	}
	w.reserved += size
	return true, nil
}

func (l *ledger) Close() error {
	l.windows.Stop()
	return nil
}
