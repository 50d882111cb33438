package memquota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReserve(t *testing.T) {
	l := NewLedger()
	defer l.Close()
	ctx := context.Background()

	reserve := func(size uint64) bool {
		ok, err := l.Reserve(ctx, "example.com", "alice@example.com", size, 1000, time.Hour)
		require.NoError(t, err)
		return ok
	}

	require.True(t, reserve(400))
	require.True(t, reserve(600), "reservations up to exactly the budget should be granted")
	require.False(t, reserve(1), "a full window should refuse further reservations")

	ok, err := l.Reserve(ctx, "example.com", "bob@example.com", 1000, 1000, time.Hour)
	require.NoError(t, err)
	require.True(t, ok, "one requester's window should not affect another's")

	ok, err = l.Reserve(ctx, "other.org", "alice@example.com", 1000, 1000, time.Hour)
	require.NoError(t, err)
	require.True(t, ok, "windows are tracked per host")
}

func TestRefusalConsumesNothing(t *testing.T) {
	l := NewLedger()
	defer l.Close()
	ctx := context.Background()

	ok, err := l.Reserve(ctx, "example.com", "alice@example.com", 900, 1000, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Reserve(ctx, "example.com", "alice@example.com", 200, 1000, time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = l.Reserve(ctx, "example.com", "alice@example.com", 100, 1000, time.Hour)
	require.NoError(t, err)
	require.True(t, ok, "a refused reservation should leave the remaining budget intact")
}

func TestOversizeFirstReservation(t *testing.T) {
	l := NewLedger()
	defer l.Close()

	ok, err := l.Reserve(context.Background(), "example.com", "alice@example.com", 2000, 1000, time.Hour)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestShrunkBudget(t *testing.T) {
	l := NewLedger()
	defer l.Close()
	ctx := context.Background()

	ok, err := l.Reserve(ctx, "example.com", "alice@example.com", 800, 1000, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Reserve(ctx, "example.com", "alice@example.com", 1, 500, time.Hour)
	require.NoError(t, err)
	require.False(t, ok, "reservations already past a shrunken budget should refuse, not wrap")
}

func TestWindowExpiry(t *testing.T) {
	l := NewLedger()
	defer l.Close()
	ctx := context.Background()

	ok, err := l.Reserve(ctx, "example.com", "alice@example.com", 1000, 1000, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Reserve(ctx, "example.com", "alice@example.com", 1, 1000, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)

	require.Eventually(t, func() bool {
		ok, err := l.Reserve(ctx, "example.com", "alice@example.com", 1000, 1000, 50*time.Millisecond)
		return err == nil && ok
	}, 2*time.Second, 25*time.Millisecond, "the budget should replenish once the window lapses")
}

func TestConcurrentReservations(t *testing.T) {
	l := NewLedger()
	defer l.Close()
	ctx := context.Background()

	granted := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			ok, err := l.Reserve(ctx, "example.com", "alice@example.com", 10, 500, time.Hour)
			require.NoError(t, err)
			granted <- ok
		}()
	}

	grants := 0
	for i := 0; i < 100; i++ {
		if <-granted {
			grants++
		}
	}
	require.Equal(t, 50, grants, "exactly the budget's worth of reservations should win")
}
