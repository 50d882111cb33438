package broker

import (
	"testing"

	"github.com/getlantern/errors"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/slotd/router"
)

// routeLog is a router that records mutations as "+addr" / "-addr" strings,
// so ordering assertions read naturally.
type routeLog struct {
	ops             []string
	handlers        map[string]router.Handler
	failRegisters   map[string]error
	failUnregisters map[string]error
}

func newRouteLog() *routeLog {
	return &routeLog{
		handlers:        make(map[string]router.Handler),
		failRegisters:   make(map[string]error),
		failUnregisters: make(map[string]error),
	}
}

func (l *routeLog) Register(addr string, handler router.Handler) error {
	if err, failing := l.failRegisters[addr]; failing {
		delete(l.failRegisters, addr)
		return err
	}
	l.ops = append(l.ops, "+"+addr)
	l.handlers[addr] = handler
	return nil
}

func (l *routeLog) Unregister(addr string) error {
	if err, failing := l.failUnregisters[addr]; failing {
		delete(l.failUnregisters, addr)
		return err
	}
	l.ops = append(l.ops, "-"+addr)
	delete(l.handlers, addr)
	return nil
}

func (l *routeLog) Lookup(addr string) router.Handler {
	return l.handlers[addr]
}

type discardHandler struct{}

func (h discardHandler) Deliver(exchange *router.Exchange) error {
	return nil
}

func TestReconcileRoutesInitial(t *testing.T) {
	l := newRouteLog()
	err := reconcileRoutes(l, discardHandler{}, nil, []string{"a.example", "b.example"})
	require.NoError(t, err)
	require.Equal(t, []string{"+a.example", "+b.example"}, l.ops)
}

func TestReconcileRoutesIdenticalSetsTouchNothing(t *testing.T) {
	l := newRouteLog()
	addrs := []string{"a.example", "b.example"}
	require.NoError(t, reconcileRoutes(l, discardHandler{}, nil, addrs))
	l.ops = nil

	require.NoError(t, reconcileRoutes(l, discardHandler{}, addrs, addrs))
	require.Empty(t, l.ops)
}

func TestReconcileRoutesRegistersBeforeUnregistering(t *testing.T) {
	l := newRouteLog()
	require.NoError(t, reconcileRoutes(l, discardHandler{}, nil, []string{"a.example"}))
	l.ops = nil

	require.NoError(t, reconcileRoutes(l, discardHandler{}, []string{"a.example"}, []string{"b.example"}))
	require.Equal(t, []string{"+b.example", "-a.example"}, l.ops)
}

func TestReconcileRoutesLeavesOverlapAlone(t *testing.T) {
	l := newRouteLog()
	require.NoError(t, reconcileRoutes(l, discardHandler{}, nil, []string{"a.example", "b.example"}))
	l.ops = nil

	require.NoError(t, reconcileRoutes(l, discardHandler{},
		[]string{"a.example", "b.example"}, []string{"b.example", "c.example"}))
	require.Equal(t, []string{"+c.example", "-a.example"}, l.ops)
	require.NotNil(t, l.Lookup("b.example"))
}

func TestReconcileRoutesRepeatedTransitionConverges(t *testing.T) {
	l := newRouteLog()
	old := []string{"a.example"}
	next := []string{"b.example"}
	require.NoError(t, reconcileRoutes(l, discardHandler{}, nil, old))

	require.NoError(t, reconcileRoutes(l, discardHandler{}, old, next))
	require.NoError(t, reconcileRoutes(l, discardHandler{}, old, next))
	require.Nil(t, l.Lookup("a.example"))
	require.NotNil(t, l.Lookup("b.example"))
}

func TestReconcileRoutesUnwindsOnRegisterFailure(t *testing.T) {
	l := newRouteLog()
	require.NoError(t, reconcileRoutes(l, discardHandler{}, nil, []string{"a.example"}))
	l.ops = nil

	l.failRegisters["c.example"] = errors.New("table full")
	err := reconcileRoutes(l, discardHandler{}, []string{"a.example"}, []string{"b.example", "c.example"})
	require.Error(t, err)
	require.NotNil(t, l.Lookup("a.example"), "the old address should still be answering")
	require.Nil(t, l.Lookup("b.example"), "the partial addition should have been unwound")
	require.Nil(t, l.Lookup("c.example"))

	// A retry after the failure clears converges normally.
	require.NoError(t, reconcileRoutes(l, discardHandler{}, []string{"a.example"}, []string{"b.example", "c.example"}))
	require.Nil(t, l.Lookup("a.example"))
	require.NotNil(t, l.Lookup("b.example"))
	require.NotNil(t, l.Lookup("c.example"))
}

func TestReconcileRoutesUnwindsOnUnregisterFailure(t *testing.T) {
	l := newRouteLog()
	require.NoError(t, reconcileRoutes(l, discardHandler{}, nil, []string{"a.example", "b.example"}))
	l.ops = nil

	l.failUnregisters["b.example"] = errors.New("table busy")
	err := reconcileRoutes(l, discardHandler{},
		[]string{"a.example", "b.example"}, []string{"c.example"})
	require.Error(t, err)
	require.NotNil(t, l.Lookup("a.example"), "the removed address should have been restored")
	require.NotNil(t, l.Lookup("b.example"))
	require.Nil(t, l.Lookup("c.example"), "the addition should have been unwound")
}
