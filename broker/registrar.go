package broker

import (
	"github.com/getlantern/errors"

	"github.com/getlantern/slotd/router"
)

// reconcileRoutes converges the router's table from the old address set to
// the new one on behalf of handler. Additions are registered before stale
// addresses are unregistered, so overlapping old and new sets never pass
// through a moment with no addressable endpoint. Addresses present in both
// sets are not touched at all: an unregister/register cycle would open a
// visible delivery gap on an address that never actually changed.
//
// Reconciling identical sets performs no router calls, and reconciling the
// same transition twice leaves the same table as reconciling it once. On
// failure the mutations already made are unwound, so the table is back to
// the old set and a later retry starts from a known state.
func reconcileRoutes(r router.Router, handler router.Handler, oldAddresses, newAddresses []string) error {
	oldSet := make(map[string]bool, len(oldAddresses))
	for _, addr := range oldAddresses {
		oldSet[addr] = true
	}
	newSet := make(map[string]bool, len(newAddresses))
	for _, addr := range newAddresses {
		newSet[addr] = true
	}

	var registered, unregistered []string
	unwind := func() {
		for _, addr := range unregistered {
			if err := r.Register(addr, handler); err != nil {
				log.Errorf("unable to restore %v while unwinding: %v", addr, err)
			}
		}
		for _, addr := range registered {
			if err := r.Unregister(addr); err != nil {
				log.Errorf("unable to remove %v while unwinding: %v", addr, err)
			}
		}
	}

	for _, addr := range newAddresses {
		if oldSet[addr] {
			continue
		}
		if err := r.Register(addr, handler); err != nil {
			unwind()
			return errors.New("unable to register %v: %v", addr, err)
		}
		registered = append(registered, addr)
	}
	for _, addr := range oldAddresses {
		if newSet[addr] {
			continue
		}
		if err := r.Unregister(addr); err != nil {
			unwind()
			return errors.New("unable to unregister %v: %v", addr, err)
		}
		unregistered = append(unregistered, addr)
	}
	return nil
}
