package memrouter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/slotd/router"
)

type countingHandler struct {
	delivered int
}

func (h *countingHandler) Deliver(exchange *router.Exchange) error {
	h.delivered++
	return nil
}

func TestRegisterLookupUnregister(t *testing.T) {
	r := New()
	h := &countingHandler{}

	require.Nil(t, r.Lookup("upload.example.com"))

	require.NoError(t, r.Register("upload.example.com", h))
	require.Same(t, router.Handler(h), r.Lookup("upload.example.com"))

	replacement := &countingHandler{}
	require.NoError(t, r.Register("upload.example.com", replacement),
		"re-registering an address should replace, not fail")
	require.Same(t, router.Handler(replacement), r.Lookup("upload.example.com"))

	require.NoError(t, r.Unregister("upload.example.com"))
	require.Nil(t, r.Lookup("upload.example.com"))

	require.NoError(t, r.Unregister("upload.example.com"),
		"unregistering an unknown address should not fail")
}
