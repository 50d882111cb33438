package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	require.Equal(t,
		"ff8d9819fc0e12bf0d24892e45987e249a28dce836a85cad60e28eaaa8c6d976",
		Requester("alice@example.com").Hash())
	require.Equal(t,
		"686b5e4cf4f963adf8f51468a48028ef8d15bd02fa335f821279a3d1678c9615",
		Requester("bob@example.org").Hash())
	require.NotEqual(t, Requester("alice@example.com").Hash(), Requester("alice@example.org").Hash())
}

func TestDomain(t *testing.T) {
	require.Equal(t, "example.com", Requester("alice@example.com").Domain())
	require.Equal(t, "example.com", Requester(`weird"user"@example.com`).Domain())
	require.Equal(t, "", Requester("nodomain").Domain())
	require.Equal(t, "", Requester("trailing@").Domain())
}
