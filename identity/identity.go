package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Requester identifies the entity asking the broker for something, as the
// fully-qualified address of the authenticated sender (e.g.
// "alice@example.com"). The transport authenticates it; the broker treats it
// as opaque except where noted below.
type Requester string

func (r Requester) String() string {
	return string(r)
}

// Hash returns the lowercase hex SHA-256 of the full address. Object paths
// embed this hash rather than the address itself, which namespaces objects
// per requester without revealing who uploaded them.
func (r Requester) Hash() string {
	sum := sha256.Sum256([]byte(r))
	return hex.EncodeToString(sum[:])
}

// Domain returns the domain part of the address (everything after the last
// "@"), or "" if the address has no domain part.
func (r Requester) Domain() string {
	idx := strings.LastIndex(string(r), "@")
	if idx < 0 {
		return ""
	}
	return string(r)[idx+1:]
}
