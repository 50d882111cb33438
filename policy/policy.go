// package policy defines the boundary to access-control evaluation. The
// broker never interprets rules itself, it only consumes allow/deny verdicts
// and fails closed when the oracle cannot answer.
package policy

import (
	"context"

	"github.com/getlantern/slotd/identity"
)

// Oracle evaluates a named access rule for a requester on a logical host.
type Oracle interface {
	// Allowed reports whether the named rule lets the requester through.
	// An error means the rule could not be evaluated, which callers treat
	// the same as a denial.
	Allowed(ctx context.Context, host string, rule string, requester identity.Requester) (bool, error)
}
