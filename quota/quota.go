// package quota defines the boundary to upload-budget accounting. A ledger
// answers one question: may this requester reserve this many more bytes
// right now?
package quota

import (
	"context"
	"time"

	"github.com/getlantern/slotd/identity"
)

// Ledger tracks bytes reserved per requester per logical host inside a
// fixed window that starts at the requester's first reservation.
type Ledger interface {
	// Reserve books size bytes against the requester's budget on the given
	// host. It returns false when the reservation would push the requester
	// past budget inside the current window; a refused reservation consumes
	// no budget. An error means the ledger could not answer, which callers
	// treat the same as a refusal.
	Reserve(ctx context.Context, host string, requester identity.Requester, size uint64, budget uint64, window time.Duration) (bool, error)

	// Close releases the ledger's resources.
	Close() error
}
