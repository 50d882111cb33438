// package router defines the boundary to the transport-side message router.
// Brokers register the virtual endpoint addresses they answer to; transports
// look those addresses up to deliver inbound exchanges.
package router

import (
	"github.com/getlantern/slotd/identity"
	"github.com/getlantern/slotd/model"
)

// Exchange is one inbound protocol message together with everything a
// handler needs to answer it.
type Exchange struct {
	// From is the authenticated requester the transport bound the message to
	From identity.Requester
	// To is the endpoint address the message was sent to
	To string
	// Language is the requester's declared preference for human-readable text
	Language string
	// Message is the decoded envelope
	Message model.Message
	// Reply carries an answer back through the transport. It may be called
	// at most once per exchange and must be safe to call from a goroutine
	// other than the delivering one.
	Reply func(model.Message)
}

// Handler consumes exchanges delivered to a registered address.
type Handler interface {
	// Deliver hands one exchange to the handler. A non-nil error means the
	// handler could not accept it at all; replies, including protocol-level
	// errors, travel through exchange.Reply instead.
	Deliver(exchange *Exchange) error
}

// Router maintains the table of addressable endpoints.
type Router interface {
	// Register makes handler answer for addr. Registering an address that
	// is already taken replaces the previous registration and is not an
	// error.
	Register(addr string, handler Handler) error

	// Unregister removes addr from the table. Unregistering an address that
	// was never registered is not an error.
	Unregister(addr string) error

	// Lookup returns the handler registered for addr, or nil if there is
	// none.
	Lookup(addr string) Handler
}
