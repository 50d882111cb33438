package testsupport

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/getlantern/slotd/identity"
	"github.com/getlantern/slotd/router"
	"github.com/getlantern/slotd/signer"
)

// RouteOp is one mutation of a RecordingRouter's table.
type RouteOp struct {
	Register bool
	Address  string
}

func (op RouteOp) String() string {
	if op.Register {
		return "+" + op.Address
	}
	return "-" + op.Address
}

// RecordingRouter is a router.Router that remembers every mutation in the
// order it happened, so tests can assert on exactly how a table was
// reconciled. Individual registrations and unregistrations can be scripted
// to fail once.
type RecordingRouter struct {
	mx              sync.Mutex
	handlers        map[string]router.Handler
	ops             []RouteOp
	failRegisters   map[string]error
	failUnregisters map[string]error
}

func NewRecordingRouter() *RecordingRouter {
	return &RecordingRouter{
		handlers:        make(map[string]router.Handler),
		failRegisters:   make(map[string]error),
		failUnregisters: make(map[string]error),
	}
}

func (r *RecordingRouter) Register(addr string, handler router.Handler) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if err, failing := r.failRegisters[addr]; failing {
		delete(r.failRegisters, addr)
		return err
	}
	r.ops = append(r.ops, RouteOp{Register: true, Address: addr})
	r.handlers[addr] = handler
	return nil
}

func (r *RecordingRouter) Unregister(addr string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if err, failing := r.failUnregisters[addr]; failing {
		delete(r.failUnregisters, addr)
		return err
	}
	r.ops = append(r.ops, RouteOp{Address: addr})
	delete(r.handlers, addr)
	return nil
}

func (r *RecordingRouter) Lookup(addr string) router.Handler {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.handlers[addr]
}

// FailNextRegister makes the next registration of addr fail with err,
// without recording an op.
func (r *RecordingRouter) FailNextRegister(addr string, err error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.failRegisters[addr] = err
}

// FailNextUnregister makes the next unregistration of addr fail with err,
// without recording an op.
func (r *RecordingRouter) FailNextUnregister(addr string, err error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.failUnregisters[addr] = err
}

// Ops returns the mutations recorded so far, oldest first.
func (r *RecordingRouter) Ops() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	ops := make([]string, 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, op.String())
	}
	return ops
}

// Addresses returns the currently registered addresses, sorted.
func (r *RecordingRouter) Addresses() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	addrs := make([]string, 0, len(r.handlers))
	for addr := range r.handlers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Reset forgets the recorded mutations. The table itself is kept.
func (r *RecordingRouter) Reset() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.ops = nil
}

// SignCall is one invocation of a RecordingSigner.
type SignCall struct {
	Creds    signer.Credentials
	Method   string
	Target   *url.URL
	ValidFor time.Duration
}

// RecordingSigner is a signer.Signer that stamps URLs instead of signing
// them and remembers every call, so tests can recognize its output and
// assert on how often it ran.
type RecordingSigner struct {
	mx    sync.Mutex
	calls []SignCall
	err   error
}

func NewRecordingSigner() *RecordingSigner {
	return &RecordingSigner{}
}

func (s *RecordingSigner) SignURL(creds signer.Credentials, method string, target *url.URL, validFor time.Duration) (*url.URL, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	recorded := *target
	s.calls = append(s.calls, SignCall{Creds: creds, Method: method, Target: &recorded, ValidFor: validFor})

	signed := *target
	q := signed.Query()
	q.Set("signature", fmt.Sprintf("%v-%v-%d", creds.AccessKeyID, method, len(s.calls)))
	signed.RawQuery = q.Encode()
	return &signed, nil
}

// Fail makes every subsequent call fail with err.
func (s *RecordingSigner) Fail(err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.err = err
}

// Calls returns the invocations recorded so far.
func (s *RecordingSigner) Calls() []SignCall {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]SignCall(nil), s.calls...)
}

func (s *RecordingSigner) SignCount() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.calls)
}

// PolicyQuery is one question asked of a ScriptedOracle.
type PolicyQuery struct {
	Host      string
	Rule      string
	Requester identity.Requester
}

// ScriptedOracle is a policy.Oracle with fixed per-requester answers: deny
// for requesters it was told to deny, allow for everyone else. It can also
// be made to fail outright, for exercising fail-closed handling.
type ScriptedOracle struct {
	mx      sync.Mutex
	denied  map[identity.Requester]bool
	err     error
	queries []PolicyQuery
}

func NewScriptedOracle() *ScriptedOracle {
	return &ScriptedOracle{denied: make(map[identity.Requester]bool)}
}

func (o *ScriptedOracle) Allowed(ctx context.Context, host string, rule string, requester identity.Requester) (bool, error) {
	o.mx.Lock()
	defer o.mx.Unlock()
	if o.err != nil {
		return false, o.err
	}
	o.queries = append(o.queries, PolicyQuery{Host: host, Rule: rule, Requester: requester})
	return !o.denied[requester], nil
}

// Deny makes the oracle answer false for the given requesters.
func (o *ScriptedOracle) Deny(requesters ...identity.Requester) {
	o.mx.Lock()
	defer o.mx.Unlock()
	for _, requester := range requesters {
		o.denied[requester] = true
	}
}

// Fail makes every subsequent query fail with err.
func (o *ScriptedOracle) Fail(err error) {
	o.mx.Lock()
	defer o.mx.Unlock()
	o.err = err
}

// Queries returns the questions asked so far.
func (o *ScriptedOracle) Queries() []PolicyQuery {
	o.mx.Lock()
	defer o.mx.Unlock()
	return append([]PolicyQuery(nil), o.queries...)
}

// ReserveCall is one reservation attempted against a RecordingLedger.
type ReserveCall struct {
	Host      string
	Requester identity.Requester
	Size      uint64
	Budget    uint64
	Window    time.Duration
}

// RecordingLedger is a quota.Ledger over a plain in-memory balance that
// never expires, remembering every reservation attempted.
type RecordingLedger struct {
	mx       sync.Mutex
	reserved map[string]uint64
	calls    []ReserveCall
	err      error
}

func NewRecordingLedger() *RecordingLedger {
	return &RecordingLedger{reserved: make(map[string]uint64)}
}

func (l *RecordingLedger) Reserve(ctx context.Context, host string, requester identity.Requester, size uint64, budget uint64, window time.Duration) (bool, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.err != nil {
		return false, l.err
	}
	l.calls = append(l.calls, ReserveCall{Host: host, Requester: requester, Size: size, Budget: budget, Window: window})
	key := host + "|" + requester.String()
	if l.reserved[key] >= budget || size > budget-l.reserved[key] {
		return false, nil
	}
	l.reserved[key] += size
	return true, nil
}

func (l *RecordingLedger) Close() error {
	return nil
}

// Fail makes every subsequent reservation fail with err.
func (l *RecordingLedger) Fail(err error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.err = err
}

// Calls returns the reservations attempted so far.
func (l *RecordingLedger) Calls() []ReserveCall {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]ReserveCall(nil), l.calls...)
}

// Reserved returns how many bytes the requester has successfully reserved.
func (l *RecordingLedger) Reserved(host string, requester identity.Requester) uint64 {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.reserved[host+"|"+requester.String()]
}
