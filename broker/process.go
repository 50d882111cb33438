package broker

import (
	"strings"
	"sync"
	"time"

	"github.com/getlantern/errors"

	"github.com/getlantern/slotd/model"
	"github.com/getlantern/slotd/policy"
	"github.com/getlantern/slotd/quota"
	"github.com/getlantern/slotd/router"
	"github.com/getlantern/slotd/signer"
	"github.com/getlantern/slotd/telemetry"
)

const (
	eventBacklog = 1024
)

// Process is the long-lived actor serving one logical host. Every protocol
// exchange and reconfiguration for the host funnels through its event loop,
// one at a time. The loop is the only goroutine that reads or replaces the
// current ServiceParameters and the only place the router's table is touched
// on the host's behalf, which is what makes snapshot replacement atomic and
// route reconciliation race-free without any locking.
type Process struct {
	logicalHost       string
	rtr               router.Router
	signer            signer.Signer
	oracle            policy.Oracle
	ledger            quota.Ledger
	translator        Translator
	extenders         []DiscoExtender
	dependencyTimeout time.Duration

	mb     model.MessageBuilder
	params *ServiceParameters

	events   chan interface{}
	stop     chan interface{}
	stopped  chan interface{}
	stopOnce sync.Once
}

type exchangeEvent struct {
	exchange *router.Exchange
}

type startEvent struct {
	done chan error
}

type reloadEvent struct {
	cfg  *Config
	done chan error
}

// New constructs the Process for one logical host. The initial
// ServiceParameters are built here, so configuration problems surface
// before anything is registered; the endpoint addresses only start
// answering once Start is called. cfg and opts have their defaults applied
// in place and belong to the process afterwards.
func New(logicalHost string, cfg *Config, opts *Opts) (*Process, error) {
	opts.ApplyDefaults()
	if err := opts.check(); err != nil {
		return nil, err
	}
	if logicalHost == "" {
		return nil, errors.New("please specify a logical host")
	}
	cfg.ApplyDefaults()
	if cfg.QuotaPerRequester > 0 && opts.Ledger == nil {
		return nil, errors.New("quota of %d bytes configured but no Ledger available", cfg.QuotaPerRequester)
	}

	logicalHost = strings.ToLower(logicalHost)
	params, err := buildServiceParameters(logicalHost, cfg)
	if err != nil {
		return nil, errors.New("unable to build parameters for %v: %v", logicalHost, err)
	}

	p := &Process{
		logicalHost:       logicalHost,
		rtr:               opts.Router,
		signer:            opts.Signer,
		oracle:            opts.Oracle,
		ledger:            opts.Ledger,
		translator:        opts.Translator,
		extenders:         opts.Extenders,
		dependencyTimeout: opts.DependencyTimeout,
		params:            params,
		events:            make(chan interface{}, eventBacklog),
		stop:              make(chan interface{}),
		stopped:           make(chan interface{}),
	}
	go p.loop()
	return p, nil
}

// Start registers the process's endpoint addresses and begins answering on
// them. A registration failure leaves nothing registered and is fatal to
// the start; the process should then be stopped.
func (p *Process) Start() error {
	done := make(chan error, 1)
	select {
	case p.events <- &startEvent{done: done}:
	case <-p.stopped:
		return errors.New("process for %v is stopped", p.logicalHost)
	}
	select {
	case err := <-done:
		return err
	case <-p.stopped:
		return errors.New("process for %v is stopped", p.logicalHost)
	}
}

// Deliver queues one inbound exchange for the event loop. It implements
// router.Handler, so registering the process with a router is what makes
// its addresses live. Exchanges still queued when the process stops are
// dropped without a reply.
func (p *Process) Deliver(exchange *router.Exchange) error {
	// The events channel is buffered, so without this check an exchange
	// could be queued after the loop has already exited.
	select {
	case <-p.stopped:
		return errors.New("process for %v is stopped", p.logicalHost)
	default:
	}
	select {
	case p.events <- &exchangeEvent{exchange: exchange}:
		return nil
	case <-p.stopped:
		return errors.New("process for %v is stopped", p.logicalHost)
	}
}

// Reload hands the process new configuration and waits for the outcome.
// The swap is transactional: if the new parameters cannot be built or their
// addresses cannot be reconciled, the process keeps answering with the
// previous parameters and Reload returns the error. Exchanges already
// queued ahead of the reload are answered under the old parameters,
// everything after under the new ones.
func (p *Process) Reload(cfg *Config) error {
	done := make(chan error, 1)
	select {
	case p.events <- &reloadEvent{cfg: cfg, done: done}:
	case <-p.stopped:
		return errors.New("process for %v is stopped", p.logicalHost)
	}
	select {
	case err := <-done:
		return err
	case <-p.stopped:
		return errors.New("process for %v is stopped", p.logicalHost)
	}
}

// Stop unregisters the process's addresses and halts its event loop,
// blocking until the loop has exited. Stopping twice is fine.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	<-p.stopped
}

// LogicalHost returns the host this process serves.
func (p *Process) LogicalHost() string {
	return p.logicalHost
}

func (p *Process) loop() {
	defer close(p.stopped)

	for {
		select {
		case <-p.stop:
			// Best-effort on the way out, a failed unregister must not keep
			// the process alive.
			for _, addr := range p.params.EndpointAddresses {
				if err := p.rtr.Unregister(addr); err != nil {
					log.Errorf("unable to unregister %v for %v: %v", addr, p.logicalHost, err)
				}
			}
			p.params = nil
			return
		case event := <-p.events:
			switch e := event.(type) {
			case *exchangeEvent:
				p.handleExchange(e.exchange)
			case *startEvent:
				e.done <- p.handleStart()
			case *reloadEvent:
				e.done <- p.handleReload(e.cfg)
			default:
				log.Errorf("ignoring unexpected %T event for %v", event, p.logicalHost)
			}
		}
	}
}

func (p *Process) handleStart() error {
	if err := reconcileRoutes(p.rtr, p, nil, p.params.EndpointAddresses); err != nil {
		return errors.New("unable to register addresses for %v: %v", p.logicalHost, err)
	}
	log.Debugf("%v answering on %v", p.logicalHost, p.params.EndpointAddresses)
	return nil
}

func (p *Process) handleReload(cfg *Config) error {
	cfg.ApplyDefaults()
	if cfg.QuotaPerRequester > 0 && p.ledger == nil {
		telemetry.Reloads.WithLabelValues(p.logicalHost, "rejected").Inc()
		return errors.New("quota of %d bytes configured but no Ledger available", cfg.QuotaPerRequester)
	}
	newParams, err := buildServiceParameters(p.logicalHost, cfg)
	if err != nil {
		telemetry.Reloads.WithLabelValues(p.logicalHost, "rejected").Inc()
		return errors.New("unable to build parameters for %v: %v", p.logicalHost, err)
	}
	if err := reconcileRoutes(p.rtr, p, p.params.EndpointAddresses, newParams.EndpointAddresses); err != nil {
		telemetry.Reloads.WithLabelValues(p.logicalHost, "failed").Inc()
		return errors.New("unable to reconcile routes for %v, keeping previous parameters: %v", p.logicalHost, err)
	}
	p.params = newParams
	telemetry.Reloads.WithLabelValues(p.logicalHost, "applied").Inc()
	log.Debugf("%v reloaded, answering on %v", p.logicalHost, newParams.EndpointAddresses)
	return nil
}
