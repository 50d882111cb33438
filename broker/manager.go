package broker

import (
	"sort"
	"strings"
	"sync"

	"github.com/getlantern/errors"
)

// Manager owns one Process per configured logical host and is the unit the
// daemon drives: initial start, configuration reloads, shutdown. Hosts are
// independent of each other, so one host failing to reload never disturbs
// the others.
type Manager struct {
	opts      *Opts
	processes map[string]*Process
	mx        sync.Mutex
}

func NewManager(opts *Opts) (*Manager, error) {
	opts.ApplyDefaults()
	if err := opts.check(); err != nil {
		return nil, err
	}
	return &Manager{
		opts:      opts,
		processes: make(map[string]*Process),
	}, nil
}

// Start brings up one process per host. It fails fast: the first host that
// cannot start takes down the ones already started and nothing stays
// registered.
func (m *Manager) Start(hosts []string, cfg *Config) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	for _, host := range dedupeHosts(hosts) {
		proc, err := New(host, cfg, m.opts)
		if err == nil {
			err = proc.Start()
			if err != nil {
				proc.Stop()
			}
		}
		if err != nil {
			m.stopAll()
			return errors.New("unable to start process for %v: %v", host, err)
		}
		m.processes[proc.LogicalHost()] = proc
	}
	return nil
}

// Reload converges the set of running processes onto the new host list and
// hands the new configuration to the survivors. Processes for added hosts
// are started, processes for removed hosts are stopped, and every host that
// appears in both lists keeps serving throughout, on its new parameters
// afterwards. Failures are per-host: the first error is returned, but every
// host still gets its chance to converge.
func (m *Manager) Reload(hosts []string, cfg *Config) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	next := dedupeHosts(hosts)
	keep := make(map[string]bool, len(next))
	added := make(map[string]bool, len(next))
	var firstErr error

	for _, host := range next {
		keep[host] = true
		if _, found := m.processes[host]; found {
			continue
		}
		proc, err := New(host, cfg, m.opts)
		if err == nil {
			err = proc.Start()
			if err != nil {
				proc.Stop()
			}
		}
		if err != nil {
			log.Errorf("unable to start process for added host %v: %v", host, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.processes[host] = proc
		added[host] = true
	}

	for host, proc := range m.processes {
		if !keep[host] {
			proc.Stop()
			delete(m.processes, host)
			continue
		}
		if added[host] {
			continue
		}
		if err := proc.Reload(cfg); err != nil {
			log.Errorf("unable to reload %v: %v", host, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stop halts every process, blocking until all of them have unregistered
// and exited.
func (m *Manager) Stop() {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.stopAll()
}

// Hosts returns the logical hosts currently served, sorted.
func (m *Manager) Hosts() []string {
	m.mx.Lock()
	defer m.mx.Unlock()

	hosts := make([]string, 0, len(m.processes))
	for host := range m.processes {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func (m *Manager) stopAll() {
	for host, proc := range m.processes {
		proc.Stop()
		delete(m.processes, host)
	}
}

func dedupeHosts(hosts []string) []string {
	deduped := make([]string, 0, len(hosts))
	seen := make(map[string]bool, len(hosts))
	for _, host := range hosts {
		host = strings.ToLower(host)
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		deduped = append(deduped, host)
	}
	return deduped
}
