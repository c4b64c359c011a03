package link

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/eddielth/sensor-agent/logger"
)

const defaultQueueSize = 16

// Option configures a Machine.
type Option func(*Machine)

// WithOnConnected registers an observer for every transition into Connected.
func WithOnConnected(fn func(addr netip.Addr)) Option {
	return func(m *Machine) { m.onConnected = fn }
}

// WithOnFailed registers an observer for the transition into Failed.
func WithOnFailed(fn func()) Option {
	return func(m *Machine) { m.onFailed = fn }
}

// WithOnRetry registers an observer called with the new retry count.
func WithOnRetry(fn func(retries int)) Option {
	return func(m *Machine) { m.onRetry = fn }
}

// WithQueueSize sets the notification queue capacity.
func WithQueueSize(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.queue = make(chan Event, n)
		}
	}
}

// Machine supervises the station link. Handle is the only mutator of the
// link state; notifications queued through Notify are handled one at a time
// in arrival order.
type Machine struct {
	driver     Driver
	maxRetries int

	onConnected func(netip.Addr)
	onFailed    func()
	onRetry     func(int)

	queue chan Event
	done  chan struct{}

	// handleMu serialises whole notifications, observers included.
	handleMu sync.Mutex

	mu      sync.Mutex
	state   State
	retries int
	addr    netip.Addr
	settled chan struct{} // closed on Connected or Failed; re-armed when a connected link drops
	closed  bool
	started bool
}

// New creates a machine in Idle. A negative maxRetries selects DefaultMaxRetries.
func New(driver Driver, maxRetries int, opts ...Option) *Machine {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	m := &Machine{
		driver:     driver,
		maxRetries: maxRetries,
		queue:      make(chan Event, defaultQueueSize),
		done:       make(chan struct{}),
		settled:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the notification loop and starts the station driver. The
// loop runs until ctx is cancelled, at which point the driver is stopped.
func (m *Machine) Start(ctx context.Context, cfg StationConfig) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	// Notifications raised during driver start wait in the queue.
	if err := m.driver.Start(cfg, m.Notify); err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return fmt.Errorf("link: start station: %w", err)
	}
	go m.run(ctx)
	logger.Info("link: station starting, max retries %d", m.maxRetries)
	return nil
}

func (m *Machine) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			if err := m.driver.Stop(); err != nil {
				logger.Warn("link: stop station: %v", err)
			}
			return
		case ev := <-m.queue:
			m.Handle(ev)
		}
	}
}

// Notify queues a notification. It blocks only while the queue is full and
// drops the event once the machine has stopped.
func (m *Machine) Notify(ev Event) {
	select {
	case m.queue <- ev:
	case <-m.done:
	}
}

// Handle applies one notification. Observers run after the state lock is
// released.
func (m *Machine) Handle(ev Event) {
	var (
		connect   bool
		connected bool
		failed    bool
		retry     int
	)

	m.handleMu.Lock()
	defer m.handleMu.Unlock()

	m.mu.Lock()
	if m.state == Failed {
		m.mu.Unlock()
		logger.Debug("link: ignoring %s while failed", ev.Kind)
		return
	}

	switch ev.Kind {
	case StationStarted:
		if m.state == Connected {
			m.mu.Unlock()
			logger.Debug("link: station started while connected, ignored")
			return
		}
		m.state = Connecting
		connect = true

	case Disconnected:
		if m.state == Connected {
			m.settled = make(chan struct{})
			m.closed = false
		}
		m.addr = netip.Addr{}
		if m.retries < m.maxRetries {
			m.retries++
			retry = m.retries
			m.state = Connecting
			connect = true
		} else {
			m.state = Failed
			m.settle()
			failed = true
		}

	case AddressAcquired:
		m.retries = 0
		m.addr = ev.Addr
		m.state = Connected
		m.settle()
		connected = true

	default:
		m.mu.Unlock()
		logger.Warn("link: unknown notification %d", int(ev.Kind))
		return
	}
	m.mu.Unlock()

	switch {
	case retry > 0:
		logger.Info("link: disconnected (%s), retry %d/%d", ev.Reason, retry, m.maxRetries)
		if m.onRetry != nil {
			m.onRetry(retry)
		}
	case failed:
		logger.Error("link: disconnected (%s), giving up after %d retries", ev.Reason, m.maxRetries)
		if m.onFailed != nil {
			m.onFailed()
		}
	case connected:
		logger.Info("link: got address %s", ev.Addr)
		if m.onConnected != nil {
			m.onConnected(ev.Addr)
		}
	}

	if connect {
		m.connect()
	}
}

// settle fires the Connected-or-Failed signal. Caller holds mu.
func (m *Machine) settle() {
	if !m.closed {
		close(m.settled)
		m.closed = true
	}
}

// connect issues a connect request without waiting for its outcome. A request
// that cannot even be issued is reported back as a disconnect.
func (m *Machine) connect() {
	if err := m.driver.Connect(); err != nil {
		logger.Warn("link: connect request failed: %v", err)
		go m.Notify(Event{Kind: Disconnected, Reason: err.Error()})
	}
}

// Wait blocks until the link is Connected or Failed, or ctx is done.
func (m *Machine) Wait(ctx context.Context) (State, error) {
	m.mu.Lock()
	settled := m.settled
	m.mu.Unlock()

	select {
	case <-settled:
		return m.State(), nil
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

// Reset clears a terminal failure and issues a fresh connect request. It
// returns ErrStopped once the notification loop has exited.
func (m *Machine) Reset() error {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()

	select {
	case <-m.done:
		return ErrStopped
	default:
	}

	m.mu.Lock()
	if m.state != Failed {
		m.mu.Unlock()
		return ErrNotFailed
	}
	m.state = Connecting
	m.retries = 0
	m.settled = make(chan struct{})
	m.closed = false
	m.mu.Unlock()

	logger.Info("link: reset from failed state")
	m.connect()
	return nil
}

// State returns the current link state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Retries returns the current retry counter.
func (m *Machine) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// Address returns the assigned address; it is valid only while Connected.
func (m *Machine) Address() (netip.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr, m.state == Connected
}

// MaxRetries returns the retry budget.
func (m *Machine) MaxRetries() int {
	return m.maxRetries
}
