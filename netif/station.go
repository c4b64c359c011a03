// Package netif implements the station transport on a host network
// interface. The operating system owns association and addressing; the
// station only reports what the interface does as link notifications.
package netif

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/eddielth/sensor-agent/link"
	"github.com/eddielth/sensor-agent/logger"
)

// ErrNotStarted is returned by Connect before Start.
var ErrNotStarted = errors.New("netif: station not started")

const (
	defaultConnectTimeout = 15 * time.Second
	defaultCheckInterval  = 250 * time.Millisecond
)

// interfaceState reports whether the interface is up and its addresses.
type interfaceState func(name string) (up bool, addrs []net.Addr, err error)

func osInterfaceState(name string) (bool, []net.Addr, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return false, nil, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return false, nil, err
	}
	return ifi.Flags&net.FlagUp != 0, addrs, nil
}

// Station watches one interface and implements link.Driver.
type Station struct {
	name           string
	connectTimeout time.Duration
	checkInterval  time.Duration
	state          interfaceState

	mu      sync.Mutex
	notify  link.Notify
	ctx     context.Context
	cancel  context.CancelFunc
	pending bool
}

// New creates a station bound to the named interface.
func New(name string, connectTimeout time.Duration) *Station {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &Station{
		name:           name,
		connectTimeout: connectTimeout,
		checkInterval:  defaultCheckInterval,
		state:          osInterfaceState,
	}
}

// Start checks that the interface exists and reports StationStarted.
func (s *Station) Start(cfg link.StationConfig, notify link.Notify) error {
	if _, _, err := s.state(s.name); err != nil {
		return fmt.Errorf("netif: interface %s: %w", s.name, err)
	}

	s.mu.Lock()
	s.notify = notify
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	logger.Info("netif: station on %s for network %q", s.name, cfg.SSID)
	go notify(link.Event{Kind: link.StationStarted})
	return nil
}

// Connect starts one asynchronous attempt to observe an address.
func (s *Station) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.notify == nil {
		return ErrNotStarted
	}
	if s.pending {
		return nil
	}
	s.pending = true
	go s.attempt(s.ctx, s.notify)
	return nil
}

// Stop cancels any attempt or supervision in flight.
func (s *Station) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *Station) attempt(ctx context.Context, notify link.Notify) {
	addr, err := s.awaitAddress(ctx)

	s.mu.Lock()
	s.pending = false
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		notify(link.Event{Kind: link.Disconnected, Reason: err.Error()})
		return
	}

	notify(link.Event{Kind: link.AddressAcquired, Addr: addr})
	s.supervise(ctx, addr, notify)
}

func (s *Station) awaitAddress(ctx context.Context) (netip.Addr, error) {
	deadline := time.NewTimer(s.connectTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		if addr, ok := s.currentAddress(); ok {
			return addr, nil
		}
		select {
		case <-ctx.Done():
			return netip.Addr{}, ctx.Err()
		case <-deadline.C:
			return netip.Addr{}, fmt.Errorf("no address on %s within %v", s.name, s.connectTimeout)
		case <-ticker.C:
		}
	}
}

// supervise reports a Disconnected once the address goes away.
func (s *Station) supervise(ctx context.Context, addr netip.Addr, notify link.Notify) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur, ok := s.currentAddress()
			if ok && cur == addr {
				continue
			}
			notify(link.Event{Kind: link.Disconnected, Reason: fmt.Sprintf("address %s lost on %s", addr, s.name)})
			return
		}
	}
}

// currentAddress returns the first global IPv4 address of an up interface.
func (s *Station) currentAddress() (netip.Addr, bool) {
	up, addrs, err := s.state(s.name)
	if err != nil || !up {
		return netip.Addr{}, false
	}
	for _, a := range addrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		ip := prefix.Addr()
		if ip.Is4() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			return ip, true
		}
	}
	return netip.Addr{}, false
}
