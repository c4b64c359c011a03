package link

import (
	"errors"
	"net/netip"
)

// DefaultMaxRetries is the number of reconnect attempts before the link fails.
const DefaultMaxRetries = 5

// State is the connectivity state of the station link.
type State int

const (
	// Idle is the state before the station has started.
	Idle State = iota
	// Connecting means a connect request is outstanding.
	Connecting
	// Connected means an address has been assigned.
	Connected
	// Failed is terminal until Reset.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind identifies a notification from the station transport.
type EventKind int

const (
	// StationStarted is emitted once the station interface is up.
	StationStarted EventKind = iota
	// Disconnected is emitted when a connect attempt fails or the link drops.
	Disconnected
	// AddressAcquired is emitted when the station obtains an address.
	AddressAcquired
)

func (k EventKind) String() string {
	switch k {
	case StationStarted:
		return "station_started"
	case Disconnected:
		return "disconnected"
	case AddressAcquired:
		return "address_acquired"
	default:
		return "unknown"
	}
}

// Event is one notification delivered by the station transport.
type Event struct {
	Kind EventKind
	// Addr is set for AddressAcquired.
	Addr netip.Addr
	// Reason optionally describes a Disconnected event.
	Reason string
}

// StationConfig is the network identity handed to the driver. Both fields are
// opaque to this package.
type StationConfig struct {
	SSID     string
	Password string
}

// Notify delivers an event to the state machine.
type Notify func(Event)

// Driver is the station transport beneath the link.
//
// Connect only issues the request; its outcome arrives later through the
// Notify function passed to Start.
type Driver interface {
	Start(cfg StationConfig, notify Notify) error
	Connect() error
	Stop() error
}

var (
	// ErrNotFailed is returned by Reset when the link is not in Failed.
	ErrNotFailed = errors.New("link: reset requires failed state")
	// ErrAlreadyStarted is returned by Start when the machine is running.
	ErrAlreadyStarted = errors.New("link: already started")
	// ErrStopped is returned by Reset after the notification loop has exited.
	ErrStopped = errors.New("link: stopped")
)
