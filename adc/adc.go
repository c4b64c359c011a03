// Package adc provides host-side analog peripheral drivers for the sampler:
// Linux IIO sysfs channels, Modbus input registers and a simulated channel.
package adc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/sensor-agent/sampler"
)

var (
	// ErrBusy is returned by Open while another handle owns the peripheral.
	ErrBusy = errors.New("adc: peripheral busy")
	// ErrClosed is returned when a closed handle is read.
	ErrClosed = errors.New("adc: handle closed")
	// ErrOutOfRange is returned for readings wider than the channel bitwidth.
	ErrOutOfRange = errors.New("adc: reading out of range")
)

// claim grants exclusive ownership of a peripheral to one handle at a time.
type claim struct {
	mu   sync.Mutex
	held bool
}

func (c *claim) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held {
		return ErrBusy
	}
	c.held = true
	return nil
}

func (c *claim) release() {
	c.mu.Lock()
	c.held = false
	c.mu.Unlock()
}

func checkRange(cfg sampler.ChannelConfig, raw int) (int, error) {
	if raw < 0 || (cfg.MaxRaw() > 0 && raw > cfg.MaxRaw()) {
		return 0, fmt.Errorf("%w: %d exceeds %d bit", ErrOutOfRange, raw, cfg.Bitwidth)
	}
	return raw, nil
}
