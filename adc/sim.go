package adc

import (
	"sync"

	"github.com/eddielth/sensor-agent/sampler"
)

// Sim is a simulated channel. It returns the configured readings in turn,
// repeating the last one.
type Sim struct {
	claim

	mu       sync.Mutex
	readings []int
	next     int
}

// NewSim creates a simulated channel.
func NewSim(readings ...int) *Sim {
	if len(readings) == 0 {
		readings = []int{0}
	}
	return &Sim{readings: readings}
}

func (s *Sim) Open(cfg sampler.ChannelConfig) (sampler.Handle, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	return &simHandle{sim: s, cfg: cfg}, nil
}

func (s *Sim) reading() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.readings[s.next]
	if s.next < len(s.readings)-1 {
		s.next++
	}
	return v
}

type simHandle struct {
	sim    *Sim
	cfg    sampler.ChannelConfig
	closed bool
}

func (h *simHandle) Read() (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	return checkRange(h.cfg, h.sim.reading())
}

func (h *simHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.sim.release()
	return nil
}
