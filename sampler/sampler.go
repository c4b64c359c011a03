package sampler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/sensor-agent/logger"
)

// Sample is one reading. It is never modified after Sample returns it.
type Sample struct {
	raw     int
	voltage int
	hasMV   bool
	scheme  SchemeKind
	cycle   uint64
}

func (s Sample) Raw() int { return s.raw }

// Voltage returns the calibrated voltage in millivolts. ok is false when the
// reading could not be calibrated.
func (s Sample) Voltage() (mv int, ok bool) { return s.voltage, s.hasMV }

// Scheme reports which calibration produced the voltage.
func (s Sample) Scheme() SchemeKind { return s.scheme }

// Cycle is the sequence number of the sample call that produced the reading.
func (s Sample) Cycle() uint64 { return s.cycle }

// Sampler reads one analog channel and calibrates the result with the first
// scheme that supports it. The peripheral and calibration are acquired and
// released within each Sample call.
type Sampler struct {
	driver  Driver
	cfg     ChannelConfig
	schemes []Scheme

	mu    sync.Mutex
	cycle uint64
}

// New creates a sampler. Schemes are tried in the given order.
func New(driver Driver, cfg ChannelConfig, schemes ...Scheme) *Sampler {
	return &Sampler{
		driver:  driver,
		cfg:     cfg,
		schemes: schemes,
	}
}

func (s *Sampler) Channel() ChannelConfig { return s.cfg }

// Sample takes one reading. Only peripheral failures are errors; a missing
// or failing calibration yields a sample without voltage.
func (s *Sampler) Sample() (sample Sample, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycle++
	sample.cycle = s.cycle

	h, err := s.driver.Open(s.cfg)
	if err != nil {
		return sample, fmt.Errorf("sampler: open %s: %w", s.cfg, err)
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			logger.Warn("sampler: close %s: %v", s.cfg, cerr)
		}
	}()

	cal := s.calibrate()
	defer func() {
		if rerr := cal.Release(); rerr != nil {
			logger.Warn("sampler: release %s calibration: %v", cal.Kind(), rerr)
		}
	}()

	raw, err := h.Read()
	if err != nil {
		return sample, fmt.Errorf("sampler: read %s: %w", s.cfg, err)
	}
	sample.raw = raw

	if !cal.Valid() {
		logger.Debug("sampler: cycle %d raw %d (uncalibrated)", sample.cycle, raw)
		return sample, nil
	}

	mv, err := cal.Convert(raw)
	if err != nil {
		logger.Warn("sampler: convert raw %d with %s: %v", raw, cal.Kind(), err)
		return sample, nil
	}
	sample.voltage = mv
	sample.hasMV = true
	sample.scheme = cal.Kind()
	logger.Debug("sampler: cycle %d raw %d -> %d mV (%s)", sample.cycle, raw, mv, cal.Kind())
	return sample, nil
}

// calibrate returns a handle for the first scheme that succeeds, or a None
// handle when no scheme can serve the channel.
func (s *Sampler) calibrate() *CalibrationHandle {
	for _, scheme := range s.schemes {
		cal, err := scheme.Create(s.cfg)
		if err == nil {
			return newHandle(s.cfg, scheme.Kind(), cal)
		}
		if errors.Is(err, ErrSchemeNotSupported) {
			logger.Debug("sampler: %s not supported on %s", scheme.Kind(), s.cfg)
		} else {
			logger.Warn("sampler: %s calibration on %s: %v", scheme.Kind(), s.cfg, err)
		}
	}
	return newHandle(s.cfg, SchemeNone, nil)
}
