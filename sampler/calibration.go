package sampler

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// SchemeKind names a calibration scheme.
type SchemeKind int

const (
	SchemeNone SchemeKind = iota
	SchemeCurveFitting
	SchemeLineFitting
)

func (k SchemeKind) String() string {
	switch k {
	case SchemeCurveFitting:
		return "curve_fitting"
	case SchemeLineFitting:
		return "line_fitting"
	default:
		return "none"
	}
}

// ParseSchemeKind maps a configured scheme name to its kind.
func ParseSchemeKind(s string) (SchemeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "curve_fitting", "curve":
		return SchemeCurveFitting, nil
	case "line_fitting", "line":
		return SchemeLineFitting, nil
	default:
		return SchemeNone, fmt.Errorf("sampler: unknown calibration scheme %q", s)
	}
}

// Scheme creates calibrations for a channel. Create returns
// ErrSchemeNotSupported when the scheme has nothing for the channel.
type Scheme interface {
	Kind() SchemeKind
	Create(cfg ChannelConfig) (Calibration, error)
}

// Calibration converts raw readings to millivolts until released.
type Calibration interface {
	Convert(raw int) (int, error)
	Release() error
}

// CalibrationHandle wraps the calibration chosen for one sample. A handle of
// kind SchemeNone never converts.
type CalibrationHandle struct {
	cfg  ChannelConfig
	kind SchemeKind
	cal  Calibration

	mu       sync.Mutex
	released bool
}

func newHandle(cfg ChannelConfig, kind SchemeKind, cal Calibration) *CalibrationHandle {
	if cal == nil {
		kind = SchemeNone
	}
	return &CalibrationHandle{cfg: cfg, kind: kind, cal: cal}
}

func (h *CalibrationHandle) Kind() SchemeKind { return h.kind }

func (h *CalibrationHandle) Channel() ChannelConfig { return h.cfg }

// Valid reports whether the handle can convert.
func (h *CalibrationHandle) Valid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kind != SchemeNone && !h.released
}

// Convert returns the calibrated voltage in millivolts.
func (h *CalibrationHandle) Convert(raw int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.kind == SchemeNone {
		return 0, ErrNotCalibrated
	}
	if h.released {
		return 0, ErrReleased
	}
	return h.cal.Convert(raw)
}

// Release frees the underlying calibration. It is safe to call more than once.
func (h *CalibrationHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	if h.cal == nil {
		return nil
	}
	return h.cal.Release()
}

// CurveFitting converts with a polynomial per attenuation:
// mV = c0 + c1*raw + c2*raw^2 + ...
type CurveFitting struct {
	Coefficients map[Attenuation][]float64
}

func (CurveFitting) Kind() SchemeKind { return SchemeCurveFitting }

func (c CurveFitting) Create(cfg ChannelConfig) (Calibration, error) {
	coeffs := c.Coefficients[cfg.Attenuation]
	if len(coeffs) == 0 {
		return nil, fmt.Errorf("%w: no curve for %s", ErrSchemeNotSupported, cfg.Attenuation)
	}
	return &polynomial{coeffs: append([]float64(nil), coeffs...)}, nil
}

type polynomial struct {
	coeffs []float64
}

func (p *polynomial) Convert(raw int) (int, error) {
	// Horner's method, highest order first.
	x := float64(raw)
	var mv float64
	for i := len(p.coeffs) - 1; i >= 0; i-- {
		mv = mv*x + p.coeffs[i]
	}
	return toMillivolts(mv)
}

func (p *polynomial) Release() error { return nil }

// LineSource yields line-fitting coefficients for a channel.
type LineSource interface {
	LineCoefficients(cfg ChannelConfig) (gain, offsetMV float64, err error)
}

// StaticLine is a fixed line taken from configuration. A zero gain means no
// line is configured.
type StaticLine struct {
	Gain     float64
	OffsetMV float64
}

func (s StaticLine) LineCoefficients(ChannelConfig) (float64, float64, error) {
	if s.Gain == 0 {
		return 0, 0, ErrSchemeNotSupported
	}
	return s.Gain, s.OffsetMV, nil
}

// LineFitting converts with mV = raw*gain + offset.
type LineFitting struct {
	Source LineSource
}

func (LineFitting) Kind() SchemeKind { return SchemeLineFitting }

func (l LineFitting) Create(cfg ChannelConfig) (Calibration, error) {
	if l.Source == nil {
		return nil, ErrSchemeNotSupported
	}
	gain, offset, err := l.Source.LineCoefficients(cfg)
	if err != nil {
		return nil, err
	}
	if gain == 0 || math.IsNaN(gain) || math.IsInf(gain, 0) {
		return nil, fmt.Errorf("%w: unusable gain %v", ErrSchemeNotSupported, gain)
	}
	return &line{gain: gain, offset: offset}, nil
}

type line struct {
	gain, offset float64
}

func (l *line) Convert(raw int) (int, error) {
	return toMillivolts(float64(raw)*l.gain + l.offset)
}

func (l *line) Release() error { return nil }

func toMillivolts(v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxInt32 {
		return 0, fmt.Errorf("sampler: conversion produced %v", v)
	}
	return int(math.Round(v)), nil
}
