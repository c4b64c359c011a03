package sampler

import (
	"fmt"
	"math"
)

// Transfer function constants of the analog temperature sensor.
const (
	tempA      = 10.888
	tempB      = -0.00347
	tempRefMV  = 1777.3
	tempOffset = 30.0
)

// Temperature converts a sensor voltage in millivolts to degrees Celsius.
// Voltages outside the domain of the inverse quadratic return
// ErrDerivationUnavailable.
func Temperature(mv int) (float64, error) {
	radicand := tempA*tempA + 4*(-tempB)*(tempRefMV-float64(mv))
	if radicand < 0 || math.IsNaN(radicand) {
		return 0, fmt.Errorf("%w: %d mV: %w", ErrDerivationUnavailable, mv, ErrOutOfDomain)
	}
	t := (tempA-math.Sqrt(radicand))/(2*tempB) + tempOffset
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return 0, fmt.Errorf("%w: %d mV: %w", ErrDerivationUnavailable, mv, ErrOutOfDomain)
	}
	return t, nil
}

// DeriveTemperature computes the temperature for a sample. Uncalibrated
// samples return ErrDerivationUnavailable.
func DeriveTemperature(s Sample) (float64, error) {
	mv, ok := s.Voltage()
	if !ok {
		return 0, fmt.Errorf("%w: %w", ErrDerivationUnavailable, ErrNotCalibrated)
	}
	return Temperature(mv)
}
