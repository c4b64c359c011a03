package sampler

import "errors"

var (
	// ErrSchemeNotSupported is returned by Scheme.Create when the scheme
	// cannot serve the channel. The sampler moves on to the next scheme.
	ErrSchemeNotSupported = errors.New("sampler: calibration scheme not supported")

	// ErrNotCalibrated is returned when a conversion is requested without a
	// valid calibration.
	ErrNotCalibrated = errors.New("sampler: no calibration available")

	// ErrDerivationUnavailable is returned when a derived quantity cannot be
	// computed for a reading.
	ErrDerivationUnavailable = errors.New("sampler: derivation unavailable")

	// ErrOutOfDomain marks a voltage outside the transfer function's domain.
	ErrOutOfDomain = errors.New("sampler: voltage outside transfer function domain")

	// ErrReleased is returned when a released calibration is used.
	ErrReleased = errors.New("sampler: calibration released")
)
