package adc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eddielth/sensor-agent/sampler"
)

// IIO reads a Linux Industrial I/O voltage channel through sysfs, for example
// /sys/bus/iio/devices/iio:device0/in_voltage6_raw. It also serves the
// channel's scale and offset as line-fitting coefficients.
type IIO struct {
	claim
	dir string
}

// NewIIO creates a driver for the IIO device directory.
func NewIIO(dir string) *IIO {
	return &IIO{dir: dir}
}

func (d *IIO) rawPath(channel int) string {
	return filepath.Join(d.dir, fmt.Sprintf("in_voltage%d_raw", channel))
}

func (d *IIO) Open(cfg sampler.ChannelConfig) (sampler.Handle, error) {
	path := d.rawPath(cfg.Channel)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("adc: iio channel %d: %w", cfg.Channel, err)
	}
	if err := d.acquire(); err != nil {
		return nil, err
	}
	return &iioHandle{drv: d, cfg: cfg, path: path}, nil
}

// LineCoefficients derives mV = (raw + offset) * scale from the channel's
// scale and offset attributes, preferring per-channel over shared ones.
func (d *IIO) LineCoefficients(cfg sampler.ChannelConfig) (float64, float64, error) {
	scale, err := d.attribute(cfg.Channel, "scale")
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, fmt.Errorf("%w: iio device has no scale", sampler.ErrSchemeNotSupported)
	}
	if err != nil {
		return 0, 0, err
	}
	offset, err := d.attribute(cfg.Channel, "offset")
	if errors.Is(err, os.ErrNotExist) {
		offset = 0
	} else if err != nil {
		return 0, 0, err
	}
	return scale, offset * scale, nil
}

func (d *IIO) attribute(channel int, name string) (float64, error) {
	candidates := []string{
		filepath.Join(d.dir, fmt.Sprintf("in_voltage%d_%s", channel, name)),
		filepath.Join(d.dir, "in_voltage_"+name),
	}
	for _, path := range candidates {
		b, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
		if err != nil {
			return 0, fmt.Errorf("adc: parse %s: %w", path, err)
		}
		return v, nil
	}
	return 0, os.ErrNotExist
}

type iioHandle struct {
	drv    *IIO
	cfg    sampler.ChannelConfig
	path   string
	closed bool
}

func (h *iioHandle) Read() (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	b, err := os.ReadFile(h.path)
	if err != nil {
		return 0, fmt.Errorf("adc: read %s: %w", h.path, err)
	}
	raw, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("adc: parse %s: %w", h.path, err)
	}
	return checkRange(h.cfg, raw)
}

func (h *iioHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.drv.release()
	return nil
}
