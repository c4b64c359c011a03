package adc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goburrow/modbus"

	"github.com/eddielth/sensor-agent/sampler"
)

// ModbusConfig locates an analog input register on a Modbus TCP module.
type ModbusConfig struct {
	Endpoint string
	SlaveID  uint8
	// Register is the input register of channel 0; channel n reads
	// Register+n.
	Register uint16
	Timeout  time.Duration
}

// Modbus treats a remote analog-input module as the ADC. A TCP connection is
// opened per handle and closed with it.
type Modbus struct {
	claim
	cfg  ModbusConfig
	dial func(ModbusConfig) (modbus.Client, io.Closer, error)
}

// NewModbus creates a Modbus-backed driver.
func NewModbus(cfg ModbusConfig) (*Modbus, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("adc modbus: endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Modbus{cfg: cfg, dial: dialTCP}, nil
}

func dialTCP(cfg ModbusConfig) (modbus.Client, io.Closer, error) {
	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.SlaveID

	if err := h.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(h), h, nil
}

func (d *Modbus) Open(cfg sampler.ChannelConfig) (sampler.Handle, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	client, conn, err := d.dial(d.cfg)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("adc modbus: connect %s: %w", d.cfg.Endpoint, err)
	}
	return &modbusHandle{
		drv:    d,
		cfg:    cfg,
		client: client,
		conn:   conn,
		addr:   d.cfg.Register + uint16(cfg.Channel),
	}, nil
}

type modbusHandle struct {
	drv    *Modbus
	cfg    sampler.ChannelConfig
	client modbus.Client
	conn   io.Closer
	addr   uint16
	closed bool
}

func (h *modbusHandle) Read() (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	b, err := h.client.ReadInputRegisters(h.addr, 1)
	if err != nil {
		return 0, fmt.Errorf("adc modbus: read input register %d: %w", h.addr, err)
	}
	if len(b) < 2 {
		return 0, fmt.Errorf("adc modbus: short response (%d bytes)", len(b))
	}
	return checkRange(h.cfg, int(binary.BigEndian.Uint16(b)))
}

func (h *modbusHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	defer h.drv.release()
	return h.conn.Close()
}
