// Package agent sequences bring-up of the store, the station link and the
// broker bridge, then runs the periodic sample and publish cycle.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddielth/sensor-agent/link"
	"github.com/eddielth/sensor-agent/logger"
	"github.com/eddielth/sensor-agent/metrics"
	"github.com/eddielth/sensor-agent/mqtt"
	"github.com/eddielth/sensor-agent/sampler"
	"github.com/eddielth/sensor-agent/store"
	"github.com/eddielth/sensor-agent/validator"
)

var (
	// ErrStoreInit is returned when the store cannot be initialized even
	// after one erase.
	ErrStoreInit = errors.New("agent: store initialization failed")
	// ErrLinkFailed is returned when the station link has exhausted its
	// retries. Networked operation stops; the process may stay up.
	ErrLinkFailed = errors.New("agent: station link failed")
)

// Provisioning keys.
const (
	KeySSID     = "wifi.ssid"
	KeyPassword = "wifi.password"
	KeyBroker   = "mqtt.broker"
	KeyDeviceID = "device.id"
)

// Link is the station link as seen by the agent.
type Link interface {
	Start(ctx context.Context, cfg link.StationConfig) error
	Wait(ctx context.Context) (link.State, error)
	State() link.State
	Retries() int
	Address() (netip.Addr, bool)
}

// Sampler takes one reading.
type Sampler interface {
	Sample() (sampler.Sample, error)
}

// Bridge is the broker bridge as seen by the agent.
type Bridge interface {
	Start(ctx context.Context, s mqtt.Session) error
	Publish(topic string, payload []byte, qos byte, retain bool) (uint16, error)
	Connected() bool
}

// SessionFactory creates the broker session once the broker address and
// device id are known.
type SessionFactory func(broker, deviceID string) (mqtt.Session, error)

// Config holds the agent's behaviour. Station and Broker seed the store on
// first boot.
type Config struct {
	DeviceName     string
	Periodic       bool
	Interval       time.Duration
	TelemetryTopic string
	QoS            byte
	Station        link.StationConfig
	Broker         string
}

// Deps are the agent's collaborators.
type Deps struct {
	Store      store.Store
	Link       Link
	Sampler    Sampler
	Bridge     Bridge
	NewSession SessionFactory
	Validators validator.Set
	Metrics    *metrics.Metrics
}

// Agent is the top-level driver.
type Agent struct {
	cfg  Config
	deps Deps

	mu        sync.Mutex
	deviceID  string
	broker    string
	lastCycle uint64
	started   time.Time
}

// New checks the configuration and creates an agent.
func New(cfg Config, deps Deps) (*Agent, error) {
	if deps.Store == nil || deps.Link == nil || deps.Sampler == nil || deps.Bridge == nil || deps.NewSession == nil {
		return nil, errors.New("agent: store, link, sampler, bridge and session factory are required")
	}
	if cfg.Periodic && cfg.Interval <= 0 {
		return nil, fmt.Errorf("agent: interval must be positive in periodic mode, got %v", cfg.Interval)
	}
	if cfg.Periodic && cfg.TelemetryTopic == "" {
		return nil, errors.New("agent: telemetry topic cannot be empty in periodic mode")
	}
	return &Agent{cfg: cfg, deps: deps}, nil
}

// InitStore initializes s, erasing and retrying exactly once when the store
// reports it must be erased.
func InitStore(s store.Store) error {
	err := s.Init()
	if err == nil {
		return nil
	}
	if !store.NeedsErase(err) {
		return fmt.Errorf("%w: %w", ErrStoreInit, err)
	}

	logger.Warn("agent: store needs erase: %v", err)
	if err := s.Erase(); err != nil {
		return fmt.Errorf("%w: erase: %w", ErrStoreInit, err)
	}
	if err := s.Init(); err != nil {
		return fmt.Errorf("%w: after erase: %w", ErrStoreInit, err)
	}
	return nil
}

// Run brings the agent up and, in periodic mode, runs the sample cycle until
// ctx is cancelled or the link fails. Cancellation is a clean stop.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.started = time.Now()
	a.mu.Unlock()

	if err := InitStore(a.deps.Store); err != nil {
		return err
	}

	station, err := a.provision()
	if err != nil {
		return fmt.Errorf("%w: provisioning: %w", ErrStoreInit, err)
	}

	if err := a.deps.Link.Start(ctx, station); err != nil {
		return fmt.Errorf("agent: start link: %w", err)
	}

	if a.cfg.Periodic {
		state, err := a.deps.Link.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("agent: wait for link: %w", err)
		}
		if state == link.Failed {
			logger.Error("agent: station link failed after %d retries, networked operation stopped", a.deps.Link.Retries())
			return ErrLinkFailed
		}
	}

	if err := a.startBridge(ctx); err != nil {
		return err
	}

	if !a.cfg.Periodic {
		logger.Info("agent: running without periodic sampling")
		<-ctx.Done()
		return nil
	}

	logger.Info("agent: sampling every %v, publishing to %s", a.cfg.Interval, a.cfg.TelemetryTopic)
	for {
		if err := a.cycle(); err != nil {
			return err
		}
		if !sleepCtx(ctx, a.cfg.Interval) {
			return nil
		}
	}
}

func (a *Agent) startBridge(ctx context.Context) error {
	a.mu.Lock()
	broker, deviceID := a.broker, a.deviceID
	a.mu.Unlock()

	session, err := a.deps.NewSession(broker, deviceID)
	if err != nil {
		return fmt.Errorf("agent: create broker session: %w", err)
	}
	if err := a.deps.Bridge.Start(ctx, session); err != nil {
		return fmt.Errorf("agent: start bridge: %w", err)
	}
	return nil
}

// provision reads the station identity, broker address and device id from
// the store, seeding missing keys.
func (a *Agent) provision() (link.StationConfig, error) {
	ssid, err := a.provisioned(KeySSID, a.cfg.Station.SSID)
	if err != nil {
		return link.StationConfig{}, err
	}
	if ssid == "" {
		return link.StationConfig{}, fmt.Errorf("no station ssid provisioned")
	}
	password, err := a.provisioned(KeyPassword, a.cfg.Station.Password)
	if err != nil {
		return link.StationConfig{}, err
	}
	broker, err := a.provisioned(KeyBroker, a.cfg.Broker)
	if err != nil {
		return link.StationConfig{}, err
	}
	if broker == "" {
		return link.StationConfig{}, fmt.Errorf("no broker address provisioned")
	}
	deviceID, err := a.provisioned(KeyDeviceID, uuid.NewString())
	if err != nil {
		return link.StationConfig{}, err
	}

	a.mu.Lock()
	a.broker = broker
	a.deviceID = deviceID
	a.mu.Unlock()

	logger.Info("agent: provisioned device %s for ssid %q, broker %s", deviceID, ssid, broker)
	return link.StationConfig{SSID: ssid, Password: password}, nil
}

func (a *Agent) provisioned(key, seed string) (string, error) {
	v, err := a.deps.Store.Get(key)
	if err == nil && v != "" {
		return v, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if seed == "" {
		return "", nil
	}
	if err := a.deps.Store.Set(key, seed); err != nil {
		return "", err
	}
	logger.Info("agent: seeded %s", key)
	return seed, nil
}

// cycle runs one sample, derive, validate and publish pass. Only a failed
// link ends the loop.
func (a *Agent) cycle() error {
	state := a.deps.Link.State()
	if state == link.Failed {
		logger.Error("agent: station link failed, stopping periodic publishing")
		return ErrLinkFailed
	}

	r, err := a.takeReading()
	if err != nil {
		a.deps.Metrics.SampleError()
		logger.Error("agent: %v", err)
		return nil
	}

	if state != link.Connected {
		a.deps.Metrics.Publish(metrics.PublishSkipped)
		logger.Debug("agent: link %s, skipping publish of cycle %d", state, r.Cycle)
		return nil
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("agent: encode reading: %w", err)
	}
	id, err := a.deps.Bridge.Publish(a.cfg.TelemetryTopic, payload, a.cfg.QoS, false)
	if err != nil {
		a.deps.Metrics.Publish(metrics.PublishFailed)
		logger.Warn("agent: publish cycle %d: %v", r.Cycle, err)
		return nil
	}
	a.deps.Metrics.Publish(metrics.PublishSent)
	logger.Debug("agent: published cycle %d as message %d", r.Cycle, id)
	return nil
}

func (a *Agent) takeReading() (Reading, error) {
	s, err := a.deps.Sampler.Sample()
	if err != nil {
		return Reading{}, err
	}

	a.mu.Lock()
	a.lastCycle = s.Cycle()
	deviceID := a.deviceID
	a.mu.Unlock()

	r := Reading{
		Device:      a.cfg.DeviceName,
		DeviceID:    deviceID,
		Cycle:       s.Cycle(),
		Raw:         s.Raw(),
		Calibration: s.Scheme().String(),
		Timestamp:   time.Now().Unix(),
	}
	if mv, ok := s.Voltage(); ok {
		r.VoltageMV = &mv
	}
	if t, err := sampler.DeriveTemperature(s); err == nil {
		r.TemperatureC = &t
		a.deps.Metrics.Temperature(t)
	} else {
		logger.Debug("agent: temperature for cycle %d: %v", r.Cycle, err)
	}
	if addr, ok := a.deps.Link.Address(); ok {
		r.Address = addr.String()
	}

	q, verr := a.deps.Validators.Quality(r)
	r.Quality = q
	if verr != nil {
		logger.Warn("agent: cycle %d failed validation: %v", r.Cycle, verr)
	}

	a.deps.Metrics.ObserveSample(r.Calibration, r.Raw, r.VoltageMV)
	return r, nil
}

// Status reports link, broker and sampling state.
func (a *Agent) Status() map[string]interface{} {
	a.mu.Lock()
	deviceID, broker, cycle, started := a.deviceID, a.broker, a.lastCycle, a.started
	a.mu.Unlock()

	status := map[string]interface{}{
		"device":           a.cfg.DeviceName,
		"device_id":        deviceID,
		"link":             a.deps.Link.State().String(),
		"retries":          a.deps.Link.Retries(),
		"broker":           broker,
		"broker_connected": a.deps.Bridge.Connected(),
		"periodic":         a.cfg.Periodic,
		"cycle":            cycle,
	}
	if !started.IsZero() {
		status["uptime"] = time.Since(started).Round(time.Second).String()
	}
	if addr, ok := a.deps.Link.Address(); ok {
		status["address"] = addr.String()
	}
	return status
}

// SampleNow takes an out-of-band reading.
func (a *Agent) SampleNow() (map[string]interface{}, error) {
	r, err := a.takeReading()
	if err != nil {
		a.deps.Metrics.SampleError()
		return nil, err
	}
	return r.Map()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
