package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/eddielth/sensor-agent/adc"
	"github.com/eddielth/sensor-agent/link"
	"github.com/eddielth/sensor-agent/mqtt"
	"github.com/eddielth/sensor-agent/sampler"
	"github.com/eddielth/sensor-agent/store"
	"github.com/eddielth/sensor-agent/validator"
)

type fakeStore struct {
	initErrs []error
	inits    int
	erases   int
	data     map[string]string
}

func (s *fakeStore) Init() error {
	s.inits++
	if len(s.initErrs) > 0 {
		err := s.initErrs[0]
		s.initErrs = s.initErrs[1:]
		return err
	}
	if s.data == nil {
		s.data = make(map[string]string)
	}
	return nil
}

func (s *fakeStore) Erase() error {
	s.erases++
	s.data = nil
	return nil
}

func (s *fakeStore) Get(key string) (string, error) {
	v, ok := s.data[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) Set(key, value string) error {
	s.data[key] = value
	return nil
}

func (s *fakeStore) Close() error { return nil }

type fakeLink struct {
	mu        sync.Mutex
	state     link.State
	waitState link.State
	addr      netip.Addr
	station   link.StationConfig
	starts    int
	waits     int
}

func (l *fakeLink) Start(_ context.Context, cfg link.StationConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	l.station = cfg
	return nil
}

func (l *fakeLink) Wait(ctx context.Context) (link.State, error) {
	l.mu.Lock()
	l.waits++
	st := l.waitState
	l.mu.Unlock()
	if st == link.Idle {
		<-ctx.Done()
		return l.State(), ctx.Err()
	}
	return st, nil
}

func (l *fakeLink) State() link.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) setState(s link.State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *fakeLink) Retries() int { return 0 }

func (l *fakeLink) Address() (netip.Addr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr, l.state == link.Connected
}

type published struct {
	topic   string
	payload []byte
	qos     byte
}

type fakeBridge struct {
	mu        sync.Mutex
	session   mqtt.Session
	starts    int
	published []published
	pubErr    error
	onPublish func(n int)
}

func (b *fakeBridge) Start(_ context.Context, s mqtt.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	b.session = s
	return nil
}

func (b *fakeBridge) Publish(topic string, payload []byte, qos byte, _ bool) (uint16, error) {
	b.mu.Lock()
	if b.pubErr != nil {
		b.mu.Unlock()
		return 0, b.pubErr
	}
	b.published = append(b.published, published{topic, payload, qos})
	n := len(b.published)
	fn := b.onPublish
	b.mu.Unlock()
	if fn != nil {
		fn(n)
	}
	return uint16(n), nil
}

func (b *fakeBridge) Connected() bool { return true }

func (b *fakeBridge) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

type nopSession struct{ mqtt.Session }

var testChannel = sampler.ChannelConfig{Unit: 1, Channel: 6, Attenuation: sampler.Atten12dB, Bitwidth: 12}

type harness struct {
	store   *fakeStore
	link    *fakeLink
	bridge  *fakeBridge
	brokers []string
	deps    Deps
}

func newHarness(raw int, schemes ...sampler.Scheme) *harness {
	h := &harness{
		store:  &fakeStore{},
		link:   &fakeLink{state: link.Connected, waitState: link.Connected, addr: netip.MustParseAddr("192.168.4.17")},
		bridge: &fakeBridge{},
	}
	h.deps = Deps{
		Store:   h.store,
		Link:    h.link,
		Sampler: sampler.New(adc.NewSim(raw), testChannel, schemes...),
		Bridge:  h.bridge,
		NewSession: func(broker, deviceID string) (mqtt.Session, error) {
			h.brokers = append(h.brokers, broker)
			return nopSession{}, nil
		},
		Validators: validator.Set{&validator.RangeValidator{Field: "Raw", Min: 0, Max: 4000}},
	}
	return h
}

func testConfig() Config {
	return Config{
		DeviceName:     "adc-lab-1",
		Periodic:       true,
		Interval:       time.Millisecond,
		TelemetryTopic: "devices/adc/resp",
		QoS:            1,
		Station:        link.StationConfig{SSID: "lab-ap", Password: "pw"},
		Broker:         "tcp://10.0.0.2:1883",
	}
}

func TestInitStore(t *testing.T) {
	tests := []struct {
		name       string
		initErrs   []error
		wantErr    bool
		wantInits  int
		wantErases int
	}{
		{name: "clean", wantInits: 1},
		{name: "no free pages", initErrs: []error{store.ErrNoFreePages}, wantInits: 2, wantErases: 1},
		{name: "new version", initErrs: []error{store.ErrNewVersionFound}, wantInits: 2, wantErases: 1},
		{name: "still broken after erase", initErrs: []error{store.ErrNoFreePages, store.ErrNoFreePages}, wantErr: true, wantInits: 2, wantErases: 1},
		{name: "unrelated error", initErrs: []error{errors.New("permission denied")}, wantErr: true, wantInits: 1},
		{name: "transient database error", initErrs: []error{fmt.Errorf("read mysql store version: %w", syscall.ECONNRESET)}, wantErr: true, wantInits: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeStore{initErrs: tt.initErrs}
			err := InitStore(s)
			if tt.wantErr != (err != nil) {
				t.Fatalf("InitStore() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrStoreInit) {
				t.Errorf("InitStore() error = %v, want ErrStoreInit", err)
			}
			if s.inits != tt.wantInits || s.erases != tt.wantErases {
				t.Errorf("inits=%d erases=%d, want %d/%d", s.inits, s.erases, tt.wantInits, tt.wantErases)
			}
		})
	}
}

func TestRun_PeriodicPublishes(t *testing.T) {
	h := newHarness(2048, sampler.LineFitting{Source: sampler.StaticLine{Gain: 0.8, OffsetMV: 142}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.bridge.onPublish = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	a, err := New(testConfig(), h.deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if h.link.station.SSID != "lab-ap" || h.link.station.Password != "pw" {
		t.Errorf("link started with %+v", h.link.station)
	}
	if len(h.brokers) != 1 || h.brokers[0] != "tcp://10.0.0.2:1883" {
		t.Errorf("sessions created for %v", h.brokers)
	}
	if h.store.data[KeySSID] != "lab-ap" || h.store.data[KeyDeviceID] == "" {
		t.Errorf("store not seeded: %v", h.store.data)
	}

	if len(h.bridge.published) != 3 {
		t.Fatalf("published %d readings, want 3", len(h.bridge.published))
	}
	p := h.bridge.published[0]
	if p.topic != "devices/adc/resp" || p.qos != 1 {
		t.Errorf("published to %s qos %d", p.topic, p.qos)
	}
	var r Reading
	if err := json.Unmarshal(p.payload, &r); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if r.Raw != 2048 || r.VoltageMV == nil || *r.VoltageMV != 1780 {
		t.Errorf("reading = %+v", r)
	}
	if r.TemperatureC == nil || r.Calibration != "line_fitting" || r.Quality != validator.QualityGood {
		t.Errorf("reading derivation = %+v", r)
	}
	if r.Address != "192.168.4.17" || r.Device != "adc-lab-1" || r.Cycle != 1 {
		t.Errorf("reading identity = %+v", r)
	}
}

func TestRun_Uncalibrated(t *testing.T) {
	h := newHarness(2048)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.bridge.onPublish = func(int) { cancel() }

	a, _ := New(testConfig(), h.deps)
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(h.bridge.published[0].payload, &m); err != nil {
		t.Fatal(err)
	}
	if m["raw"] != float64(2048) || m["calibration"] != "none" {
		t.Errorf("payload = %v", m)
	}
	if _, ok := m["voltage_mv"]; ok {
		t.Error("voltage_mv present without calibration")
	}
	if _, ok := m["temperature_c"]; ok {
		t.Error("temperature_c present without calibration")
	}
}

func TestRun_LinkFailedBeforeBridge(t *testing.T) {
	h := newHarness(100)
	h.link.waitState = link.Failed
	h.link.state = link.Failed

	a, _ := New(testConfig(), h.deps)
	err := a.Run(context.Background())
	if !errors.Is(err, ErrLinkFailed) {
		t.Fatalf("Run() error = %v, want ErrLinkFailed", err)
	}
	if h.bridge.startCount() != 0 {
		t.Error("bridge started after link failure")
	}
}

func TestRun_LinkFailsDuringLoop(t *testing.T) {
	h := newHarness(100)
	h.bridge.onPublish = func(n int) {
		if n == 2 {
			h.link.setState(link.Failed)
		}
	}

	a, _ := New(testConfig(), h.deps)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Run(ctx); !errors.Is(err, ErrLinkFailed) {
		t.Fatalf("Run() error = %v, want ErrLinkFailed", err)
	}
	if len(h.bridge.published) != 2 {
		t.Errorf("published %d after failure, want 2", len(h.bridge.published))
	}
}

func TestCycle_SkipsPublishWhileReconnecting(t *testing.T) {
	h := newHarness(100)
	h.link.state = link.Connecting

	a, _ := New(testConfig(), h.deps)
	for i := 0; i < 3; i++ {
		if err := a.cycle(); err != nil {
			t.Fatalf("cycle() error = %v", err)
		}
	}
	if len(h.bridge.published) != 0 {
		t.Errorf("published %d readings while connecting", len(h.bridge.published))
	}

	h.link.setState(link.Connected)
	if err := a.cycle(); err != nil {
		t.Fatalf("cycle() error = %v", err)
	}
	if len(h.bridge.published) != 1 {
		t.Errorf("published %d readings after reconnect, want 1", len(h.bridge.published))
	}
}

func TestCycle_PublishAndSampleErrorsAreAbsorbed(t *testing.T) {
	h := newHarness(100)
	h.bridge.pubErr = mqtt.ErrNotConnected
	a, _ := New(testConfig(), h.deps)
	if err := a.cycle(); err != nil {
		t.Errorf("cycle() with publish error = %v", err)
	}

	h.deps.Sampler = sampler.New(adc.NewSim(9999), testChannel)
	a, _ = New(testConfig(), h.deps)
	if err := a.cycle(); err != nil {
		t.Errorf("cycle() with sample error = %v", err)
	}
}

func TestRun_NonPeriodicStartsBridgeImmediately(t *testing.T) {
	h := newHarness(100)
	h.link.waitState = link.Idle
	cfg := testConfig()
	cfg.Periodic = false

	a, _ := New(cfg, h.deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.bridge.startCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge not started in non-periodic mode")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if h.link.waits != 0 {
		t.Errorf("non-periodic mode waited for the link")
	}
	if len(h.bridge.published) != 0 {
		t.Errorf("non-periodic mode published telemetry")
	}
}

func TestRun_StoreWinsOverConfig(t *testing.T) {
	h := newHarness(100)
	h.store.data = map[string]string{
		KeySSID:     "field-ap",
		KeyBroker:   "tcp://broker.field:1883",
		KeyDeviceID: "dev-1",
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.bridge.onPublish = func(int) { cancel() }

	a, _ := New(testConfig(), h.deps)
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.link.station.SSID != "field-ap" || h.link.station.Password != "pw" {
		t.Errorf("station = %+v", h.link.station)
	}
	if h.brokers[0] != "tcp://broker.field:1883" {
		t.Errorf("broker = %s", h.brokers[0])
	}
	if a.Status()["device_id"] != "dev-1" {
		t.Errorf("Status() device_id = %v", a.Status()["device_id"])
	}
}

func TestRun_StoreInitFailure(t *testing.T) {
	h := newHarness(100)
	h.store.initErrs = []error{store.ErrNoFreePages, store.ErrNoFreePages}

	a, _ := New(testConfig(), h.deps)
	if err := a.Run(context.Background()); !errors.Is(err, ErrStoreInit) {
		t.Fatalf("Run() error = %v, want ErrStoreInit", err)
	}
	if h.link.starts != 0 {
		t.Error("link started after store failure")
	}
}

func TestRun_WithFileStore(t *testing.T) {
	h := newHarness(100)
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "provisioning.json"), 8)
	if err != nil {
		t.Fatal(err)
	}
	h.deps.Store = fs
	ctx, cancel := context.WithCancel(context.Background())
	h.bridge.onPublish = func(int) { cancel() }

	a, _ := New(testConfig(), h.deps)
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if v, err := fs.Get(KeyBroker); err != nil || v != "tcp://10.0.0.2:1883" {
		t.Errorf("stored broker = %q, %v", v, err)
	}
}

func TestStatusAndSampleNow(t *testing.T) {
	h := newHarness(2048, sampler.CurveFitting{Coefficients: map[sampler.Attenuation][]float64{
		sampler.Atten12dB: {0, 1},
	}})
	a, _ := New(testConfig(), h.deps)

	m, err := a.SampleNow()
	if err != nil {
		t.Fatalf("SampleNow() error = %v", err)
	}
	if m["voltage_mv"] != float64(2048) || m["calibration"] != "curve_fitting" {
		t.Errorf("SampleNow() = %v", m)
	}

	st := a.Status()
	if st["link"] != "connected" || st["address"] != "192.168.4.17" || st["cycle"] != uint64(1) {
		t.Errorf("Status() = %v", st)
	}
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(1)
	cfg := testConfig()
	cfg.Interval = 0
	if _, err := New(cfg, h.deps); err == nil {
		t.Error("New() expected error for zero interval")
	}
	deps := h.deps
	deps.Bridge = nil
	if _, err := New(testConfig(), deps); err == nil {
		t.Error("New() expected error without bridge")
	}
}
