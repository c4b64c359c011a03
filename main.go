package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/eddielth/sensor-agent/adc"
	"github.com/eddielth/sensor-agent/agent"
	"github.com/eddielth/sensor-agent/command"
	"github.com/eddielth/sensor-agent/config"
	"github.com/eddielth/sensor-agent/link"
	"github.com/eddielth/sensor-agent/logger"
	"github.com/eddielth/sensor-agent/metrics"
	"github.com/eddielth/sensor-agent/mqtt"
	"github.com/eddielth/sensor-agent/netif"
	"github.com/eddielth/sensor-agent/sampler"
	"github.com/eddielth/sensor-agent/store"
	"github.com/eddielth/sensor-agent/validator"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
				logger.Error("metrics endpoint: %v", err)
			}
		}()
	}

	st, err := store.NewStore(store.Config{
		Type:       cfg.Store.Type,
		Path:       cfg.Store.Path,
		DSN:        cfg.Store.DSN,
		MaxEntries: cfg.Store.MaxEntries,
	})
	if err != nil {
		log.Fatalf("create store: %v", err)
	}
	defer st.Close()

	smp, err := newSampler(cfg.Sampler)
	if err != nil {
		log.Fatalf("create sampler: %v", err)
	}

	station := link.New(netif.New(cfg.WiFi.Interface, cfg.WiFi.ConnectTimeout), cfg.WiFi.MaxRetries,
		link.WithOnConnected(func(netip.Addr) { m.LinkState(int(link.Connected)) }),
		link.WithOnFailed(func() { m.LinkState(int(link.Failed)) }),
		link.WithOnRetry(func(int) {
			m.LinkRetry()
			m.LinkState(int(link.Connecting))
		}),
	)

	// The bridge is created before the handler it dispatches to; commands
	// only arrive once the agent has started the bridge.
	var handler *command.Handler
	bridge, err := mqtt.NewBridge(
		mqtt.TopicBinding{
			CommandTopic:  cfg.MQTT.CommandTopic,
			ResponseTopic: cfg.MQTT.ResponseTopic,
			QoS:           byte(cfg.MQTT.QoS),
		},
		mqtt.CommandHandlerFunc(func(topic string, payload []byte) {
			handler.HandleCommand(topic, payload)
		}),
		mqtt.WithOnDelivered(func(_ uint16, err error) { m.Delivered(err) }),
		mqtt.WithOnConnection(m.BrokerConnected),
		mqtt.WithOnError(func(kind mqtt.ErrorKind, _ error) { m.BrokerError(kind.String()) }),
	)
	if err != nil {
		log.Fatalf("create bridge: %v", err)
	}

	validators := make(validator.Set, 0, len(cfg.Agent.Validators))
	for _, vc := range cfg.Agent.Validators {
		validators = append(validators, &validator.RangeValidator{Field: vc.Field, Min: vc.Min, Max: vc.Max})
	}

	a, err := agent.New(agent.Config{
		DeviceName:     cfg.Agent.DeviceName,
		Periodic:       cfg.Agent.Periodic,
		Interval:       cfg.Agent.Interval,
		TelemetryTopic: cfg.MQTT.TelemetryTopic,
		QoS:            byte(cfg.MQTT.QoS),
		Station:        link.StationConfig{SSID: cfg.WiFi.SSID, Password: cfg.WiFi.Password},
		Broker:         cfg.MQTT.Broker,
	}, agent.Deps{
		Store:   st,
		Link:    station,
		Sampler: smp,
		Bridge:  bridge,
		NewSession: func(broker, deviceID string) (mqtt.Session, error) {
			clientID := cfg.MQTT.ClientID
			if clientID == "" {
				clientID = deviceID
			}
			return mqtt.NewPahoSession(mqtt.SessionConfig{
				Broker:    broker,
				ClientID:  clientID,
				Username:  cfg.MQTT.Username,
				Password:  cfg.MQTT.Password,
				KeepAlive: cfg.MQTT.KeepAlive,
			})
		},
		Validators: validators,
		Metrics:    m,
	})
	if err != nil {
		log.Fatalf("create agent: %v", err)
	}

	handler = command.NewHandler(a, command.WithOnCommand(m.Command))
	handler.SetResponder(bridge)
	if err := handler.LoadScript(command.ScriptConfig{Path: cfg.Commands.ScriptPath, Code: cfg.Commands.ScriptCode}); err != nil {
		logger.Error("load command script: %v", err)
	}

	err = config.WatchConfig(*configPath, func(newCfg *config.Config) error {
		if err := logger.SetLevel(newCfg.Logger.Level); err != nil {
			return err
		}
		return handler.LoadScript(command.ScriptConfig{Path: newCfg.Commands.ScriptPath, Code: newCfg.Commands.ScriptCode})
	})
	if err != nil {
		logger.Warn("config watch disabled: %v", err)
	}

	logger.Info("sensor agent starting, sampling %s", smp.Channel())
	err = a.Run(ctx)
	switch {
	case errors.Is(err, agent.ErrStoreInit):
		logger.Error("%v", err)
		logger.Close()
		os.Exit(1)
	case errors.Is(err, agent.ErrLinkFailed):
		logger.Error("%v; waiting for shutdown", err)
		<-ctx.Done()
	case err != nil:
		logger.Error("agent stopped: %v", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Info("sensor agent stopped")
}

// newSampler builds the analog driver and the calibration schemes, in
// preference order, from the sampler section.
func newSampler(cfg config.SamplerConfig) (*sampler.Sampler, error) {
	atten, err := sampler.ParseAttenuation(cfg.Attenuation)
	if err != nil {
		return nil, err
	}
	ch := sampler.ChannelConfig{
		Unit:        cfg.Unit,
		Channel:     cfg.Channel,
		Attenuation: atten,
		Bitwidth:    cfg.Bitwidth,
	}

	var (
		driver sampler.Driver
		line   sampler.LineSource = sampler.StaticLine{Gain: cfg.LineFitting.Gain, OffsetMV: cfg.LineFitting.OffsetMV}
	)
	switch cfg.Driver {
	case "sim", "":
		driver = adc.NewSim(cfg.Sim.Raw)
	case "iio":
		iio := adc.NewIIO(cfg.IIOPath)
		driver = iio
		if cfg.LineFitting.Gain == 0 {
			line = iio
		}
	case "modbus":
		driver, err = adc.NewModbus(adc.ModbusConfig{
			Endpoint: cfg.Modbus.Endpoint,
			SlaveID:  uint8(cfg.Modbus.SlaveID),
			Register: uint16(cfg.Modbus.Register),
			Timeout:  cfg.Modbus.Timeout,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown sampler driver %q", cfg.Driver)
	}

	curves := make(map[sampler.Attenuation][]float64, len(cfg.CurveFitting))
	for _, c := range cfg.CurveFitting {
		a, err := sampler.ParseAttenuation(c.Attenuation)
		if err != nil {
			return nil, fmt.Errorf("curve_fitting: %w", err)
		}
		curves[a] = c.Coefficients
	}

	schemes := make([]sampler.Scheme, 0, len(cfg.Schemes))
	for _, name := range cfg.Schemes {
		kind, err := sampler.ParseSchemeKind(name)
		if err != nil {
			return nil, err
		}
		switch kind {
		case sampler.SchemeCurveFitting:
			schemes = append(schemes, sampler.CurveFitting{Coefficients: curves})
		case sampler.SchemeLineFitting:
			schemes = append(schemes, sampler.LineFitting{Source: line})
		}
	}

	return sampler.New(driver, ch, schemes...), nil
}
