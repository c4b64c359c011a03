package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/eddielth/sensor-agent/logger"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultSubscribeTimeout  = 5 * time.Second
	defaultKeepAlive         = 60 * time.Second
	defaultRetryInterval     = 2 * time.Second
	defaultMaxReconnect      = 30 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	defaultEventBuffer       = 64
	maxQoS                   = 2
)

// SessionConfig configures a PahoSession.
type SessionConfig struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// PahoSession is a Session on eclipse/paho.mqtt.golang with automatic
// reconnection. Incoming messages on subscribed topics arrive as EventMessage.
type PahoSession struct {
	cfg    SessionConfig
	client pahomqtt.Client
	events chan Event
	done   chan struct{}

	mu         sync.Mutex
	started    bool
	stopped    bool
	subscribed map[string]byte
}

// DefaultClientID returns a fresh client identifier.
func DefaultClientID() string {
	return "sensor-agent-" + uuid.NewString()[:8]
}

// NewPahoSession creates a session. Nothing is sent until Start.
func NewPahoSession(cfg SessionConfig) (*PahoSession, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address cannot be empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	s := &PahoSession{
		cfg:        cfg,
		events:     make(chan Event, cfg.EventBuffer),
		done:       make(chan struct{}),
		subscribed: make(map[string]byte),
	}
	s.client = pahomqtt.NewClient(s.clientOptions())
	return s, nil
}

func (s *PahoSession) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(defaultRetryInterval)
	opts.SetMaxReconnectInterval(defaultMaxReconnect)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(s.cfg.KeepAlive)

	// Handlers must not stall paho's router while a subscribe waits for its ack.
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		s.mu.Lock()
		s.subscribed = make(map[string]byte)
		s.mu.Unlock()
		logger.Info("mqtt: connected to %s as %s", s.cfg.Broker, s.cfg.ClientID)
		s.emit(Event{Kind: EventConnected})
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.emit(Event{Kind: EventDisconnected, Err: err})
		if err != nil {
			s.emit(Event{Kind: EventError, Err: err})
		}
	})

	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		logger.Info("mqtt: trying to reconnect to %s...", s.cfg.Broker)
	})

	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		s.emit(Event{Kind: EventMessage, Topic: msg.Topic(), Payload: msg.Payload()})
	})

	return opts
}

// Start begins connecting in the background; connection progress is
// reported through Events. The session stops when ctx is cancelled.
func (s *PahoSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	token := s.client.Connect()
	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				s.emit(Event{Kind: EventError, Err: fmt.Errorf("connect %s: %w", s.cfg.Broker, err)})
			}
		case <-s.done:
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()
	return nil
}

// Subscribe subscribes to topic and waits for the broker's acknowledgement.
func (s *PahoSession) Subscribe(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}

	s.mu.Lock()
	if _, ok := s.subscribed[topic]; ok {
		s.mu.Unlock()
		return ErrAlreadySubscribed
	}
	s.mu.Unlock()

	// nil callback routes messages to the default publish handler
	token := s.client.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(defaultSubscribeTimeout) {
		return fmt.Errorf("%w: %w after %v", ErrSubscribeFailed, ErrTimeout, defaultSubscribeTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	s.mu.Lock()
	s.subscribed[topic] = qos
	s.mu.Unlock()
	return nil
}

// Publish hands the message to paho without waiting for acknowledgement.
func (s *PahoSession) Publish(topic string, qos byte, retain bool, payload []byte) (uint16, error) {
	if topic == "" {
		return 0, ErrInvalidTopic
	}
	if qos > maxQoS {
		return 0, ErrInvalidQoS
	}
	if !s.client.IsConnectionOpen() {
		return 0, ErrNotConnected
	}

	token := s.client.Publish(topic, qos, retain, payload)

	var id uint16
	if pt, ok := token.(*pahomqtt.PublishToken); ok && qos > 0 {
		id = pt.MessageID()
	}

	go func() {
		select {
		case <-token.Done():
		case <-s.done:
			return
		}
		err := token.Error()
		if err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
		}
		if qos > 0 {
			s.emit(Event{Kind: EventPublished, MessageID: id, Err: err})
		} else if err != nil {
			s.emit(Event{Kind: EventError, Err: err})
		}
	}()
	return id, nil
}

func (s *PahoSession) Events() <-chan Event {
	return s.events
}

// Stop disconnects from the broker. Calling it more than once is safe.
func (s *PahoSession) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()

	s.client.Disconnect(defaultDisconnectQuiesce)
	logger.Info("mqtt: disconnected from %s", s.cfg.Broker)
	return nil
}

// ClientID returns the identifier presented to the broker.
func (s *PahoSession) ClientID() string {
	return s.cfg.ClientID
}

func (s *PahoSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
