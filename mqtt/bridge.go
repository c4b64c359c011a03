package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/eddielth/sensor-agent/logger"
)

// TopicBinding names the command and response topics of a device.
type TopicBinding struct {
	CommandTopic  string
	ResponseTopic string
	QoS           byte
}

// Validate checks that both topics are set and the QoS is valid.
func (b TopicBinding) Validate() error {
	if b.CommandTopic == "" || b.ResponseTopic == "" {
		return ErrInvalidTopic
	}
	if b.QoS > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

// CommandHandler receives inbound command messages.
type CommandHandler interface {
	HandleCommand(topic string, payload []byte)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(topic string, payload []byte)

func (f CommandHandlerFunc) HandleCommand(topic string, payload []byte) { f(topic, payload) }

// Option configures a Bridge.
type Option func(*Bridge)

// WithOnDelivered registers an observer for the outcome of QoS 1 and 2
// publishes. err is nil when the broker acknowledged the message.
func WithOnDelivered(fn func(id uint16, err error)) Option {
	return func(b *Bridge) { b.onDelivered = fn }
}

// WithOnConnection registers an observer for broker connection changes.
func WithOnConnection(fn func(connected bool)) Option {
	return func(b *Bridge) { b.onConnection = fn }
}

// WithOnError registers an observer for session errors.
func WithOnError(fn func(kind ErrorKind, err error)) Option {
	return func(b *Bridge) { b.onError = fn }
}

type pendingPublish struct {
	topic string
	sent  time.Time
}

// Bridge relays commands from the broker to a handler and publishes
// telemetry and responses. Session events are handled one at a time.
type Bridge struct {
	binding TopicBinding
	handler CommandHandler

	onDelivered  func(uint16, error)
	onConnection func(bool)
	onError      func(ErrorKind, error)

	mu        sync.Mutex
	session   Session
	connected bool
	pending   map[uint16]pendingPublish
	done      chan struct{}
}

// NewBridge creates a bridge for the given topics.
func NewBridge(binding TopicBinding, handler CommandHandler, opts ...Option) (*Bridge, error) {
	if err := binding.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("mqtt: command handler cannot be nil")
	}
	b := &Bridge{
		binding: binding,
		handler: handler,
		pending: make(map[uint16]pendingPublish),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Start takes ownership of the session, starts it and handles its events
// until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context, s Session) error {
	b.mu.Lock()
	if b.session != nil {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.session = s
	b.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("mqtt: start session: %w", err)
	}

	go b.run(ctx, s)
	logger.Info("mqtt: bridge started, commands on %s, responses on %s", b.binding.CommandTopic, b.binding.ResponseTopic)
	return nil
}

func (b *Bridge) run(ctx context.Context, s Session) {
	defer close(b.done)
	events := s.Events()
	for {
		select {
		case <-ctx.Done():
			if err := s.Stop(); err != nil {
				logger.Warn("mqtt: stop session: %v", err)
			}
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.Handle(ev)
		}
	}
}

// Done is closed once the event loop has exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Handle applies one session event.
func (b *Bridge) Handle(ev Event) {
	switch ev.Kind {
	case EventConnected:
		b.setConnected(true)
		b.subscribe()

	case EventDisconnected:
		b.setConnected(false)
		if ev.Err != nil {
			logger.Warn("mqtt: connection lost: %v", ev.Err)
		} else {
			logger.Warn("mqtt: disconnected")
		}

	case EventMessage:
		logger.Debug("mqtt: received %d bytes on %s", len(ev.Payload), ev.Topic)
		b.handler.HandleCommand(ev.Topic, ev.Payload)

	case EventError:
		kind := ClassifyError(ev.Err)
		if kind == TransportError {
			var errno syscall.Errno
			if errors.As(ev.Err, &errno) {
				logger.Error("mqtt: transport error: %v (errno %d)", ev.Err, int(errno))
			} else {
				logger.Error("mqtt: transport error: %v", ev.Err)
			}
		} else {
			logger.Error("mqtt: protocol error: %v", ev.Err)
		}
		if b.onError != nil {
			b.onError(kind, ev.Err)
		}

	case EventPublished:
		b.mu.Lock()
		p, ok := b.pending[ev.MessageID]
		delete(b.pending, ev.MessageID)
		b.mu.Unlock()
		if !ok {
			logger.Debug("mqtt: delivery confirmation for unknown message %d", ev.MessageID)
			return
		}
		if ev.Err != nil {
			logger.Warn("mqtt: message %d to %s not delivered: %v", ev.MessageID, p.topic, ev.Err)
		} else {
			logger.Debug("mqtt: message %d to %s delivered in %v", ev.MessageID, p.topic, time.Since(p.sent))
		}
		if b.onDelivered != nil {
			b.onDelivered(ev.MessageID, ev.Err)
		}

	default:
		logger.Warn("mqtt: unknown session event %d", int(ev.Kind))
	}
}

func (b *Bridge) setConnected(connected bool) {
	b.mu.Lock()
	changed := b.connected != connected
	b.connected = connected
	b.mu.Unlock()
	if changed && b.onConnection != nil {
		b.onConnection(connected)
	}
}

func (b *Bridge) subscribe() {
	s := b.currentSession()
	if s == nil {
		return
	}
	err := s.Subscribe(b.binding.CommandTopic, b.binding.QoS)
	switch {
	case err == nil:
		logger.Info("mqtt: subscribed to %s (qos %d)", b.binding.CommandTopic, b.binding.QoS)
	case errors.Is(err, ErrAlreadySubscribed):
		logger.Debug("mqtt: already subscribed to %s", b.binding.CommandTopic)
	default:
		logger.Error("mqtt: subscribe to %s: %v", b.binding.CommandTopic, err)
	}
}

func (b *Bridge) currentSession() Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// Publish sends payload to topic and returns the message id without waiting
// for acknowledgement. QoS 0 messages have id 0.
func (b *Bridge) Publish(topic string, payload []byte, qos byte, retain bool) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return 0, ErrNotConnected
	}
	id, err := b.session.Publish(topic, qos, retain, payload)
	if err != nil {
		return 0, err
	}
	if qos > 0 && id != 0 {
		b.pending[id] = pendingPublish{topic: topic, sent: time.Now()}
	}
	return id, nil
}

// Respond publishes payload to the response topic.
func (b *Bridge) Respond(payload []byte) (uint16, error) {
	return b.Publish(b.binding.ResponseTopic, payload, b.binding.QoS, false)
}

// Binding returns the bridge's topics.
func (b *Bridge) Binding() TopicBinding {
	return b.binding
}

// Connected reports whether the broker connection is currently up.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Pending returns the number of QoS 1 and 2 messages awaiting confirmation.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
