package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"
)

type fakeSession struct {
	mu         sync.Mutex
	events     chan Event
	started    bool
	stopped    bool
	subscribes []string
	subErr     error
	nextID     uint16
	published  []Event
	pubErr     error
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan Event, 16)}
}

func (f *fakeSession) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeSession) Subscribe(topic string, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, fmt.Sprintf("%s@%d", topic, qos))
	return f.subErr
}

func (f *fakeSession) Publish(topic string, qos byte, retain bool, payload []byte) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return 0, f.pubErr
	}
	var id uint16
	if qos > 0 {
		f.nextID++
		id = f.nextID
	}
	f.published = append(f.published, Event{Topic: topic, Payload: payload, MessageID: id})
	return id, nil
}

func (f *fakeSession) Events() <-chan Event { return f.events }

func (f *fakeSession) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeSession) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

type recordingHandler struct {
	mu       sync.Mutex
	commands []string
}

func (h *recordingHandler) HandleCommand(topic string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, topic+":"+string(payload))
}

var testBinding = TopicBinding{CommandTopic: "devices/adc/cmd", ResponseTopic: "devices/adc/resp", QoS: 1}

func startBridge(t *testing.T, opts ...Option) (*Bridge, *fakeSession, *recordingHandler) {
	t.Helper()
	h := &recordingHandler{}
	b, err := NewBridge(testBinding, h, opts...)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	s := newFakeSession()
	b.session = s
	return b, s, h
}

func TestBridge_SubscribesOnEveryConnect(t *testing.T) {
	b, s, _ := startBridge(t)

	b.Handle(Event{Kind: EventConnected})
	b.Handle(Event{Kind: EventDisconnected, Err: io.EOF})
	b.Handle(Event{Kind: EventConnected})

	if got := s.subscribeCount(); got != 2 {
		t.Fatalf("subscribes = %d, want 2", got)
	}
	if s.subscribes[0] != "devices/adc/cmd@1" {
		t.Errorf("subscribed %q", s.subscribes[0])
	}
	if !b.Connected() {
		t.Error("Connected() = false after reconnect")
	}
}

func TestBridge_AlreadySubscribedIsSuccess(t *testing.T) {
	var states []bool
	b, s, _ := startBridge(t, WithOnConnection(func(c bool) { states = append(states, c) }))
	s.subErr = ErrAlreadySubscribed

	b.Handle(Event{Kind: EventConnected})

	if !b.Connected() {
		t.Error("Connected() = false")
	}
	if len(states) != 1 || !states[0] {
		t.Errorf("connection observer saw %v", states)
	}
}

func TestBridge_MessageDelivered(t *testing.T) {
	b, _, h := startBridge(t)

	b.Handle(Event{Kind: EventMessage, Topic: "devices/adc/cmd", Payload: []byte(`{"cmd":"ping"}`)})

	if len(h.commands) != 1 || h.commands[0] != `devices/adc/cmd:{"cmd":"ping"}` {
		t.Errorf("handler got %v", h.commands)
	}
}

func TestBridge_PublishQoS0(t *testing.T) {
	b, s, _ := startBridge(t)

	id, err := b.Publish("devices/adc/telemetry", []byte("1"), 0, false)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if id != 0 {
		t.Errorf("qos 0 id = %d, want 0", id)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d after qos 0 publish", b.Pending())
	}
	if len(s.published) != 1 {
		t.Errorf("session published %d messages", len(s.published))
	}
}

func TestBridge_PublishQoS1Correlated(t *testing.T) {
	type delivery struct {
		id  uint16
		err error
	}
	var delivered []delivery
	b, _, _ := startBridge(t, WithOnDelivered(func(id uint16, err error) {
		delivered = append(delivered, delivery{id, err})
	}))

	first, err := b.Publish("t", []byte("a"), 1, false)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	second, err := b.Respond([]byte("b"))
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if first == 0 || second == 0 || first == second {
		t.Fatalf("ids = %d, %d; want distinct non-zero", first, second)
	}
	if b.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", b.Pending())
	}

	nack := errors.New("broker gone")
	b.Handle(Event{Kind: EventPublished, MessageID: second, Err: nack})
	b.Handle(Event{Kind: EventPublished, MessageID: first})
	b.Handle(Event{Kind: EventPublished, MessageID: 999})

	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
	if len(delivered) != 2 {
		t.Fatalf("delivered = %v", delivered)
	}
	if delivered[0].id != second || !errors.Is(delivered[0].err, nack) {
		t.Errorf("first confirmation = %+v", delivered[0])
	}
	if delivered[1].id != first || delivered[1].err != nil {
		t.Errorf("second confirmation = %+v", delivered[1])
	}
}

func TestBridge_PublishErrors(t *testing.T) {
	h := &recordingHandler{}
	b, err := NewBridge(testBinding, h)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if _, err := b.Publish("t", nil, 0, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() before Start error = %v, want ErrNotConnected", err)
	}

	s := newFakeSession()
	s.pubErr = ErrNotConnected
	b.session = s
	if _, err := b.Respond([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Respond() error = %v, want ErrNotConnected", err)
	}
	if b.Pending() != 0 {
		t.Errorf("failed publish left pending entry")
	}
}

func TestBridge_ErrorClassification(t *testing.T) {
	var kinds []ErrorKind
	b, _, _ := startBridge(t, WithOnError(func(k ErrorKind, _ error) { kinds = append(kinds, k) }))

	b.Handle(Event{Kind: EventError, Err: &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}})
	b.Handle(Event{Kind: EventError, Err: errors.New("connection refused: not authorised")})

	if len(kinds) != 2 || kinds[0] != TransportError || kinds[1] != ProtocolError {
		t.Errorf("classified %v", kinds)
	}
}

func TestBridge_StartRunsEventLoop(t *testing.T) {
	h := &recordingHandler{}
	b, err := NewBridge(testBinding, h)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	s := newFakeSession()

	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx, s); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := b.Start(ctx, s); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	s.events <- Event{Kind: EventConnected}
	deadline := time.Now().Add(2 * time.Second)
	for s.subscribeCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge did not subscribe after connect event")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not exit")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || !s.stopped {
		t.Errorf("session started=%v stopped=%v", s.started, s.stopped)
	}
}

func TestTopicBinding_Validate(t *testing.T) {
	tests := []struct {
		name    string
		binding TopicBinding
		wantErr error
	}{
		{name: "valid", binding: testBinding},
		{name: "no command topic", binding: TopicBinding{ResponseTopic: "r"}, wantErr: ErrInvalidTopic},
		{name: "no response topic", binding: TopicBinding{CommandTopic: "c"}, wantErr: ErrInvalidTopic},
		{name: "qos 3", binding: TopicBinding{CommandTopic: "c", ResponseTopic: "r", QoS: 3}, wantErr: ErrInvalidQoS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.binding.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
