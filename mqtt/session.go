package mqtt

import "context"

// Session is one client's connection to a broker, surviving reconnects.
// Every successful (re)connect yields an EventConnected; subscriptions do not
// survive a reconnect.
type Session interface {
	Start(ctx context.Context) error
	Subscribe(topic string, qos byte) error
	// Publish returns without waiting for acknowledgement. QoS 0 messages get
	// id 0; QoS 1 and 2 ids are later reported by an EventPublished.
	Publish(topic string, qos byte, retain bool, payload []byte) (uint16, error)
	Events() <-chan Event
	Stop() error
}
