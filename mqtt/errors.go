package mqtt

import "errors"

var (
	// ErrNotConnected is returned when publishing without an open broker connection.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrAlreadySubscribed is returned by Session.Subscribe when the topic is
	// already subscribed on the current connection. The bridge treats it as
	// success.
	ErrAlreadySubscribed = errors.New("mqtt: already subscribed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty topic is provided.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrAlreadyStarted is returned when a session or bridge is started twice.
	ErrAlreadyStarted = errors.New("mqtt: already started")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("mqtt: operation timed out")
)
