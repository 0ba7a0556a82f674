package telemetry

import "errors"

var (
	// ErrNotConnected is returned when publishing while the broker is unreachable.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrConnectionFailed is returned when the broker rejects the connection.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrNoBroker is returned by New when no broker URL is configured.
	ErrNoBroker = errors.New("mqtt: no broker configured")
)
