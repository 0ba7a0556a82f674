package session

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by send operations while no session is open.
var ErrNotConnected = errors.New("session: not connected")

// FrameType identifies what the transport delivered.
type FrameType int

const (
	// FrameText carries one inbound message.
	FrameText FrameType = iota
	// FramePong is a liveness acknowledgment for a heartbeat.
	FramePong
	// FrameClosed reports that the transport is gone. It is the last frame.
	FrameClosed
)

// String returns a human-readable name for the frame type
func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FramePong:
		return "pong"
	case FrameClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Frame is one event from the transport.
type Frame struct {
	Type FrameType
	Data []byte
	Err  error
}

// Conn is an open session transport. Frames are delivered on a channel so the
// owner can drain them without blocking; writes happen on the owner's
// goroutine.
type Conn interface {
	WriteText(data []byte) error
	Ping() error
	Frames() <-chan Frame
	Close() error
}

// Dialer opens transports. Dial must honor ctx for its deadline.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
