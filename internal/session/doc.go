// Package session maintains the long-lived backend session of a device.
//
// A Client owns at most one open socket at a time. Every reconnect builds a
// fresh per-socket state, so nothing from a dead connection leaks into the
// next. The client never blocks the caller's tick except for the bounded
// Connect call: inbound frames are read by a transport goroutine and drained
// by Poll; heartbeats and the liveness timeout are handled by Maintain.
//
// # Liveness
//
// A heartbeat (WebSocket ping) is sent when more than HeartbeatInterval has
// passed since the last one. Opening the socket counts as the first
// acknowledgment; when more than LivenessFactor × HeartbeatInterval passes
// without a pong the socket is torn down once and the client reports
// disconnected. Reconnecting is the owner's job, gated by ShouldRetry.
//
// # Dispatch
//
// Inbound messages are decoded with the protocol package and handled in a
// single switch. Unknown events and undecodable frames are logged and
// dropped. Collaborator failures are queued as kind-tagged errors for the
// owner to collect with TakeFailures; a backend factory reset is
// acknowledged immediately and surfaced through TakeFactoryResetRequest.
package session
