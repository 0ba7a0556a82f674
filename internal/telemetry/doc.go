// Package telemetry mirrors the device lifecycle to an MQTT broker.
//
// Each device publishes under <prefix>/<mac>/:
//
//	availability  "online" on connect, "offline" on shutdown or as the
//	              broker-published last will
//	state         retained JSON snapshot of the lifecycle
//
// The mirror implements lifecycle.StatusSink. Publishing never blocks the
// lifecycle tick; while the broker is unreachable snapshots are dropped and
// the latest one is replayed on reconnect.
package telemetry
