// Package logging provides structured logging for the PalPalette device runtime.
//
// This package wraps a zap logger with convenience functions for the logging
// patterns used by the lifecycle orchestrator, the session client and the
// development backend.
//
// # Log Levels
//
//   - Debug: message payloads, heartbeats, raw frames
//   - Info: state transitions, connections, registrations
//   - Warn: retries, dropped sessions, recovery decisions
//   - Error: failed recoveries, persistence failures
//
// # Specialized Logging
//
//	logging.LogStateTransition("NetworkConnecting", "Registering", "network joined")
//	logging.LogConnection(url, "session_opened")
//	logging.LogSessionMessage("sent", "registerDevice", payload)
//	logging.LogRecovery("Registration", "RestartComponent", 5, 7)
//
// # Configuration
//
// The level comes from the --log-level flag or the PALPALETTE_LOG_LEVEL
// environment variable. With neither set the logger is a no-op:
//
//	if err := logging.Initialize(level); err != nil {
//	    return err
//	}
//	defer logging.Sync()
package logging
