// Package lifecycle drives the device from boot to an operational backend
// session.
//
// The Orchestrator is a state machine advanced by a single cooperative Tick:
//
//	Init -> NetworkSetup -> NetworkConnecting -> Registering
//	     -> AwaitingClaim <-> Operational
//
// Any failure is reported to the fault ledger and moves the machine to
// Fault, where the ledger picks a recovery strategy once the cooldown has
// passed. Factory resets and soft restarts go straight back to Init.
//
// Collaborators (network, identity, lighting) are plain interfaces so the
// same orchestrator runs against host implementations or test fakes.
// Optional capabilities such as Ticker, Resetter or Restarter are detected
// with type assertions.
package lifecycle
