// Package faults is the device's error ledger and recovery policy.
//
// Failures are classified into a Kind, counted by a Reporter and mapped to a
// Strategy (retry, restart a component, soft restart, hard restart, factory
// reset). The Reporter only decides; the lifecycle orchestrator applies the
// decision and is the only caller of Report.
//
// Escalation rules, in order:
//   - more than Critical faults in total: HardRestart for any kind
//   - Allocation: SoftRestart
//   - MessageDecode and WatchdogInit: RetryOperation (decode failures are not
//     counted toward the total)
//   - per-kind count at SoftRestartAt: SoftRestart (never for DeviceControl)
//   - per-kind count at RestartAt: RestartComponent
//   - otherwise RetryOperation
//
// ShouldActNow enforces a cooldown so recovery does not thrash.
package faults
