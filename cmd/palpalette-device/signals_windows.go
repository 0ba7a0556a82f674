//go:build windows

package main

import (
	"context"

	"github.com/palpalette/device/internal/lifecycle"
)

// Windows has no SIGHUP/SIGUSR1; use the reset command instead.
func watchControlSignals(ctx context.Context, orch *lifecycle.Orchestrator) {}
