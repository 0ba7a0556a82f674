//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/palpalette/device/internal/lifecycle"
	"github.com/palpalette/device/internal/logging"
)

// watchControlSignals maps SIGHUP to a soft restart and SIGUSR1 to a factory
// reset. The orchestrator acts on them at its next tick.
func watchControlSignals(ctx context.Context, orch *lifecycle.Orchestrator) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			logging.Info("Control signal received", zap.String("signal", sig.String()))
			switch sig {
			case syscall.SIGHUP:
				orch.RequestSoftRestart()
			case syscall.SIGUSR1:
				orch.RequestFactoryReset()
			}
		}
	}
}
