package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values are bounded enums (state names, fault kinds, event names);
// device ids never appear as labels.

var (
	// StateTransitionsTotal counts lifecycle transitions by edge.
	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palpalette_state_transitions_total",
		Help: "Total number of lifecycle state transitions, by source and target state.",
	}, []string{"from", "to"})

	// CurrentState is 1 for the active lifecycle state and 0 otherwise.
	CurrentState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "palpalette_state",
		Help: "Current lifecycle state (1 for the active state).",
	}, []string{"state"})

	// FaultsTotal counts reported faults by kind.
	FaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palpalette_faults_total",
		Help: "Total number of reported faults, by kind.",
	}, []string{"kind"})

	// RecoveryActionsTotal counts applied recovery strategies.
	RecoveryActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palpalette_recovery_actions_total",
		Help: "Total number of recovery actions taken, by kind and strategy.",
	}, []string{"kind", "strategy"})

	// SessionConnectsTotal counts session connect attempts by result.
	SessionConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palpalette_session_connects_total",
		Help: "Total number of session connect attempts, by result (success/failure).",
	}, []string{"result"})

	// LivenessTimeoutsTotal counts sessions torn down for missing heartbeats.
	LivenessTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palpalette_session_liveness_timeouts_total",
		Help: "Total number of sessions torn down after the liveness timeout.",
	})

	// HeartbeatsTotal counts heartbeats sent.
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palpalette_session_heartbeats_total",
		Help: "Total number of heartbeats sent.",
	})

	// MessagesTotal counts session messages by direction and event name.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palpalette_session_messages_total",
		Help: "Total number of session messages, by direction (in/out) and event.",
	}, []string{"direction", "event"})

	// SessionConnected is 1 while a session is open.
	SessionConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "palpalette_session_connected",
		Help: "1 while the backend session is open.",
	})
)

// RecordTransition increments the transition counter and moves the state gauge.
func RecordTransition(from, to string) {
	StateTransitionsTotal.WithLabelValues(from, to).Inc()
	CurrentState.WithLabelValues(from).Set(0)
	CurrentState.WithLabelValues(to).Set(1)
}

// RecordFault increments the fault counter.
func RecordFault(kind string) {
	FaultsTotal.WithLabelValues(kind).Inc()
}

// RecordRecovery increments the recovery action counter.
func RecordRecovery(kind, strategy string) {
	RecoveryActionsTotal.WithLabelValues(kind, strategy).Inc()
}

// RecordConnect records a connect attempt outcome.
func RecordConnect(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	SessionConnectsTotal.WithLabelValues(result).Inc()
}

// RecordLivenessTimeout increments the liveness timeout counter.
func RecordLivenessTimeout() {
	LivenessTimeoutsTotal.Inc()
}

// RecordHeartbeat increments the heartbeat counter.
func RecordHeartbeat() {
	HeartbeatsTotal.Inc()
}

// RecordMessage increments the message counter.
func RecordMessage(direction, event string) {
	MessagesTotal.WithLabelValues(direction, event).Inc()
}

// SetConnected updates the session gauge.
func SetConnected(connected bool) {
	if connected {
		SessionConnected.Set(1)
		return
	}
	SessionConnected.Set(0)
}

// Serve exposes the default registry on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
