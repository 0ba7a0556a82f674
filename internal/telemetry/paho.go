package telemetry

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/palpalette/device/internal/logging"
)

// pahoBroker adapts the paho client. On every (re)connect it marks the
// device online and replays the last state.
type pahoBroker struct {
	client       pahomqtt.Client
	availability string

	mu          sync.Mutex
	onReconnect func()
}

func newPahoBroker(opts *pahomqtt.ClientOptions) *pahoBroker {
	b := &pahoBroker{availability: opts.WillTopic}
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		logging.Info("MQTT connected")
		c.Publish(b.availability, 1, true, availabilityOnline)
		b.mu.Lock()
		fn := b.onReconnect
		b.mu.Unlock()
		if fn != nil {
			go fn()
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logging.Warn("MQTT connection lost", zap.Error(err))
	})
	b.client = pahomqtt.NewClient(opts)
	return b
}

// connect waits up to timeout for the first connection. Paho keeps retrying
// after a timeout.
func (b *pahoBroker) connect(timeout time.Duration) error {
	token := b.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

func (b *pahoBroker) setOnReconnect(fn func()) {
	b.mu.Lock()
	b.onReconnect = fn
	b.mu.Unlock()
}

func (b *pahoBroker) IsConnected() bool { return b.client.IsConnectionOpen() }

// Publish hands the message to paho without waiting for the acknowledgment.
func (b *pahoBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := b.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	default:
		return nil
	}
}

func (b *pahoBroker) Close() {
	b.client.Disconnect(defaultDisconnectQuiesce)
}
