package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/palpalette/device/internal/faults"
	"github.com/palpalette/device/internal/lifecycle"
	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/version"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultKeepAlive         = 30 * time.Second
	defaultDisconnectQuiesce = 500 // milliseconds

	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// Options configures the mirror.
type Options struct {
	Broker         string // tcp://host:1883
	ClientID       string
	TopicPrefix    string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// MacAddress keys the topics. It never changes, unlike the device id the
	// backend assigns.
	MacAddress string
}

// Topics are the topics one device publishes to.
type Topics struct {
	Availability string
	State        string
}

// TopicsFor builds the topic names for a device.
func TopicsFor(prefix, mac string) Topics {
	if prefix == "" {
		prefix = "palpalette"
	}
	key := strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(mac))
	base := strings.TrimRight(prefix, "/") + "/" + key
	return Topics{
		Availability: base + "/availability",
		State:        base + "/state",
	}
}

// broker is the part of the paho client the mirror uses.
type broker interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
	Close()
}

// Mirror publishes lifecycle snapshots to MQTT as retained JSON. The broker
// publishes "offline" on the availability topic if the device vanishes.
type Mirror struct {
	topics Topics
	broker broker

	mu   sync.Mutex
	last []byte
}

// New connects to opts.Broker. The connection is retried in the background,
// so an unreachable broker does not fail startup.
func New(opts Options) (*Mirror, error) {
	if opts.Broker == "" {
		return nil, ErrNoBroker
	}
	topics := TopicsFor(opts.TopicPrefix, opts.MacAddress)
	client := newPahoBroker(buildClientOptions(opts, topics))

	logging.Info("MQTT mirror starting",
		zap.String("broker", opts.Broker),
		zap.String("state_topic", topics.State),
	)
	m := newMirror(topics, client)
	client.setOnReconnect(m.republish)

	if err := client.connect(connectTimeout(opts)); err != nil {
		logging.Warn("MQTT broker not reachable yet, retrying in background", zap.Error(err))
	}
	return m, nil
}

func newMirror(topics Topics, b broker) *Mirror {
	return &Mirror{topics: topics, broker: b}
}

// Topics returns the topics this mirror publishes to.
func (m *Mirror) Topics() Topics { return m.topics }

// stateMessage is the retained state payload.
type stateMessage struct {
	State            string `json:"state"`
	StateEnteredAt   int64  `json:"stateEnteredAt"`
	DeviceID         string `json:"deviceId"`
	Provisioned      bool   `json:"provisioned"`
	NetworkConnected bool   `json:"networkConnected"`
	PortalMode       bool   `json:"portalMode"`
	SessionConnected bool   `json:"sessionConnected"`
	FaultKind        string `json:"faultKind,omitempty"`
	FaultTotal       int    `json:"faultTotal"`
	WatchdogDegraded bool   `json:"watchdogDegraded"`
	Firmware         string `json:"firmware"`
	Timestamp        int64  `json:"timestamp"`
}

func encodeSnapshot(s lifecycle.Snapshot) ([]byte, error) {
	msg := stateMessage{
		State:            s.State.String(),
		StateEnteredAt:   s.StateEnteredAt.UnixMilli(),
		DeviceID:         s.DeviceID,
		Provisioned:      s.Provisioned,
		NetworkConnected: s.NetworkConnected,
		PortalMode:       s.PortalMode,
		SessionConnected: s.SessionConnected,
		FaultTotal:       s.FaultTotal,
		WatchdogDegraded: s.WatchdogDegraded,
		Firmware:         version.Firmware,
		Timestamp:        s.Timestamp.UnixMilli(),
	}
	if s.FaultKind != faults.KindUnknown {
		msg.FaultKind = s.FaultKind.String()
	}
	return json.Marshal(msg)
}

// PublishState implements lifecycle.StatusSink. It never waits on the
// broker; the lifecycle calls it from its tick.
func (m *Mirror) PublishState(s lifecycle.Snapshot) error {
	payload, err := encodeSnapshot(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	m.mu.Lock()
	m.last = payload
	m.mu.Unlock()

	if !m.broker.IsConnected() {
		return ErrNotConnected
	}
	return m.broker.Publish(m.topics.State, 1, true, payload)
}

// republish sends the latest state after a reconnect.
func (m *Mirror) republish() {
	m.mu.Lock()
	payload := m.last
	m.mu.Unlock()
	if payload == nil {
		return
	}
	if err := m.broker.Publish(m.topics.State, 1, true, payload); err != nil {
		logging.Debug("State republish failed", zap.Error(err))
	}
}

// Close publishes a graceful offline status and disconnects.
func (m *Mirror) Close() error {
	if m.broker.IsConnected() {
		if err := m.broker.Publish(m.topics.Availability, 1, true, []byte(availabilityOffline)); err != nil {
			logging.Debug("Offline status not published", zap.Error(err))
		}
	}
	m.broker.Close()
	return nil
}

func connectTimeout(opts Options) time.Duration {
	if opts.ConnectTimeout > 0 {
		return opts.ConnectTimeout
	}
	return defaultConnectTimeout
}

// buildClientOptions creates paho options with auto-reconnect and a retained
// "offline" last will on the availability topic.
func buildClientOptions(opts Options, topics Topics) *pahomqtt.ClientOptions {
	o := pahomqtt.NewClientOptions()
	o.AddBroker(opts.Broker)

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "palpalette-" + strings.ToLower(strings.ReplaceAll(opts.MacAddress, ":", ""))
	}
	o.SetClientID(clientID)

	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}

	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	o.SetCleanSession(true)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(5 * time.Second)
	o.SetMaxReconnectInterval(time.Minute)
	o.SetConnectTimeout(connectTimeout(opts))
	o.SetKeepAlive(keepAlive)
	o.SetWill(topics.Availability, availabilityOffline, 1, true)
	return o
}
