package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/palpalette/device/internal/backoff"
	"github.com/palpalette/device/internal/faults"
	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/metrics"
	"github.com/palpalette/device/internal/protocol"
	"github.com/palpalette/device/internal/version"
)

// maxFramesPerPoll bounds the work one Poll does so a chatty backend cannot
// starve the rest of the tick.
const maxFramesPerPoll = 32

// Identity is the part of the identity store the session reads and updates.
type Identity interface {
	DeviceID() string
	MacAddress() string
	PairingCode() string
	IsProvisioned() bool
	SetProvisioned(provisioned bool) error
	SetOnline(online bool)
}

// Device is the lighting controller the session drives.
type Device interface {
	IsReady() bool
	CurrentSystemType() string
	RequiresUserAuthentication() bool
	CurrentStatus() string
	ApplyPalette(p protocol.Palette) error
	Configure(cfg protocol.LightingSystemConfig) error
	Authenticate() error
	TestConnection() error
	// PendingUserActions returns and clears queued user prompts.
	PendingUserActions() []protocol.UserActionRequired
}

// SystemInfo supplies the health fields of deviceStatus.
type SystemInfo interface {
	IPAddress() string
	SignalStrength() int
	FreeHeap() uint64
	Uptime() time.Duration
}

// Config configures a Client.
type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	// LivenessFactor is how many heartbeat intervals may pass without a
	// pong before the session is torn down.
	LivenessFactor int
	ConnectTimeout time.Duration
	Backoff        backoff.Policy
}

// DefaultConfig returns the firmware timing defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		HeartbeatInterval: 30 * time.Second,
		LivenessFactor:    3,
		ConnectTimeout:    10 * time.Second,
		Backoff: backoff.Policy{
			Initial:    time.Second,
			Max:        60 * time.Second,
			Multiplier: 2,
			IdleReset:  5 * time.Minute,
		},
	}
}

// connection is the per-socket state. A new one is built on every connect.
type connection struct {
	ws                  Conn
	openedAt            time.Time
	lastHeartbeatSentAt time.Time
	lastPongReceivedAt  time.Time
	heartbeatsSent      int
}

// Client keeps the backend session alive. It is driven by the owner's tick:
// Poll drains inbound frames, Maintain sends heartbeats and enforces
// liveness, Connect opens a new socket when ShouldRetry allows. Nothing in
// the client reconnects on its own.
//
// A Client is not safe for concurrent use.
type Client struct {
	cfg      Config
	dialer   Dialer
	identity Identity
	device   Device
	info     SystemInfo

	retry    *backoff.State
	conn     *connection
	failures int

	// lastNow is the time passed to the most recent entry point; sends that
	// fail tear the socket down at this time.
	lastNow time.Time

	factoryReset     bool
	pendingFailures  []error
	livenessTimeouts int
	lastTestAt       time.Time
}

// New creates a disconnected Client.
func New(cfg Config, dialer Dialer, identity Identity, device Device, info SystemInfo) *Client {
	def := DefaultConfig(cfg.URL)
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.LivenessFactor <= 0 {
		cfg.LivenessFactor = def.LivenessFactor
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = def.Backoff
	}

	return &Client{
		cfg:      cfg,
		dialer:   dialer,
		identity: identity,
		device:   device,
		info:     info,
		retry:    backoff.New(cfg.Backoff),
	}
}

// URL returns the backend session URL.
func (c *Client) URL() string {
	return c.cfg.URL
}

// Connected reports whether a socket is open.
func (c *Client) Connected() bool {
	return c.conn != nil
}

// ShouldRetry reports whether a connect attempt is allowed at now.
func (c *Client) ShouldRetry(now time.Time) bool {
	return c.conn == nil && c.retry.ShouldRetry(now)
}

// NextAttemptAt returns when the next connect attempt is allowed.
func (c *Client) NextAttemptAt() time.Time {
	return c.retry.NextAttemptAt()
}

// ConsecutiveFailures counts failed connects since the last successful open.
func (c *Client) ConsecutiveFailures() int {
	return c.failures
}

// ResetFailureBudget forgets consecutive connect failures without touching
// the connect backoff.
func (c *Client) ResetFailureBudget() {
	c.failures = 0
}

// LivenessTimeouts counts sessions torn down for missing pongs.
func (c *Client) LivenessTimeouts() int {
	return c.livenessTimeouts
}

// LastHeartbeatSentAt returns when the last heartbeat went out (zero when
// disconnected).
func (c *Client) LastHeartbeatSentAt() time.Time {
	if c.conn == nil {
		return time.Time{}
	}
	return c.conn.lastHeartbeatSentAt
}

// LastPongReceivedAt returns when the last liveness acknowledgment arrived.
// The open itself counts as the first one.
func (c *Client) LastPongReceivedAt() time.Time {
	if c.conn == nil {
		return time.Time{}
	}
	return c.conn.lastPongReceivedAt
}

// HeartbeatsSent returns the heartbeats sent on the current socket.
func (c *Client) HeartbeatsSent() int {
	if c.conn == nil {
		return 0
	}
	return c.conn.heartbeatsSent
}

// TakeFactoryResetRequest reports and clears a factory reset requested by
// the backend.
func (c *Client) TakeFactoryResetRequest() bool {
	req := c.factoryReset
	c.factoryReset = false
	return req
}

// TakeFailures returns and clears collaborator failures seen while handling
// inbound events. Each error carries a fault kind.
func (c *Client) TakeFailures() []error {
	out := c.pendingFailures
	c.pendingFailures = nil
	return out
}

// Connect dials the backend with a bounded timeout. On success the session
// announces itself; on failure the connect backoff grows.
func (c *Client) Connect(ctx context.Context, now time.Time) error {
	c.lastNow = now
	if c.conn != nil {
		return nil
	}

	c.retry.RecordAttempt(now)
	logging.LogConnection(c.cfg.URL, "session_connecting")

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	ws, err := c.dialer.Dial(dctx, c.cfg.URL)
	if err != nil {
		c.failures++
		metrics.RecordConnect(false)
		logging.Warn("Session connect failed",
			zap.String("url", c.cfg.URL),
			zap.Int("consecutive_failures", c.failures),
			zap.Duration("next_retry_in", c.retry.CurrentDelay()),
			zap.Error(err),
		)
		return fmt.Errorf("session: connect %s: %w", c.cfg.URL, err)
	}

	c.open(ws, now)
	return nil
}

func (c *Client) open(ws Conn, now time.Time) {
	c.conn = &connection{
		ws:                  ws,
		openedAt:            now,
		lastHeartbeatSentAt: now,
		lastPongReceivedAt:  now,
	}
	c.retry.Reset()
	c.failures = 0
	c.identity.SetOnline(true)

	metrics.RecordConnect(true)
	metrics.SetConnected(true)
	logging.LogConnection(c.cfg.URL, "session_opened")

	if err := c.AnnounceIdentity(); err != nil {
		return
	}
	if err := c.SendDeviceStatus(now); err != nil {
		return
	}
	_ = c.SendLightingStatus()
}

// Poll drains inbound frames without blocking and dispatches them.
func (c *Client) Poll(now time.Time) {
	c.lastNow = now
	for i := 0; i < maxFramesPerPoll && c.conn != nil; i++ {
		select {
		case f, ok := <-c.conn.ws.Frames():
			if !ok {
				c.teardown(now, "transport closed")
				return
			}
			c.handleFrame(f, now)
		default:
			c.forwardUserActions(now)
			return
		}
	}
	c.forwardUserActions(now)
}

func (c *Client) handleFrame(f Frame, now time.Time) {
	switch f.Type {
	case FramePong:
		c.conn.lastPongReceivedAt = now
		logging.Debug("Heartbeat acknowledged", zap.String("url", c.cfg.URL))
	case FrameClosed:
		reason := "closed by peer"
		if f.Err != nil {
			reason = f.Err.Error()
		}
		c.teardown(now, reason)
	case FrameText:
		logging.LogSessionMessage("received", "", f.Data)
		ev, err := protocol.Decode(f.Data)
		if err != nil {
			logging.Warn("Dropping undecodable session message", zap.Error(err))
			logging.LogRawBytes("Undecodable frame", f.Data)
			c.recordFailure(faults.KindMessageDecode, "decode message", err)
			return
		}
		c.dispatch(ev, now)
	}
}

// Maintain enforces liveness and sends a heartbeat when one is due.
func (c *Client) Maintain(now time.Time) {
	c.lastNow = now
	if c.conn == nil {
		return
	}

	limit := time.Duration(c.cfg.LivenessFactor) * c.cfg.HeartbeatInterval
	if now.Sub(c.conn.lastPongReceivedAt) > limit {
		c.livenessTimeouts++
		metrics.RecordLivenessTimeout()
		logging.Warn("Session liveness timeout",
			zap.String("url", c.cfg.URL),
			zap.Duration("since_last_pong", now.Sub(c.conn.lastPongReceivedAt)),
			zap.Duration("limit", limit),
		)
		c.teardown(now, "liveness timeout")
		return
	}

	if now.Sub(c.conn.lastHeartbeatSentAt) > c.cfg.HeartbeatInterval {
		if err := c.conn.ws.Ping(); err != nil {
			c.teardown(now, err.Error())
			return
		}
		c.conn.lastHeartbeatSentAt = now
		c.conn.heartbeatsSent++
		metrics.RecordHeartbeat()
		logging.Debug("Heartbeat sent",
			zap.String("url", c.cfg.URL),
			zap.Int("heartbeats", c.conn.heartbeatsSent),
		)
	}
}

// Disconnect closes the socket if one is open. Reconnection is left to the
// owner.
func (c *Client) Disconnect(now time.Time) {
	c.lastNow = now
	c.teardown(now, "disconnect requested")
}

func (c *Client) teardown(now time.Time, reason string) {
	if c.conn == nil {
		return
	}
	conn := c.conn
	c.conn = nil

	if err := conn.ws.Close(); err != nil {
		logging.Debug("Session close error", zap.Error(err))
	}
	c.identity.SetOnline(false)
	c.retry.Hold(now)

	metrics.SetConnected(false)
	logging.LogConnection(c.cfg.URL, "session_closed")
	logging.Warn("Session closed",
		zap.String("url", c.cfg.URL),
		zap.String("reason", reason),
		zap.Duration("lifetime", now.Sub(conn.openedAt)),
	)
}

func (c *Client) send(msg protocol.Outbound) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	raw, err := protocol.Encode(msg)
	if err != nil {
		logging.Error("Failed to encode session message",
			zap.String("event", msg.Name()),
			zap.Error(err),
		)
		return err
	}

	if err := c.conn.ws.WriteText(raw); err != nil {
		c.teardown(c.lastNow, err.Error())
		return fmt.Errorf("session: send %s: %w", msg.Name(), err)
	}

	metrics.RecordMessage("out", msg.Name())
	logging.LogSessionMessage("sent", msg.Name(), raw)
	return nil
}

// AnnounceIdentity sends registerDevice. Unprovisioned devices include their
// pairing code.
func (c *Client) AnnounceIdentity() error {
	msg := protocol.RegisterDevice{
		DeviceID:        c.identity.DeviceID(),
		MacAddress:      c.identity.MacAddress(),
		IPAddress:       c.info.IPAddress(),
		FirmwareVersion: version.Firmware,
		IsProvisioned:   c.identity.IsProvisioned(),
	}
	if !msg.IsProvisioned {
		msg.PairingCode = c.identity.PairingCode()
	}
	return c.send(msg)
}

// SendDeviceStatus sends a deviceStatus snapshot.
func (c *Client) SendDeviceStatus(now time.Time) error {
	c.lastNow = now
	return c.send(protocol.DeviceStatus{
		DeviceID:        c.identity.DeviceID(),
		Timestamp:       now.UnixMilli(),
		IsOnline:        c.conn != nil,
		IsProvisioned:   c.identity.IsProvisioned(),
		FirmwareVersion: version.Firmware,
		IPAddress:       c.info.IPAddress(),
		MacAddress:      c.identity.MacAddress(),
		WifiRSSI:        c.info.SignalStrength(),
		FreeHeap:        c.info.FreeHeap(),
		Uptime:          int64(c.info.Uptime() / time.Second),
	})
}

// SendLightingStatus reports the lighting system state. Nothing is sent when
// no lighting system is configured.
func (c *Client) SendLightingStatus() error {
	return c.sendLightingStatus(c.lightingStatus(), "")
}

func (c *Client) sendLightingStatus(status, details string) error {
	systemType := c.device.CurrentSystemType()
	if systemType == "" || systemType == "none" {
		return nil
	}

	var lastTest int64
	if !c.lastTestAt.IsZero() {
		lastTest = c.lastTestAt.UnixMilli()
	}

	return c.send(protocol.LightingSystemStatus{
		DeviceID:   c.identity.DeviceID(),
		SystemType: systemType,
		Status:     status,
		Details:    details,
		LastTest:   lastTest,
	})
}

func (c *Client) lightingStatus() string {
	switch {
	case c.device.IsReady():
		return protocol.LightingWorking
	case c.device.RequiresUserAuthentication():
		return protocol.LightingAuthenticationRequired
	}

	switch s := c.device.CurrentStatus(); s {
	case protocol.LightingWorking, protocol.LightingAuthenticationRequired, protocol.LightingError:
		return s
	default:
		return protocol.LightingUnknown
	}
}

// NotifyUserAction sends userActionRequired.
func (c *Client) NotifyUserAction(a protocol.UserActionRequired, now time.Time) error {
	c.lastNow = now
	a.DeviceID = c.identity.DeviceID()
	a.Timestamp = now.UnixMilli()
	return c.send(a)
}

func (c *Client) forwardUserActions(now time.Time) {
	if c.conn == nil {
		return
	}
	for _, a := range c.device.PendingUserActions() {
		if err := c.NotifyUserAction(a, now); err != nil {
			logging.Warn("User action notification not sent",
				zap.String("action", a.Action),
				zap.Error(err),
			)
			return
		}
	}
}

func (c *Client) recordFailure(kind faults.Kind, op string, err error) {
	logging.Warn("Session handler failure",
		zap.String("kind", kind.String()),
		zap.String("op", op),
		zap.Error(err),
	)
	c.pendingFailures = append(c.pendingFailures, faults.Wrap(kind, op, err))
}
