package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed between pings from the device. Devices ping every 30s
	// and give up after three missed pongs.
	pingWait = 120 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192
)

// ErrDeviceOffline is returned when pushing to a device with no session.
var ErrDeviceOffline = errors.New("device has no open session")

// session is one device WebSocket.
type session struct {
	conn       *websocket.Conn
	remoteAddr string

	writeMu  sync.Mutex
	mu       sync.Mutex
	deviceID string
}

func (s *session) id() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *session) send(event string, data any) error {
	msg, err := protocol.EncodeEvent(event, data)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	logging.LogSessionMessage("backend->device", event, msg)
	return nil
}

// serveSession runs the read loop for one device until it disconnects.
func (s *Server) serveSession(sess *session) {
	logging.LogConnection(sess.remoteAddr, "session_opened")
	defer func() {
		_ = sess.conn.Close()
		s.detach(sess)
		logging.LogConnection(sess.remoteAddr, "session_closed")
	}()

	conn := sess.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pingWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Info("Session read failed",
					zap.String("remote_addr", sess.remoteAddr),
					zap.Error(err),
				)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pingWait))

		if msgType != websocket.TextMessage {
			logging.Warn("Ignoring non-text frame",
				zap.String("remote_addr", sess.remoteAddr),
				zap.Int("type", msgType),
			)
			continue
		}
		s.handleDeviceMessage(sess, data)
	}
}

// handleDeviceMessage processes one device->backend message.
func (s *Server) handleDeviceMessage(sess *session, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		logging.Warn("Malformed device message", zap.String("remote_addr", sess.remoteAddr))
		logging.LogRawBytes("Malformed device message", raw)
		return
	}
	logging.LogSessionMessage("device->backend", env.Event, raw)

	switch env.Event {
	case protocol.EventRegisterDevice:
		var msg protocol.RegisterDevice
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			logging.Warn("Bad registerDevice payload", zap.Error(err))
			return
		}
		s.registerSession(sess, msg)

	case protocol.EventDeviceStatus:
		var msg protocol.DeviceStatus
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			logging.Warn("Bad deviceStatus payload", zap.Error(err))
			return
		}
		if id := sess.id(); id != "" {
			_, _ = s.registry.Update(id, func(d *Device) {
				d.LastSeen = time.Now()
				d.IPAddress = msg.IPAddress
				d.FirmwareVersion = msg.FirmwareVersion
			})
		}
		if err := sess.send(protocol.EventDeviceStatusAck, map[string]any{"timestamp": time.Now().UnixMilli()}); err != nil {
			logging.Warn("deviceStatusAck not sent", zap.Error(err))
		}

	case protocol.EventLightingSystemStatus:
		var msg protocol.LightingSystemStatus
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			logging.Warn("Bad lightingSystemStatus payload", zap.Error(err))
			return
		}
		if id := sess.id(); id != "" {
			_, _ = s.registry.Update(id, func(d *Device) {
				d.LightingSystemType = msg.SystemType
				d.LightingStatus = msg.Status
			})
		}

	case protocol.EventFactoryResetAcknowledged:
		if id := sess.id(); id != "" {
			logging.Info("Device acknowledged factory reset", zap.String("device_id", id))
			s.registry.Forget(id)
		}

	case protocol.EventUserActionRequired, protocol.EventLightingSystemTest:
		logging.Info("Device event", zap.String("event", env.Event), zap.ByteString("data", env.Data))

	default:
		logging.Warn("Unknown device event", zap.String("event", env.Event))
	}
}

func (s *Server) registerSession(sess *session, msg protocol.RegisterDevice) {
	dev, _, err := s.registry.Register(RegisterRequest{
		MacAddress:      msg.MacAddress,
		FirmwareVersion: msg.FirmwareVersion,
		IPAddress:       msg.IPAddress,
	})
	if err != nil {
		logging.Warn("Session registration rejected", zap.Error(err))
		return
	}

	s.attach(sess, dev.ID)
	_, _ = s.registry.Update(dev.ID, func(d *Device) { d.Online = true })

	if err := sess.send(protocol.EventDeviceRegistered, protocol.DeviceRegistered{
		DeviceID:    dev.ID,
		PairingCode: dev.PairingCode,
	}); err != nil {
		logging.Warn("deviceRegistered not sent", zap.Error(err))
		return
	}

	// A device that was claimed while offline learns about it now.
	if dev.Status == StatusClaimed && !msg.IsProvisioned {
		_ = sess.send(protocol.EventDeviceClaimed, protocol.DeviceClaimed{
			UserName:  dev.OwnerName,
			UserEmail: dev.OwnerEmail,
		})
	}
}

// attach binds sess to deviceID, closing any older session for the device.
func (s *Server) attach(sess *session, deviceID string) {
	sess.mu.Lock()
	sess.deviceID = deviceID
	sess.mu.Unlock()

	s.mu.Lock()
	old := s.sessions[deviceID]
	s.sessions[deviceID] = sess
	s.mu.Unlock()

	if old != nil && old != sess {
		logging.Info("Replacing older session", zap.String("device_id", deviceID))
		_ = old.conn.Close()
	}
}

func (s *Server) detach(sess *session) {
	id := sess.id()

	s.mu.Lock()
	delete(s.conns, sess)
	current := id != "" && s.sessions[id] == sess
	if current {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if current {
		_, _ = s.registry.Update(id, func(d *Device) { d.Online = false })
	}
}

// push sends an event to the device's open session.
func (s *Server) push(deviceID, event string, data any) error {
	s.mu.Lock()
	sess := s.sessions[deviceID]
	s.mu.Unlock()
	if sess == nil {
		return ErrDeviceOffline
	}
	return sess.send(event, data)
}
