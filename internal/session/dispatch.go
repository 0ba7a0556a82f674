package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/palpalette/device/internal/faults"
	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/metrics"
	"github.com/palpalette/device/internal/protocol"
)

const nanoleafPairingHint = "Hold the Nanoleaf power button for 5-7 seconds until the LEDs flash, then wait for pairing to finish."

// dispatch handles one decoded inbound event.
func (c *Client) dispatch(ev protocol.Event, now time.Time) {
	metrics.RecordMessage("in", ev.Name())

	switch e := ev.(type) {
	case protocol.ColorPalette:
		c.handlePalette(e)
	case protocol.DeviceRegistered:
		logging.Info("Backend confirmed registration",
			zap.String("device_id", e.DeviceID),
			zap.String("pairing_code", e.PairingCode),
		)
	case protocol.DeviceClaimed:
		c.handleClaimed(e)
	case protocol.SetupComplete:
		logging.Info("Setup complete", zap.String("status", e.Status))
		c.markProvisioned()
	case protocol.LightingSystemConfig:
		c.handleLightingConfig(e)
	case protocol.TestLightingSystem:
		c.handleLightingTest(now)
	case protocol.FactoryReset:
		c.handleFactoryReset(now)
	case protocol.DeviceStatusAck:
		logging.Debug("Device status acknowledged")
	case protocol.Unknown:
		logging.Warn("Ignoring unknown session event",
			zap.String("event", e.Event),
			zap.Int("data_length", len(e.Data)),
		)
	default:
		logging.Warn("Ignoring unhandled session event", zap.String("event", ev.Name()))
	}
}

func (c *Client) handlePalette(e protocol.ColorPalette) {
	if len(e.Colors) == 0 {
		logging.Warn("Ignoring empty palette", zap.String("message_id", e.MessageID))
		return
	}

	logging.Info("Palette received",
		zap.String("message_id", e.MessageID),
		zap.String("sender", e.SenderName),
		zap.Int("colors", len(e.Colors)),
	)

	if err := c.device.ApplyPalette(e.Palette()); err != nil {
		c.recordFailure(faults.KindDeviceControl, "apply palette", err)
	}
}

func (c *Client) handleClaimed(e protocol.DeviceClaimed) {
	logging.Info("Device claimed",
		zap.String("user_name", e.UserName),
		zap.String("user_email", e.UserEmail),
	)
	c.markProvisioned()

	if c.device.RequiresUserAuthentication() {
		if err := c.device.Authenticate(); err != nil {
			c.recordFailure(faults.KindDeviceControl, "authenticate lighting", err)
		}
		_ = c.SendLightingStatus()
	}
}

func (c *Client) markProvisioned() {
	if err := c.identity.SetProvisioned(true); err != nil {
		c.recordFailure(faults.KindPersistence, "save provisioned flag", err)
	}
}

func (c *Client) handleLightingConfig(e protocol.LightingSystemConfig) {
	if !protocol.IsValidSystemType(e.SystemType) {
		logging.Warn("Ignoring lighting config with unsupported system type",
			zap.String("system_type", e.SystemType),
		)
		return
	}

	logging.Info("Lighting system config received",
		zap.String("system_type", e.SystemType),
		zap.String("host", e.HostAddress),
		zap.Int("port", e.Port),
	)

	if err := c.device.Configure(e); err != nil {
		c.recordFailure(faults.KindDeviceControl, "configure lighting", err)
		_ = c.sendLightingStatus(protocol.LightingError, err.Error())
		return
	}

	if e.SystemType == protocol.SystemNanoleaf && c.device.RequiresUserAuthentication() {
		_ = c.sendLightingStatus(protocol.LightingAuthenticationRequired, nanoleafPairingHint)
		if err := c.device.Authenticate(); err != nil {
			c.recordFailure(faults.KindDeviceControl, "authenticate lighting", err)
		}
	}

	_ = c.SendLightingStatus()
}

func (c *Client) handleLightingTest(now time.Time) {
	reply := protocol.LightingSystemTest{DeviceID: c.identity.DeviceID()}

	err := c.device.TestConnection()
	if err == nil {
		err = c.device.ApplyPalette(protocol.TestPalette)
	}
	c.lastTestAt = now

	if err != nil {
		reply.Error = err.Error()
		c.recordFailure(faults.KindDeviceControl, "test lighting", err)
	} else {
		reply.Success = true
	}

	logging.Info("Lighting system test finished",
		zap.Bool("success", reply.Success),
		zap.String("error", reply.Error),
	)

	if err := c.send(reply); err != nil {
		return
	}
	_ = c.SendLightingStatus()
}

// handleFactoryReset acknowledges the request and leaves the reset itself to
// the owner, which must tear the session down first.
func (c *Client) handleFactoryReset(now time.Time) {
	logging.Warn("Factory reset requested by backend")

	ack := protocol.FactoryResetAcknowledged{
		DeviceID:  c.identity.DeviceID(),
		Timestamp: now.UnixMilli(),
	}
	if err := c.send(ack); err != nil {
		logging.Warn("Factory reset acknowledgment not sent", zap.Error(err))
	}
	c.factoryReset = true
}
