package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound event names
const (
	EventRegisterDevice           = "registerDevice"
	EventDeviceStatus             = "deviceStatus"
	EventLightingSystemStatus     = "lightingSystemStatus"
	EventUserActionRequired       = "userActionRequired"
	EventFactoryResetAcknowledged = "factoryResetAcknowledged"
	EventLightingSystemTest       = "lightingSystemTest"
)

// Lighting status values reported in lightingSystemStatus.
const (
	LightingWorking                = "working"
	LightingAuthenticationRequired = "authentication_required"
	LightingError                  = "error"
	LightingUnknown                = "unknown"
)

// MaxMessageSize bounds a single outbound frame.
const MaxMessageSize = 2048

// Outbound is a message the device sends to the backend.
type Outbound interface {
	Name() string
}

// RegisterDevice announces the device identity on a fresh session.
type RegisterDevice struct {
	DeviceID        string `json:"deviceId"`
	MacAddress      string `json:"macAddress"`
	IPAddress       string `json:"ipAddress"`
	FirmwareVersion string `json:"firmwareVersion"`
	IsProvisioned   bool   `json:"isProvisioned"`
	PairingCode     string `json:"pairingCode,omitempty"`
}

// DeviceStatus is the periodic health snapshot.
type DeviceStatus struct {
	DeviceID        string `json:"deviceId"`
	Timestamp       int64  `json:"timestamp"`
	IsOnline        bool   `json:"isOnline"`
	IsProvisioned   bool   `json:"isProvisioned"`
	FirmwareVersion string `json:"firmwareVersion"`
	IPAddress       string `json:"ipAddress"`
	MacAddress      string `json:"macAddress"`
	WifiRSSI        int    `json:"wifiRSSI"`
	FreeHeap        uint64 `json:"freeHeap"`
	Uptime          int64  `json:"uptime"`
}

// LightingSystemStatus reports the attached lighting system health.
type LightingSystemStatus struct {
	DeviceID   string `json:"deviceId"`
	SystemType string `json:"systemType"`
	Status     string `json:"status"`
	Details    string `json:"details,omitempty"`
	LastTest   int64  `json:"lastTest"`
}

// UserActionRequired asks the user to do something on the device, such as
// holding the Nanoleaf power button to pair.
type UserActionRequired struct {
	DeviceID       string `json:"deviceId"`
	Action         string `json:"action"`
	Instructions   string `json:"instructions"`
	Timeout        int    `json:"timeout"`
	Timestamp      int64  `json:"timestamp"`
	Type           string `json:"type,omitempty"`
	SystemType     string `json:"systemType,omitempty"`
	DisplayMessage string `json:"displayMessage,omitempty"`
}

// FactoryResetAcknowledged confirms a factoryReset before the device wipes itself.
type FactoryResetAcknowledged struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

// LightingSystemTest is the reply to testLightingSystem.
type LightingSystemTest struct {
	DeviceID string `json:"deviceId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

func (RegisterDevice) Name() string           { return EventRegisterDevice }
func (DeviceStatus) Name() string             { return EventDeviceStatus }
func (LightingSystemStatus) Name() string     { return EventLightingSystemStatus }
func (UserActionRequired) Name() string       { return EventUserActionRequired }
func (FactoryResetAcknowledged) Name() string { return EventFactoryResetAcknowledged }
func (LightingSystemTest) Name() string       { return EventLightingSystemTest }

// Encode wraps msg in an envelope and marshals it.
func Encode(msg Outbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Name(), err)
	}

	out, err := json.Marshal(Envelope{Event: msg.Name(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", msg.Name(), err)
	}
	if len(out) > MaxMessageSize {
		return nil, fmt.Errorf("%s message too large: %d bytes (max %d)", msg.Name(), len(out), MaxMessageSize)
	}
	return out, nil
}

// EncodeEvent builds an envelope for an arbitrary event name. The development
// backend uses it to push inbound events to devices.
func EncodeEvent(name string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return json.Marshal(Envelope{Event: name, Data: raw})
}
