package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event names
const (
	EventColorPalette         = "colorPalette"
	EventDeviceRegistered     = "deviceRegistered"
	EventDeviceClaimed        = "deviceClaimed"
	EventSetupComplete        = "setupComplete"
	EventLightingSystemConfig = "lightingSystemConfig"
	EventTestLightingSystem   = "testLightingSystem"
	EventFactoryReset         = "factoryReset"
	EventDeviceStatusAck      = "deviceStatusAck"
)

var (
	// ErrMissingEvent is returned for envelopes without an event name.
	ErrMissingEvent = errors.New("protocol: envelope has no event name")
	// ErrInvalidColor is returned for palette colors that are not #RRGGBB.
	ErrInvalidColor = errors.New("protocol: invalid hex color")
)

// Envelope is the wire shape of every session message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is a decoded inbound message. The concrete types below are the only
// implementations; Unknown carries names this firmware does not handle.
type Event interface {
	Name() string
}

// ColorPalette asks the device to show a palette.
type ColorPalette struct {
	MessageID  string
	SenderID   string
	SenderName string
	Timestamp  int64
	Colors     []RGB
}

// DeviceRegistered confirms the session registration.
type DeviceRegistered struct {
	DeviceID    string `json:"deviceId"`
	PairingCode string `json:"pairingCode"`
}

// DeviceClaimed reports that a user claimed the device.
type DeviceClaimed struct {
	UserEmail string `json:"userEmail"`
	UserName  string `json:"userName"`
}

// SetupComplete reports that onboarding finished on the backend.
type SetupComplete struct {
	Status string `json:"status"`
}

// LightingSystemConfig configures the attached lighting system.
type LightingSystemConfig struct {
	SystemType   string         `json:"systemType"`
	HostAddress  string         `json:"hostAddress"`
	Port         int            `json:"port"`
	AuthToken    string         `json:"authToken"`
	CustomConfig map[string]any `json:"customConfig"`
}

// TestLightingSystem asks the device to test its lighting system.
type TestLightingSystem struct {
	DeviceID string `json:"deviceId"`
}

// FactoryReset asks the device to wipe its state.
type FactoryReset struct{}

// DeviceStatusAck acknowledges a deviceStatus message.
type DeviceStatusAck struct{}

// Unknown is any event name not listed above.
type Unknown struct {
	Event string
	Data  json.RawMessage
}

func (ColorPalette) Name() string         { return EventColorPalette }
func (DeviceRegistered) Name() string     { return EventDeviceRegistered }
func (DeviceClaimed) Name() string        { return EventDeviceClaimed }
func (SetupComplete) Name() string        { return EventSetupComplete }
func (LightingSystemConfig) Name() string { return EventLightingSystemConfig }
func (TestLightingSystem) Name() string   { return EventTestLightingSystem }
func (FactoryReset) Name() string         { return EventFactoryReset }
func (DeviceStatusAck) Name() string      { return EventDeviceStatusAck }
func (u Unknown) Name() string            { return u.Event }

// DefaultLightingPort is used when lightingSystemConfig carries no port.
const DefaultLightingPort = 80

// Decode parses one inbound frame. Unknown event names decode to Unknown
// without error; malformed JSON or a missing event name is an error.
func Decode(raw []byte) (Event, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	var name string
	if ev, ok := top["event"]; ok {
		if err := json.Unmarshal(ev, &name); err != nil {
			return nil, fmt.Errorf("protocol: decode event name: %w", err)
		}
	}
	if name == "" {
		return nil, ErrMissingEvent
	}

	data := top["data"]

	switch name {
	case EventColorPalette:
		return decodePalette(top, data)
	case EventDeviceRegistered:
		return decodeInto[DeviceRegistered](name, data)
	case EventDeviceClaimed:
		return decodeInto[DeviceClaimed](name, data)
	case EventSetupComplete:
		return decodeInto[SetupComplete](name, data)
	case EventLightingSystemConfig:
		var ev LightingSystemConfig
		if err := decodeData(name, data, &ev); err != nil {
			return nil, err
		}
		if ev.Port == 0 {
			ev.Port = DefaultLightingPort
		}
		return ev, nil
	case EventTestLightingSystem:
		return decodeInto[TestLightingSystem](name, data)
	case EventFactoryReset:
		return FactoryReset{}, nil
	case EventDeviceStatusAck:
		return DeviceStatusAck{}, nil
	default:
		return Unknown{Event: name, Data: data}, nil
	}
}

func decodeInto[T Event](name string, data json.RawMessage) (Event, error) {
	var ev T
	if err := decodeData(name, data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeData(name string, data json.RawMessage, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", name, err)
	}
	return nil
}

type wirePalette struct {
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Timestamp  int64  `json:"timestamp"`
	Colors     []struct {
		Hex string `json:"hex"`
	} `json:"colors"`
}

// decodePalette reads palette fields from data, falling back to the top level
// of the envelope where older backends put them.
func decodePalette(top map[string]json.RawMessage, data json.RawMessage) (Event, error) {
	var wp wirePalette
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &wp); err != nil {
			return nil, fmt.Errorf("protocol: decode colorPalette: %w", err)
		}
	} else {
		flat, err := json.Marshal(top)
		if err != nil {
			return nil, fmt.Errorf("protocol: decode colorPalette: %w", err)
		}
		if err := json.Unmarshal(flat, &wp); err != nil {
			return nil, fmt.Errorf("protocol: decode colorPalette: %w", err)
		}
	}

	ev := ColorPalette{
		MessageID:  wp.MessageID,
		SenderID:   wp.SenderID,
		SenderName: wp.SenderName,
		Timestamp:  wp.Timestamp,
	}
	for _, c := range wp.Colors {
		if len(ev.Colors) == MaxPaletteColors {
			break
		}
		rgb, err := ParseHex(c.Hex)
		if err != nil {
			return nil, err
		}
		ev.Colors = append(ev.Colors, rgb)
	}
	return ev, nil
}
