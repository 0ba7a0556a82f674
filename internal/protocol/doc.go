// Package protocol implements the JSON session protocol spoken between a
// PalPalette device and its backend.
//
// # Envelope
//
// Every message in both directions is a JSON object:
//
//	{"event": "<name>", "data": { ... }}
//
// # Inbound
//
// Decode turns a frame into one of a closed set of Event types
// (ColorPalette, DeviceRegistered, DeviceClaimed, SetupComplete,
// LightingSystemConfig, TestLightingSystem, FactoryReset, DeviceStatusAck).
// Names outside that set decode to Unknown so callers can log and move on;
// malformed JSON is an error.
//
// Older backends send colorPalette fields at the top level of the envelope
// rather than under "data"; Decode accepts both. Palettes carry at most
// MaxPaletteColors colors.
//
// # Outbound
//
// Encode wraps one of the Outbound message types (RegisterDevice,
// DeviceStatus, LightingSystemStatus, UserActionRequired,
// FactoryResetAcknowledged, LightingSystemTest) in an envelope:
//
//	raw, err := protocol.Encode(protocol.FactoryResetAcknowledged{
//	    DeviceID:  id,
//	    Timestamp: uptimeMillis,
//	})
package protocol
