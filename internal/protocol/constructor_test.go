package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeRegisterDevice(t *testing.T) {
	tests := []struct {
		name        string
		msg         RegisterDevice
		wantPairing bool
	}{
		{
			name:        "unprovisioned includes pairing code",
			msg:         RegisterDevice{DeviceID: "d1", MacAddress: "aa:bb", FirmwareVersion: "2.0.0", PairingCode: "XYZ"},
			wantPairing: true,
		},
		{
			name:        "provisioned omits pairing code",
			msg:         RegisterDevice{DeviceID: "d1", MacAddress: "aa:bb", FirmwareVersion: "2.0.0", IsProvisioned: true},
			wantPairing: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			var env struct {
				Event string         `json:"event"`
				Data  map[string]any `json:"data"`
			}
			if err := json.Unmarshal(raw, &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.Event != EventRegisterDevice {
				t.Errorf("event = %q, want %q", env.Event, EventRegisterDevice)
			}
			if env.Data["deviceId"] != "d1" {
				t.Errorf("deviceId = %v, want d1", env.Data["deviceId"])
			}
			_, has := env.Data["pairingCode"]
			if has != tt.wantPairing {
				t.Errorf("pairingCode present = %v, want %v", has, tt.wantPairing)
			}
		})
	}
}

func TestEncodeEventNames(t *testing.T) {
	tests := []struct {
		msg  Outbound
		want string
	}{
		{DeviceStatus{}, "deviceStatus"},
		{LightingSystemStatus{}, "lightingSystemStatus"},
		{UserActionRequired{}, "userActionRequired"},
		{FactoryResetAcknowledged{}, "factoryResetAcknowledged"},
		{LightingSystemTest{}, "lightingSystemTest"},
	}

	for _, tt := range tests {
		raw, err := Encode(tt.msg)
		if err != nil {
			t.Fatalf("Encode(%T) error = %v", tt.msg, err)
		}
		if !strings.HasPrefix(string(raw), `{"event":"`+tt.want+`"`) {
			t.Errorf("Encode(%T) = %s, want event %q", tt.msg, raw, tt.want)
		}
	}
}

func TestEncodeRejectsOversizedMessage(t *testing.T) {
	_, err := Encode(LightingSystemStatus{Details: strings.Repeat("x", MaxMessageSize)})
	if err == nil {
		t.Fatal("Encode() error = nil, want size error")
	}
}

func TestEncodeEventRoundTripsThroughDecode(t *testing.T) {
	raw, err := EncodeEvent(EventDeviceClaimed, map[string]string{"userEmail": "x@example.com"})
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if c, ok := ev.(DeviceClaimed); !ok || c.UserEmail != "x@example.com" {
		t.Errorf("Decode() = %#v", ev)
	}
}
