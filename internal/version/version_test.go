package version

import (
	"strings"
	"testing"
)

func TestShortRevision(t *testing.T) {
	tests := []struct {
		rev   string
		dirty bool
		want  string
	}{
		{"0123456789abcdef", false, "0123456"},
		{"0123456789abcdef", true, "0123456-dirty"},
		{"abc", false, "abc"},
	}

	for _, tt := range tests {
		if got := shortRevision(tt.rev, tt.dirty); got != tt.want {
			t.Errorf("shortRevision(%q, %v) = %q, want %q", tt.rev, tt.dirty, got, tt.want)
		}
	}
}

func TestFullContainsFirmware(t *testing.T) {
	full := Full()
	if !strings.Contains(full, Firmware) || !strings.Contains(full, DeviceType) {
		t.Errorf("Full() = %q, want firmware %q and device type %q", full, Firmware, DeviceType)
	}
}
