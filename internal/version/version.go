package version

import (
	"fmt"
	"runtime/debug"
	"time"
)

// DeviceType is reported to the backend during full registration.
const DeviceType = "PalPalette"

// These variables can be set at build time via ldflags:
//
//	go build -ldflags="-X github.com/palpalette/device/internal/version.Firmware=2.1.0 \
//	                   -X github.com/palpalette/device/internal/version.Commit=abc123"
//
// Firmware is the version string the device announces in registerDevice and
// deviceStatus messages. Build is the binary build identifier; when unset it is
// derived from VCS build info.
var (
	Firmware = "2.0.0"
	Build    = ""
	Commit   = ""
)

func init() {
	if Build == "" || Commit == "" {
		populateFromBuildInfo()
	}

	if Build == "" {
		Build = fmt.Sprintf("dev-%s", time.Now().Format("20060102-150405"))
	}
	if Commit == "" {
		Commit = "unknown"
	}
}

// populateFromBuildInfo reads VCS settings embedded by the Go toolchain
func populateFromBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	var vcsRevision, vcsModified, vcsTime string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			vcsRevision = setting.Value
		case "vcs.modified":
			vcsModified = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		}
	}

	if Commit == "" && vcsRevision != "" {
		Commit = shortRevision(vcsRevision, vcsModified == "true")
	}

	if Build == "" && vcsTime != "" {
		if t, err := time.Parse(time.RFC3339, vcsTime); err == nil {
			Build = fmt.Sprintf("dev-%s", t.Format("20060102"))
		}
	}
}

func shortRevision(rev string, dirty bool) string {
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}

// Full returns the firmware version with build and commit
func Full() string {
	return fmt.Sprintf("%s %s (build: %s, commit: %s)", DeviceType, Firmware, Build, Commit)
}
