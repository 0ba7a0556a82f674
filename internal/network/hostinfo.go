package network

import (
	"math"
	"runtime"
	"runtime/debug"
	"time"
)

// HostInfo reports the health fields of deviceStatus for a host process.
type HostInfo struct {
	provisioner *HostProvisioner
	started     time.Time
}

// NewHostInfo returns a HostInfo whose uptime starts now.
func NewHostInfo(p *HostProvisioner) *HostInfo {
	return &HostInfo{provisioner: p, started: time.Now()}
}

func (h *HostInfo) IPAddress() string {
	if h.provisioner == nil {
		return ""
	}
	return h.provisioner.IPAddress()
}

// SignalStrength is always 0 on a wired or host network; there is no radio
// to report on.
func (h *HostInfo) SignalStrength() int { return 0 }

// FreeHeap is the headroom under GOMEMLIMIT when one is set, or the heap
// memory obtained from the OS but not in use.
func (h *HostInfo) FreeHeap() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		used := ms.Sys - ms.HeapReleased
		if uint64(limit) <= used {
			return 0
		}
		return uint64(limit) - used
	}
	return ms.HeapSys - ms.HeapInuse
}

func (h *HostInfo) Uptime() time.Duration { return time.Since(h.started) }
