package faults

import (
	"fmt"
	"strings"
)

// Kind classifies a failure by the domain it came from.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetworkJoin
	KindRegistration
	KindSessionTransport
	KindAllocation
	KindDeviceControl
	KindPersistence
	KindTransportRequest
	KindMessageDecode
	KindWatchdogInit
	KindProvisioningPortal

	numKinds
)

// Kinds lists every kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, numKinds)
	for k := KindUnknown; k < numKinds; k++ {
		out = append(out, k)
	}
	return out
}

// String returns a human-readable name for the kind
func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "Unknown"
	case KindNetworkJoin:
		return "NetworkJoin"
	case KindRegistration:
		return "Registration"
	case KindSessionTransport:
		return "SessionTransport"
	case KindAllocation:
		return "Allocation"
	case KindDeviceControl:
		return "DeviceControl"
	case KindPersistence:
		return "Persistence"
	case KindTransportRequest:
		return "TransportRequest"
	case KindMessageDecode:
		return "MessageDecode"
	case KindWatchdogInit:
		return "WatchdogInit"
	case KindProvisioningPortal:
		return "ProvisioningPortal"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind looks a kind up by its String name, case-insensitively.
func ParseKind(name string) (Kind, bool) {
	for _, k := range Kinds() {
		if strings.EqualFold(k.String(), name) {
			return k, true
		}
	}
	return KindUnknown, false
}

func (k Kind) valid() bool {
	return k >= KindUnknown && k < numKinds
}

// Strategy is the recovery action chosen for a fault.
type Strategy int

const (
	RetryOperation Strategy = iota
	RestartComponent
	SoftRestart
	HardRestart
	FactoryReset
)

// String returns a human-readable name for the strategy
func (s Strategy) String() string {
	switch s {
	case RetryOperation:
		return "RetryOperation"
	case RestartComponent:
		return "RestartComponent"
	case SoftRestart:
		return "SoftRestart"
	case HardRestart:
		return "HardRestart"
	case FactoryReset:
		return "FactoryReset"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}
