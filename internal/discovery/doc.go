// Package discovery provides mDNS service discovery for PalPalette.
//
// The backend advertises itself as "_palpalette._tcp" with TXT records naming
// the session path and API port. A device with no configured server URL
// browses for it at startup:
//
//	scanner := discovery.NewScanner()
//	svc, err := scanner.FindBackend(ctx)
//	if err != nil {
//	    return err
//	}
//	url := svc.SessionURL() // ws://192.168.1.10:3001/ws
//
// While its provisioning portal is open a device advertises
// "_palpalette-setup._tcp" so a phone app can find the portal without
// knowing its address.
//
// # Network Requirements
//
// - Requires multicast support on the network interface
// - Services must be on the same local network segment
// - Firewall must allow mDNS (UDP port 5353)
package discovery
