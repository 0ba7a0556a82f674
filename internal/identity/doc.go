// Package identity stores the device identity and registers it with the
// PalPalette backend.
//
// The identity (device id, MAC address, pairing code and claimed flag) lives
// in identity.yaml in the state directory. On first boot the store derives a
// provisional id from the MAC address; the backend's registration response
// replaces it along with the pairing code a user types to claim the device.
//
// Registration is a JSON POST to <api>/devices/register. The minimal form
// carries only the MAC address and runs on every boot. The full form adds the
// device type, firmware version, IP address and lighting configuration and
// runs once the device is operational.
//
// Every error returned by the store carries a fault kind (Registration or
// Persistence) so the lifecycle reports it without inspecting the cause.
package identity
