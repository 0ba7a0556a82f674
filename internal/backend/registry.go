package backend

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Device status values returned by the registration endpoint
const (
	StatusUnclaimed = "unclaimed"
	StatusClaimed   = "claimed"
)

// pairingAlphabet omits characters that are easy to misread
const pairingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrMissingMAC     = errors.New("macAddress is required")
)

// Device is a registered device as the backend sees it.
type Device struct {
	ID                 string    `json:"id"`
	MacAddress         string    `json:"macAddress"`
	PairingCode        string    `json:"pairingCode"`
	Status             string    `json:"status"`
	DeviceType         string    `json:"deviceType,omitempty"`
	FirmwareVersion    string    `json:"firmwareVersion,omitempty"`
	IPAddress          string    `json:"ipAddress,omitempty"`
	LightingSystemType string    `json:"lightingSystemType,omitempty"`
	LightingStatus     string    `json:"lightingStatus,omitempty"`
	Online             bool      `json:"online"`
	OwnerName          string    `json:"ownerName,omitempty"`
	OwnerEmail         string    `json:"ownerEmail,omitempty"`
	RegisteredAt       time.Time `json:"registeredAt"`
	LastSeen           time.Time `json:"lastSeen"`
}

// RegisterRequest is the body of POST /devices/register.
type RegisterRequest struct {
	MacAddress          string `json:"macAddress"`
	DeviceType          string `json:"deviceType,omitempty"`
	FirmwareVersion     string `json:"firmwareVersion,omitempty"`
	IPAddress           string `json:"ipAddress,omitempty"`
	LightingSystemType  string `json:"lightingSystemType,omitempty"`
	LightingHostAddress string `json:"lightingHostAddress,omitempty"`
	LightingPort        int    `json:"lightingPort,omitempty"`
	LightingAuthToken   string `json:"lightingAuthToken,omitempty"`
}

// Registry is an in-memory device table keyed by MAC address.
type Registry struct {
	mu    sync.Mutex
	byMAC map[string]*Device
	byID  map[string]*Device
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byMAC: make(map[string]*Device),
		byID:  make(map[string]*Device),
		now:   time.Now,
	}
}

// Register creates or refreshes the device for req.MacAddress. The second
// result reports whether the device is new.
func (r *Registry) Register(req RegisterRequest) (Device, bool, error) {
	mac := strings.ToUpper(strings.TrimSpace(req.MacAddress))
	if mac == "" {
		return Device{}, false, ErrMissingMAC
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	d, ok := r.byMAC[mac]
	if !ok {
		d = &Device{
			ID:           newID(),
			MacAddress:   mac,
			PairingCode:  newPairingCode(),
			Status:       StatusUnclaimed,
			RegisteredAt: now,
		}
		r.byMAC[mac] = d
		r.byID[d.ID] = d
	}

	if req.DeviceType != "" {
		d.DeviceType = req.DeviceType
	}
	if req.FirmwareVersion != "" {
		d.FirmwareVersion = req.FirmwareVersion
	}
	if req.IPAddress != "" {
		d.IPAddress = req.IPAddress
	}
	if req.LightingSystemType != "" {
		d.LightingSystemType = req.LightingSystemType
	}
	d.LastSeen = now
	return *d, !ok, nil
}

// Claim assigns the device to a user.
func (r *Registry) Claim(id, userName, userEmail string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	d.Status = StatusClaimed
	d.OwnerName = userName
	d.OwnerEmail = userEmail
	return *d, nil
}

// ClaimByCode claims the device showing pairingCode.
func (r *Registry) ClaimByCode(code, userName, userEmail string) (Device, error) {
	r.mu.Lock()
	var id string
	for _, d := range r.byID {
		if strings.EqualFold(d.PairingCode, code) {
			id = d.ID
			break
		}
	}
	r.mu.Unlock()

	if id == "" {
		return Device{}, ErrDeviceNotFound
	}
	return r.Claim(id, userName, userEmail)
}

// Forget removes a device, e.g. after it acknowledged a factory reset.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byID[id]; ok {
		delete(r.byMAC, d.MacAddress)
		delete(r.byID, id)
	}
}

// Update applies fn to the device with id under the registry lock.
func (r *Registry) Update(id string, fn func(d *Device)) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	fn(d)
	return *d, nil
}

func (r *Registry) Get(id string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return *d, nil
}

// List returns all devices ordered by registration time.
func (r *Registry) List() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

func newID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	h := hex.EncodeToString(b)
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}

func newPairingCode() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = pairingAlphabet[int(b[i])%len(pairingAlphabet)]
	}
	return string(b)
}
