package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/palpalette/device/internal/protocol"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeConn struct {
	frames   chan Frame
	written  [][]byte
	pings    int
	closes   int
	writeErr error
	pingErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan Frame, 64)}
}

func (f *fakeConn) WriteText(data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Ping() error {
	if f.pingErr != nil {
		return f.pingErr
	}
	f.pings++
	return nil
}

func (f *fakeConn) Frames() <-chan Frame { return f.frames }

func (f *fakeConn) Close() error {
	f.closes++
	return nil
}

func (f *fakeConn) push(raw string) {
	f.frames <- Frame{Type: FrameText, Data: []byte(raw)}
}

// events returns the event names written so far.
func (f *fakeConn) events() []string {
	var out []string
	for _, w := range f.written {
		var env protocol.Envelope
		if err := json.Unmarshal(w, &env); err == nil {
			out = append(out, env.Event)
		}
	}
	return out
}

// last returns the data of the last message with the given event name.
func (f *fakeConn) last(event string) map[string]any {
	for i := len(f.written) - 1; i >= 0; i-- {
		var env struct {
			Event string         `json:"event"`
			Data  map[string]any `json:"data"`
		}
		if err := json.Unmarshal(f.written[i], &env); err == nil && env.Event == event {
			return env.Data
		}
	}
	return nil
}

type fakeDialer struct {
	conns []*fakeConn
	err   error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials++
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("dial without deadline")
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no connection available")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

type fakeIdentity struct {
	id          string
	provisioned bool
	online      bool
	saveErr     error
}

func (i *fakeIdentity) DeviceID() string    { return i.id }
func (i *fakeIdentity) MacAddress() string  { return "aa:bb:cc:dd:ee:ff" }
func (i *fakeIdentity) PairingCode() string { return "PAIR42" }
func (i *fakeIdentity) IsProvisioned() bool { return i.provisioned }
func (i *fakeIdentity) SetOnline(o bool)    { i.online = o }
func (i *fakeIdentity) SetProvisioned(p bool) error {
	if i.saveErr != nil {
		return i.saveErr
	}
	i.provisioned = p
	return nil
}

type fakeDevice struct {
	systemType   string
	ready        bool
	needsAuth    bool
	palettes     []protocol.Palette
	configs      []protocol.LightingSystemConfig
	authCalls    int
	applyErr     error
	testErr      error
	configureErr error
	actions      []protocol.UserActionRequired
}

func (d *fakeDevice) IsReady() bool                    { return d.ready }
func (d *fakeDevice) CurrentSystemType() string        { return d.systemType }
func (d *fakeDevice) RequiresUserAuthentication() bool { return d.needsAuth }
func (d *fakeDevice) CurrentStatus() string            { return "unknown" }
func (d *fakeDevice) TestConnection() error            { return d.testErr }

func (d *fakeDevice) ApplyPalette(p protocol.Palette) error {
	if d.applyErr != nil {
		return d.applyErr
	}
	d.palettes = append(d.palettes, p)
	return nil
}

func (d *fakeDevice) Configure(cfg protocol.LightingSystemConfig) error {
	if d.configureErr != nil {
		return d.configureErr
	}
	d.configs = append(d.configs, cfg)
	d.systemType = cfg.SystemType
	return nil
}

func (d *fakeDevice) Authenticate() error {
	d.authCalls++
	d.needsAuth = false
	d.ready = true
	return nil
}

func (d *fakeDevice) PendingUserActions() []protocol.UserActionRequired {
	out := d.actions
	d.actions = nil
	return out
}

type fakeInfo struct{}

func (fakeInfo) IPAddress() string     { return "192.0.2.10" }
func (fakeInfo) SignalStrength() int   { return -55 }
func (fakeInfo) FreeHeap() uint64      { return 120000 }
func (fakeInfo) Uptime() time.Duration { return 90 * time.Second }
