package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/palpalette/device/internal/protocol"
	"github.com/palpalette/device/internal/session"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Set(t time.Time)         { c.now = t }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeNetwork struct {
	clock *fakeClock

	connected   bool
	credentials bool
	portal      bool
	portalErr   error
	portalCalls int
	joinResults []error
	joinTimes   []time.Duration
	clears      int
}

func (n *fakeNetwork) IsConnected() bool          { return n.connected }
func (n *fakeNetwork) HasStoredCredentials() bool { return n.credentials }
func (n *fakeNetwork) IsInPortalMode() bool       { return n.portal }

func (n *fakeNetwork) AttemptJoin(ctx context.Context) error {
	n.joinTimes = append(n.joinTimes, n.clock.Now().Sub(epoch))
	if len(n.joinResults) == 0 {
		return errors.New("no join result scripted")
	}
	err := n.joinResults[0]
	n.joinResults = n.joinResults[1:]
	if err == nil {
		n.connected = true
	}
	return err
}

func (n *fakeNetwork) StartPortal() error {
	n.portalCalls++
	if n.portalErr != nil {
		return n.portalErr
	}
	n.portal = true
	return nil
}

func (n *fakeNetwork) ClearCredentials() error {
	n.clears++
	n.credentials = false
	n.connected = false
	return nil
}

type fakeIdentity struct {
	id            string
	provisioned   bool
	online        bool
	regErrs       []error
	regCalls      int
	fullErr       error
	fullCalls     int
	factoryResets int
}

func (i *fakeIdentity) DeviceID() string    { return i.id }
func (i *fakeIdentity) MacAddress() string  { return "aa:bb:cc:dd:ee:ff" }
func (i *fakeIdentity) PairingCode() string { return "PAIR42" }
func (i *fakeIdentity) IsProvisioned() bool { return i.provisioned }
func (i *fakeIdentity) SetOnline(o bool)    { i.online = o }

func (i *fakeIdentity) SetProvisioned(p bool) error {
	i.provisioned = p
	return nil
}

func (i *fakeIdentity) RegisterMinimal(ctx context.Context) error {
	i.regCalls++
	if len(i.regErrs) == 0 {
		return nil
	}
	err := i.regErrs[0]
	i.regErrs = i.regErrs[1:]
	return err
}

func (i *fakeIdentity) RegisterFull(ctx context.Context) error {
	i.fullCalls++
	return i.fullErr
}

func (i *fakeIdentity) FactoryReset() error {
	i.factoryResets++
	i.provisioned = false
	return nil
}

type fakeDevice struct {
	systemType string
	applyErr   error
	resets     int
	palettes   []protocol.Palette
}

func (d *fakeDevice) IsReady() bool                    { return true }
func (d *fakeDevice) CurrentSystemType() string        { return d.systemType }
func (d *fakeDevice) RequiresUserAuthentication() bool { return false }
func (d *fakeDevice) CurrentStatus() string            { return "working" }
func (d *fakeDevice) Authenticate() error              { return nil }
func (d *fakeDevice) TestConnection() error            { return nil }

func (d *fakeDevice) ApplyPalette(p protocol.Palette) error {
	if d.applyErr != nil {
		return d.applyErr
	}
	d.palettes = append(d.palettes, p)
	return nil
}

func (d *fakeDevice) Configure(cfg protocol.LightingSystemConfig) error {
	d.systemType = cfg.SystemType
	return nil
}

func (d *fakeDevice) PendingUserActions() []protocol.UserActionRequired { return nil }

func (d *fakeDevice) Reset() error {
	d.resets++
	return nil
}

type fakeInfo struct {
	freeHeap uint64
}

func (fakeInfo) IPAddress() string     { return "192.0.2.10" }
func (fakeInfo) SignalStrength() int   { return -60 }
func (i fakeInfo) FreeHeap() uint64    { return i.freeHeap }
func (fakeInfo) Uptime() time.Duration { return time.Minute }

type fakeConn struct {
	frames  chan session.Frame
	written []string
	pings   int
	closes  int
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan session.Frame, 64)}
}

func (c *fakeConn) WriteText(data []byte) error {
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Ping() error {
	c.pings++
	return nil
}

func (c *fakeConn) Frames() <-chan session.Frame { return c.frames }

func (c *fakeConn) Close() error {
	c.closes++
	return nil
}

func (c *fakeConn) push(raw string) {
	c.frames <- session.Frame{Type: session.FrameText, Data: []byte(raw)}
}

func (c *fakeConn) sent(event string) bool {
	needle := `"event":"` + event + `"`
	for _, w := range c.written {
		if strings.Contains(w, needle) {
			return true
		}
	}
	return false
}

type fakeDialer struct {
	conns []*fakeConn
	err   error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (session.Conn, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

type fakeWatchdog struct {
	startErr error
	feeds    int
	stopped  bool
}

func (w *fakeWatchdog) Start() error { return w.startErr }
func (w *fakeWatchdog) Feed()        { w.feeds++ }
func (w *fakeWatchdog) Stop()        { w.stopped = true }

type fakeRestarter struct {
	reasons []string
}

func (r *fakeRestarter) Restart(reason string) { r.reasons = append(r.reasons, reason) }

type fakeSink struct {
	mu     sync.Mutex
	states []State
}

func (s *fakeSink) PublishState(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, snap.State)
	return nil
}

func (s *fakeSink) seen(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.states {
		if x == st {
			return true
		}
	}
	return false
}
