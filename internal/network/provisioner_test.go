package network

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/palpalette/device/internal/config"
)

type fakeAdvert struct {
	mu       sync.Mutex
	started  int
	shutdown int
	port     int
	txt      map[string]string
}

func (f *fakeAdvert) advertise(instance string, port int, txt map[string]string) (Advertisement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	f.port = port
	f.txt = txt
	return f, nil
}

func (f *fakeAdvert) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown++
}

func (f *fakeAdvert) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.shutdown
}

var errUnreachable = errors.New("unreachable")

func failingDial(context.Context, string, string) (net.Conn, error) {
	return nil, errUnreachable
}

func newTestProvisioner(t *testing.T, dir string, mutate ...func(*Options)) (*HostProvisioner, *fakeAdvert) {
	t.Helper()
	adv := &fakeAdvert{}
	opts := Options{
		StateDir:      dir,
		JoinTimeout:   200 * time.Millisecond,
		ProbeInterval: 10 * time.Millisecond,
		MacAddress:    "AA:BB:CC:DD:EE:01",
		Advertise:     adv.advertise,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	p, err := NewHostProvisioner(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, adv
}

func probeListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	return ln.Addr().String()
}

func TestNewHostProvisionerRequiresStateDir(t *testing.T) {
	_, err := NewHostProvisioner(Options{})
	assert.Error(t, err)
}

func TestAttemptJoinWithoutCredentials(t *testing.T) {
	p, _ := newTestProvisioner(t, t.TempDir())

	if p.HasStoredCredentials() {
		t.Error("HasStoredCredentials() = true, want false")
	}
	if err := p.AttemptJoin(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("AttemptJoin() error = %v, want %v", err, ErrNoCredentials)
	}
}

func TestAttemptJoinProbeSucceeds(t *testing.T) {
	dir := t.TempDir()
	addr := probeListener(t)
	p, _ := newTestProvisioner(t, dir, func(o *Options) { o.ProbeAddress = addr })
	require.NoError(t, p.SaveCredentials(Credentials{SSID: "home", Password: "secret"}))

	require.NoError(t, p.AttemptJoin(context.Background()))
	assert.True(t, p.IsConnected())
	assert.Equal(t, "127.0.0.1", p.IPAddress())
}

func TestAttemptJoinTimesOut(t *testing.T) {
	p, _ := newTestProvisioner(t, t.TempDir(), func(o *Options) {
		o.ProbeAddress = "10.255.255.1:9"
		o.Dial = failingDial
		o.JoinTimeout = 50 * time.Millisecond
	})
	require.NoError(t, p.SaveCredentials(Credentials{SSID: "home"}))

	start := time.Now()
	err := p.AttemptJoin(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnreachable)
	assert.False(t, p.IsConnected())
	assert.Less(t, time.Since(start), 2*time.Second, "join must be bounded by the join timeout")
}

func TestCredentialsProbeOverridesDefault(t *testing.T) {
	addr := probeListener(t)
	var dialed []string
	p, _ := newTestProvisioner(t, t.TempDir(), func(o *Options) {
		o.ProbeAddress = "10.255.255.1:9"
		o.Dial = func(ctx context.Context, network, a string) (net.Conn, error) {
			dialed = append(dialed, a)
			var d net.Dialer
			return d.DialContext(ctx, network, a)
		}
	})
	require.NoError(t, p.SaveCredentials(Credentials{SSID: "home", ProbeAddress: addr}))

	require.NoError(t, p.AttemptJoin(context.Background()))
	assert.Equal(t, []string{addr}, dialed)
}

func TestCredentialsPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestProvisioner(t, dir)
	require.NoError(t, p.SaveCredentials(Credentials{SSID: "home", Password: "pw", ServerURL: "ws://10.0.0.2:3001/ws"}))

	again, _ := newTestProvisioner(t, dir)
	creds, ok := again.Credentials()
	require.True(t, ok)
	assert.Equal(t, "home", creds.SSID)
	assert.Equal(t, "ws://10.0.0.2:3001/ws", creds.ServerURL)
}

func TestSaveCredentialsValidates(t *testing.T) {
	p, _ := newTestProvisioner(t, t.TempDir())

	tests := []struct {
		name  string
		creds Credentials
	}{
		{"empty ssid", Credentials{Password: "x"}},
		{"blank ssid", Credentials{SSID: "  "}},
		{"http server", Credentials{SSID: "home", ServerURL: "http://backend/ws"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.SaveCredentials(tt.creds); err == nil {
				t.Error("SaveCredentials() error = nil, want error")
			}
		})
	}
	assert.False(t, p.HasStoredCredentials())
}

func TestClearCredentials(t *testing.T) {
	dir := t.TempDir()
	addr := probeListener(t)
	p, _ := newTestProvisioner(t, dir, func(o *Options) { o.ProbeAddress = addr })
	require.NoError(t, p.SaveCredentials(Credentials{SSID: "home"}))
	require.NoError(t, p.AttemptJoin(context.Background()))

	require.NoError(t, p.ClearCredentials())
	assert.False(t, p.HasStoredCredentials())
	assert.False(t, p.IsConnected())
	assert.Empty(t, p.IPAddress())

	again, _ := newTestProvisioner(t, dir)
	assert.False(t, again.HasStoredCredentials())

	// Clearing twice is fine.
	assert.NoError(t, p.ClearCredentials())
}

func TestLinkLossAfterRepeatedFailures(t *testing.T) {
	p, _ := newTestProvisioner(t, t.TempDir())
	p.setConnected("10.0.0.9")

	for i := 1; i < linkFailuresBeforeLoss; i++ {
		p.linkChecked(errUnreachable)
		require.True(t, p.IsConnected(), "still connected after %d failures", i)
	}
	p.linkChecked(nil)
	for i := 1; i < linkFailuresBeforeLoss; i++ {
		p.linkChecked(errUnreachable)
	}
	require.True(t, p.IsConnected(), "a success resets the failure count")

	p.linkChecked(errUnreachable)
	assert.False(t, p.IsConnected())
}

func TestTickRunsLinkCheck(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	p, _ := newTestProvisioner(t, t.TempDir(), func(o *Options) {
		o.ProbeAddress = "10.255.255.1:9"
		o.LinkCheckInterval = time.Second
		o.Dial = func(context.Context, string, string) (net.Conn, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, errUnreachable
		}
	})

	// Not connected: nothing to check.
	now := time.Now()
	p.Tick(now)
	p.wg.Wait()

	p.setConnected("10.0.0.9")
	for i := 0; i < linkFailuresBeforeLoss; i++ {
		now = now.Add(time.Second)
		p.Tick(now)
		p.Tick(now) // same instant: no second check
		p.wg.Wait()
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, linkFailuresBeforeLoss, calls)
	assert.False(t, p.IsConnected())
}

func portalURL(t *testing.T, p *HostProvisioner, path string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(p.PortalAddr())
	require.NoError(t, err)
	return "http://127.0.0.1:" + port + path
}

func TestPortalAcceptsCredentials(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p, adv := newTestProvisioner(t, t.TempDir())
	require.NoError(t, p.StartPortal())
	require.True(t, p.IsInPortalMode())

	started, _ := adv.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", adv.txt["mac"])

	resp, err := http.Post(portalURL(t, p, "/save"), "application/json", strings.NewReader(`{"ssid":"home","password":"pw"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, p.HasStoredCredentials())

	p.StopPortal()
	http.DefaultClient.CloseIdleConnections()
	assert.False(t, p.IsInPortalMode())
	_, shutdown := adv.counts()
	assert.Equal(t, 1, shutdown)
}

func TestPortalFormAndErrors(t *testing.T) {
	p, _ := newTestProvisioner(t, t.TempDir())
	require.NoError(t, p.StartPortal())

	tests := []struct {
		name        string
		contentType string
		body        string
		want        int
	}{
		{"missing ssid", "application/x-www-form-urlencoded", url.Values{"password": {"pw"}}.Encode(), http.StatusBadRequest},
		{"bad json", "application/json", `{"ssid":`, http.StatusBadRequest},
		{"form", "application/x-www-form-urlencoded", url.Values{"ssid": {"cafe"}, "server": {"ws://10.0.0.2:3001/ws"}}.Encode(), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(portalURL(t, p, "/save"), tt.contentType, strings.NewReader(tt.body))
			require.NoError(t, err)
			_ = resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	creds, ok := p.Credentials()
	require.True(t, ok)
	assert.Equal(t, "cafe", creds.SSID)
	assert.Equal(t, "ws://10.0.0.2:3001/ws", creds.ServerURL)

	resp, err := http.Get(portalURL(t, p, "/status"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPortalAcceptsJSONWithCharset(t *testing.T) {
	p, _ := newTestProvisioner(t, t.TempDir())
	require.NoError(t, p.StartPortal())

	resp, err := http.Post(portalURL(t, p, "/save"), "application/json; charset=utf-8", strings.NewReader(`{"ssid":"attic","password":"pw"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	creds, ok := p.Credentials()
	require.True(t, ok)
	assert.Equal(t, "attic", creds.SSID)
}

func TestIsJSON(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"Application/JSON", true},
		{"application/x-www-form-urlencoded", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isJSON(tt.contentType); got != tt.want {
			t.Errorf("isJSON(%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}

func TestPortalPicksUpCredentialsFile(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestProvisioner(t, dir)
	require.NoError(t, p.StartPortal())

	require.NoError(t, config.WriteYAML(filepath.Join(dir, CredentialsFile), Credentials{SSID: "dropped"}))

	require.Eventually(t, p.HasStoredCredentials, 3*time.Second, 20*time.Millisecond)
	creds, _ := p.Credentials()
	assert.Equal(t, "dropped", creds.SSID)
}

func TestStartPortalRestartsOpenPortal(t *testing.T) {
	p, adv := newTestProvisioner(t, t.TempDir())
	require.NoError(t, p.StartPortal())
	require.NoError(t, p.StartPortal())

	started, shutdown := adv.counts()
	assert.Equal(t, 2, started)
	assert.Equal(t, 1, shutdown)
	assert.True(t, p.IsInPortalMode())
}

func TestAttemptJoinClosesPortal(t *testing.T) {
	addr := probeListener(t)
	p, _ := newTestProvisioner(t, t.TempDir(), func(o *Options) { o.ProbeAddress = addr })
	require.NoError(t, p.StartPortal())
	require.NoError(t, p.SaveCredentials(Credentials{SSID: "home"}))

	require.NoError(t, p.AttemptJoin(context.Background()))
	assert.False(t, p.IsInPortalMode())
}

func TestHostInfo(t *testing.T) {
	addr := probeListener(t)
	p, _ := newTestProvisioner(t, t.TempDir(), func(o *Options) { o.ProbeAddress = addr })
	info := NewHostInfo(p)

	assert.Empty(t, info.IPAddress())
	require.NoError(t, p.SaveCredentials(Credentials{SSID: "home"}))
	require.NoError(t, p.AttemptJoin(context.Background()))
	assert.Equal(t, "127.0.0.1", info.IPAddress())

	assert.Equal(t, 0, info.SignalStrength())
	assert.GreaterOrEqual(t, info.Uptime(), time.Duration(0))
	_ = info.FreeHeap()

	assert.Empty(t, NewHostInfo(nil).IPAddress())
}
