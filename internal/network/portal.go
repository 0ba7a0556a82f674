package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/palpalette/device/internal/discovery"
	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/version"
)

// Advertisement is a running mDNS registration.
type Advertisement interface {
	Shutdown()
}

// AdvertiseFunc publishes the portal under the setup service type.
type AdvertiseFunc func(instance string, port int, txt map[string]string) (Advertisement, error)

func advertiseSetup(instance string, port int, txt map[string]string) (Advertisement, error) {
	return discovery.Advertise(instance, discovery.SetupServiceType, port, txt)
}

const (
	maxPortalBody  = 4 << 10
	reloadDebounce = 250 * time.Millisecond
)

// portal is the provisioning endpoint: a small HTTP API, an mDNS
// advertisement and a watch on the state directory for a credentials file
// dropped in by other tooling.
type portal struct {
	server    *http.Server
	listener  net.Listener
	advert    Advertisement
	watcher   *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

func (p *HostProvisioner) IsInPortalMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.portal != nil
}

// PortalAddr returns the portal listen address, or empty when closed.
func (p *HostProvisioner) PortalAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.portal == nil {
		return ""
	}
	return p.portal.listener.Addr().String()
}

// StartPortal opens the provisioning portal. A portal that is already open
// is restarted.
func (p *HostProvisioner) StartPortal() error {
	p.StopPortal()

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(p.opts.PortalPort)))
	if err != nil {
		return fmt.Errorf("portal listen: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("portal watcher: %w", err)
	}
	if err := watcher.Add(p.opts.StateDir); err != nil {
		_ = watcher.Close()
		_ = ln.Close()
		return fmt.Errorf("portal watch %s: %w", p.opts.StateDir, err)
	}

	port := ln.Addr().(*net.TCPAddr).Port
	advert, err := p.opts.Advertise(p.opts.InstanceName, port, map[string]string{
		"mac":     p.opts.MacAddress,
		"version": version.Firmware,
		"path":    "/save",
	})
	if err != nil {
		_ = watcher.Close()
		_ = ln.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	pt := &portal{
		listener:  ln,
		advert:    advert,
		watcher:   watcher,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	pt.server = &http.Server{
		Handler:           p.portalHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	pt.wg.Add(2)
	go func() {
		defer pt.wg.Done()
		if err := pt.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Portal server stopped", zap.Error(err))
		}
	}()
	go func() {
		defer pt.wg.Done()
		p.watchLoop(ctx, watcher)
	}()

	p.mu.Lock()
	p.portal = pt
	p.mu.Unlock()

	logging.Info("Provisioning portal open",
		zap.String("addr", ln.Addr().String()),
		zap.String("instance", p.opts.InstanceName),
	)
	return nil
}

// StopPortal closes the portal if it is open.
func (p *HostProvisioner) StopPortal() {
	p.mu.Lock()
	pt := p.portal
	p.portal = nil
	p.mu.Unlock()
	if pt == nil {
		return
	}

	pt.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = pt.server.Shutdown(ctx)
	_ = pt.watcher.Close()
	pt.advert.Shutdown()
	pt.wg.Wait()

	logging.Info("Provisioning portal closed", zap.Duration("open_for", time.Since(pt.startedAt)))
}

// watchLoop reloads credentials when network.yaml appears or changes.
func (p *HostProvisioner) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != CredentialsFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			logging.Debug("Credentials file changed", zap.String("op", event.Op.String()))
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, p.reloadCredentials)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logging.Warn("Portal watcher error", zap.Error(err))
		}
	}
}

func (p *HostProvisioner) portalHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /save", p.handleSave)
	mux.HandleFunc("GET /status", p.handleStatus)
	return mux
}

// isJSON reports whether a Content-Type names a JSON body, ignoring parameters
// such as charset.
func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

func (p *HostProvisioner) handleSave(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	r.Body = http.MaxBytesReader(w, r.Body, maxPortalBody)

	if isJSON(r.Header.Get("Content-Type")) {
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			p.writeJSON(w, r, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			p.writeJSON(w, r, http.StatusBadRequest, map[string]string{"error": "invalid form body"})
			return
		}
		creds = Credentials{
			SSID:         r.PostFormValue("ssid"),
			Password:     r.PostFormValue("password"),
			ProbeAddress: r.PostFormValue("probe"),
			ServerURL:    r.PostFormValue("server"),
		}
	}

	if err := p.SaveCredentials(creds); err != nil {
		status := http.StatusBadRequest
		if creds.Validate() == nil {
			status = http.StatusInternalServerError
		}
		p.writeJSON(w, r, status, map[string]string{"error": err.Error()})
		return
	}
	p.writeJSON(w, r, http.StatusOK, map[string]string{"status": "saved"})
}

func (p *HostProvisioner) handleStatus(w http.ResponseWriter, r *http.Request) {
	p.writeJSON(w, r, http.StatusOK, map[string]any{
		"portal":         p.IsInPortalMode(),
		"hasCredentials": p.HasStoredCredentials(),
		"connected":      p.IsConnected(),
		"macAddress":     p.opts.MacAddress,
		"firmware":       version.Firmware,
	})
}

func (p *HostProvisioner) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
	logging.LogHTTPRequest(r.RemoteAddr, r.Method, r.URL.Path, status)
}
