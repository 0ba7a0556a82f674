package backend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/protocol"
)

const maxRequestBody = 16 << 10

// Config holds the server configuration
type Config struct {
	Host string
	Port int // WebSocket sessions (and the API when APIPort is 0 or equal)
	// APIPort serves the REST API separately, the way the production
	// backend splits port 3000 (API) from 3001 (sessions).
	APIPort  int
	CertPath string // Optional; enables wss:// together with KeyPath
	KeyPath  string
}

// Server is a development backend: device registration, the session
// WebSocket, and admin endpoints to claim devices and push events.
type Server struct {
	config    *Config
	registry  *Registry
	upgrader  websocket.Upgrader
	tlsConfig *tls.Config

	mu        sync.Mutex
	servers   []*http.Server
	listeners []net.Listener
	sessions  map[string]*session
	conns     map[*session]struct{}
	wg        sync.WaitGroup
}

// New creates a new Server instance
func New(config *Config) (*Server, error) {
	s := &Server{
		config:   config,
		registry: NewRegistry(),
		sessions: make(map[string]*session),
		conns:    make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	if config.CertPath != "" || config.KeyPath != "" {
		tlsConfig, err := NewTLSConfig(config.CertPath, config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		s.tlsConfig = tlsConfig
	}
	return s, nil
}

// Registry exposes the device table.
func (s *Server) Registry() *Registry { return s.registry }

// Handler returns the HTTP handler serving both the API and /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST /devices/register", s.handleRegister)
	mux.HandleFunc("GET /devices", s.handleList)
	mux.HandleFunc("GET /devices/{id}", s.handleGet)
	mux.HandleFunc("POST /devices/claim", s.handleClaimByCode)
	mux.HandleFunc("POST /devices/{id}/claim", s.handleClaim)
	mux.HandleFunc("POST /devices/{id}/palette", s.handlePalette)
	mux.HandleFunc("POST /devices/{id}/lighting", s.handleLighting)
	mux.HandleFunc("POST /devices/{id}/test", s.handleTest)
	mux.HandleFunc("POST /devices/{id}/factory-reset", s.handleFactoryReset)
	return mux
}

// Start listens on the configured ports and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ports := []int{s.config.Port}
	if s.config.APIPort != 0 && s.config.APIPort != s.config.Port {
		ports = append(ports, s.config.APIPort)
	}

	errChan := make(chan error, len(ports))
	for _, port := range ports {
		addr := net.JoinHostPort(s.config.Host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		if s.tlsConfig != nil {
			ln = tls.NewListener(ln, s.tlsConfig)
		}

		srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		s.mu.Lock()
		s.servers = append(s.servers, srv)
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		logging.Info("Backend listening",
			zap.String("addr", ln.Addr().String()),
			zap.Bool("tls", s.tlsConfig != nil),
		)

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logging.Info("Shutdown requested, stopping backend...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		_ = s.Shutdown(context.Background())
		return err
	}
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.listeners))
	for i, ln := range s.listeners {
		out[i] = ln.Addr().String()
	}
	return out
}

// Shutdown stops the listeners and closes every open session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	conns := make([]*session, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Hijacked connections are not tracked by http.Server.
	for _, c := range conns {
		logging.Info("Closing active session", zap.String("remote_addr", c.remoteAddr))
		_ = c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Info("All sessions closed gracefully")
	case <-ctx.Done():
		logging.Warn("Shutdown timeout, forcing close")
	}
	return firstErr
}

// ActiveSessions returns the number of open sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	sess := &session{conn: conn, remoteAddr: r.RemoteAddr}
	s.mu.Lock()
	s.conns[sess] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveSession(sess)
	}()
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dev, created, err := s.registry.Register(req)
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorBody(err))
		return
	}

	logging.Info("Device registered over HTTP",
		zap.String("device_id", dev.ID),
		zap.String("mac", dev.MacAddress),
		zap.Bool("created", created),
	)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, dev)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.registry.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	dev, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeJSON(w, r, http.StatusNotFound, errorBody(err))
		return
	}
	writeJSON(w, r, http.StatusOK, dev)
}

type claimRequest struct {
	PairingCode string `json:"pairingCode"`
	UserName    string `json:"userName"`
	UserEmail   string `json:"userEmail"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dev, err := s.registry.Claim(r.PathValue("id"), req.UserName, req.UserEmail)
	s.finishClaim(w, r, dev, req, err)
}

func (s *Server) handleClaimByCode(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dev, err := s.registry.ClaimByCode(req.PairingCode, req.UserName, req.UserEmail)
	s.finishClaim(w, r, dev, req, err)
}

func (s *Server) finishClaim(w http.ResponseWriter, r *http.Request, dev Device, req claimRequest, err error) {
	if err != nil {
		writeJSON(w, r, http.StatusNotFound, errorBody(err))
		return
	}
	// An offline device learns about the claim on its next registration.
	if err := s.push(dev.ID, protocol.EventDeviceClaimed, protocol.DeviceClaimed{
		UserName:  req.UserName,
		UserEmail: req.UserEmail,
	}); err != nil && !errors.Is(err, ErrDeviceOffline) {
		logging.Warn("deviceClaimed not delivered", zap.Error(err))
	}
	writeJSON(w, r, http.StatusOK, dev)
}

type paletteRequest struct {
	MessageID  string   `json:"messageId"`
	SenderID   string   `json:"senderId"`
	SenderName string   `json:"senderName"`
	Colors     []string `json:"colors"`
}

func (s *Server) handlePalette(w http.ResponseWriter, r *http.Request) {
	var req paletteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Colors) == 0 {
		writeJSON(w, r, http.StatusBadRequest, map[string]string{"error": "colors are required"})
		return
	}
	for _, c := range req.Colors {
		if _, err := protocol.ParseHex(c); err != nil {
			writeJSON(w, r, http.StatusBadRequest, errorBody(err))
			return
		}
	}

	colors := make([]map[string]string, len(req.Colors))
	for i, c := range req.Colors {
		colors[i] = map[string]string{"hex": c}
	}
	if req.MessageID == "" {
		req.MessageID = newID()
	}
	s.pushAndReply(w, r, protocol.EventColorPalette, map[string]any{
		"messageId":  req.MessageID,
		"senderId":   req.SenderID,
		"senderName": req.SenderName,
		"timestamp":  time.Now().UnixMilli(),
		"colors":     colors,
	})
}

func (s *Server) handleLighting(w http.ResponseWriter, r *http.Request) {
	var req protocol.LightingSystemConfig
	if !decodeBody(w, r, &req) {
		return
	}
	if !protocol.IsValidSystemType(req.SystemType) {
		writeJSON(w, r, http.StatusBadRequest, map[string]string{"error": "unsupported systemType"})
		return
	}
	s.pushAndReply(w, r, protocol.EventLightingSystemConfig, req)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	s.pushAndReply(w, r, protocol.EventTestLightingSystem, protocol.TestLightingSystem{DeviceID: r.PathValue("id")})
}

func (s *Server) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	s.pushAndReply(w, r, protocol.EventFactoryReset, map[string]any{})
}

func (s *Server) pushAndReply(w http.ResponseWriter, r *http.Request, event string, data any) {
	id := r.PathValue("id")
	if id != "" {
		if _, err := s.registry.Get(id); err != nil {
			writeJSON(w, r, http.StatusNotFound, errorBody(err))
			return
		}
	}
	if err := s.push(id, event, data); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrDeviceOffline) {
			status = http.StatusConflict
		}
		writeJSON(w, r, status, errorBody(err))
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "sent", "event": event})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, r, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
	logging.LogHTTPRequest(r.RemoteAddr, r.Method, r.URL.Path, status)
}
