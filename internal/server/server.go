// Package server exposes the BLE components over HTTP for UI
// collaborators: a JSON API for operations and a WebSocket event stream
// for observations.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nightowl-health/blelink/internal/app"
	"github.com/nightowl-health/blelink/internal/ble"
	"github.com/nightowl-health/blelink/internal/connection"
	"github.com/nightowl-health/blelink/internal/discovery"
	"github.com/nightowl-health/blelink/internal/provision"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Server serves the API for one App.
type Server struct {
	app      *app.App
	hub      *Hub
	upgrader websocket.Upgrader
	subs     []ble.Subscription
	handler  http.Handler
}

// New creates a server and subscribes it to app's observations.
func New(a *app.App) *Server {
	s := &Server{
		app: a,
		hub: NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.subs = append(s.subs,
		a.Radio.OnStateChange(func(st ble.AdapterState) {
			s.hub.Broadcast(Event{Type: EventAdapterState, Payload: st})
		}),
		a.Scanner.OnScanningChange(func(on bool) {
			s.hub.Broadcast(Event{Type: EventScanning, Payload: on})
		}),
		a.Scanner.OnSessionEnd(func(reason string) {
			s.hub.Broadcast(Event{Type: EventScanSessionEnded, Payload: reason})
		}),
		a.Scanner.OnDevice(func(d discovery.Device) {
			s.hub.Broadcast(Event{Type: EventDeviceDiscovered, Payload: d})
		}),
		a.Conn.OnStatusChange(func(st connection.Status) {
			s.hub.Broadcast(Event{Type: EventConnectionStatus, Payload: st})
		}),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("POST /api/permissions", s.handlePermissions)
	mux.HandleFunc("POST /api/scan/start", s.handleScanStart)
	mux.HandleFunc("POST /api/scan/stop", s.handleScanStop)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/provision", s.handleProvision)

	// The upgrade needs the raw ResponseWriter, so /ws skips the logging wrapper.
	root := http.NewServeMux()
	root.HandleFunc("GET /ws", s.handleWebSocket)
	root.Handle("/", loggingMiddleware(mux))
	s.handler = root
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Serve runs the server on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	slog.Info("[HTTP] listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("[HTTP] stopped")
	return nil
}

// Close unsubscribes from the app and drops WebSocket clients.
func (s *Server) Close() {
	for _, sub := range s.subs {
		sub.Remove()
	}
	s.subs = nil
	s.hub.Close()
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	AdapterState     ble.AdapterState  `json:"adapter_state"`
	Scanning         bool              `json:"scanning"`
	ScanActive       bool              `json:"scan_active"`
	Duty             string            `json:"duty"`
	SessionDeadline  *time.Time        `json:"session_deadline,omitempty"`
	ConnectionStatus connection.Status `json:"connection_status"`
	Peer             *connection.Peer  `json:"peer,omitempty"`
	SelectedDevice   string            `json:"selected_device,omitempty"`
}

func (s *Server) status() StatusResponse {
	resp := StatusResponse{
		AdapterState:     s.app.Radio.State(),
		Scanning:         s.app.Scanner.IsScanning(),
		ScanActive:       s.app.Scanner.Active(),
		Duty:             s.app.Scanner.Duty().String(),
		ConnectionStatus: s.app.Conn.Status(),
		Peer:             s.app.Conn.Peer(),
		SelectedDevice:   s.app.Provisioner.SelectedDevice(),
	}
	if d, ok := s.app.Scanner.Deadline(); ok {
		resp.SessionDeadline = &d
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.status())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.app.Scanner.Devices())
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	granted, err := s.app.Scanner.RequestPermissions(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusBadGateway, "permission request failed", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"granted": granted})
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Scanner.StartScan(); err != nil {
		writeErrorResponse(w, statusForError(err), "scan start failed", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.status())
}

func (s *Server) handleScanStop(w http.ResponseWriter, r *http.Request) {
	s.app.Scanner.StopScan()
	writeJSONResponse(w, http.StatusOK, s.status())
}

type connectRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	peer, err := s.app.Conn.Connect(r.Context(), req.DeviceID)
	if err != nil {
		writeErrorResponse(w, statusForError(err), "connect failed", err)
		return
	}
	s.app.Provisioner.SelectDevice(peer.ID)
	writeJSONResponse(w, http.StatusOK, peer)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Conn.Disconnect(r.Context()); err != nil {
		writeErrorResponse(w, statusForError(err), "disconnect failed", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.status())
}

type provisionRequest struct {
	DeviceID string `json:"device_id,omitempty"`
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// The decoder error may quote the body; keep it out of the response.
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if req.DeviceID != "" {
		s.app.Provisioner.SelectDevice(req.DeviceID)
	}
	err := s.app.Provisioner.Provision(r.Context(), provision.Credentials{SSID: req.SSID, Password: req.Password})
	if err != nil {
		writeErrorResponse(w, statusForError(err), "provisioning failed", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"provisioned": true,
		"device_id":   s.app.Provisioner.SelectedDevice(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[HTTP] websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	slog.Debug("[HTTP] websocket connected", "remote", r.RemoteAddr)

	c := s.hub.add(conn)
	defer func() {
		slog.Debug("[HTTP] websocket closed", "remote", r.RemoteAddr)
		s.hub.remove(conn)
	}()

	// Current state first so a new client never starts from a blank view.
	st := s.status()
	for _, ev := range []Event{
		{Type: EventAdapterState, Payload: st.AdapterState},
		{Type: EventScanning, Payload: st.Scanning},
		{Type: EventConnectionStatus, Payload: st.ConnectionStatus},
	} {
		if err := c.send(ev); err != nil {
			return
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Clients only listen; reading drives pong handling and close detection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// statusForError maps component errors to HTTP status codes.
func statusForError(err error) int {
	var svcErr *provision.ServiceNotFoundError
	var charErr *provision.CharacteristicNotFoundError
	switch {
	case errors.Is(err, discovery.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ble.ErrAdapterUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, connection.ErrEmptyDeviceID),
		errors.Is(err, provision.ErrNoDeviceSelected),
		errors.Is(err, provision.ErrInvalidCredentials):
		return http.StatusBadRequest
	case errors.As(err, &svcErr), errors.As(err, &charErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, connection.ErrConnectTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, connection.ErrConnectAborted):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// writeJSONResponse writes data as a JSON response.
func writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("[HTTP] failed to encode response", "error", err)
	}
}

// writeErrorResponse writes {"error": message, "details": err}.
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	resp := map[string]string{"error": message}
	if err != nil {
		resp["details"] = err.Error()
		slog.Warn("[HTTP] request failed", "error", message, "details", err, "status", statusCode)
	}
	writeJSONResponse(w, statusCode, resp)
}

// loggingMiddleware logs each request with its status and duration.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("[HTTP] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseRecorder captures the status code written by a handler.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
