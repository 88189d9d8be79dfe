// Package web serves the valve dashboard: an embedded single-page UI, a
// JSON status endpoint, the pairing QR image, and the WebSocket feed that
// relays hub events to connected browsers.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/jholhewres/valvewatch/pkg/valvewatch/hub"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/snapshot"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/wa"
)

//go:embed static/index.html
var staticFS embed.FS

// Monitor exposes the connection state the dashboard needs.
type Monitor interface {
	Status() (wa.State, string)
	Attempts() int
	LastEventAt() time.Time
}

// Snapshots serves stored valve board photos. May be nil when snapshot
// persistence is disabled.
type Snapshots interface {
	Get(ctx context.Context, id string) ([]byte, *snapshot.Snapshot, error)
}

// Config holds the HTTP server configuration.
type Config struct {
	// Address is the listen address (default: ":3000").
	Address string `yaml:"address"`

	// ExternalURL is the public base URL of this instance, used for the
	// keepalive self-ping on free-tier hosts that sleep idle services.
	ExternalURL string `yaml:"external_url"`
}

// statusResponse is the /status JSON payload.
type statusResponse struct {
	Status      string     `json:"status"`
	HasQR       bool       `json:"hasQR"`
	QRUrl       *string    `json:"qrUrl"`
	Attempts    int        `json:"attempts"`
	LastEventAt *time.Time `json:"lastEventAt,omitempty"`
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg       Config
	hub       *hub.Hub
	monitor   Monitor
	snapshots Snapshots
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	server    *http.Server
}

// New creates a dashboard server. snapshots may be nil.
func New(cfg Config, h *hub.Hub, monitor Monitor, snapshots Snapshots, logger *slog.Logger) *Server {
	if cfg.Address == "" {
		cfg.Address = ":3000"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		hub:       h,
		monitor:   monitor,
		snapshots: snapshots,
		logger:    logger.With("component", "web"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard carries no credentials and is read-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the route mux. Exposed separately so tests can drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/qr", s.handleQR)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ping", s.handlePing)
	if s.snapshots != nil {
		mux.HandleFunc("/media/", s.handleMedia)
	}
	return mux
}

// Start begins serving the dashboard.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("dashboard starting", "address", s.cfg.Address)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
		s.logger.Info("dashboard stopped")
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, challenge := s.monitor.Status()

	resp := statusResponse{
		Status:   string(state),
		HasQR:    challenge != "",
		Attempts: s.monitor.Attempts(),
	}
	if resp.HasQR {
		url := "/qr"
		resp.QRUrl = &url
	}
	if last := s.monitor.LastEventAt(); !last.IsZero() {
		resp.LastEventAt = &last
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	_, challenge := s.monitor.Status()
	if challenge == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`<html><head><meta http-equiv="refresh" content="3"></head>` +
			`<body><p>No QR code available right now. This page refreshes automatically.</p></body></html>`))
		return
	}

	png, err := qrcode.Encode(challenge, qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("qr encode failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// handleWS upgrades the connection and attaches it to the hub. The new
// client immediately receives a synthetic status event reflecting the
// current connection state, plus the pending QR while pairing, so a late
// joiner is never stuck waiting for the next broadcast.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, s.logger)
	s.hub.Register(c)
	s.logger.Debug("dashboard client connected", "client", c.id, "total", s.hub.Count())

	go c.writePump()

	state, challenge := s.monitor.Status()
	c.Deliver(hub.NewStatus(statusMessage(state)))
	if state == wa.StateAwaitingPairing && challenge != "" {
		c.Deliver(hub.NewQR(challenge))
	}

	go func() {
		c.readPump(func() {
			s.hub.Unregister(c)
			c.close()
			s.logger.Debug("dashboard client disconnected", "client", c.id)
		})
	}()
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/media/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	data, snap, err := s.snapshots.Get(r.Context(), id)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	mime := snap.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Write(data)
}

// statusMessage renders a connection state as dashboard text.
func statusMessage(state wa.State) string {
	switch state {
	case wa.StateConnected:
		return "Connected – Monitoring D5 Valve"
	case wa.StateAwaitingPairing:
		return "Scan the QR code with WhatsApp to pair"
	case wa.StateConnecting:
		return "Connecting to WhatsApp..."
	default:
		return "Disconnected"
	}
}
