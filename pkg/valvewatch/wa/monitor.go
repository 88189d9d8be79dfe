package wa

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/valvewatch/pkg/valvewatch/hub"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// Config holds connection manager configuration.
type Config struct {
	// SessionDir is the directory for session persistence (SQLite).
	// Ignored if DatabasePath is set.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath is the path to the SQLite database file holding the
	// whatsmeow session tables. If empty, defaults to
	// {SessionDir}/valvewatch.db.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the WhatsApp linked-devices list.
	DeviceName string `yaml:"device_name"`

	// ReconnectDelay is the fixed pause before each reconnect attempt.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// MaxReconnectAttempts bounds consecutive failed connection attempts
	// before giving up until a manual restart.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// MaxInitAttempts bounds consecutive client construction failures.
	MaxInitAttempts int `yaml:"max_init_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:           "./sessions/whatsapp",
		DeviceName:           "D5 Pani Bot",
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectAttempts: DefaultReconnectCeiling,
		MaxInitAttempts:      DefaultInitCeiling,
	}
}

// SessionDatabasePath returns the resolved session database file for cfg.
// Exposed so the logout command can wipe it.
func (c Config) SessionDatabasePath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.SessionDir, "valvewatch.db")
}

// MessageHandler consumes authorized-candidate inbound message events.
// Invoked on its own goroutine per message; handlers may block on I/O.
type MessageHandler func(ctx context.Context, evt *events.Message)

// Monitor owns the WhatsApp connection. It feeds transport events through
// the state machine and executes the resulting effects: hub broadcasts and
// delayed reconnect attempts.
type Monitor struct {
	cfg    Config
	hub    *hub.Hub
	logger *slog.Logger

	mu        sync.Mutex
	machine   Machine
	lastEvent time.Time

	client *whatsmeow.Client

	// connectGuard is the single in-flight connection flag: a request to
	// connect while an attempt is running is a no-op, which also absorbs
	// stale reconnect timers after a successful connection.
	connectGuard atomic.Bool

	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a monitor. The hub receives every lifecycle broadcast.
func New(cfg Config, h *hub.Hub, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &Monitor{
		cfg:     cfg,
		hub:     h,
		logger:  logger.With("component", "whatsapp"),
		machine: NewMachine(cfg.MaxReconnectAttempts, cfg.MaxInitAttempts, cfg.ReconnectDelay),
	}
}

// OnMessage registers the inbound message handler. Must be called before
// Start.
func (m *Monitor) OnMessage(fn MessageHandler) {
	m.handler = fn
}

// Start launches the first connection attempt in the background. Idempotent
// under the in-flight guard: calling it while an attempt runs is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	go m.connect()
}

// Stop tears the connection down. In-flight classification work is dropped.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.client != nil {
		m.client.Disconnect()
	}
	m.logger.Info("whatsapp: stopped")
}

// Status returns the current lifecycle state and the pending pairing
// challenge ("" unless awaiting pairing).
func (m *Monitor) Status() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.State, m.machine.Challenge
}

// Attempts returns the consecutive failed connection attempts since the
// last successful open.
func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.Budget
}

// LastEventAt returns the time of the last lifecycle transition.
func (m *Monitor) LastEventAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEvent
}

// Download fetches the raw bytes of an inbound image via the transport's
// media download (decrypting as needed).
func (m *Monitor) Download(ctx context.Context, img *waProto.ImageMessage) ([]byte, error) {
	if m.client == nil {
		return nil, fmt.Errorf("whatsapp client not initialized")
	}
	data, err := m.client.Download(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}
	return data, nil
}

// PhoneJID resolves a LID routing identifier to the sender's phone JID for
// access control. Returns the zero JID when no mapping is known; non-LID
// JIDs pass through unchanged.
func (m *Monitor) PhoneJID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != "lid" {
		return jid
	}
	if m.client == nil || m.client.Store == nil {
		return types.JID{}
	}
	alt, err := m.client.Store.GetAltJID(ctx, jid)
	if err != nil || alt.IsEmpty() {
		return types.JID{}
	}
	m.logger.Debug("resolved LID to phone", "lid", jid.String(), "phone", alt.String())
	return alt
}

// ---------- State machine shell ----------

// dispatch applies one lifecycle event and executes the resulting effects.
// The machine is only ever touched here, under the mutex.
func (m *Monitor) dispatch(ev Event) {
	m.mu.Lock()
	next, effects := m.machine.Apply(ev)
	m.machine = next
	m.lastEvent = time.Now()
	m.mu.Unlock()

	for _, eff := range effects {
		m.execute(eff)
	}
}

func (m *Monitor) execute(eff Effect) {
	switch eff.Kind {
	case EffectBroadcastQR:
		m.logger.Info("whatsapp: pairing challenge ready, scan via dashboard")
		m.hub.Broadcast(hub.NewQR(eff.Challenge))

	case EffectBroadcastStatus:
		m.logger.Info("whatsapp: status changed", "message", eff.Message)
		m.hub.Broadcast(hub.NewStatus(eff.Message))

	case EffectBroadcastFatal:
		m.logger.Error("whatsapp: terminal failure", "message", eff.Message)
		m.hub.Broadcast(hub.NewFatal(eff.Message))

	case EffectScheduleReconnect:
		if m.ctx == nil || m.ctx.Err() != nil {
			return
		}
		m.logger.Info("whatsapp: reconnect scheduled", "delay", eff.Delay)
		time.AfterFunc(eff.Delay, m.connect)
	}
}

// ---------- Connection ----------

// connect performs one connection attempt. Guarded so at most one attempt
// is in flight process-wide; overlapping requests are no-ops.
func (m *Monitor) connect() {
	if !m.connectGuard.CompareAndSwap(false, true) {
		m.logger.Debug("whatsapp: connection attempt already in flight, skipping")
		return
	}
	defer m.connectGuard.Store(false)

	if m.ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	terminal := m.machine.Terminal
	m.mu.Unlock()
	if terminal {
		m.logger.Debug("whatsapp: machine is terminal, ignoring stale attempt")
		return
	}

	if m.client == nil {
		if err := m.initClient(); err != nil {
			m.logger.Warn("whatsapp: client init failed", "error", err)
			m.dispatch(Event{Kind: EventInitFailure, Reason: err.Error()})
			return
		}
	}

	if m.client.Store.ID == nil {
		// No linked session yet: run the QR pairing flow. The guard stays
		// held until pairing resolves, so a concurrent attempt cannot race
		// the QR channel.
		if err := m.loginWithQR(); err != nil {
			m.logger.Warn("whatsapp: QR pairing did not complete", "error", err)
		}
		return
	}

	m.logger.Info("whatsapp: connecting with existing session")
	if err := m.client.Connect(); err != nil {
		m.logger.Warn("whatsapp: connect failed", "error", err)
		m.dispatch(Event{Kind: EventSessionClosed, Reason: fmt.Sprintf("connect: %v", err)})
	}
}

// initClient builds the session container and whatsmeow client. A failure
// here is an init failure, retried under the smaller ceiling.
func (m *Monitor) initClient() error {
	dbPath := m.cfg.SessionDatabasePath()
	if m.cfg.DatabasePath == "" {
		if err := os.MkdirAll(m.cfg.SessionDir, 0o755); err != nil {
			return fmt.Errorf("creating session dir: %w", err)
		}
	}
	m.logger.Info("whatsapp: opening session store", "path", dbPath)

	container, err := sqlstore.New(m.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := m.getDevice(m.ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(m.cfg.DeviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(m.handleEvent)

	// The monitor owns the reconnect policy; whatsmeow's built-in
	// auto-reconnect would bypass the budget.
	client.EnableAutoReconnect = false

	m.client = client
	return nil
}

// getDevice retrieves an existing device or creates a new one.
func (m *Monitor) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the QR pairing flow, translating QR channel events into
// machine events. Challenges stream to the dashboard; nothing is printed to
// the terminal.
func (m *Monitor) loginWithQR() error {
	qrChan, err := m.client.GetQRChannel(m.ctx)
	if err != nil {
		m.dispatch(Event{Kind: EventInitFailure, Reason: err.Error()})
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := m.client.Connect(); err != nil {
		m.dispatch(Event{Kind: EventSessionClosed, Reason: fmt.Sprintf("connect for QR: %v", err)})
		return fmt.Errorf("connecting for QR: %w", err)
	}

	m.logger.Info("whatsapp: no linked session, waiting for QR scan")

	for {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return nil
			}
			switch evt.Event {
			case "code":
				m.dispatch(Event{Kind: EventPairingChallenge, Challenge: evt.Code})

			case "success":
				// The Connected event finishes the transition.
				m.logger.Info("whatsapp: QR scanned, pairing complete")
				return nil

			case "timeout":
				m.logger.Warn("whatsapp: QR code expired")
				m.dispatch(Event{Kind: EventSessionClosed, Reason: "qr timeout"})
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					m.logger.Error("whatsapp: QR pairing error", "error", evt.Error)
					m.dispatch(Event{Kind: EventSessionClosed, Reason: evt.Error.Error()})
					return fmt.Errorf("QR pairing: %w", evt.Error)
				}
			}
		}
	}
}

// ---------- Transport events ----------

// handleEvent is the whatsmeow event dispatcher. Lifecycle events feed the
// state machine; message events go to the classification handler.
func (m *Monitor) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		m.logger.Info("whatsapp: connected", "jid", m.clientJID())
		m.dispatch(Event{Kind: EventSessionOpen})

	case *events.PairSuccess:
		m.logger.Info("whatsapp: device paired", "jid", evt.ID, "platform", evt.Platform)

	case *events.Disconnected:
		if m.ctx.Err() != nil {
			return
		}
		m.logger.Warn("whatsapp: disconnected")
		m.dispatch(Event{Kind: EventSessionClosed, Reason: "connection lost"})

	case *events.LoggedOut:
		reason := "logged out"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		m.logger.Error("whatsapp: session revoked", "reason", reason)
		m.dispatch(Event{Kind: EventSessionClosed, AuthRevoked: true, Reason: reason})

	case *events.StreamReplaced:
		m.logger.Error("whatsapp: stream replaced by another device")
		m.dispatch(Event{Kind: EventSessionClosed, Reason: "stream replaced"})

	case *events.ConnectFailure:
		permanent := evt.PermanentDisconnectDescription()
		m.logger.Error("whatsapp: connect failure",
			"reason", evt.Reason.String(), "permanent", permanent)
		m.dispatch(Event{
			Kind:        EventSessionClosed,
			AuthRevoked: permanent != "",
			Reason:      evt.Reason.String(),
		})

	case *events.TemporaryBan:
		m.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
		m.dispatch(Event{Kind: EventSessionClosed, Reason: "temporary ban"})

	case *events.StreamError:
		// 540/541/503 indicate a dropped stream; others are non-fatal.
		if evt.Code == "540" || evt.Code == "541" || evt.Code == "503" {
			m.logger.Error("whatsapp: stream error, connection lost", "code", evt.Code)
			m.dispatch(Event{Kind: EventSessionClosed, Reason: "stream error " + evt.Code})
		} else {
			m.logger.Warn("whatsapp: non-fatal stream error", "code", evt.Code)
		}

	case *events.KeepAliveTimeout:
		m.logger.Warn("whatsapp: keep-alive timeout", "error_count", evt.ErrorCount)

	case *events.KeepAliveRestored:
		m.logger.Info("whatsapp: keep-alive restored")

	case *events.Message:
		if m.handler != nil {
			// Each message is classified independently; completions may
			// interleave across messages.
			go m.handler(m.ctx, evt)
		}
	}
}

func (m *Monitor) clientJID() string {
	if m.client != nil && m.client.Store.ID != nil {
		return m.client.Store.ID.String()
	}
	return ""
}
