// Package wa owns the WhatsApp connection lifecycle: a state machine fed by
// transport events, a bounded reconnect policy, and the pairing challenge
// exposed to the dashboard. The transition logic lives in a pure function
// (state + event → state + effects); the whatsmeow shell in monitor.go
// executes the effects.
package wa

import "time"

// State is the connection lifecycle state. Exactly one Machine exists per
// process, owned by the Monitor.
type State string

const (
	StateDisconnected    State = "disconnected"
	StateAwaitingPairing State = "awaiting_pairing"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
)

// EventKind identifies a transport-delivered lifecycle event.
type EventKind int

const (
	// EventPairingChallenge carries a fresh QR payload to scan.
	EventPairingChallenge EventKind = iota

	// EventSessionOpen signals a fully established session.
	EventSessionOpen

	// EventSessionClosed signals the session dropped. AuthRevoked marks the
	// transport's "logged out" signal, which is terminal.
	EventSessionClosed

	// EventInitFailure signals transport construction failed before any
	// session event arrived. Retried under a smaller ceiling.
	EventInitFailure
)

// Event is one lifecycle input to the machine.
type Event struct {
	Kind        EventKind
	Challenge   string // pairing challenge payload (EventPairingChallenge)
	AuthRevoked bool   // EventSessionClosed: credentials invalidated
	Reason      string // human-readable close/failure reason
}

// EffectKind identifies a side effect requested by a transition.
type EffectKind int

const (
	// EffectBroadcastQR pushes the pairing challenge to observers.
	EffectBroadcastQR EffectKind = iota

	// EffectBroadcastStatus pushes a status message to observers.
	EffectBroadcastStatus

	// EffectBroadcastFatal pushes a terminal failure requiring operator action.
	EffectBroadcastFatal

	// EffectScheduleReconnect asks the shell to retry connecting after Delay.
	EffectScheduleReconnect
)

// Effect is one side effect to execute after a transition. Transitions never
// perform I/O themselves.
type Effect struct {
	Kind      EffectKind
	Message   string
	Challenge string
	Delay     time.Duration
}

// Machine is the connection state machine. Value semantics: Apply returns
// the successor machine, mutating nothing.
type Machine struct {
	State     State
	Challenge string // non-empty iff State == StateAwaitingPairing

	// Budget counts consecutive failed connection attempts since the last
	// successful open. At ReconnectCeiling the machine goes terminal.
	Budget           int
	ReconnectCeiling int

	// InitFailures counts consecutive transport construction failures,
	// bounded by the smaller InitCeiling.
	InitFailures int
	InitCeiling  int

	// ReconnectDelay is the fixed pause before each retry.
	ReconnectDelay time.Duration

	// Terminal is set when no further automatic attempts will be made:
	// credentials revoked or a retry ceiling exhausted.
	Terminal       bool
	TerminalReason string
}

// Defaults for the reconnect policy.
const (
	DefaultReconnectCeiling = 10
	DefaultInitCeiling      = 5
	DefaultReconnectDelay   = 5 * time.Second
)

// NewMachine returns a disconnected machine with the given policy. Zero
// values fall back to the defaults.
func NewMachine(reconnectCeiling, initCeiling int, delay time.Duration) Machine {
	if reconnectCeiling <= 0 {
		reconnectCeiling = DefaultReconnectCeiling
	}
	if initCeiling <= 0 {
		initCeiling = DefaultInitCeiling
	}
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return Machine{
		State:            StateDisconnected,
		ReconnectCeiling: reconnectCeiling,
		InitCeiling:      initCeiling,
		ReconnectDelay:   delay,
	}
}

// Status messages shown on the dashboard.
const (
	msgConnected    = "Connected – Monitoring D5 Valve"
	msgReconnecting = "Connection lost – reconnecting in 5s..."
	msgLoggedOut    = "Logged out – wipe the session store and restart to re-pair"
	msgGaveUp       = "Reconnect limit reached – manual restart required"
	msgInitGaveUp   = "WhatsApp client failed to start – manual restart required"
)

// Apply runs one transition. It is pure: the only outputs are the successor
// machine and the effects the shell must execute.
func (m Machine) Apply(ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case EventPairingChallenge:
		// Reconnect bookkeeping is reset only on a successful open, not here.
		m.State = StateAwaitingPairing
		m.Challenge = ev.Challenge
		return m, []Effect{{Kind: EffectBroadcastQR, Challenge: ev.Challenge}}

	case EventSessionOpen:
		m.State = StateConnected
		m.Challenge = ""
		m.Budget = 0
		m.InitFailures = 0
		m.Terminal = false
		m.TerminalReason = ""
		return m, []Effect{{Kind: EffectBroadcastStatus, Message: msgConnected}}

	case EventSessionClosed:
		if ev.AuthRevoked {
			// Terminal: credentials are gone, only an operator can recover.
			m.State = StateDisconnected
			m.Challenge = ""
			m.Terminal = true
			m.TerminalReason = ev.Reason
			return m, []Effect{{Kind: EffectBroadcastFatal, Message: msgLoggedOut}}
		}
		if m.Terminal {
			// Late closure after giving up; nothing more to do.
			return m, nil
		}
		m.Challenge = ""
		m.Budget++
		if m.Budget >= m.ReconnectCeiling {
			m.State = StateDisconnected
			m.Terminal = true
			m.TerminalReason = "reconnect ceiling reached"
			return m, []Effect{{Kind: EffectBroadcastFatal, Message: msgGaveUp}}
		}
		m.State = StateConnecting
		return m, []Effect{
			{Kind: EffectBroadcastStatus, Message: msgReconnecting},
			{Kind: EffectScheduleReconnect, Delay: m.ReconnectDelay},
		}

	case EventInitFailure:
		if m.Terminal {
			return m, nil
		}
		m.Challenge = ""
		m.InitFailures++
		if m.InitFailures >= m.InitCeiling {
			m.State = StateDisconnected
			m.Terminal = true
			m.TerminalReason = "init retry ceiling reached"
			return m, []Effect{{Kind: EffectBroadcastFatal, Message: msgInitGaveUp}}
		}
		m.State = StateConnecting
		return m, []Effect{
			{Kind: EffectScheduleReconnect, Delay: m.ReconnectDelay},
		}
	}

	return m, nil
}
