package wa

import (
	"testing"
	"time"
)

func newTestMachine() Machine {
	return NewMachine(0, 0, 0) // defaults: ceiling 10, init ceiling 5, 5s delay
}

func hasEffect(effects []Effect, kind EffectKind) bool {
	for _, eff := range effects {
		if eff.Kind == kind {
			return true
		}
	}
	return false
}

func TestPairingChallenge(t *testing.T) {
	t.Run("stores challenge and broadcasts qr", func(t *testing.T) {
		m := newTestMachine()
		m, effects := m.Apply(Event{Kind: EventPairingChallenge, Challenge: "2@abc,def"})

		if m.State != StateAwaitingPairing {
			t.Errorf("expected awaiting_pairing, got %s", m.State)
		}
		if m.Challenge != "2@abc,def" {
			t.Errorf("challenge not stored: %q", m.Challenge)
		}
		if len(effects) != 1 || effects[0].Kind != EffectBroadcastQR || effects[0].Challenge != "2@abc,def" {
			t.Errorf("expected single qr broadcast, got %+v", effects)
		}
	})

	t.Run("does not reset the reconnect budget", func(t *testing.T) {
		m := newTestMachine()
		m, _ = m.Apply(Event{Kind: EventSessionClosed})
		m, _ = m.Apply(Event{Kind: EventSessionClosed})
		budget := m.Budget

		m, _ = m.Apply(Event{Kind: EventPairingChallenge, Challenge: "2@x"})
		if m.Budget != budget {
			t.Errorf("pairing challenge changed budget: %d -> %d", budget, m.Budget)
		}
	})

	t.Run("fresh challenge replaces the previous one", func(t *testing.T) {
		m := newTestMachine()
		m, _ = m.Apply(Event{Kind: EventPairingChallenge, Challenge: "2@stale"})
		m, effects := m.Apply(Event{Kind: EventPairingChallenge, Challenge: "2@fresh"})

		if m.Challenge != "2@fresh" {
			t.Errorf("expected fresh challenge, got %q", m.Challenge)
		}
		if effects[0].Challenge != "2@fresh" {
			t.Errorf("broadcast carries stale challenge: %q", effects[0].Challenge)
		}
	})
}

func TestSessionOpen(t *testing.T) {
	t.Run("resets budget and clears challenge from any prior state", func(t *testing.T) {
		priors := []func(Machine) Machine{
			func(m Machine) Machine { return m }, // disconnected
			func(m Machine) Machine {
				m, _ = m.Apply(Event{Kind: EventPairingChallenge, Challenge: "2@q"})
				return m
			},
			func(m Machine) Machine {
				m, _ = m.Apply(Event{Kind: EventSessionClosed})
				m, _ = m.Apply(Event{Kind: EventSessionClosed})
				return m
			},
		}

		for i, setup := range priors {
			m := setup(newTestMachine())
			m, effects := m.Apply(Event{Kind: EventSessionOpen})

			if m.State != StateConnected {
				t.Errorf("case %d: expected connected, got %s", i, m.State)
			}
			if m.Budget != 0 {
				t.Errorf("case %d: budget not reset, got %d", i, m.Budget)
			}
			if m.Challenge != "" {
				t.Errorf("case %d: challenge not cleared, got %q", i, m.Challenge)
			}
			if !hasEffect(effects, EffectBroadcastStatus) {
				t.Errorf("case %d: expected status broadcast", i)
			}
		}
	})

	t.Run("clears a prior terminal flag", func(t *testing.T) {
		m := newTestMachine()
		for i := 0; i < m.ReconnectCeiling; i++ {
			m, _ = m.Apply(Event{Kind: EventSessionClosed})
		}
		if !m.Terminal {
			t.Fatal("setup: expected terminal machine")
		}

		m, _ = m.Apply(Event{Kind: EventSessionOpen})
		if m.Terminal {
			t.Error("session open should clear terminal state")
		}
	})
}

func TestSessionClosed(t *testing.T) {
	t.Run("budget increments monotonically until the ceiling", func(t *testing.T) {
		m := newTestMachine()
		for i := 1; i < m.ReconnectCeiling; i++ {
			var effects []Effect
			m, effects = m.Apply(Event{Kind: EventSessionClosed})

			if m.Budget != i {
				t.Fatalf("attempt %d: budget = %d", i, m.Budget)
			}
			if m.State != StateConnecting {
				t.Fatalf("attempt %d: expected connecting, got %s", i, m.State)
			}
			if !hasEffect(effects, EffectScheduleReconnect) {
				t.Fatalf("attempt %d: expected a scheduled reconnect", i)
			}
		}

		// Ceiling hit: terminal, no reconnect scheduled.
		m, effects := m.Apply(Event{Kind: EventSessionClosed})
		if m.State != StateDisconnected || !m.Terminal {
			t.Errorf("expected terminal disconnected, got %s terminal=%v", m.State, m.Terminal)
		}
		if hasEffect(effects, EffectScheduleReconnect) {
			t.Error("no reconnect may be scheduled at the ceiling")
		}
		if !hasEffect(effects, EffectBroadcastFatal) {
			t.Error("expected fatal broadcast at the ceiling")
		}

		// Further closures after giving up are no-ops.
		m, effects = m.Apply(Event{Kind: EventSessionClosed})
		if len(effects) != 0 {
			t.Errorf("expected no effects after terminal, got %+v", effects)
		}
	})

	t.Run("reconnect uses the fixed delay", func(t *testing.T) {
		m := NewMachine(10, 5, 5*time.Second)
		_, effects := m.Apply(Event{Kind: EventSessionClosed})
		for _, eff := range effects {
			if eff.Kind == EffectScheduleReconnect && eff.Delay != 5*time.Second {
				t.Errorf("expected 5s delay, got %v", eff.Delay)
			}
		}
	})

	t.Run("auth revoked is terminal from any prior state", func(t *testing.T) {
		priors := []func(Machine) Machine{
			func(m Machine) Machine { m, _ = m.Apply(Event{Kind: EventSessionOpen}); return m },
			func(m Machine) Machine {
				m, _ = m.Apply(Event{Kind: EventPairingChallenge, Challenge: "2@q"})
				return m
			},
			func(m Machine) Machine { m, _ = m.Apply(Event{Kind: EventSessionClosed}); return m },
		}

		for i, setup := range priors {
			m := setup(newTestMachine())
			m, effects := m.Apply(Event{Kind: EventSessionClosed, AuthRevoked: true, Reason: "401"})

			if m.State != StateDisconnected || !m.Terminal {
				t.Errorf("case %d: expected terminal disconnected", i)
			}
			if m.Challenge != "" {
				t.Errorf("case %d: challenge must be cleared", i)
			}
			if hasEffect(effects, EffectScheduleReconnect) {
				t.Errorf("case %d: auth revocation must never schedule a reconnect", i)
			}
			if !hasEffect(effects, EffectBroadcastFatal) {
				t.Errorf("case %d: expected fatal broadcast", i)
			}
		}
	})

	t.Run("closure clears a pending challenge", func(t *testing.T) {
		m := newTestMachine()
		m, _ = m.Apply(Event{Kind: EventPairingChallenge, Challenge: "2@q"})
		m, _ = m.Apply(Event{Kind: EventSessionClosed})
		if m.Challenge != "" {
			t.Errorf("challenge survived closure: %q", m.Challenge)
		}
	})
}

func TestInitFailure(t *testing.T) {
	t.Run("retries under the smaller ceiling then gives up", func(t *testing.T) {
		m := newTestMachine()
		for i := 1; i < m.InitCeiling; i++ {
			var effects []Effect
			m, effects = m.Apply(Event{Kind: EventInitFailure})
			if m.InitFailures != i {
				t.Fatalf("attempt %d: init failures = %d", i, m.InitFailures)
			}
			if !hasEffect(effects, EffectScheduleReconnect) {
				t.Fatalf("attempt %d: expected retry", i)
			}
		}

		m, effects := m.Apply(Event{Kind: EventInitFailure})
		if !m.Terminal {
			t.Error("expected terminal machine at init ceiling")
		}
		if hasEffect(effects, EffectScheduleReconnect) {
			t.Error("no retry may be scheduled at the init ceiling")
		}
	})

	t.Run("successful open resets init failures", func(t *testing.T) {
		m := newTestMachine()
		m, _ = m.Apply(Event{Kind: EventInitFailure})
		m, _ = m.Apply(Event{Kind: EventSessionOpen})
		if m.InitFailures != 0 {
			t.Errorf("init failures not reset, got %d", m.InitFailures)
		}
	})
}

func TestChallengeInvariant(t *testing.T) {
	// Challenge is non-empty iff state is awaiting_pairing, across an
	// arbitrary event sequence.
	events := []Event{
		{Kind: EventSessionClosed},
		{Kind: EventPairingChallenge, Challenge: "2@a"},
		{Kind: EventPairingChallenge, Challenge: "2@b"},
		{Kind: EventSessionOpen},
		{Kind: EventSessionClosed},
		{Kind: EventPairingChallenge, Challenge: "2@c"},
		{Kind: EventSessionClosed, AuthRevoked: true},
	}

	m := newTestMachine()
	for i, ev := range events {
		m, _ = m.Apply(ev)
		hasChallenge := m.Challenge != ""
		awaiting := m.State == StateAwaitingPairing
		if hasChallenge != awaiting {
			t.Errorf("after event %d: challenge=%q state=%s violates invariant",
				i, m.Challenge, m.State)
		}
	}
}

func TestNewMachineDefaults(t *testing.T) {
	m := NewMachine(0, 0, 0)
	if m.ReconnectCeiling != DefaultReconnectCeiling {
		t.Errorf("expected default ceiling %d, got %d", DefaultReconnectCeiling, m.ReconnectCeiling)
	}
	if m.InitCeiling != DefaultInitCeiling {
		t.Errorf("expected default init ceiling %d, got %d", DefaultInitCeiling, m.InitCeiling)
	}
	if m.ReconnectDelay != DefaultReconnectDelay {
		t.Errorf("expected default delay %v, got %v", DefaultReconnectDelay, m.ReconnectDelay)
	}
	if m.State != StateDisconnected {
		t.Errorf("expected disconnected start, got %s", m.State)
	}
}
