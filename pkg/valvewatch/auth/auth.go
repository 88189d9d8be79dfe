// Package auth decides whether an inbound message may be processed.
//
// WhatsApp delivers sender addresses in two shapes depending on protocol
// version: a routing identifier (LID, user@lid) and/or a direct phone JID
// (user@s.whatsapp.net). Both are normalized once at the boundary into a
// canonical digit-only identity that whitelist entries are compared against.
package auth

import (
	"log/slog"
	"strings"
)

// Identity is the canonical sender address: country code + number, digits
// only (e.g. "5511999999999").
type Identity string

// minPhoneDigits is the shortest digit run accepted as a phone address.
const minPhoneDigits = 10

// Normalize derives the canonical identity from a raw address field.
// Accepted inputs: full JIDs ("5511999999999@s.whatsapp.net",
// "5511999999999:12@s.whatsapp.net"), bare numbers with punctuation
// ("+55 11 99999-9999"), or an already-canonical identity. Normalizing a
// canonical identity returns it unchanged.
func Normalize(raw string) (Identity, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}

	// JID user part, without the device suffix.
	if at := strings.IndexByte(s, '@'); at >= 0 {
		s = s[:at]
	}
	if colon := strings.IndexByte(s, ':'); colon >= 0 {
		s = s[:colon]
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < minPhoneDigits {
		return "", false
	}
	return Identity(digits), true
}

// Config holds the authorization switches. The source variants of this bot
// disagreed on both behaviors, so neither is hardcoded.
type Config struct {
	// Whitelist is the set of canonical sender numbers allowed to trigger
	// classification. Entries are normalized at load time.
	Whitelist []string `yaml:"whitelist"`

	// AllowAllWhenEmpty makes an empty whitelist mean "allow every sender"
	// instead of "allow none".
	AllowAllWhenEmpty bool `yaml:"allow_all_when_empty"`

	// IgnoreSelf drops messages originated by the bot's own account.
	IgnoreSelf bool `yaml:"ignore_self"`
}

// DefaultConfig matches the original deployment: no whitelist configured
// (everything allowed) and self-sent messages skipped.
func DefaultConfig() Config {
	return Config{
		AllowAllWhenEmpty: true,
		IgnoreSelf:        true,
	}
}

// Filter resolves raw sender addresses and applies the whitelist.
// Membership is fixed at construction time.
type Filter struct {
	cfg       Config
	whitelist map[Identity]struct{}
	logger    *slog.Logger
}

// NewFilter builds a filter from cfg. Whitelist entries that do not
// normalize to a phone address are skipped with a warning.
func NewFilter(cfg Config, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	wl := make(map[Identity]struct{}, len(cfg.Whitelist))
	for _, entry := range cfg.Whitelist {
		id, ok := Normalize(entry)
		if !ok {
			logger.Warn("skipping malformed whitelist entry", "entry", entry)
			continue
		}
		wl[id] = struct{}{}
	}

	return &Filter{cfg: cfg, whitelist: wl, logger: logger}
}

// Resolve derives the canonical identity for a message given its raw
// address fields. phoneAddr is the direct phone JID (preferred when
// present and well-formed); primaryAddr is the transport's primary sender
// field, which may be a LID routing identifier. Returns false when neither
// yields a phone address; such messages are dropped by the caller.
func (f *Filter) Resolve(primaryAddr, phoneAddr string) (Identity, bool) {
	if id, ok := Normalize(phoneAddr); ok {
		return id, true
	}
	if id, ok := Normalize(primaryAddr); ok {
		return id, true
	}
	f.logger.Debug("unresolvable sender address",
		"primary", primaryAddr, "phone", phoneAddr)
	return "", false
}

// Allowed reports whether id may trigger the classification pipeline.
func (f *Filter) Allowed(id Identity) bool {
	if len(f.whitelist) == 0 {
		return f.cfg.AllowAllWhenEmpty
	}
	_, ok := f.whitelist[id]
	return ok
}

// IgnoreSelf reports whether self-originated messages are dropped.
func (f *Filter) IgnoreSelf() bool {
	return f.cfg.IgnoreSelf
}
