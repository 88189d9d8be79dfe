// Package classify implements the image classification pipeline: extract an
// image from an authorized inbound message, fetch its bytes, ask the vision
// model whether valve D5 is open, and broadcast the verdict.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/valvewatch/pkg/valvewatch/auth"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/hub"

	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Instruction is the fixed prompt sent with every image.
const Instruction = "Look at this water valve board photo. Is valve D5 currently OPEN or showing water timing? Answer strictly: YES or NO first, then one short sentence."

// alertMessage is broadcast when the valve is judged open.
const alertMessage = "PANI AAYA! D5 IS OPEN!"

// MediaFetcher retrieves the raw bytes of an inbound image attachment.
type MediaFetcher interface {
	Download(ctx context.Context, img *waProto.ImageMessage) ([]byte, error)
}

// Vision submits a prompt plus inline image and returns the model's text.
type Vision interface {
	GenerateContent(ctx context.Context, prompt, mimeType string, image []byte) (string, error)
}

// JIDResolver maps a LID routing identifier to a phone JID. The zero JID
// means no mapping is known.
type JIDResolver interface {
	PhoneJID(ctx context.Context, jid types.JID) types.JID
}

// SnapshotStore optionally persists fetched image bytes. May be nil.
type SnapshotStore interface {
	Save(ctx context.Context, sender string, ts time.Time, mimeType string, data []byte) (string, error)
}

// Pipeline classifies inbound images and broadcasts the results.
type Pipeline struct {
	fetcher   MediaFetcher
	vision    Vision
	resolver  JIDResolver
	filter    *auth.Filter
	hub       *hub.Hub
	snapshots SnapshotStore // nil when snapshot persistence is disabled
	logger    *slog.Logger
}

// New creates a pipeline. snapshots may be nil.
func New(fetcher MediaFetcher, vision Vision, resolver JIDResolver, filter *auth.Filter, h *hub.Hub, snapshots SnapshotStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		fetcher:   fetcher,
		vision:    vision,
		resolver:  resolver,
		filter:    filter,
		hub:       h,
		snapshots: snapshots,
		logger:    logger.With("component", "classify"),
	}
}

// HandleMessage processes one inbound message end to end: authorization,
// image resolution, retrieval, inference, verdict broadcast. Messages that
// are not authorized images exit without side effects; per-message failures
// become error broadcasts and never propagate.
func (p *Pipeline) HandleMessage(ctx context.Context, evt *events.Message) {
	if evt == nil || evt.Message == nil {
		return
	}
	if evt.Info.IsFromMe && p.filter.IgnoreSelf() {
		return
	}

	identity, ok := p.resolveSender(ctx, evt.Info)
	if !ok {
		return
	}
	if !p.filter.Allowed(identity) {
		p.logger.Debug("sender not whitelisted, dropping", "sender", identity)
		return
	}

	img := resolveImage(evt.Message)
	if img == nil {
		return
	}

	p.hub.Broadcast(hub.NewInfo("New photo received – asking Gemini..."))
	p.logger.Info("classifying inbound photo", "sender", identity)

	data, err := p.fetcher.Download(ctx, img)
	if err != nil {
		p.logger.Warn("media fetch failed", "sender", identity, "error", err)
		p.hub.Broadcast(hub.NewError(fmt.Sprintf("media download failed: %v", err)))
		return
	}

	mimeType := img.GetMimetype()
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if p.snapshots != nil {
		// Snapshot persistence is best-effort; a storage failure must not
		// block classification.
		if _, err := p.snapshots.Save(ctx, string(identity), evt.Info.Timestamp, mimeType, data); err != nil {
			p.logger.Warn("snapshot save failed", "sender", identity, "error", err)
		}
	}

	text, err := p.vision.GenerateContent(ctx, Instruction, mimeType, data)
	if err != nil {
		p.logger.Warn("inference failed", "sender", identity, "error", err)
		p.hub.Broadcast(hub.NewError(fmt.Sprintf("classification failed: %v", err)))
		return
	}

	open := Verdict(text)
	p.logger.Info("classification result", "sender", identity, "open", open)
	p.hub.Broadcast(hub.NewAI(text, open))

	if open {
		p.logger.Warn("valve open detected, alerting dashboard")
		p.hub.Broadcast(hub.NewAlert(alertMessage))
	}
}

// resolveSender normalizes the message's sender addresses into a canonical
// identity. Unresolvable senders are dropped with a log entry only.
func (p *Pipeline) resolveSender(ctx context.Context, info types.MessageInfo) (auth.Identity, bool) {
	primary := info.Sender.String()

	var phone string
	if p.resolver != nil {
		if alt := p.resolver.PhoneJID(ctx, info.Sender); !alt.IsEmpty() {
			phone = alt.String()
		}
	}

	return p.filter.Resolve(primary, phone)
}

// resolveImage extracts the image attachment from a message: directly
// attached, or carried by the quoted message this one replies to. Returns
// nil when the message is not an image event.
func resolveImage(msg *waProto.Message) *waProto.ImageMessage {
	if img := msg.GetImageMessage(); img != nil {
		return img
	}
	if quoted := msg.GetExtendedTextMessage().GetContextInfo().GetQuotedMessage(); quoted != nil {
		return quoted.GetImageMessage()
	}
	return nil
}

// Verdict interprets the model's free-form answer. Best-effort heuristic,
// not a strict parse: an affirmative leading "yes" wins; otherwise any
// mention of the valve that does not also say "closed" or "off" counts as
// open.
func Verdict(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if strings.HasPrefix(lower, "yes") {
		return true
	}
	return strings.Contains(lower, "d5") &&
		!strings.Contains(lower, "closed") &&
		!strings.Contains(lower, "off")
}
