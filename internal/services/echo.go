package services

import (
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// EchoMarker is appended to transcripts the bridge posts itself. It is only a
// fallback for webhooks whose message id was never registered.
const EchoMarker = "\u200B\u200C\u200B"

const echoTTL = 15 * time.Minute

// EchoRegistry remembers HighLevel message ids created by the bridge so the
// provider webhook that follows them is not sent to WhatsApp a second time.
type EchoRegistry struct {
	ids *cache.Cache
}

func NewEchoRegistry() *EchoRegistry {
	return &EchoRegistry{ids: cache.New(echoTTL, 2*echoTTL)}
}

func (r *EchoRegistry) Remember(messageID string) {
	if messageID == "" {
		return
	}
	r.ids.SetDefault(messageID, struct{}{})
}

// IsEcho reports whether the message was produced by the bridge. A registry
// hit is consumed.
func (r *EchoRegistry) IsEcho(messageID, text string) bool {
	if messageID != "" {
		if _, ok := r.ids.Get(messageID); ok {
			r.ids.Delete(messageID)
			return true
		}
	}
	return strings.Contains(text, EchoMarker)
}
