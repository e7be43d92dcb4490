package voice

import (
	"os"
	"strings"
)

// fallbackPrompt is forwarded when an utterance is nothing but the wake
// word; sending empty text to the backend is meaningless.
const fallbackPrompt = "hallo"

// WakeGate filters transcripts by a leading wake word before they reach the
// conversation session. Disabled gates pass everything through.
type WakeGate struct {
	Word     string
	Enabled  bool
	Fallback string
}

// NewWakeGateFromEnv reads WAKE_WORD (default "nano") and USE_WAKE_WORD
// (default true).
func NewWakeGateFromEnv() *WakeGate {
	word := strings.ToLower(strings.TrimSpace(os.Getenv("WAKE_WORD")))
	if word == "" {
		word = "nano"
	}
	enabled := true
	switch strings.ToLower(strings.TrimSpace(os.Getenv("USE_WAKE_WORD"))) {
	case "false", "0", "no":
		enabled = false
	}
	return &WakeGate{Word: word, Enabled: enabled, Fallback: fallbackPrompt}
}

// Gate returns the text to forward and whether to forward at all. The wake
// word must start the utterance; it is stripped from the forwarded text.
func (g *WakeGate) Gate(text string) (string, bool) {
	if g == nil || !g.Enabled || g.Word == "" {
		return text, true
	}
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, g.Word) {
		return "", false
	}
	rest := strings.TrimSpace(s[len(g.Word):])
	if rest == "" {
		rest = g.Fallback
		if rest == "" {
			rest = fallbackPrompt
		}
	}
	return rest, true
}
