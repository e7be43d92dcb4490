package voice

import (
	"github.com/bwmarrin/discordgo"

	"github.com/tino964MC/gemini-dc-voice-germany/internal/logging"
)

// User-facing notices, one distinct literal per failure kind. NoSpeech
// deliberately has none: ordinary non-speech noise must not spam the channel.
const (
	NoticeRateLimited  = "Google Speech API: Rate Limit erreicht. Bitte warte einen Moment, bevor du es erneut versuchst."
	NoticeServiceError = "Probleme mit dem Sprachservice. Bitte später erneut versuchen."
	NoticeUnknownError = "Etwas ist schiefgelaufen. Ich bin bereit zuzuhören."
	NoticeSetupTimeout = "Keine Verbindung zum Sprachmodell. Bitte später erneut versuchen."
)

// Notifier delivers human-readable status text to the session's text channel.
type Notifier interface {
	Notify(msg string)
}

// ChannelNotifier posts notices to a Discord text channel.
type ChannelNotifier struct {
	s         *discordgo.Session
	channelID string
}

func NewChannelNotifier(s *discordgo.Session, channelID string) *ChannelNotifier {
	return &ChannelNotifier{s: s, channelID: channelID}
}

func (n *ChannelNotifier) Notify(msg string) {
	if n == nil || n.s == nil || n.channelID == "" {
		return
	}
	if _, err := n.s.ChannelMessageSend(n.channelID, msg); err != nil {
		logging.Warnw("notifier: failed to send message", append(logging.ChannelFields(n.channelID), "err", err)...)
	}
}
