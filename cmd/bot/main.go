package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"

	"github.com/tino964MC/gemini-dc-voice-germany/internal/gemini"
	"github.com/tino964MC/gemini-dc-voice-germany/internal/logging"
	"github.com/tino964MC/gemini-dc-voice-germany/internal/playback"
	"github.com/tino964MC/gemini-dc-voice-germany/internal/voice"
)

const defaultPersona = "Du bist ein hilfreicher Assistent. Antworte ausschließlich auf Deutsch. " +
	"Verwende niemals Englisch, auch nicht für Zahlen, Begriffe oder Namen. " +
	"Du darfst nicht mit Emojis antworten. Dein Name ist Nano."

// Replies for the slash commands.
const (
	replyListening      = "Nano hört zu"
	replyGoodbye        = "Ciao"
	replyNeedVoice      = "Du musst in eine sprachkannal sein"
	replyNotInVoice     = "ich bin in kein sprachkanal"
	replyDifferentVoice = "Du musst im gleichen sprach kanal wie ich sein"
)

// bot ties one voice session together: the Discord voice connection, the
// capture pipeline feeding Gemini and the playback path back into the
// channel. At most one voice session is active at a time.
type bot struct {
	dg      *discordgo.Session
	session *gemini.Session

	mu       sync.Mutex
	vc       *discordgo.VoiceConnection
	receiver *voice.Receiver
	player   *playback.Player
}

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	sugar := logging.Init()
	defer func() { _ = logging.Sync() }()

	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		sugar.Fatal("DISCORD_TOKEN required")
	}
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		sugar.Fatal("GEMINI_API_KEY required")
	}
	voiceName := os.Getenv("GEMINI_VOICE")
	if voiceName == "" {
		voiceName = "charon"
	}
	persona := os.Getenv("GEMINI_PERSONA")
	if persona == "" {
		persona = defaultPersona
	}

	session := gemini.New(gemini.Config{
		APIKey:  apiKey,
		Voice:   voiceName,
		Persona: persona,
	})

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		sugar.Fatalf("discordgo.New: %v", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	b := &bot{dg: dg, session: session}

	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		logging.Infow("discord session ready", logging.UserFields(r.User.ID, r.User.Username)...)
		if err := b.registerCommands(r.Application.ID); err != nil {
			logging.Errorw("failed to register slash commands", "err", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := session.Connect(ctx); err != nil {
			logging.Errorw("gemini connect failed", "err", err)
		}
	})
	dg.AddHandler(b.handleInteraction)

	sugar.Infow("opening discord session")
	if err := dg.Open(); err != nil {
		sugar.Fatalf("discord session open failed: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	sugar.Infow("shutdown signal received, closing resources")

	b.stopListening()
	if err := session.Close(); err != nil {
		sugar.Warnf("gemini close error: %v", err)
	}
	if err := dg.Close(); err != nil {
		sugar.Warnf("discord session close error: %v", err)
	}
	sugar.Info("shutdown complete")
}

func (b *bot) registerCommands(appID string) error {
	cmds := []*discordgo.ApplicationCommand{
		{Name: "chat", Description: "Nano kommt in deinen Sprachkanal und hört zu"},
		{Name: "exit", Description: "Nano verlässt den Sprachkanal"},
	}
	for _, c := range cmds {
		if _, err := b.dg.ApplicationCommandCreate(appID, "", c); err != nil {
			return err
		}
	}
	return nil
}

func (b *bot) handleInteraction(s *discordgo.Session, ic *discordgo.InteractionCreate) {
	if ic.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if ic.Member == nil || ic.Member.User == nil {
		// voice commands only make sense inside a guild
		b.reply(ic, replyNeedVoice)
		return
	}
	switch ic.ApplicationCommandData().Name {
	case "chat":
		b.handleChat(ic)
	case "exit":
		b.handleExit(ic)
	}
}

func (b *bot) reply(ic *discordgo.InteractionCreate, msg string) {
	err := b.dg.InteractionRespond(ic.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: msg},
	})
	if err != nil {
		logging.Warnw("interaction respond failed", "err", err)
	}
}

// userVoiceChannel finds the voice channel the invoking user currently
// occupies, or "" when they are not in voice.
func (b *bot) userVoiceChannel(guildID, userID string) string {
	vs, err := b.dg.State.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

func (b *bot) handleChat(ic *discordgo.InteractionCreate) {
	userID := ic.Member.User.ID
	channelID := b.userVoiceChannel(ic.GuildID, userID)
	if channelID == "" {
		b.reply(ic, replyNeedVoice)
		return
	}
	if err := b.startListening(ic.GuildID, channelID, ic.ChannelID, userID); err != nil {
		logging.Errorw("failed to start voice session", "err", err,
			"guild_id", ic.GuildID, "voice_channel_id", channelID)
		b.reply(ic, voice.NoticeUnknownError)
		return
	}
	b.reply(ic, replyListening)
}

func (b *bot) handleExit(ic *discordgo.InteractionCreate) {
	b.mu.Lock()
	vc := b.vc
	b.mu.Unlock()
	if vc == nil {
		b.reply(ic, replyNotInVoice)
		return
	}
	userChannel := b.userVoiceChannel(ic.GuildID, ic.Member.User.ID)
	if userChannel == "" {
		b.reply(ic, replyNeedVoice)
		return
	}
	if userChannel != vc.ChannelID {
		b.reply(ic, replyDifferentVoice)
		return
	}
	b.stopListening()
	b.reply(ic, replyGoodbye)
}

// startListening joins the voice channel and wires the capture pipeline:
// receiver -> sink -> transcriber -> wake gate -> gemini -> player.
func (b *bot) startListening(guildID, voiceChannelID, textChannelID, targetUserID string) error {
	b.stopListening()

	vc, err := b.dg.ChannelVoiceJoin(guildID, voiceChannelID, false, false)
	if err != nil {
		return err
	}
	player, err := playback.NewPlayer(vc)
	if err != nil {
		_ = vc.Disconnect()
		return err
	}

	notifier := voice.NewChannelNotifier(b.dg, textChannelID)
	sink := voice.NewCaptureSink(voice.SinkConfig{
		TargetUserID: targetUserID,
		Transcriber:  voice.NewHTTPTranscriberFromEnv(),
		Gate:         voice.NewWakeGateFromEnv(),
		Notifier:     notifier,
		Player:       player,
		Archive:      voice.NewArchiveFromEnv(),
		Forward: func(ctx context.Context, text string) {
			err := b.session.SendTurn(ctx, text, player)
			if errors.Is(err, gemini.ErrNotConnected) {
				// the startup connect failed or the session was torn down;
				// reconnect once and resend this turn
				if cerr := b.session.Connect(ctx); cerr != nil {
					logging.Errorw("gemini reconnect failed", "err", cerr)
					if errors.Is(cerr, gemini.ErrSetupTimeout) {
						notifier.Notify(voice.NoticeSetupTimeout)
					}
					return
				}
				err = b.session.SendTurn(ctx, text, player)
			}
			switch {
			case errors.Is(err, gemini.ErrBusy):
				logging.Infow("turn dropped, session busy", "text_len", len(text))
			case err != nil:
				logging.Errorw("gemini turn failed", "err", err)
			}
		},
	})
	receiver, err := voice.NewReceiver(sink, voice.NewDiscordResolver(b.dg))
	if err != nil {
		player.Close()
		_ = vc.Disconnect()
		return err
	}
	receiver.Attach(vc)

	b.mu.Lock()
	b.vc = vc
	b.receiver = receiver
	b.player = player
	b.mu.Unlock()

	logging.Infow("voice session started",
		append(logging.ChannelFields(voiceChannelID), "guild_id", guildID, "target_user_id", targetUserID)...)
	return nil
}

func (b *bot) stopListening() {
	b.mu.Lock()
	vc, receiver, player := b.vc, b.receiver, b.player
	b.vc, b.receiver, b.player = nil, nil, nil
	b.mu.Unlock()

	if player != nil {
		player.Close()
	}
	if receiver != nil {
		receiver.Close()
	}
	if vc != nil {
		if err := vc.Disconnect(); err != nil {
			logging.Warnw("voice disconnect error", "err", err)
		}
	}
}
