package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tino964MC/gemini-dc-voice-germany/internal/logging"
	"github.com/tino964MC/gemini-dc-voice-germany/internal/playback"
)

// DefaultEndpoint is the live BidiGenerateContent websocket endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

const defaultModel = "models/gemini-2.0-flash-exp"

// replyQueueSize bounds the reply audio queue. The attached StreamSource
// drains continuously, so the buffer only fills when playback has been
// interrupted; excess chunks are dropped rather than blocking the receive loop.
const replyQueueSize = 64

var (
	// ErrBusy is returned when a turn is already in flight. The second
	// trigger is dropped, never queued.
	ErrBusy = errors.New("gemini: turn already in flight")
	// ErrSetupTimeout is returned when the setup acknowledgement does not
	// arrive in time. Fatal to session startup; retried only via an
	// explicit Connect by the caller.
	ErrSetupTimeout = errors.New("gemini: setup acknowledgement timed out")
	// ErrRecvTimeout aborts a turn whose next reply chunk did not arrive in
	// time.
	ErrRecvTimeout = errors.New("gemini: reply receive timed out")
	// ErrNotConnected is returned by SendTurn before Connect has succeeded.
	ErrNotConnected = errors.New("gemini: session not connected")
)

// PlaybackTarget is where decoded reply audio is routed.
type PlaybackTarget interface {
	Playing() bool
	Play(src playback.Source)
}

// Config holds the per-process session configuration.
type Config struct {
	APIKey  string
	Voice   string // puck, charon, kore, fenrir, aoede
	Persona string

	// Model and Endpoint default to the production values.
	Model    string
	Endpoint string
	// Timeout bounds the setup acknowledgement and each streamed reply
	// receive. Defaults to 5s.
	Timeout time.Duration
}

// Session owns one persistent duplex connection to the Gemini backend and
// enforces at most one in-flight turn. Created once at startup and shared by
// every capture session in the process.
type Session struct {
	cfg Config

	mu   sync.Mutex
	conn *websocket.Conn
	busy bool
}

// New builds an unconnected Session. Call Connect before the first turn.
func New(cfg Config) *Session {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Voice == "" {
		cfg.Voice = "aoede"
	}
	return &Session{cfg: cfg}
}

// Connect dials the live endpoint and performs the setup exchange. Idempotent:
// a connected session is left untouched.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	endpoint := s.cfg.Endpoint + "?key=" + url.QueryEscape(s.cfg.APIKey)
	header := http.Header{"Content-Type": []string{"application/json"}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return fmt.Errorf("gemini: dial live endpoint: %w", err)
	}
	if err := s.setup(conn); err != nil {
		_ = conn.Close()
		return err
	}
	s.conn = conn
	logging.Infow("gemini: session connected", "model", s.cfg.Model, "voice", s.cfg.Voice)
	return nil
}

// setup sends the one-time setup message and waits for the acknowledgement.
func (s *Session) setup(conn *websocket.Conn) error {
	msg := setupMessage{Setup: setupPayload{
		Model: s.cfg.Model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: speechConfig{
				VoiceConfig: voiceConfig{
					PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: s.cfg.Voice},
				},
			},
		},
		SystemInstruction: &content{Parts: []part{{Text: s.cfg.Persona}}},
		Tools:             []tool{{GoogleSearch: &struct{}{}}},
	}}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("gemini: send setup: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	_, raw, err := conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return ErrSetupTimeout
		}
		return fmt.Errorf("gemini: read setup ack: %w", err)
	}
	logging.Debugw("gemini: setup acknowledged", "bytes", len(raw))
	return nil
}

// teardown closes and clears the connection if it is still the given one.
func (s *Session) teardown(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close tears down the connection. A later Connect re-dials.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// SendTurn sends one complete user turn and streams the audio reply onto the
// target. At most one turn is in flight: a concurrent call returns ErrBusy
// immediately without contacting the backend.
func (s *Session) SendTurn(ctx context.Context, text string, target PlaybackTarget) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.busy {
		s.mu.Unlock()
		logging.Infow("gemini: already processing, dropping turn")
		return ErrBusy
	}
	s.busy = true
	conn := s.conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	msg := clientContentMessage{ClientContent: clientContent{
		TurnComplete: true,
		Turns:        []userTurn{{Role: "user", Parts: []part{{Text: text}}}},
	}}
	if err := conn.WriteJSON(msg); err != nil {
		s.teardown(conn)
		return fmt.Errorf("gemini: send turn: %w", err)
	}
	logging.Debugw("gemini: turn sent", "text_len", len(text))

	queue := make(chan []byte, replyQueueSize)
	attached := false
	finish := func() {
		if attached {
			select {
			case queue <- nil:
			default:
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			finish()
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			finish()
			// a failed read leaves the websocket unusable; drop it so the
			// next turn reconnects
			s.teardown(conn)
			if isTimeout(err) {
				logging.Warnw("gemini: timeout waiting for reply chunk")
				return ErrRecvTimeout
			}
			return fmt.Errorf("gemini: read reply: %w", err)
		}

		var resp serverMessage
		if err := json.Unmarshal(raw, &resp); err != nil {
			logging.Warnw("gemini: undecodable reply chunk", "err", err, "bytes", len(raw))
			continue
		}
		if len(resp.Error) > 0 {
			finish()
			logging.Errorw("gemini: error in reply", "error", string(resp.Error))
			return fmt.Errorf("gemini: server error: %s", resp.Error)
		}
		sc := resp.ServerContent
		if sc == nil {
			continue
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || p.InlineData.Data == "" {
					continue
				}
				audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					logging.Warnw("gemini: invalid inline audio", "err", err)
					continue
				}
				select {
				case queue <- audio:
				default:
					// playback was interrupted and stopped draining
					logging.Debugw("gemini: reply queue full, dropping chunk", "bytes", len(audio))
				}
				if !attached && target != nil && !target.Playing() {
					target.Play(playback.NewStreamSource(queue))
					attached = true
				}
			}
		}
		if sc.TurnComplete {
			finish()
			logging.Debugw("gemini: turn complete")
			return nil
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
