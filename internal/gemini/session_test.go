package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tino964MC/gemini-dc-voice-germany/internal/playback"
)

// newLiveServer runs handler for each websocket connection and returns the
// ws:// URL of the test server.
func newLiveServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// ackSetup reads the setup message and acknowledges it.
func ackSetup(t *testing.T, conn *websocket.Conn) setupMessage {
	t.Helper()
	var setup setupMessage
	if err := conn.ReadJSON(&setup); err != nil {
		t.Errorf("read setup: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}}); err != nil {
		t.Errorf("write setup ack: %v", err)
	}
	return setup
}

type fakeTarget struct {
	played  chan playback.Source
	playing atomic.Bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{played: make(chan playback.Source, 4)}
}

func (f *fakeTarget) Playing() bool { return f.playing.Load() }

func (f *fakeTarget) Play(src playback.Source) {
	f.playing.Store(true)
	f.played <- src
}

func testConfig(endpoint string) Config {
	return Config{
		APIKey:   "test-key",
		Voice:    "charon",
		Persona:  "Du bist ein hilfreicher Assistent",
		Endpoint: endpoint,
		Timeout:  500 * time.Millisecond,
	}
}

func TestConnectSendsSetupAndIsIdempotent(t *testing.T) {
	var setups atomic.Int32
	u := newLiveServer(t, func(conn *websocket.Conn) {
		setup := ackSetup(t, conn)
		setups.Add(1)
		assert.Equal(t, "models/gemini-2.0-flash-exp", setup.Setup.Model)
		assert.Equal(t, []string{"AUDIO"}, setup.Setup.GenerationConfig.ResponseModalities)
		assert.Equal(t, "charon", setup.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
		if assert.NotNil(t, setup.Setup.SystemInstruction) && assert.Len(t, setup.Setup.SystemInstruction.Parts, 1) {
			assert.Contains(t, setup.Setup.SystemInstruction.Parts[0].Text, "Assistent")
		}
		// keep the connection open until the client is done
		_, _, _ = conn.ReadMessage()
	})

	s := New(testConfig(u))
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), setups.Load())
}

func TestConnectSetupTimeout(t *testing.T) {
	u := newLiveServer(t, func(conn *websocket.Conn) {
		var setup setupMessage
		_ = conn.ReadJSON(&setup)
		// never acknowledge
		time.Sleep(2 * time.Second)
	})

	s := New(testConfig(u))
	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrSetupTimeout)
}

func TestSendTurnStreamsAudioToTarget(t *testing.T) {
	chunk := make([]byte, playback.InputFrameSize)
	for i := range chunk {
		chunk[i] = 0x11
	}
	u := newLiveServer(t, func(conn *websocket.Conn) {
		ackSetup(t, conn)
		var turn clientContentMessage
		if err := conn.ReadJSON(&turn); err != nil {
			t.Errorf("read turn: %v", err)
			return
		}
		assert.True(t, turn.ClientContent.TurnComplete)
		if !assert.Len(t, turn.ClientContent.Turns, 1) {
			return
		}
		assert.Equal(t, "user", turn.ClientContent.Turns[0].Role)
		assert.Equal(t, "wie ist das wetter", turn.ClientContent.Turns[0].Parts[0].Text)

		reply := map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []map[string]any{
				{"inlineData": map[string]any{"mimeType": "audio/pcm", "data": base64.StdEncoding.EncodeToString(chunk)}},
			}},
		}}
		assert.NoError(t, conn.WriteJSON(reply))
		assert.NoError(t, conn.WriteJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}}))
	})

	s := New(testConfig(u))
	require.NoError(t, s.Connect(context.Background()))
	target := newFakeTarget()
	require.NoError(t, s.SendTurn(context.Background(), "wie ist das wetter", target))

	var src playback.Source
	select {
	case src = <-target.played:
	case <-time.After(time.Second):
		t.Fatal("no source attached to playback target")
	}

	// the source drains asynchronously; silence frames until the chunk lands
	var frame []byte
	require.Eventually(t, func() bool {
		frame = src.Read()
		return frame != nil && frame[0] == 0x11
	}, time.Second, 5*time.Millisecond)
	require.Len(t, frame, playback.OutputFrameSize)

	// sentinel was enqueued on turn completion
	require.Eventually(t, func() bool { return src.Read() == nil }, time.Second, 5*time.Millisecond)
}

func TestSendTurnSingleFlight(t *testing.T) {
	turnReceived := make(chan struct{}, 4)
	release := make(chan struct{})
	var turns atomic.Int32

	u := newLiveServer(t, func(conn *websocket.Conn) {
		ackSetup(t, conn)
		for {
			var turn clientContentMessage
			if err := conn.ReadJSON(&turn); err != nil {
				return
			}
			turns.Add(1)
			turnReceived <- struct{}{}
			<-release
			_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		}
	})

	s := New(testConfig(u))
	require.NoError(t, s.Connect(context.Background()))

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- s.SendTurn(context.Background(), "wie ist das wetter", nil)
	}()

	select {
	case <-turnReceived:
	case <-time.After(time.Second):
		t.Fatal("first turn never reached the server")
	}

	// concurrent trigger is dropped, not queued
	err := s.SendTurn(context.Background(), "hallo", nil)
	require.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-firstDone)
	assert.Equal(t, int32(1), turns.Load())

	// busy flag released: a later turn goes through
	turnsBefore := turns.Load()
	_ = s.SendTurn(context.Background(), "hallo nochmal", nil)
	assert.Equal(t, turnsBefore+1, turns.Load())
}

func TestSendTurnServerErrorAbortsTurn(t *testing.T) {
	u := newLiveServer(t, func(conn *websocket.Conn) {
		ackSetup(t, conn)
		var turn clientContentMessage
		_ = conn.ReadJSON(&turn)
		_ = conn.WriteJSON(map[string]any{"error": map[string]any{"message": "quota exceeded"}})
	})

	s := New(testConfig(u))
	require.NoError(t, s.Connect(context.Background()))
	err := s.SendTurn(context.Background(), "hallo", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server error")
	assert.False(t, s.busy)
}

func TestSendTurnRecvTimeout(t *testing.T) {
	u := newLiveServer(t, func(conn *websocket.Conn) {
		ackSetup(t, conn)
		var turn clientContentMessage
		_ = conn.ReadJSON(&turn)
		// never reply
		time.Sleep(2 * time.Second)
	})

	s := New(testConfig(u))
	require.NoError(t, s.Connect(context.Background()))
	err := s.SendTurn(context.Background(), "hallo", nil)
	require.ErrorIs(t, err, ErrRecvTimeout)
	assert.False(t, s.busy)

	// the dead connection was dropped; the next turn needs a reconnect
	err = s.SendTurn(context.Background(), "nochmal", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSendTurnNotConnected(t *testing.T) {
	s := New(testConfig("ws://127.0.0.1:9"))
	err := s.SendTurn(context.Background(), "hallo", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestServerMessageDecoding(t *testing.T) {
	raw := []byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAEC"}}]},"turnComplete":true}}`)
	var msg serverMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.NotNil(t, msg.ServerContent)
	require.NotNil(t, msg.ServerContent.ModelTurn)
	require.Len(t, msg.ServerContent.ModelTurn.Parts, 1)
	assert.Equal(t, "AAEC", msg.ServerContent.ModelTurn.Parts[0].InlineData.Data)
	assert.True(t, msg.ServerContent.TurnComplete)
}
