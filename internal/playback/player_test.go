package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedSource hands out a fixed number of frames, then nil.
type scriptedSource struct {
	mu          sync.Mutex
	frames      int
	interrupted bool
}

func (f *scriptedSource) Read() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interrupted || f.frames <= 0 {
		return nil
	}
	f.frames--
	return make([]byte, OutputFrameSize)
}

func (f *scriptedSource) Interrupt() {
	f.mu.Lock()
	f.interrupted = true
	f.mu.Unlock()
}

func TestPlayerEncodesAndSendsFrames(t *testing.T) {
	send := make(chan []byte, 16)
	var speakMu sync.Mutex
	var speaking []bool
	speak := func(b bool) error {
		speakMu.Lock()
		speaking = append(speaking, b)
		speakMu.Unlock()
		return nil
	}

	p, err := newPlayer(speak, send)
	require.NoError(t, err)

	src := &scriptedSource{frames: 3}
	p.Play(src)

	var got [][]byte
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case pkt := <-send:
			require.NotEmpty(t, pkt)
			got = append(got, pkt)
		case <-deadline:
			t.Fatalf("timed out waiting for opus packets, have %d", len(got))
		}
	}

	p.Close()
	require.False(t, p.Playing())

	speakMu.Lock()
	defer speakMu.Unlock()
	require.NotEmpty(t, speaking)
	require.True(t, speaking[0])
	require.False(t, speaking[len(speaking)-1])
}

func TestPlayerStopInterruptsSource(t *testing.T) {
	send := make(chan []byte, 16)
	p, err := newPlayer(func(bool) error { return nil }, send)
	require.NoError(t, err)

	src := &scriptedSource{frames: 1 << 20}
	p.Play(src)
	require.True(t, p.Playing())

	p.Stop()
	require.False(t, p.Playing())

	src.mu.Lock()
	defer src.mu.Unlock()
	require.True(t, src.interrupted)
}

func TestPlaySwapsSources(t *testing.T) {
	send := make(chan []byte, 64)
	p, err := newPlayer(func(bool) error { return nil }, send)
	require.NoError(t, err)
	defer p.Close()

	first := &scriptedSource{frames: 1 << 20}
	p.Play(first)
	second := &scriptedSource{frames: 1 << 20}
	p.Play(second)

	first.mu.Lock()
	interrupted := first.interrupted
	first.mu.Unlock()
	require.True(t, interrupted)
	require.True(t, p.Playing())
}
