package playback

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *StreamSource) buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf) - s.pos
}

func (s *StreamSource) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eos
}

func waitBuffered(t *testing.T, s *StreamSource, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.buffered() >= n },
		time.Second, time.Millisecond, "drain goroutine did not pick up %d bytes", n)
}

func TestReadUnderrunReturnsSilence(t *testing.T) {
	queue := make(chan []byte, 1)
	s := NewStreamSource(queue)
	defer s.Interrupt()

	frame := s.Read()
	require.Len(t, frame, OutputFrameSize)
	for _, b := range frame {
		if b != 0 {
			t.Fatalf("underrun frame not silent")
		}
	}
}

func TestReadAfterSentinelReturnsNil(t *testing.T) {
	queue := make(chan []byte, 1)
	s := NewStreamSource(queue)

	queue <- nil
	require.Eventually(t, s.ended, time.Second, time.Millisecond)

	assert.Nil(t, s.Read())
	assert.Nil(t, s.Read())
}

func TestUpsampleReplicatesEachSampleFourTimes(t *testing.T) {
	in := make([]byte, InputFrameSize)
	for i := 0; i < InputFrameSize/2; i++ {
		binary.LittleEndian.PutUint16(in[2*i:], uint16(i*7))
	}

	queue := make(chan []byte, 1)
	s := NewStreamSource(queue)
	defer s.Interrupt()
	queue <- in
	waitBuffered(t, s, InputFrameSize)

	out := s.Read()
	require.Len(t, out, OutputFrameSize)
	for i := 0; i < InputFrameSize/2; i++ {
		want := binary.LittleEndian.Uint16(in[2*i:])
		for k := 0; k < 4; k++ {
			got := binary.LittleEndian.Uint16(out[i*8+2*k:])
			require.Equalf(t, want, got, "sample %d copy %d", i, k)
		}
	}
}

func TestReadAlwaysFullFrameOrNil(t *testing.T) {
	queue := make(chan []byte, 4)
	s := NewStreamSource(queue)

	// deliver 1.5 input frames then end the turn
	queue <- make([]byte, InputFrameSize+InputFrameSize/2)
	queue <- nil
	require.Eventually(t, s.ended, time.Second, time.Millisecond)

	first := s.Read()
	require.Len(t, first, OutputFrameSize)
	// partial remainder is zero-padded to a full frame
	second := s.Read()
	require.Len(t, second, OutputFrameSize)
	assert.Nil(t, s.Read())
}

func TestBufferCompaction(t *testing.T) {
	queue := make(chan []byte, 1)
	s := NewStreamSource(queue)
	defer s.Interrupt()

	total := compactThreshold + 4*InputFrameSize
	chunk := make([]byte, total)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	queue <- chunk
	waitBuffered(t, s, total)

	// consume across the compaction threshold and verify continuity
	pos := 0
	for pos+InputFrameSize <= total {
		out := s.Read()
		require.Len(t, out, OutputFrameSize)
		// first input sample of this frame appears at output offset 0
		assert.Equalf(t, chunk[pos], out[0], "frame at input offset %d", pos)
		assert.Equalf(t, chunk[pos+1], out[1], "frame at input offset %d", pos)
		pos += InputFrameSize
	}
}

func TestInterruptDiscardsBufferedAudio(t *testing.T) {
	queue := make(chan []byte, 2)
	s := NewStreamSource(queue)

	queue <- make([]byte, 8*InputFrameSize)
	waitBuffered(t, s, 8*InputFrameSize)

	s.Interrupt()
	assert.Nil(t, s.Read())

	// idempotent, and late chunks are ignored
	s.Interrupt()
	select {
	case queue <- make([]byte, InputFrameSize):
	default:
	}
	assert.Nil(t, s.Read())
}
