package playback

import (
	"sync"

	"github.com/tino964MC/gemini-dc-voice-germany/internal/logging"
)

const (
	// InputFrameSize is 20ms of 24kHz mono 16-bit PCM as delivered by the
	// model: 480 samples * 2 bytes.
	InputFrameSize = 960
	// OutputFrameSize is 20ms of 48kHz stereo 16-bit PCM as consumed by the
	// voice connection: 960 samples per channel * 2 channels * 2 bytes.
	OutputFrameSize = 3840

	// compactThreshold bounds buffer growth: once the read offset passes it
	// the consumed prefix is dropped.
	compactThreshold = 48000
)

// Source is the pull contract the playback driver consumes every 20ms.
// Read returns exactly OutputFrameSize bytes, or nil once the stream is
// exhausted.
type Source interface {
	Read() []byte
	Interrupt()
}

// StreamSource bridges an asynchronously-filled reply audio queue to the
// synchronous fixed-cadence Read side. A nil chunk on the queue marks
// end-of-turn. A background goroutine owns the queue side; Read and
// Interrupt own the buffer side; the two meet only under mu.
type StreamSource struct {
	mu   sync.Mutex
	buf  []byte
	pos  int
	eos  bool // sentinel seen or interrupted; no more input will arrive
	done chan struct{}
	stop sync.Once

	silence []byte
}

// NewStreamSource starts draining queue immediately.
func NewStreamSource(queue <-chan []byte) *StreamSource {
	s := &StreamSource{
		done:    make(chan struct{}),
		silence: make([]byte, OutputFrameSize),
	}
	go s.drain(queue)
	return s
}

func (s *StreamSource) drain(queue <-chan []byte) {
	defer s.markEnd()
	for {
		select {
		case <-s.done:
			return
		case chunk, ok := <-queue:
			if !ok || chunk == nil {
				return
			}
			s.mu.Lock()
			if !s.eos {
				s.buf = append(s.buf, chunk...)
			}
			s.mu.Unlock()
		}
	}
}

func (s *StreamSource) markEnd() {
	s.mu.Lock()
	s.eos = true
	s.mu.Unlock()
}

// Read returns the next 20ms output frame. Underruns yield silence rather
// than blocking; after end-of-stream and a drained buffer it returns nil.
func (s *StreamSource) Read() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	avail := len(s.buf) - s.pos
	if avail < InputFrameSize {
		if !s.eos {
			return s.silence
		}
		if avail <= 0 {
			return nil
		}
		// final partial frame: consume what is left, zero-padded below
	}

	end := s.pos + InputFrameSize
	if end > len(s.buf) {
		end = len(s.buf)
	}
	in := s.buf[s.pos:end]
	s.pos += InputFrameSize

	if s.pos > compactThreshold && s.pos <= len(s.buf) {
		s.buf = append([]byte(nil), s.buf[s.pos:]...)
		s.pos = 0
	}

	return upsample(in)
}

// upsample expands 24kHz mono 16-bit samples to 48kHz stereo by writing each
// sample into four consecutive output slots (2 channels * 2x rate). Pure
// replication, no interpolation; input shorter than a full frame is
// zero-padded.
func upsample(in []byte) []byte {
	out := make([]byte, OutputFrameSize)
	for i := 0; i+1 < len(in); i += 2 {
		lo, hi := in[i], in[i+1]
		o := i * 4
		out[o] = lo
		out[o+1] = hi
		out[o+2] = lo
		out[o+3] = hi
		out[o+4] = lo
		out[o+5] = hi
		out[o+6] = lo
		out[o+7] = hi
	}
	return out
}

// Interrupt stops the drain goroutine and discards all buffered audio. Safe
// to call at any time and more than once; afterwards Read only returns nil.
func (s *StreamSource) Interrupt() {
	s.stop.Do(func() { close(s.done) })
	s.mu.Lock()
	s.eos = true
	s.buf = nil
	s.pos = 0
	s.mu.Unlock()
	logging.Debugw("playback: source interrupted")
}
