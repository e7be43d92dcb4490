package voice

import "time"

// Capture format delivered by the Discord voice transport: 48kHz 16-bit
// stereo PCM, so one sample frame spans 4 bytes.
const (
	SampleRate  = 48000
	SampleWidth = 4
)

// MinSegmentDuration is the floor below which a capture is discarded.
// Shorter captures are overwhelmingly speech-detector false positives
// (breaths, plosive onsets) and would waste an STT round trip.
const MinSegmentDuration = 300 * time.Millisecond

// Segment is one finalized speech capture. Immutable once created and
// consumed exactly once by the transcriber.
type Segment struct {
	PCM           []byte
	SampleRate    int
	SampleWidth   int
	CorrelationID string
	CreatedAt     time.Time
}

// Duration computes the captured speech length from the raw byte count.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 || s.SampleWidth <= 0 {
		return 0
	}
	ms := len(s.PCM) * 1000 / (s.SampleRate * s.SampleWidth)
	return time.Duration(ms) * time.Millisecond
}
