package voice

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tino964MC/gemini-dc-voice-germany/internal/logging"
)

// Player is the playback control surface used for barge-in.
type Player interface {
	Playing() bool
	Stop()
}

// ForwardFunc delivers a gated transcript to the conversation session.
type ForwardFunc func(ctx context.Context, text string)

// SinkConfig wires a CaptureSink to its collaborators.
type SinkConfig struct {
	// TargetUserID is the single speaker this sink listens to.
	TargetUserID string

	Transcriber Transcriber
	Gate        *WakeGate
	Notifier    Notifier
	Player      Player
	Forward     ForwardFunc
	Archive     *Archive

	// MinDuration overrides the default segment floor. Zero keeps the default.
	MinDuration time.Duration
}

// CaptureSink accumulates PCM for the target speaker between speaking-start
// and speaking-stop, then finalizes the buffer into a Segment and runs
// transcription and forwarding off the frame-delivery path. OnFrame and the
// speaking handlers only mutate state and must never block.
type CaptureSink struct {
	target      string
	transcriber Transcriber
	gate        *WakeGate
	notifier    Notifier
	player      Player
	forward     ForwardFunc
	archive     *Archive
	minDuration time.Duration

	mu        sync.Mutex
	capturing bool
	buf       []byte

	wg sync.WaitGroup
}

func NewCaptureSink(cfg SinkConfig) *CaptureSink {
	minDur := cfg.MinDuration
	if minDur <= 0 {
		minDur = MinSegmentDuration
	}
	return &CaptureSink{
		target:      cfg.TargetUserID,
		transcriber: cfg.Transcriber,
		gate:        cfg.Gate,
		notifier:    cfg.Notifier,
		player:      cfg.Player,
		forward:     cfg.Forward,
		archive:     cfg.Archive,
		minDuration: minDur,
	}
}

// OnFrame appends pcm to the capture buffer iff a segment is open and the
// frame belongs to the target speaker. Frames from other speakers are
// dropped silently.
func (c *CaptureSink) OnFrame(userID string, pcm []byte) {
	if userID != c.target || len(pcm) == 0 {
		return
	}
	c.mu.Lock()
	if c.capturing {
		c.buf = append(c.buf, pcm...)
	}
	c.mu.Unlock()
}

// OnSpeakingStart opens a capture segment for the target speaker and
// interrupts any ongoing playback (barge-in).
func (c *CaptureSink) OnSpeakingStart(userID string) {
	if userID != c.target {
		return
	}
	if c.player != nil && c.player.Playing() {
		logging.Debugw("capture: barge-in, stopping playback", logging.UserFields(userID, "")...)
		c.player.Stop()
	}
	c.mu.Lock()
	c.capturing = true
	c.mu.Unlock()
}

// OnSpeakingStop closes the segment and finalizes the buffer. Too-short and
// empty captures are rejected silently; accepted segments are handed to a
// worker goroutine so this handler never blocks.
func (c *CaptureSink) OnSpeakingStop(userID string) {
	if userID != c.target {
		return
	}
	c.mu.Lock()
	if !c.capturing {
		c.mu.Unlock()
		return
	}
	c.capturing = false
	buf := c.buf
	c.buf = nil
	c.mu.Unlock()

	if len(buf) == 0 {
		return
	}
	seg := Segment{
		PCM:           buf,
		SampleRate:    SampleRate,
		SampleWidth:   SampleWidth,
		CorrelationID: uuid.NewString(),
		CreatedAt:     time.Now(),
	}
	if d := seg.Duration(); d < c.minDuration {
		logging.Debugw("capture: segment too short, dropping",
			logging.SegmentFields(seg.CorrelationID, len(buf), int(d.Milliseconds()))...)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.handleSegment(seg)
	}()
}

// Wait blocks until all in-flight segment workers have finished. Used on
// shutdown and in tests.
func (c *CaptureSink) Wait() {
	c.wg.Wait()
}

func (c *CaptureSink) handleSegment(seg Segment) {
	logging.Infow("capture: segment finalized",
		logging.SegmentFields(seg.CorrelationID, len(seg.PCM), int(seg.Duration().Milliseconds()))...)
	c.archive.SaveSegment(seg)

	res := c.transcriber.Transcribe(context.Background(), seg)
	c.archive.RecordOutcome(seg.CorrelationID, res)

	switch res.Kind {
	case KindNoSpeech:
		// benign noise: no notice, no further action
		logging.Debugw("capture: no speech recognized", "correlation_id", seg.CorrelationID)
		return
	case KindRateLimited:
		c.notify(NoticeRateLimited)
		return
	case KindServiceError:
		c.notify(NoticeServiceError)
		return
	case KindUnknown:
		c.notify(NoticeUnknownError)
		return
	}

	text, ok := c.gate.Gate(res.Text)
	if !ok {
		logging.Debugw("capture: wake word not detected, ignoring transcript", "correlation_id", seg.CorrelationID)
		return
	}
	logging.Infow("capture: forwarding transcript", "text_len", len(text), "correlation_id", seg.CorrelationID)
	if c.forward != nil {
		c.forward(context.Background(), text)
	}
}

func (c *CaptureSink) notify(msg string) {
	if c.notifier != nil {
		c.notifier.Notify(msg)
	}
}
