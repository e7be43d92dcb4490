package playback

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"

	"github.com/tino964MC/gemini-dc-voice-germany/internal/logging"
)

const (
	playbackSampleRate = 48000
	playbackChannels   = 2
	// samples per channel in one 20ms frame
	frameSamples = playbackSampleRate / 50

	frameInterval = 20 * time.Millisecond

	maxOpusPacket = 4000
)

// Player owns the outbound half of a voice connection: a fixed-cadence loop
// that pulls frames from a Source, opus-encodes them and writes them to the
// transport. One Source plays at a time; Play swaps sources, Stop is the
// barge-in hook.
type Player struct {
	speak func(bool) error
	send  chan<- []byte
	enc   *opus.Encoder

	mu   sync.Mutex
	src  Source
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPlayer builds a Player writing to the given voice connection.
func NewPlayer(vc *discordgo.VoiceConnection) (*Player, error) {
	return newPlayer(vc.Speaking, vc.OpusSend)
}

func newPlayer(speak func(bool) error, send chan<- []byte) (*Player, error) {
	enc, err := opus.NewEncoder(playbackSampleRate, playbackChannels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	return &Player{speak: speak, send: send, enc: enc}, nil
}

// Playing reports whether a source is currently attached.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src != nil
}

// Play interrupts any current source and starts playing src.
func (p *Player) Play(src Source) {
	p.mu.Lock()
	if p.src != nil {
		p.src.Interrupt()
		close(p.stop)
	}
	stop := make(chan struct{})
	p.src, p.stop = src, stop
	p.wg.Add(1)
	go p.loop(src, stop)
	p.mu.Unlock()
}

// Stop interrupts the active source, if any. Effective immediately: the
// source stops producing non-silence output even if the loop is mid-frame.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.src == nil {
		return
	}
	p.src.Interrupt()
	close(p.stop)
	p.src, p.stop = nil, nil
	logging.Debugw("playback: stopped")
}

// Close stops playback and waits for the loop to exit.
func (p *Player) Close() {
	p.Stop()
	p.wg.Wait()
}

func (p *Player) loop(src Source, stop chan struct{}) {
	defer p.wg.Done()
	if err := p.speak(true); err != nil {
		logging.Warnw("playback: speaking(true) failed", "err", err)
	}
	defer func() {
		if err := p.speak(false); err != nil {
			logging.Warnw("playback: speaking(false) failed", "err", err)
		}
	}()

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	pcm := make([]int16, frameSamples*playbackChannels)
	packet := make([]byte, maxOpusPacket)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame := src.Read()
			if frame == nil {
				p.detach(src)
				return
			}
			for i := range pcm {
				pcm[i] = int16(binary.LittleEndian.Uint16(frame[2*i:]))
			}
			n, err := p.enc.Encode(pcm, packet)
			if err != nil {
				logging.Errorw("playback: opus encode failed", "err", err)
				continue
			}
			out := make([]byte, n)
			copy(out, packet[:n])
			select {
			case p.send <- out:
			case <-stop:
				return
			}
		}
	}
}

// detach clears the active source when a loop ends on its own.
func (p *Player) detach(src Source) {
	p.mu.Lock()
	if p.src == src {
		p.src, p.stop = nil, nil
	}
	p.mu.Unlock()
}
