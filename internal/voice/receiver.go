package voice

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"

	"github.com/tino964MC/gemini-dc-voice-germany/internal/logging"
)

const (
	// packetQueueSize bounds the opus packet queue; frames are dropped when
	// the decode worker falls behind so the receive loop never blocks.
	packetQueueSize = 256

	frameSamples = 960 // 20ms at 48kHz
	channels     = 2
)

type opusPacket struct {
	ssrc uint32
	data []byte
}

// Sink receives decoded PCM and speaking transitions for voice users.
type Sink interface {
	OnFrame(userID string, pcm []byte)
	OnSpeakingStart(userID string)
	OnSpeakingStop(userID string)
}

// Receiver drains a Discord voice connection, decodes Opus frames to
// 48kHz stereo PCM and routes them to a Sink keyed by user ID. SSRC to
// user mapping comes from speaking updates.
type Receiver struct {
	sink Sink

	mu       sync.Mutex
	ssrcMap  map[uint32]string
	seen     map[uint32]struct{}
	resolver NameResolver

	dec     *opus.Decoder
	packets chan opusPacket

	enqueueCount int64
	dropCount    int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReceiver(sink Sink, resolver NameResolver) (*Receiver, error) {
	dec, err := opus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Receiver{
		sink:     sink,
		ssrcMap:  make(map[uint32]string),
		seen:     make(map[uint32]struct{}),
		resolver: resolver,
		dec:      dec,
		packets:  make(chan opusPacket, packetQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.decodeLoop()
	}()
	return r, nil
}

// Attach subscribes the receiver to a live voice connection: speaking
// updates for the SSRC map plus a goroutine draining OpusRecv.
func (r *Receiver) Attach(vc *discordgo.VoiceConnection) {
	vc.AddHandler(r.HandleSpeakingUpdate)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case pkt, ok := <-vc.OpusRecv:
				if !ok {
					return
				}
				r.HandlePacket(pkt.SSRC, pkt.Opus)
			}
		}
	}()
}

// HandleSpeakingUpdate maps SSRC -> user and relays the speaking
// transition to the sink.
func (r *Receiver) HandleSpeakingUpdate(vc *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	ssrc := uint32(su.SSRC)
	r.mu.Lock()
	r.ssrcMap[ssrc] = su.UserID
	r.mu.Unlock()

	name := ""
	if r.resolver != nil {
		name = r.resolver.UserName(su.UserID)
	}
	logging.Debugw("receiver: speaking update",
		append(logging.UserFields(su.UserID, name), "ssrc", su.SSRC, "speaking", su.Speaking)...)

	if su.Speaking {
		r.sink.OnSpeakingStart(su.UserID)
	} else {
		r.sink.OnSpeakingStop(su.UserID)
	}
}

// HandlePacket enqueues a raw opus frame for decoding; drops when full.
func (r *Receiver) HandlePacket(ssrc uint32, payload []byte) {
	r.mu.Lock()
	_, known := r.seen[ssrc]
	if !known {
		r.seen[ssrc] = struct{}{}
	}
	r.mu.Unlock()
	if !known {
		logging.Debugw("receiver: first packet from ssrc", "ssrc", ssrc)
	}

	select {
	case r.packets <- opusPacket{ssrc: ssrc, data: append([]byte(nil), payload...)}:
		atomic.AddInt64(&r.enqueueCount, 1)
	default:
		atomic.AddInt64(&r.dropCount, 1)
		logging.Warnw("receiver: dropping opus frame, queue full", "ssrc", ssrc)
	}
}

func (r *Receiver) decodeLoop() {
	pcm := make([]int16, frameSamples*channels)
	for {
		select {
		case <-r.ctx.Done():
			return
		case pkt := <-r.packets:
			n, err := r.dec.Decode(pkt.data, pcm)
			if err != nil {
				logging.Errorw("receiver: opus decode error", "ssrc", pkt.ssrc, "err", err)
				continue
			}
			r.mu.Lock()
			uid := r.ssrcMap[pkt.ssrc]
			r.mu.Unlock()
			if uid == "" {
				// no speaking update seen yet for this SSRC
				continue
			}
			out := make([]byte, n*channels*2)
			for i, s := range pcm[:n*channels] {
				binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
			}
			r.sink.OnFrame(uid, out)
		}
	}
}

// Close stops the decode worker and any attached drain goroutines.
func (r *Receiver) Close() {
	r.cancel()
	r.wg.Wait()
	logging.Infow("receiver: closed",
		"enqueued", atomic.LoadInt64(&r.enqueueCount),
		"dropped", atomic.LoadInt64(&r.dropCount))
}
