// Package discord provides an audio backend that practises through a Discord
// voice channel via the bwmarrin/discordgo library. It bridges Discord's Opus
// transport with the engine's float32 capture frames and PCM playout.
//
// A [Backend] joins one voice channel lazily. Its [Backend.Microphone] follows
// the first member heard speaking and its [Backend.Speaker] plays tutor audio
// into the channel. The voice connection is released when both are closed.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/JPBrill/Lexivision/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// sendTimeout bounds how long a playout slice may wait for the voice
// connection to accept an Opus packet.
const sendTimeout = 200 * time.Millisecond

// Backend shares one voice connection between a microphone and a speaker.
//
// Backend is safe for concurrent use.
type Backend struct {
	guildID   string
	channelID string

	// join, leave and speak default to discordgo calls; tests override them.
	join  func(guildID, channelID string) (*discordgo.VoiceConnection, error)
	leave func(*discordgo.VoiceConnection) error
	speak func(*discordgo.VoiceConnection, bool) error

	mu   sync.Mutex
	vc   *discordgo.VoiceConnection
	refs int
}

// New creates a Backend for the given voice channel. The session must already
// be open.
func New(session *discordgo.Session, guildID, channelID string) *Backend {
	return &Backend{
		guildID:   guildID,
		channelID: channelID,
		join: func(g, c string) (*discordgo.VoiceConnection, error) {
			return session.ChannelVoiceJoin(g, c, false, false)
		},
		leave: func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() },
		speak: func(vc *discordgo.VoiceConnection, on bool) error { return vc.Speaking(on) },
	}
}

// Microphone returns the capture side of the backend.
func (b *Backend) Microphone() audio.Microphone { return microphone{b} }

// Speaker returns the playback side of the backend.
func (b *Backend) Speaker() audio.Speaker { return speaker{b} }

func (b *Backend) acquire(ctx context.Context) (*discordgo.VoiceConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vc == nil {
		vc, err := b.join(b.guildID, b.channelID)
		if err != nil {
			return nil, classifyJoinErr(b.channelID, err)
		}
		b.vc = vc
		slog.Info("discord: joined voice channel", "guild_id", b.guildID, "channel_id", b.channelID)
	}
	b.refs++
	return b.vc, nil
}

func (b *Backend) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		return
	}
	b.refs--
	if b.refs > 0 || b.vc == nil {
		return
	}
	if err := b.leave(b.vc); err != nil {
		slog.Warn("discord: leave voice channel", "channel_id", b.channelID, "err", err)
	}
	b.vc = nil
}

func classifyJoinErr(channelID string, err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusForbidden {
		return fmt.Errorf("discord: join voice channel %q: %w: %w", channelID, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
}

// ─── capture ──────────────────────────────────────────────────────────────────

type microphone struct{ b *Backend }

func (m microphone) Open(ctx context.Context, format audio.Format, frameSamples int) (audio.Capture, error) {
	if frameSamples <= 0 {
		frameSamples = audio.DefaultFrameSamples
	}
	dec, err := newOpusDecoder()
	if err != nil {
		return nil, err
	}
	vc, err := m.b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	c := &capture{
		backend:      m.b,
		recv:         vc.OpusRecv,
		dec:          dec,
		rate:         format.SampleRate,
		frameSamples: frameSamples,
		frames:       make(chan []float32, 8),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// capture decodes the Opus stream of the first SSRC it hears into mono frames.
type capture struct {
	backend      *Backend
	recv         <-chan *discordgo.Packet
	dec          *opusDecoder
	rate         int
	frameSamples int

	frames    chan []float32
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func (c *capture) Frames() <-chan []float32 { return c.frames }

func (c *capture) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.stopped
		c.backend.release()
	})
	return nil
}

func (c *capture) run() {
	defer close(c.stopped)
	defer close(c.frames)

	var (
		ssrc    uint32
		locked  bool
		pending = make([]float32, 0, c.frameSamples*2)
	)
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.recv:
			if !ok {
				slog.Warn("discord: voice receive stream ended")
				return
			}
			if pkt == nil {
				continue
			}
			if !locked {
				ssrc, locked = pkt.SSRC, true
				slog.Info("discord: following speaker", "ssrc", ssrc)
			} else if pkt.SSRC != ssrc {
				continue
			}

			stereo, err := c.dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: dropping packet", "ssrc", ssrc, "err", err)
				continue
			}
			mono := audio.ResampleMono16(audio.StereoToMono(stereo), opusSampleRate, c.rate)
			samples, err := audio.PCM16ToFloat32(mono)
			if err != nil {
				continue
			}
			pending = append(pending, samples...)

			for len(pending) >= c.frameSamples {
				frame := make([]float32, c.frameSamples)
				copy(frame, pending)
				pending = append(pending[:0], pending[c.frameSamples:]...)
				select {
				case c.frames <- frame:
				case <-c.done:
					return
				}
			}
		}
	}
}

// ─── playback ─────────────────────────────────────────────────────────────────

type speaker struct{ b *Backend }

func (s speaker) Open(ctx context.Context, _ audio.Format) (audio.Output, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	vc, err := s.b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	o := &output{
		backend:  s.b,
		send:     vc.OpusSend,
		speaking: func(on bool) error { return s.b.speak(vc, on) },
		enc:      enc,
		conv:     audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}},
	}
	o.Playout = audio.NewPlayout(o.write)
	return o, nil
}

// output renders playout slices into Opus packets for the voice connection.
type output struct {
	*audio.Playout

	backend  *Backend
	send     chan<- []byte
	speaking func(bool) error
	enc      *opusEncoder
	conv     audio.FormatConverter

	// Accessed only from write, which Playout serialises.
	buf         []byte
	speakingSet bool

	closeOnce sync.Once
}

func (o *output) write(frame audio.AudioFrame) error {
	if !o.speakingSet {
		o.setSpeaking(true)
		o.speakingSet = true
	}
	o.buf = append(o.buf, o.conv.Convert(frame).Data...)
	for len(o.buf) >= opusFrameBytes {
		packet, err := o.enc.encode(o.buf[:opusFrameBytes])
		o.buf = o.buf[opusFrameBytes:]
		if err != nil {
			slog.Warn("discord: dropping frame", "err", err)
			continue
		}
		select {
		case o.send <- packet:
		case <-time.After(sendTimeout):
			return errors.New("discord: voice send stalled")
		}
	}
	return nil
}

func (o *output) Close() error {
	o.closeOnce.Do(func() {
		_ = o.Playout.Close()
		if o.speakingSet {
			o.setSpeaking(false)
		}
		o.backend.release()
	})
	return nil
}

func (o *output) setSpeaking(b bool) {
	if o.speaking == nil {
		return
	}
	if err := o.speaking(b); err != nil {
		slog.Warn("discord: speaking notification", "speaking", b, "err", err)
	}
}
