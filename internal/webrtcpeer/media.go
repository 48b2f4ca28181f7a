package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const inboundAudioQueue = 64

var ErrMediaClosed = errors.New("media closed")

// Media is the audio path of one session. It outlives individual peer
// connections: a restarted transport re-binds the same outbound track and
// feeds the same inbound queue, so the bot keeps running across ICE restarts.
type Media struct {
	track *webrtc.TrackLocalStaticSample

	in      chan []byte
	dropped atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func NewMedia(streamID string) (*Media, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	return &Media{
		track:  track,
		in:     make(chan []byte, inboundAudioQueue),
		closed: make(chan struct{}),
	}, nil
}

// Track is the bot's outbound audio track.
func (m *Media) Track() webrtc.TrackLocal {
	return m.track
}

// WriteAudio sends one Opus packet covering d of audio to the browser.
func (m *Media) WriteAudio(packet []byte, d time.Duration) error {
	select {
	case <-m.closed:
		return ErrMediaClosed
	default:
	}
	return m.track.WriteSample(media.Sample{Data: packet, Duration: d})
}

// ReadAudio returns the next Opus packet received from the browser.
func (m *Media) ReadAudio(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, ErrMediaClosed
	case p := <-m.in:
		return p, nil
	}
}

// Dropped counts inbound packets discarded because the reader fell behind.
func (m *Media) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *Media) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

func (m *Media) deliver(payload []byte) {
	if len(payload) == 0 {
		return
	}
	p := append([]byte(nil), payload...)
	select {
	case <-m.closed:
	case m.in <- p:
	default:
		m.dropped.Add(1)
	}
}
