package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

// StateFunc receives connection state changes. It is not called once the
// peer has been detached.
type StateFunc func(webrtc.PeerConnectionState)

// Peer owns one server-side PeerConnection bound to a session's Media.
type Peer struct {
	pc     *webrtc.PeerConnection
	media  *Media
	logger *slog.Logger

	onState  StateFunc
	detached atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

func NewPeer(api *webrtc.API, iceServers []webrtc.ICEServer, m *Media, logger *slog.Logger, onState StateFunc) (*Peer, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	p := &Peer{
		pc:      pc,
		media:   m,
		logger:  logger,
		onState: onState,
	}

	if m != nil {
		sender, err := pc.AddTrack(m.Track())
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
		// RTCP must be drained for interceptors (NACK, reports) to run.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		p.logger.Debug("remote audio track", "codec", track.Codec().MimeType, "ssrc", uint32(track.SSRC()))
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			if p.media != nil && !p.detached.Load() {
				p.media.deliver(pkt.Payload)
			}
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if p.detached.Load() {
			return
		}
		p.logger.Debug("peer connection state", "state", state.String())
		if p.onState != nil {
			p.onState(state)
		}
	})

	return p, nil
}

// Negotiate applies a remote offer and returns the local answer once ICE
// gathering completes or gatherTimeout elapses, whichever comes first.
func (p *Peer) Negotiate(ctx context.Context, offer webrtc.SessionDescription, gatherTimeout time.Duration) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	gatherCtx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()
	select {
	case <-gatherComplete:
	case <-gatherCtx.Done():
		if err := ctx.Err(); err != nil {
			return webrtc.SessionDescription{}, err
		}
		p.logger.Debug("ice gathering timed out, answering with partial candidates", "timeout", gatherTimeout)
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("missing local description")
	}
	return *local, nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Detach stops state notifications and inbound audio delivery. Used when the
// peer is being replaced so its teardown is not reported as a disconnect.
func (p *Peer) Detach() {
	p.detached.Store(true)
}

func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}
