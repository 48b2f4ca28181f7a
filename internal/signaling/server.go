package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/bot"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/webrtcpeer"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Registry *session.Registry
	// Supervisor runs the bot workers. If nil, a supervisor without an agent
	// is created that only tracks connection events.
	Supervisor *bot.Supervisor

	// WebRTC is the server-side pion API, normally from webrtcpeer.NewAPI so
	// SettingEngine restrictions apply.
	WebRTC     *webrtc.API
	ICEServers []webrtc.ICEServer
	// ICEGatheringTimeout bounds how long an offer waits for candidate
	// gathering before answering.
	ICEGatheringTimeout time.Duration

	Authorizer Authorizer
	// OfferLimiter throttles POST /api/offer per client IP. Nil disables it.
	OfferLimiter *ratelimit.KeyedLimiter

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Server struct {
	registry      *session.Registry
	supervisor    *bot.Supervisor
	api           *webrtc.API
	iceServers    []webrtc.ICEServer
	gatherTimeout time.Duration
	authorizer    Authorizer
	limiter       *ratelimit.KeyedLimiter
	metrics       *metrics.Metrics
	logger        *slog.Logger

	mu    sync.Mutex
	media map[string]*webrtcpeer.Media
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = session.NewRegistry(session.Options{Metrics: cfg.Metrics, Logger: cfg.Logger})
	}
	if cfg.Supervisor == nil {
		reg := cfg.Registry
		cfg.Supervisor = bot.NewSupervisor(bot.Options{
			Logger:  cfg.Logger,
			Metrics: cfg.Metrics,
			OnExit:  func(id string, _ error) { _ = reg.Remove(id) },
		})
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAllAuthorizer{}
	}
	if cfg.ICEGatheringTimeout <= 0 {
		cfg.ICEGatheringTimeout = 2 * time.Second
	}
	return &Server{
		registry:      cfg.Registry,
		supervisor:    cfg.Supervisor,
		api:           cfg.WebRTC,
		iceServers:    cfg.ICEServers,
		gatherTimeout: cfg.ICEGatheringTimeout,
		authorizer:    cfg.Authorizer,
		limiter:       cfg.OfferLimiter,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		media:         make(map[string]*webrtcpeer.Media),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/offer", s.handleOffer)
	mux.HandleFunc("PATCH /api/offer", s.handlePatch)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close removes every session and waits for their bot workers to exit.
func (s *Server) Close(ctx context.Context) error {
	err := s.registry.Close()
	return multierr.Append(err, s.supervisor.Shutdown(ctx))
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if s.api == nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "webrtc api not configured")
		return
	}
	if err := s.authorize(r); err != nil {
		s.fail(w, err)
		return
	}
	if !s.limiter.Allow(clientIP(r)) {
		s.metrics.Inc(metrics.DropReasonRateLimited)
		s.fail(w, errRateLimited)
		return
	}

	var req offerRequest
	if err := readStrictJSON(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, err)
		return
	}

	var (
		resp offerResponse
		err  error
	)
	if req.PCID == "" {
		resp, err = s.createSession(r.Context(), req)
	} else {
		resp, err = s.renegotiate(r.Context(), req)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createSession(ctx context.Context, req offerRequest) (offerResponse, error) {
	sess, err := s.registry.Create(req.requestData())
	if err != nil {
		return offerResponse{}, err
	}
	id := sess.ID()

	media, err := webrtcpeer.NewMedia(id)
	if err != nil {
		_ = s.registry.Remove(id)
		return offerResponse{}, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	s.mu.Lock()
	s.media[id] = media
	s.mu.Unlock()
	sess.OnClose(func() {
		s.mu.Lock()
		delete(s.media, id)
		s.mu.Unlock()
		media.Close()
	})

	answer, err := s.negotiateNewPeer(ctx, sess, media, req.offer())
	if err != nil {
		_ = s.registry.Remove(id)
		return offerResponse{}, err
	}

	sess.SetTask(s.supervisor.Start(id, media, sess.RequestData()))

	s.metrics.Inc(metrics.OfferAccepted)
	s.logger.Info("offer_accepted", "session_id", id)
	return offerResponse{SDP: answer.SDP, Type: "answer", PCID: id}, nil
}

func (s *Server) renegotiate(ctx context.Context, req offerRequest) (offerResponse, error) {
	sess, err := s.registry.Get(req.PCID)
	if err != nil {
		return offerResponse{}, err
	}
	s.mu.Lock()
	media, ok := s.media[sess.ID()]
	s.mu.Unlock()
	if !ok {
		return offerResponse{}, session.ErrUnknownSession
	}

	var answer webrtc.SessionDescription
	if req.RestartPC {
		answer, err = s.negotiateNewPeer(ctx, sess, media, req.offer())
	} else {
		answer, err = s.negotiateInPlace(ctx, sess, req.offer())
	}
	if err != nil {
		return offerResponse{}, err
	}

	s.metrics.Inc(metrics.OfferRenegotiated)
	s.logger.Info("offer_renegotiated", "session_id", sess.ID(), "restart_pc", req.RestartPC)
	return offerResponse{SDP: answer.SDP, Type: "answer", PCID: sess.ID()}, nil
}

// negotiateNewPeer answers offer on a fresh peer connection and installs it
// as the session's transport unless a newer negotiation got there first.
func (s *Server) negotiateNewPeer(ctx context.Context, sess *session.Session, media *webrtcpeer.Media, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	version := sess.BeginNegotiation()
	logger := s.logger.With("session_id", sess.ID())

	peer, err := webrtcpeer.NewPeer(s.api, s.iceServers, media, logger, s.peerStateHandler(sess.ID()))
	if err != nil {
		s.metrics.Inc(metrics.NegotiationFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	answer, err := peer.Negotiate(ctx, offer, s.gatherTimeout)
	if err != nil {
		discardPeer(peer)
		s.metrics.Inc(metrics.NegotiationFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	if err := s.commit(sess, version, peer); err != nil {
		discardPeer(peer)
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// negotiateInPlace applies offer to the current transport, e.g. when the
// browser adds a track.
func (s *Server) negotiateInPlace(ctx context.Context, sess *session.Session, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	peer, ok := sess.Transport().(*webrtcpeer.Peer)
	if !ok {
		s.metrics.Inc(metrics.NegotiationFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("%w: session has no transport", ErrNegotiation)
	}
	version := sess.BeginNegotiation()
	answer, err := peer.Negotiate(ctx, offer, s.gatherTimeout)
	if err != nil {
		s.metrics.Inc(metrics.NegotiationFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	if err := s.commit(sess, version, peer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// commit installs peer. A queued candidate the new transport rejects does
// not fail the offer; the transport stays installed.
func (s *Server) commit(sess *session.Session, version uint64, peer *webrtcpeer.Peer) error {
	err := sess.CommitTransport(version, peer)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrCandidateRejected):
		s.logger.Warn("queued candidate rejected", "session_id", sess.ID(), "err", err)
		return nil
	case errors.Is(err, session.ErrSuperseded):
		s.metrics.Inc(metrics.NegotiationSuperseded)
		return err
	default:
		return err
	}
}

// discardPeer closes a peer that never became the session's transport
// without reporting its teardown as a disconnect.
func discardPeer(p *webrtcpeer.Peer) {
	p.Detach()
	_ = p.Close()
}

// peerStateHandler turns transport state into bot events. Disconnected may
// recover on its own, so only Failed and Closed end the session.
func (s *Server) peerStateHandler(id string) webrtcpeer.StateFunc {
	return func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if sess, err := s.registry.Get(id); err == nil {
				sess.SetState(session.StateConnected, s.registry.Now())
			}
			s.notify(id, bot.Connected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.notify(id, bot.Disconnected)
			_ = s.registry.Remove(id)
		case webrtc.PeerConnectionStateDisconnected:
			s.logger.Debug("peer disconnected, waiting for ice to recover", "session_id", id)
		}
	}
}

func (s *Server) notify(id string, ev bot.Event) {
	if t, ok := s.supervisor.Get(id); ok {
		t.Notify(ev)
	}
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		s.fail(w, err)
		return
	}

	var req patchRequest
	if err := readStrictJSON(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, err)
		return
	}

	sess, err := s.registry.Get(req.PCID)
	if err != nil {
		s.metrics.Inc(metrics.PatchUnknownSession)
		s.fail(w, err)
		return
	}
	cands := req.candidates()
	added, err := sess.AddCandidates(cands)
	s.metrics.Add(metrics.CandidatesAdded, uint64(added))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.metrics.Add(metrics.CandidatesDuplicate, uint64(len(cands)-added))
	writeJSON(w, http.StatusOK, patchResponse{Status: "success"})
}

func (s *Server) authorize(r *http.Request) error {
	err := s.authorizer.Authorize(r)
	if err == nil {
		return nil
	}
	s.metrics.Inc(metrics.AuthFailure)
	if IsUnauthorized(err) {
		return fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	return fmt.Errorf("authorization failed: %w", err)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	message := err.Error()
	switch {
	case status == http.StatusUnauthorized:
		// Do not reveal which credential check failed.
		message = "unauthorized"
	case status >= http.StatusInternalServerError:
		s.logger.Warn("signaling request failed", "code", code, "err", err)
	}
	if status < http.StatusInternalServerError {
		s.metrics.Inc(metrics.OfferRejected)
	}
	writeJSONError(w, status, code, message)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
