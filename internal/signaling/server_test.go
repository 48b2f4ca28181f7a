package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/bot"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/webrtcpeer"
)

const hostCandidate = "candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host"

func newVNetPair(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	serverNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new server net: %v", err)
	}
	clientNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new client net: %v", err)
	}
	if err := router.AddNet(serverNet); err != nil {
		t.Fatalf("add server net: %v", err)
	}
	if err := router.AddNet(clientNet); err != nil {
		t.Fatalf("add client net: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return serverNet, clientNet
}

type testEnv struct {
	srv       *Server
	ts        *httptest.Server
	reg       *session.Registry
	metrics   *metrics.Metrics
	clientAPI *webrtc.API
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	serverNet, clientNet := newVNetPair(t)
	serverAPI, err := webrtcpeer.NewAPI(config.Config{}, webrtcpeer.WithNet(serverNet))
	if err != nil {
		t.Fatalf("server api: %v", err)
	}
	clientAPI, err := webrtcpeer.NewAPI(config.Config{}, webrtcpeer.WithNet(clientNet))
	if err != nil {
		t.Fatalf("client api: %v", err)
	}

	m := metrics.New()
	cfg := Config{
		Registry:            session.NewRegistry(session.Options{Metrics: m}),
		WebRTC:              serverAPI,
		ICEGatheringTimeout: time.Second,
		Metrics:             m,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Close(ctx)
	})
	return &testEnv{srv: srv, ts: ts, reg: cfg.Registry, metrics: m, clientAPI: clientAPI}
}

// newClient returns a browser-like peer with one microphone track.
func (e *testEnv) newClient(t *testing.T) *webrtc.PeerConnection {
	t.Helper()

	pc, err := e.clientAPI.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new client pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", "client")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		t.Fatalf("add track: %v", err)
	}
	return pc
}

func localOffer(t *testing.T, pc *webrtc.PeerConnection) string {
	t.Helper()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	<-gathered
	return pc.LocalDescription().SDP
}

func (e *testEnv) do(t *testing.T, method string, body any, header http.Header) *http.Response {
	t.Helper()

	var raw []byte
	switch v := body.(type) {
	case string:
		raw = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		raw = b
	}
	req, err := http.NewRequest(method, e.ts.URL+"/api/offer", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s /api/offer: %v", method, err)
	}
	return resp
}

func decodeOK(t *testing.T, resp *http.Response, v any) {
	t.Helper()

	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e httpErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		t.Fatalf("status=%d (%s: %s), want 200", resp.StatusCode, e.Code, e.Message)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()

	defer resp.Body.Close()
	if resp.StatusCode != status {
		t.Fatalf("status=%d, want %d", resp.StatusCode, status)
	}
	var e httpErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Code != code {
		t.Fatalf("code=%q (%s), want %q", e.Code, e.Message, code)
	}
}

// offer posts a fresh offer from pc and applies the answer.
func (e *testEnv) offer(t *testing.T, pc *webrtc.PeerConnection, extra map[string]any) offerResponse {
	t.Helper()

	body := map[string]any{"sdp": localOffer(t, pc), "type": "offer"}
	for k, v := range extra {
		body[k] = v
	}
	var resp offerResponse
	decodeOK(t, e.do(t, http.MethodPost, body, nil), &resp)
	if resp.Type != "answer" || resp.SDP == "" || resp.PCID == "" {
		t.Fatalf("unexpected answer: %+v", resp)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: resp.SDP}); err != nil {
		t.Fatalf("set remote description: %v", err)
	}
	return resp
}

func waitConnected(t *testing.T, pc *webrtc.PeerConnection) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("client state=%s, want connected", pc.ConnectionState())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type recordingAgent struct {
	connected chan json.RawMessage
}

func (a *recordingAgent) Connect(_ context.Context, _ string, requestData json.RawMessage) (bot.Conversation, error) {
	a.connected <- requestData
	return idleConversation{}, nil
}

type idleConversation struct{}

func (idleConversation) Greet(context.Context) error { return nil }

func (idleConversation) Run(ctx context.Context, _ bot.Media) error {
	<-ctx.Done()
	return nil
}

func (idleConversation) Close() error { return nil }

func TestOffer_NewSessionConnectsAndStartsBot(t *testing.T) {
	agent := &recordingAgent{connected: make(chan json.RawMessage, 1)}
	env := newTestEnv(t, func(cfg *Config) {
		reg := cfg.Registry
		cfg.Supervisor = bot.NewSupervisor(bot.Options{
			Agent:   agent,
			Metrics: cfg.Metrics,
			OnExit:  func(id string, _ error) { _ = reg.Remove(id) },
		})
	})

	pc := env.newClient(t)
	resp := env.offer(t, pc, map[string]any{"requestData": map[string]any{"lang": "en"}})

	sess, err := env.reg.Get(resp.PCID)
	if err != nil {
		t.Fatalf("Get(%q): %v", resp.PCID, err)
	}
	if string(sess.RequestData()) != `{"lang":"en"}` {
		t.Fatalf("RequestData=%s", sess.RequestData())
	}

	waitConnected(t, pc)
	waitFor(t, "session connected", func() bool { return sess.State() == session.StateConnected })

	select {
	case data := <-agent.connected:
		if string(data) != `{"lang":"en"}` {
			t.Fatalf("agent request data=%s", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("bot was not connected")
	}
	if got := env.metrics.Get(metrics.OfferAccepted); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.OfferAccepted, got)
	}
}

func TestOffer_InvalidRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "{"},
		{name: "unknown field", body: `{"sdp":"v=0","type":"offer","extra":1}`},
		{name: "missing sdp", body: `{"type":"offer"}`},
		{name: "answer type", body: `{"sdp":"v=0","type":"answer"}`},
		{name: "both request data", body: `{"sdp":"v=0","type":"offer","request_data":{},"requestData":{}}`},
		{name: "restart without pc_id", body: `{"sdp":"v=0","type":"offer","restart_pc":true}`},
		{name: "trailing data", body: `{"sdp":"v=0","type":"offer"} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, env.do(t, http.MethodPost, tt.body, nil), http.StatusBadRequest, "invalid_request")
		})
	}
	if env.reg.Len() != 0 {
		t.Fatalf("registry len=%d, want 0", env.reg.Len())
	}
}

func TestOffer_BadSDPIsNegotiationError(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, map[string]any{"sdp": "not an sdp", "type": "offer"}, nil)
	expectError(t, resp, http.StatusInternalServerError, "negotiation_error")
	if env.reg.Len() != 0 {
		t.Fatalf("failed offer left %d sessions", env.reg.Len())
	}
	if got := env.metrics.Get(metrics.NegotiationFailed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.NegotiationFailed, got)
	}
}

func TestOffer_UnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	pc := env.newClient(t)

	for _, restart := range []bool{false, true} {
		resp := env.do(t, http.MethodPost, map[string]any{
			"sdp": localOffer(t, pc), "type": "offer", "pc_id": "missing", "restart_pc": restart,
		}, nil)
		expectError(t, resp, http.StatusNotFound, "unknown_session")
	}
}

func TestOffer_RestartKeepsSessionAndBot(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.newClient(t)
	resp := env.offer(t, first, nil)
	sess, err := env.reg.Get(resp.PCID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	oldTransport := sess.Transport()
	task, ok := env.srv.supervisor.Get(resp.PCID)
	if !ok {
		t.Fatalf("no bot task for %s", resp.PCID)
	}

	second := env.newClient(t)
	again := env.offer(t, second, map[string]any{"pc_id": resp.PCID, "restart_pc": true})
	if again.PCID != resp.PCID {
		t.Fatalf("pc_id=%q, want %q", again.PCID, resp.PCID)
	}
	if sess.Transport() == oldTransport {
		t.Fatalf("transport was not replaced")
	}
	waitConnected(t, second)

	if got, ok := env.srv.supervisor.Get(resp.PCID); !ok || got != task {
		t.Fatalf("bot task replaced or stopped")
	}
	if env.reg.Len() != 1 {
		t.Fatalf("registry len=%d, want 1", env.reg.Len())
	}
	if got := env.metrics.Get(metrics.OfferRenegotiated); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.OfferRenegotiated, got)
	}
}

func TestOffer_InPlaceRenegotiation(t *testing.T) {
	env := newTestEnv(t, nil)

	pc := env.newClient(t)
	resp := env.offer(t, pc, nil)
	waitConnected(t, pc)
	sess, err := env.reg.Get(resp.PCID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	transport := sess.Transport()

	again := env.offer(t, pc, map[string]any{"pc_id": resp.PCID})
	if again.PCID != resp.PCID {
		t.Fatalf("pc_id=%q, want %q", again.PCID, resp.PCID)
	}
	if sess.Transport() != transport {
		t.Fatalf("in-place renegotiation replaced the transport")
	}
	if sess.Version() != 2 {
		t.Fatalf("Version=%d, want 2", sess.Version())
	}
}

func TestOffer_MaxSessions(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Registry = session.NewRegistry(session.Options{MaxSessions: 1, Metrics: cfg.Metrics})
	})

	env.offer(t, env.newClient(t), nil)
	resp := env.do(t, http.MethodPost, map[string]any{"sdp": localOffer(t, env.newClient(t)), "type": "offer"}, nil)
	expectError(t, resp, http.StatusServiceUnavailable, "too_many_sessions")
}

func TestOffer_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.OfferLimiter = ratelimit.NewPerMinute(ratelimit.RealClock{}, 1)
	})

	body := `{"sdp":"v=0","type":"answer"}`
	expectError(t, env.do(t, http.MethodPost, body, nil), http.StatusBadRequest, "invalid_request")
	expectError(t, env.do(t, http.MethodPost, body, nil), http.StatusTooManyRequests, "rate_limited")
	if got := env.metrics.Get(metrics.DropReasonRateLimited); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.DropReasonRateLimited, got)
	}
}

func TestOffer_APIKeyAuth(t *testing.T) {
	authz, err := NewAuthAuthorizer(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewAuthAuthorizer: %v", err)
	}
	env := newTestEnv(t, func(cfg *Config) { cfg.Authorizer = authz })

	body := `{"sdp":"v=0","type":"answer"}`
	expectError(t, env.do(t, http.MethodPost, body, nil), http.StatusUnauthorized, "unauthorized")
	expectError(t, env.do(t, http.MethodPatch, `{"pc_id":"x"}`, http.Header{"X-Api-Key": {"wrong"}}), http.StatusUnauthorized, "unauthorized")
	// Authorized requests reach validation.
	expectError(t, env.do(t, http.MethodPost, body, http.Header{"X-Api-Key": {"secret"}}), http.StatusBadRequest, "invalid_request")
	if got := env.metrics.Get(metrics.AuthFailure); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.AuthFailure, got)
	}
}

func TestPatch_UnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPatch, map[string]any{
		"pc_id":      "missing",
		"candidates": []any{map[string]any{"candidate": hostCandidate, "sdp_mid": "0", "sdp_mline_index": 0}},
	}, nil)
	expectError(t, resp, http.StatusNotFound, "unknown_session")
	if env.reg.Len() != 0 {
		t.Fatalf("registry len=%d, want 0", env.reg.Len())
	}
	if got := env.metrics.Get(metrics.PatchUnknownSession); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.PatchUnknownSession, got)
	}
}

func TestPatch_InvalidRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{`{}`, `{"pc_id":""}`, `{"pc_id":"x","extra":true}`, `[]`} {
		expectError(t, env.do(t, http.MethodPatch, body, nil), http.StatusBadRequest, "invalid_request")
	}
}

func TestPatch_CandidatesAreIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.offer(t, env.newClient(t), nil)

	body := map[string]any{
		"pc_id":      resp.PCID,
		"candidates": []any{map[string]any{"candidate": hostCandidate, "sdp_mid": "0", "sdp_mline_index": 0}},
	}
	for i := 0; i < 2; i++ {
		var out patchResponse
		decodeOK(t, env.do(t, http.MethodPatch, body, nil), &out)
		if out.Status != "success" {
			t.Fatalf("status=%q, want success", out.Status)
		}
	}

	sess, err := env.reg.Get(resp.PCID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := len(sess.Candidates()); got != 1 {
		t.Fatalf("candidates=%d, want 1", got)
	}
	if got := env.metrics.Get(metrics.CandidatesDuplicate); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.CandidatesDuplicate, got)
	}
}

func TestPatch_RejectedCandidate(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.offer(t, env.newClient(t), nil)

	body := map[string]any{
		"pc_id":      resp.PCID,
		"candidates": []any{map[string]any{"candidate": "candidate:garbage", "sdp_mid": "0", "sdp_mline_index": 0}},
	}
	expectError(t, env.do(t, http.MethodPatch, body, nil), http.StatusBadRequest, "invalid_request")
}

func TestServer_CloseRemovesSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.offer(t, env.newClient(t), nil)
	env.offer(t, env.newClient(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.srv.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if env.reg.Len() != 0 {
		t.Fatalf("registry len=%d, want 0", env.reg.Len())
	}
	if env.srv.supervisor.Len() != 0 {
		t.Fatalf("supervisor len=%d, want 0", env.srv.supervisor.Len())
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: x", ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{session.ErrCandidateRejected, http.StatusBadRequest, "invalid_request"},
		{session.ErrUnknownSession, http.StatusNotFound, "unknown_session"},
		{session.ErrSessionClosed, http.StatusNotFound, "unknown_session"},
		{session.ErrSuperseded, http.StatusConflict, "superseded"},
		{session.ErrTooManySessions, http.StatusServiceUnavailable, "too_many_sessions"},
		{errRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{errUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{fmt.Errorf("%w: x", ErrNegotiation), http.StatusInternalServerError, "negotiation_error"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		status, code := errorStatus(tt.err)
		if status != tt.status || code != tt.code {
			t.Fatalf("errorStatus(%v)=(%d, %q), want (%d, %q)", tt.err, status, code, tt.status, tt.code)
		}
	}
}

func TestOfferRequest_RequestDataAliases(t *testing.T) {
	var req offerRequest
	if err := decodeStrictJSON([]byte(`{"sdp":"v=0","type":"offer","request_data":null,"requestData":{"a":1}}`), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := strings.TrimSpace(string(req.requestData())); got != `{"a":1}` {
		t.Fatalf("requestData=%s", got)
	}
}

func TestDisconnectRemovesSessionAndStopsBot(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.offer(t, env.newClient(t), nil)

	task, ok := env.srv.supervisor.Get(resp.PCID)
	if !ok {
		t.Fatalf("no bot task for %s", resp.PCID)
	}

	env.srv.peerStateHandler(resp.PCID)(webrtc.PeerConnectionStateFailed)

	if _, err := env.reg.Get(resp.PCID); !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("Get after disconnect err=%v, want %v", err, session.ErrUnknownSession)
	}
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("bot task still running after disconnect")
	}

	resp2 := env.do(t, http.MethodPatch, map[string]any{
		"pc_id":      resp.PCID,
		"candidates": []any{map[string]any{"candidate": hostCandidate, "sdp_mid": "0", "sdp_mline_index": 0}},
	}, nil)
	expectError(t, resp2, http.StatusNotFound, "unknown_session")
}
