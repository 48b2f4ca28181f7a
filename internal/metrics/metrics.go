package metrics

import "sync"

// Event names. Each is exported as an `event` label on a single counter.
const (
	OfferAccepted         = "offer_accepted"
	OfferRejected         = "offer_rejected"
	OfferRenegotiated     = "offer_renegotiated"
	NegotiationFailed     = "negotiation_failed"
	NegotiationSuperseded = "negotiation_superseded"
	CandidatesAdded       = "ice_candidates_added"
	CandidatesDuplicate   = "ice_candidates_duplicate"
	PatchUnknownSession   = "patch_unknown_session"

	SessionCreated = "session_created"
	SessionRemoved = "session_removed"
	SessionEvicted = "session_evicted"

	BotWorkerStarted = "bot_worker_started"
	BotWorkerErrors  = "bot_worker_errors"
	BotWorkerPanics  = "bot_worker_panics"

	ToolCalls       = "tool_calls"
	ToolCallErrors  = "tool_call_errors"
	ToolCallsEmpty  = "tool_calls_empty_query"
	AudioCodecError = "audio_codec_errors"

	LiveSessionsOpened = "live_sessions_opened"
	LiveInterruptions  = "live_interruptions"

	AuthFailure = "auth_failure"
)

// Drop reasons.
const (
	DropReasonRateLimited     = "rate_limited"
	DropReasonTooManySessions = "too_many_sessions"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil receiver so callers can leave metrics unset.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
