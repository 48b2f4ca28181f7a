package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport is the peer connection currently serving a session.
type Transport interface {
	AddICECandidate(webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	// Detach silences the transport's callbacks before it is closed.
	Detach()
	Close() error
}

// Task is the handle of the session's bot worker. Stop must not block.
type Task interface {
	Stop()
}

// Candidate is one trickled ICE candidate. Equal values are the same
// candidate.
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

func (c Candidate) Init() webrtc.ICECandidateInit {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

type Session struct {
	id          string
	createdAt   time.Time
	requestData json.RawMessage

	mu          sync.Mutex
	state       State
	version     uint64
	transport   Transport
	task        Task
	candidates  []Candidate
	seen        map[Candidate]struct{}
	applied     int
	connectedAt time.Time
	onClose     []func()
}

func newSession(id string, now time.Time, requestData json.RawMessage) *Session {
	return &Session{
		id:          id,
		createdAt:   now,
		requestData: requestData,
		seen:        make(map[Candidate]struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// RequestData is the opaque request_data object sent with the first offer.
func (s *Session) RequestData() json.RawMessage { return s.requestData }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the session along new -> connecting -> connected. Closed is
// terminal and can only be reached through the registry.
func (s *Session) SetState(state State, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || state == StateClosed {
		return
	}
	s.state = state
	if state == StateConnected && s.connectedAt.IsZero() {
		s.connectedAt = now
	}
}

func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// BeginNegotiation reserves the next negotiation version. Only the holder of
// the latest version may commit a transport.
func (s *Session) BeginNegotiation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	return s.version
}

// CommitTransport installs t if version is still the latest. Replacing a
// different transport starts a new ICE generation: queued candidates are
// dropped and the old transport is detached and closed.
//
// On ErrSuperseded or ErrSessionClosed the caller still owns t.
func (s *Session) CommitTransport(version uint64, t Transport) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if version != s.version {
		s.mu.Unlock()
		return ErrSuperseded
	}

	old := s.transport
	s.transport = t
	if old != nil && old != t {
		s.candidates = nil
		s.seen = make(map[Candidate]struct{})
		s.applied = 0
	}
	if s.state == StateNew {
		s.state = StateConnecting
	}
	err := s.applyPendingLocked()
	s.mu.Unlock()

	if old != nil && old != t {
		old.Detach()
		_ = old.Close()
	}
	return err
}

func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// SetTask records the bot worker handle. A task set on an already closed
// session is stopped immediately.
func (s *Session) SetTask(t Task) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		if t != nil {
			t.Stop()
		}
		return
	}
	s.task = t
	s.mu.Unlock()
}

func (s *Session) Task() Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

// OnClose registers fn to run once the session is removed.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// AddCandidates queues candidates not seen before in this ICE generation and
// applies them once the transport has a remote description. It returns how
// many were new.
func (s *Session) AddCandidates(cands []Candidate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return 0, ErrSessionClosed
	}

	added := 0
	for _, c := range cands {
		if _, ok := s.seen[c]; ok {
			continue
		}
		s.seen[c] = struct{}{}
		s.candidates = append(s.candidates, c)
		added++
	}
	return added, s.applyPendingLocked()
}

// Candidates returns the deduplicated candidate set in arrival order.
func (s *Session) Candidates() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Candidate(nil), s.candidates...)
}

func (s *Session) applyPendingLocked() error {
	if s.transport == nil || !s.transport.HasRemoteDescription() {
		return nil
	}
	for s.applied < len(s.candidates) {
		c := s.candidates[s.applied]
		if err := s.transport.AddICECandidate(c.Init()); err != nil {
			s.candidates = append(s.candidates[:s.applied], s.candidates[s.applied+1:]...)
			delete(s.seen, c)
			return fmt.Errorf("%w: %v", ErrCandidateRejected, err)
		}
		s.applied++
	}
	return nil
}

func (s *Session) staleAt(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateConnected && s.connectedAt.IsZero() && now.Sub(s.createdAt) >= ttl
}

func (s *Session) close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	t := s.transport
	task := s.task
	hooks := s.onClose
	s.transport = nil
	s.task = nil
	s.onClose = nil
	s.candidates = nil
	s.seen = make(map[Candidate]struct{})
	s.applied = 0
	s.mu.Unlock()

	if task != nil {
		task.Stop()
	}
	var err error
	if t != nil {
		t.Detach()
		err = t.Close()
	}
	for _, fn := range hooks {
		fn()
	}
	return err
}
