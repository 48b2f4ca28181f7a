package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/metrics"
)

type fakeTransport struct {
	mu       sync.Mutex
	remote   bool
	added    []webrtc.ICECandidateInit
	reject   string
	detached bool
	closed   int
	closeErr error
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reject != "" && c.Candidate == t.reject {
		return errors.New("bad candidate")
	}
	t.added = append(t.added, c)
	return nil
}

func (t *fakeTransport) HasRemoteDescription() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *fakeTransport) Detach() {
	t.mu.Lock()
	t.detached = true
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return t.closeErr
}

func (t *fakeTransport) addedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.added)
}

type fakeTask struct {
	stopped atomic.Int32
}

func (t *fakeTask) Stop() { t.stopped.Add(1) }

func cand(n int) Candidate {
	return Candidate{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2122260223 10.0.0.%d 5000%d typ host", n, n, n),
		SDPMid:        "0",
		SDPMLineIndex: 0,
	}
}

func TestRegistry_CreateGetRemove(t *testing.T) {
	m := metrics.New()
	r := NewRegistry(Options{Metrics: m})

	s, err := r.Create(json.RawMessage(`{"k":"v"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID() == "" {
		t.Fatalf("empty session id")
	}
	if string(s.RequestData()) != `{"k":"v"}` {
		t.Fatalf("RequestData=%s", s.RequestData())
	}

	got, err := r.Get(s.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != s {
		t.Fatalf("Get returned a different session")
	}

	tr := &fakeTransport{}
	task := &fakeTask{}
	if err := s.CommitTransport(s.BeginNegotiation(), tr); err != nil {
		t.Fatalf("CommitTransport: %v", err)
	}
	s.SetTask(task)
	hookCalls := 0
	s.OnClose(func() { hookCalls++ })

	if err := r.Remove(s.ID()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Get(s.ID()); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Get after Remove err=%v, want %v", err, ErrUnknownSession)
	}
	if s.State() != StateClosed {
		t.Fatalf("state=%s, want closed", s.State())
	}
	if task.stopped.Load() != 1 {
		t.Fatalf("task stopped %d times, want 1", task.stopped.Load())
	}
	if !tr.detached || tr.closed != 1 {
		t.Fatalf("transport detached=%v closed=%d", tr.detached, tr.closed)
	}
	if hookCalls != 1 {
		t.Fatalf("onClose hooks=%d, want 1", hookCalls)
	}

	// Idempotent.
	if err := r.Remove(s.ID()); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if task.stopped.Load() != 1 || tr.closed != 1 {
		t.Fatalf("second Remove released resources again")
	}
	if got := m.Get(metrics.SessionRemoved); got != 1 {
		t.Fatalf("session_removed=%d, want 1", got)
	}
	if _, err := s.AddCandidates([]Candidate{cand(1)}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("AddCandidates after close err=%v, want %v", err, ErrSessionClosed)
	}
}

func TestRegistry_MaxSessions(t *testing.T) {
	m := metrics.New()
	r := NewRegistry(Options{MaxSessions: 1, Metrics: m})

	s, err := r.Create(nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create(nil); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("second Create err=%v, want %v", err, ErrTooManySessions)
	}
	if got := m.Get(metrics.DropReasonTooManySessions); got != 1 {
		t.Fatalf("too_many_sessions=%d, want 1", got)
	}

	_ = r.Remove(s.ID())
	if _, err := r.Create(nil); err != nil {
		t.Fatalf("Create after Remove: %v", err)
	}
}

func TestRegistry_RetriesIDCollision(t *testing.T) {
	r := NewRegistry(Options{})
	ids := []string{"dup", "dup", "fresh"}
	r.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	if _, err := r.Create(nil); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	s, err := r.Create(nil)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if s.ID() != "fresh" {
		t.Fatalf("id=%q, want %q", s.ID(), "fresh")
	}
}

func TestSession_CandidatesAreIdempotent(t *testing.T) {
	r := NewRegistry(Options{})
	s, _ := r.Create(nil)

	added, err := s.AddCandidates([]Candidate{cand(1), cand(1), cand(2)})
	if err != nil {
		t.Fatalf("AddCandidates: %v", err)
	}
	if added != 2 {
		t.Fatalf("added=%d, want 2", added)
	}
	added, err = s.AddCandidates([]Candidate{cand(2), cand(1)})
	if err != nil {
		t.Fatalf("AddCandidates: %v", err)
	}
	if added != 0 {
		t.Fatalf("duplicate delivery added=%d, want 0", added)
	}
	if got := s.Candidates(); len(got) != 2 || got[0] != cand(1) || got[1] != cand(2) {
		t.Fatalf("Candidates=%v", got)
	}

	// Same candidate string on a different m-line is a different candidate.
	other := cand(1)
	other.SDPMLineIndex = 1
	if added, _ := s.AddCandidates([]Candidate{other}); added != 1 {
		t.Fatalf("added=%d, want 1", added)
	}
}

func TestSession_ConcurrentDuplicateCandidates(t *testing.T) {
	r := NewRegistry(Options{})
	s, _ := r.Create(nil)

	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := s.AddCandidates([]Candidate{cand(7)})
			total.Add(int64(n))
		}()
	}
	wg.Wait()
	if total.Load() != 1 {
		t.Fatalf("added total=%d, want 1", total.Load())
	}
}

func TestSession_CandidatesAppliedOnceRemoteDescriptionSet(t *testing.T) {
	r := NewRegistry(Options{})
	s, _ := r.Create(nil)

	tr := &fakeTransport{}
	if err := s.CommitTransport(s.BeginNegotiation(), tr); err != nil {
		t.Fatalf("CommitTransport: %v", err)
	}
	if _, err := s.AddCandidates([]Candidate{cand(1)}); err != nil {
		t.Fatalf("AddCandidates: %v", err)
	}
	if tr.addedCount() != 0 {
		t.Fatalf("candidate applied before remote description")
	}

	tr.mu.Lock()
	tr.remote = true
	tr.mu.Unlock()

	if _, err := s.AddCandidates([]Candidate{cand(2), cand(1)}); err != nil {
		t.Fatalf("AddCandidates: %v", err)
	}
	if got := tr.addedCount(); got != 2 {
		t.Fatalf("applied=%d, want 2", got)
	}
}

func TestSession_RejectedCandidate(t *testing.T) {
	r := NewRegistry(Options{})
	s, _ := r.Create(nil)

	tr := &fakeTransport{remote: true, reject: cand(2).Candidate}
	if err := s.CommitTransport(s.BeginNegotiation(), tr); err != nil {
		t.Fatalf("CommitTransport: %v", err)
	}

	_, err := s.AddCandidates([]Candidate{cand(1), cand(2)})
	if !errors.Is(err, ErrCandidateRejected) {
		t.Fatalf("err=%v, want %v", err, ErrCandidateRejected)
	}
	if got := s.Candidates(); len(got) != 1 || got[0] != cand(1) {
		t.Fatalf("Candidates=%v, want only the accepted one", got)
	}
}

func TestSession_TransportSwapStartsNewGeneration(t *testing.T) {
	r := NewRegistry(Options{})
	s, _ := r.Create(nil)

	first := &fakeTransport{remote: true}
	if err := s.CommitTransport(s.BeginNegotiation(), first); err != nil {
		t.Fatalf("CommitTransport: %v", err)
	}
	if _, err := s.AddCandidates([]Candidate{cand(1)}); err != nil {
		t.Fatalf("AddCandidates: %v", err)
	}

	// In-place renegotiation keeps candidates.
	if err := s.CommitTransport(s.BeginNegotiation(), first); err != nil {
		t.Fatalf("in-place CommitTransport: %v", err)
	}
	if len(s.Candidates()) != 1 || first.closed != 0 {
		t.Fatalf("in-place renegotiation dropped state")
	}

	second := &fakeTransport{remote: true}
	if err := s.CommitTransport(s.BeginNegotiation(), second); err != nil {
		t.Fatalf("CommitTransport: %v", err)
	}
	if len(s.Candidates()) != 0 {
		t.Fatalf("candidates survived transport swap: %v", s.Candidates())
	}
	if !first.detached || first.closed != 1 {
		t.Fatalf("old transport detached=%v closed=%d", first.detached, first.closed)
	}
	if s.Transport() != second {
		t.Fatalf("transport not replaced")
	}

	// The same candidate is new again in the next generation.
	if added, _ := s.AddCandidates([]Candidate{cand(1)}); added != 1 {
		t.Fatalf("added=%d, want 1", added)
	}
}

func TestSession_LastWriterWins(t *testing.T) {
	r := NewRegistry(Options{})
	s, _ := r.Create(nil)

	early := s.BeginNegotiation()
	late := s.BeginNegotiation()

	lateT := &fakeTransport{}
	if err := s.CommitTransport(late, lateT); err != nil {
		t.Fatalf("late CommitTransport: %v", err)
	}
	earlyT := &fakeTransport{}
	if err := s.CommitTransport(early, earlyT); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("early CommitTransport err=%v, want %v", err, ErrSuperseded)
	}
	if s.Transport() != lateT {
		t.Fatalf("superseded negotiation replaced the transport")
	}
	if earlyT.closed != 0 {
		t.Fatalf("registry closed a transport it does not own")
	}
}

func TestSession_StateClosedIsTerminal(t *testing.T) {
	r := NewRegistry(Options{})
	s, _ := r.Create(nil)

	s.SetState(StateConnected, time.Now())
	if s.State() != StateConnected {
		t.Fatalf("state=%s, want connected", s.State())
	}
	_ = r.Remove(s.ID())
	s.SetState(StateConnecting, time.Now())
	if s.State() != StateClosed {
		t.Fatalf("state=%s, want closed", s.State())
	}

	task := &fakeTask{}
	s.SetTask(task)
	if task.stopped.Load() != 1 {
		t.Fatalf("task set on closed session was not stopped")
	}
	tr := &fakeTransport{}
	if err := s.CommitTransport(s.BeginNegotiation(), tr); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("CommitTransport err=%v, want %v", err, ErrSessionClosed)
	}
}

func TestRegistry_EvictStale(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry(Options{Now: func() time.Time { return now }})

	stale, _ := r.Create(nil)
	connected, _ := r.Create(nil)
	connected.SetState(StateConnected, now)

	evicted := r.EvictStale(now.Add(29*time.Second), 30*time.Second)
	if len(evicted) != 0 {
		t.Fatalf("evicted too early: %v", evicted)
	}

	evicted = r.EvictStale(now.Add(31*time.Second), 30*time.Second)
	if len(evicted) != 1 || evicted[0] != stale.ID() {
		t.Fatalf("evicted=%v, want [%s]", evicted, stale.ID())
	}
	if _, err := r.Get(connected.ID()); err != nil {
		t.Fatalf("connected session evicted: %v", err)
	}
}

func TestRegistry_RunJanitorStopsOnCancel(t *testing.T) {
	r := NewRegistry(Options{})
	s, _ := r.Create(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunJanitor(ctx, 5*time.Millisecond, time.Nanosecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := r.Get(s.ID()); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("janitor did not evict: %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor did not exit")
	}
}

func TestRegistry_CloseCombinesErrors(t *testing.T) {
	r := NewRegistry(Options{})
	errA := errors.New("a")
	errB := errors.New("b")
	for _, e := range []error{errA, errB, nil} {
		s, _ := r.Create(nil)
		if err := s.CommitTransport(s.BeginNegotiation(), &fakeTransport{closeErr: e}); err != nil {
			t.Fatalf("CommitTransport: %v", err)
		}
	}

	err := r.Close()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("Close err=%v, want both errors", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len=%d after Close", r.Len())
	}
}
