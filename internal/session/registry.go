package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/metrics"
)

type Options struct {
	// MaxSessions caps concurrent sessions. 0 means unlimited.
	MaxSessions int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Registry owns every live session. The registry lock only guards the map;
// per-session state is guarded by each Session's own mutex so unrelated
// sessions never contend.
type Registry struct {
	maxSessions int
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		maxSessions: opts.MaxSessions,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
		newID:       uuid.NewString,
		sessions:    make(map[string]*Session),
	}
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time { return r.now() }

// Create registers a new session under a fresh identifier.
func (r *Registry) Create(requestData json.RawMessage) (*Session, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id := r.newID()

		r.mu.Lock()
		if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
			r.mu.Unlock()
			r.metrics.Inc(metrics.DropReasonTooManySessions)
			return nil, ErrTooManySessions
		}
		if _, ok := r.sessions[id]; ok {
			r.mu.Unlock()
			continue
		}
		s := newSession(id, r.now(), requestData)
		r.sessions[id] = s
		r.mu.Unlock()

		r.metrics.Inc(metrics.SessionCreated)
		r.logger.Debug("session_created", "session_id", id)
		return s, nil
	}
	return nil, errors.New("failed to allocate unique session id")
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove unregisters the session and releases its transport, bot task and
// queued candidates. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	r.metrics.Inc(metrics.SessionRemoved)
	r.logger.Debug("session_removed", "session_id", id)
	return s.close()
}

// EvictStale removes sessions that have not connected within ttl of their
// creation and returns their identifiers.
func (r *Registry) EvictStale(now time.Time, ttl time.Duration) []string {
	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if s.staleAt(now, ttl) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Info("session_evicted", "session_id", id, "ttl", ttl)
		r.metrics.Inc(metrics.SessionEvicted)
		if err := r.Remove(id); err != nil {
			r.logger.Debug("close evicted session", "session_id", id, "err", err)
		}
	}
	return stale
}

// RunJanitor calls EvictStale every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictStale(r.now(), ttl)
		}
	}
}

// Close removes every session.
func (r *Registry) Close() error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var err error
	for _, id := range ids {
		err = multierr.Append(err, r.Remove(id))
	}
	return err
}
