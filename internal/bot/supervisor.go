package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/metrics"
)

type Options struct {
	// Agent may be nil, in which case workers only track connection events.
	Agent   Agent
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// OnExit is called when a worker exits on its own or is stopped. It is not
	// called for a worker replaced by Start.
	OnExit func(sessionID string, err error)
}

type Supervisor struct {
	agent   Agent
	logger  *slog.Logger
	metrics *metrics.Metrics
	onExit  func(string, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*Task
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		agent:   opts.Agent,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		onExit:  opts.OnExit,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*Task),
	}
}

// Start launches the worker for sessionID. An existing worker for the same
// id is cancelled and awaited first.
func (s *Supervisor) Start(sessionID string, media Media, requestData json.RawMessage) *Task {
	for {
		s.mu.Lock()
		prev, ok := s.tasks[sessionID]
		if !ok {
			t := newTask(s.ctx, sessionID)
			s.tasks[sessionID] = t
			s.wg.Add(1)
			s.mu.Unlock()

			s.metrics.Inc(metrics.BotWorkerStarted)
			go s.run(t, media, requestData)
			return t
		}
		s.mu.Unlock()

		prev.replaced.Store(true)
		prev.Stop()
		<-prev.done
	}
}

// Get returns the live worker for sessionID, if any.
func (s *Supervisor) Get(sessionID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[sessionID]
	return t, ok
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Wait blocks until every worker has exited or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every worker and waits for them.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) run(t *Task, media Media, requestData json.RawMessage) {
	defer s.wg.Done()

	logger := s.logger.With("session_id", t.id)
	err := s.runScope(t, media, requestData, logger)

	var pe *PanicError
	switch {
	case errors.As(err, &pe):
		s.metrics.Inc(metrics.BotWorkerPanics)
		logger.Error("bot_worker_exit", "err", err)
	case err != nil:
		s.metrics.Inc(metrics.BotWorkerErrors)
		logger.Error("bot_worker_exit", "err", err)
	default:
		logger.Info("bot_worker_exit")
	}

	t.err = err
	t.cancel()

	s.mu.Lock()
	if s.tasks[t.id] == t {
		delete(s.tasks, t.id)
	}
	s.mu.Unlock()

	if !t.replaced.Load() && s.onExit != nil {
		s.onExit(t.id, err)
	}
	close(t.done)
}

func (s *Supervisor) runScope(t *Task, media Media, requestData json.RawMessage, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(t.ctx)

	// conv is written only by the event loop and read after g.Wait.
	var conv Conversation

	g.Go(func() (err error) {
		defer recoverPanic(&err)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-t.events:
				logger.Debug("bot_event", "event", ev.String())
				switch ev {
				case Connected:
					if conv != nil {
						continue
					}
					if s.agent == nil {
						logger.Warn("bot disabled, no agent configured")
						continue
					}
					c, err := s.agent.Connect(ctx, t.id, requestData)
					if err != nil {
						return fmt.Errorf("connect agent: %w", err)
					}
					conv = c
					if err := c.Greet(ctx); err != nil {
						return fmt.Errorf("greet: %w", err)
					}
					g.Go(func() (err error) {
						defer recoverPanic(&err)
						if err := c.Run(ctx, media); err != nil {
							return err
						}
						return errConversationEnded
					})
				case Disconnected:
					return errDisconnected
				}
			}
		}
	})

	err := g.Wait()
	if conv != nil {
		if closeErr := conv.Close(); closeErr != nil {
			logger.Debug("close conversation", "err", closeErr)
		}
	}

	switch {
	case err == nil,
		errors.Is(err, errDisconnected),
		errors.Is(err, errConversationEnded),
		errors.Is(err, context.Canceled) && t.ctx.Err() != nil:
		return nil
	default:
		return err
	}
}

func recoverPanic(err *error) {
	if r := recover(); r != nil {
		slog.Debug("bot worker panic stack", "stack", string(debug.Stack()))
		*err = &PanicError{Value: r}
	}
}
