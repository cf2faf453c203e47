package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/roach88/ledgerline/internal/message"
	"github.com/roach88/ledgerline/internal/thread"
)

// Session shows one channel at a time.
//
// Switching channels closes the previous engine, which discards any of its
// operations still in flight. Queries for a channel other than the active
// one fail with ErrInactiveChannel.
type Session struct {
	deps Deps
	opts []EngineOption

	mu     sync.Mutex
	active *Engine
	runs   conc.WaitGroup
}

// NewSession creates a session. opts apply to every engine it creates;
// engines share one version clock unless opts supply another.
func NewSession(deps Deps, opts ...EngineOption) *Session {
	all := append([]EngineOption{WithClock(NewClock())}, opts...)
	return &Session{deps: deps, opts: all}
}

// Switch makes channel the active one and loads its newest page. The new
// engine stays active even if the load fails, so the caller can Refresh.
func (s *Session) Switch(ctx context.Context, channel string) (*Snapshot, error) {
	eng, err := New(channel, s.deps, s.opts...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.active
	s.active = eng
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return eng.Load(ctx)
}

// Live subscribes the active engine to its feed and applies pushed events
// in the background until the engine is closed or ctx is cancelled.
func (s *Session) Live(ctx context.Context) error {
	s.mu.Lock()
	eng := s.active
	s.mu.Unlock()
	if eng == nil {
		return newInactiveError("")
	}

	if err := eng.Subscribe(ctx); err != nil {
		return err
	}
	s.runs.Go(func() {
		logRunExit(eng.logger, eng.Run(ctx))
	})
	return nil
}

// logRunExit reports why a background Run returned. Cancellation is the
// normal way out and is not a warning.
func logRunExit(logger *slog.Logger, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	logger.Warn("engine run stopped", "error", err)
}

// Active returns the active engine, or nil.
func (s *Session) Active() *Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) engine(channel string) (*Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.Channel() != channel {
		return nil, newInactiveError(channel)
	}
	return s.active, nil
}

// Snapshot returns the active channel's snapshot.
func (s *Session) Snapshot(channel string) (*Snapshot, error) {
	eng, err := s.engine(channel)
	if err != nil {
		return nil, err
	}
	return eng.Snapshot(), nil
}

// Timeline returns the active channel's timeline.
func (s *Session) Timeline(channel string) ([]message.Message, error) {
	eng, err := s.engine(channel)
	if err != nil {
		return nil, err
	}
	return eng.Timeline(), nil
}

// Reactions returns the reaction groups of one message in the active channel.
func (s *Session) Reactions(channel, id string) ([]thread.ReactionGroup, error) {
	eng, err := s.engine(channel)
	if err != nil {
		return nil, err
	}
	return eng.Reactions(id), nil
}

// LoadMore pages the active channel backwards.
func (s *Session) LoadMore(ctx context.Context, channel string, count int) (*Snapshot, error) {
	eng, err := s.engine(channel)
	if err != nil {
		return nil, err
	}
	return eng.LoadMore(ctx, count)
}

// Refresh refetches the newest transactions of the active channel.
func (s *Session) Refresh(ctx context.Context, channel string, count int) (*Snapshot, error) {
	eng, err := s.engine(channel)
	if err != nil {
		return nil, err
	}
	return eng.Refresh(ctx, count)
}

// Close closes the active engine and waits for background loops.
func (s *Session) Close() {
	s.mu.Lock()
	eng := s.active
	s.active = nil
	s.mu.Unlock()

	if eng != nil {
		eng.Close()
	}
	s.runs.Wait()
}
