// README: Session manager: one tracking session per authenticated agent for the API process.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"proptrack/internal/modules/location"
	"proptrack/internal/types"
)

// Manager owns the sessions of every agent served by this process. Each
// agent gets its own device-fed source.
type Manager struct {
	deps Deps
	base Options

	mu       sync.Mutex
	sessions map[types.ID]*Session
	// opening holds agents whose session is being built; the channel closes
	// when the build finishes.
	opening map[types.ID]chan struct{}

	newSource func(types.ID) location.Source
	logger    *slog.Logger
}

// NewManager builds sessions from deps and base. deps.Source and
// base.AgentID are replaced per agent.
func NewManager(deps Deps, base Options) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:      deps,
		base:      base,
		sessions:  make(map[types.ID]*Session),
		opening:   make(map[types.ID]chan struct{}),
		newSource: func(types.ID) location.Source { return location.NewReportedSource() },
		logger:    logger.With("component", "tracking_manager"),
	}
}

// Open returns the agent's session, creating it on first use. The session
// is built outside the manager lock; concurrent opens for the same agent wait
// for the first build.
func (m *Manager) Open(ctx context.Context, agentID types.ID) (*Session, error) {
	for {
		m.mu.Lock()
		if s, ok := m.sessions[agentID]; ok {
			m.mu.Unlock()
			return s, nil
		}
		wait, building := m.opening[agentID]
		if !building {
			done := make(chan struct{})
			m.opening[agentID] = done
			m.mu.Unlock()
			return m.build(ctx, agentID, done)
		}
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) build(ctx context.Context, agentID types.ID, done chan struct{}) (*Session, error) {
	deps := m.deps
	deps.Source = m.newSource(agentID)
	opts := m.base
	opts.AgentID = agentID

	s, err := NewSession(ctx, deps, opts)

	m.mu.Lock()
	delete(m.opening, agentID)
	if err == nil {
		m.sessions[agentID] = s
	}
	m.mu.Unlock()
	close(done)

	if err != nil {
		return nil, err
	}
	m.logger.Info("session opened", "agent_id", string(agentID))
	return s, nil
}

func (m *Manager) Get(agentID types.ID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[agentID]
	return s, ok
}

// Close ends one agent's session. Unknown agents are a no-op.
func (m *Manager) Close(ctx context.Context, agentID types.ID) error {
	m.mu.Lock()
	s, ok := m.sessions[agentID]
	delete(m.sessions, agentID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close(ctx)
}

// CloseAll ends every session; used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[types.ID]*Session)
	m.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := s.Close(ctx); err != nil {
			m.logger.Error("closing session", "agent_id", string(id), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
