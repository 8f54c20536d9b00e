package service

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// OrchestratorFactory builds the orchestrator for a new session
type OrchestratorFactory func(sessionID string) *Orchestrator

// SessionRegistry keeps one orchestrator per funnel session and drops idle ones
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Orchestrator
	factory  OrchestratorFactory
	idleTTL  time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewSessionRegistry creates a new session registry
func NewSessionRegistry(factory OrchestratorFactory, idleTTL time.Duration, logger *zap.Logger) *SessionRegistry {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRegistry{
		sessions: make(map[string]*Orchestrator),
		factory:  factory,
		idleTTL:  idleTTL,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Get returns the session's orchestrator, creating it on first use
func (r *SessionRegistry) Get(sessionID string) *Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := r.sessions[sessionID]; ok {
		o.touch()
		return o
	}
	o := r.factory(sessionID)
	r.sessions[sessionID] = o
	return o
}

// Lookup returns the session's orchestrator without creating one.
// Both Lookup and Get count as use of the session.
func (r *SessionRegistry) Lookup(sessionID string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.sessions[sessionID]
	if ok {
		o.touch()
	}
	return o, ok
}

// Len returns the number of live sessions
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Evict drops sessions idle since before now-idleTTL. Busy sessions are kept.
func (r *SessionRegistry) Evict(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.idleTTL)
	evicted := 0
	for id, o := range r.sessions {
		if o.IsBusy() || o.LastUsed().After(cutoff) {
			continue
		}
		delete(r.sessions, id)
		evicted++
	}
	return evicted
}

// Start runs the eviction loop until Stop is called
func (r *SessionRegistry) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stop:
				return
			case now := <-ticker.C:
				if n := r.Evict(now); n > 0 {
					r.logger.Debug("evicted idle funnel sessions", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop ends the eviction loop
func (r *SessionRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}
