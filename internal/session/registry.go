package session

import (
	"context"
	"errors"
	"sync"

	"docsync/internal/store"
)

// ErrRegistryClosed is returned by Resolve after Shutdown.
var ErrRegistryClosed = errors.New("registry closed")

// Registry maps document identities to their single live session.
type Registry struct {
	store store.Store
	cfg   Config

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry whose sessions persist to st.
func NewRegistry(st store.Store, cfg Config) *Registry {
	return &Registry{
		store:    st,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Resolve returns an attached reference to the session for id, creating it
// if none is live. A session that is draining is never handed out: Resolve
// waits for it to close and then starts a fresh one, which reloads from the
// store. Every successful Resolve must be paired with Release.
func (r *Registry) Resolve(ctx context.Context, id string) (*Session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		s, ok := r.sessions[id]
		if !ok {
			s = newSession(id, r)
			s.refs = 1
			r.sessions[id] = s
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				s.run()
			}()
			r.mu.Unlock()
			return s, nil
		}
		if !s.draining {
			s.refs++
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		select {
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release drops a reference obtained from Resolve. The last release starts
// the session's drain.
func (r *Registry) Release(s *Session) {
	r.mu.Lock()
	s.refs--
	last := s.refs == 0 && !s.draining
	if last {
		s.draining = true
	}
	r.mu.Unlock()

	if last {
		// A session that already failed has nothing left to drain.
		_ = s.post(s.drain)
	}
}

// remove deregisters s once it has closed.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
	}
}

// Lookup returns the live session for id without attaching to it.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.draining {
		return nil, false
	}
	return s, true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown drains every session, closing their connections, and waits for
// them to finish or for ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.draining {
			s.draining = true
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.post(s.drain)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
