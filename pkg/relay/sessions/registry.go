// Package sessions tracks the live voice sessions of one process, keyed by
// generated session id.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/voxlane/voicerelay/pkg/relay/session"
)

// ErrNotFound is returned by Get for ids with no registered session.
var ErrNotFound = errors.New("session not found")

// Factory builds the session for a freshly generated id.
type Factory func(id string) (*session.Session, error)

// Registry is a concurrent map of live sessions. Ids are random UUIDs and
// are never handed out twice within the process lifetime, so a stale id can
// never address a newer session.
type Registry struct {
	factory Factory

	mu      sync.Mutex
	entries map[string]*entry
	issued  map[string]struct{}
	wg      sync.WaitGroup
}

type entry struct {
	sess *session.Session
	once sync.Once
}

func New(factory Factory) (*Registry, error) {
	if factory == nil {
		return nil, errors.New("session factory is required")
	}
	return &Registry{
		factory: factory,
		entries: make(map[string]*entry),
		issued:  make(map[string]struct{}),
	}, nil
}

// Create generates a fresh id, builds a session for it, and registers it.
func (r *Registry) Create() (*session.Session, error) {
	id := r.reserveID()
	sess, err := r.factory(id)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}

	r.mu.Lock()
	r.entries[id] = &entry{sess: sess}
	r.wg.Add(1)
	r.mu.Unlock()
	return sess, nil
}

func (r *Registry) reserveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id := uuid.NewString()
		if _, taken := r.issued[id]; taken {
			continue
		}
		r.issued[id] = struct{}{}
		return id
	}
}

// Get returns the session registered under id, or ErrNotFound.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.Lock()
	e := r.entries[id]
	r.mu.Unlock()
	if e == nil {
		return nil, ErrNotFound
	}
	return e.sess, nil
}

// Remove unregisters id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e := r.entries[id]
	r.mu.Unlock()
	if e == nil {
		return
	}
	e.once.Do(func() {
		r.mu.Lock()
		if r.entries[id] == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// ForEach calls fn for a snapshot of the registered sessions. It is safe
// to call while sessions are concurrently added or removed.
func (r *Registry) ForEach(fn func(s *session.Session)) {
	var snapshot []*session.Session
	r.mu.Lock()
	for _, e := range r.entries {
		snapshot = append(snapshot, e.sess)
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		fn(s)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CloseAll closes every registered session. Entries stay registered until
// their owners remove them; use Wait to block on that.
func (r *Registry) CloseAll() (closed int) {
	var snapshot []*session.Session
	r.mu.Lock()
	for _, e := range r.entries {
		snapshot = append(snapshot, e.sess)
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		s.Close()
		closed++
	}
	return closed
}

// Wait blocks until every registered session has been removed, or until
// ctx expires. It reports whether the registry fully drained.
func (r *Registry) Wait(ctx context.Context) bool {
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
