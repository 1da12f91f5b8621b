package base

import "github.com/viant/mcprpc/internal/collection"

// Registry tracks the live sessions of one server transport. Durable session
// records live in the session store; the registry only holds the in-process
// state needed to route messages.
type Registry struct {
	sessions *collection.SyncMap[string, *Session]
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: collection.NewSyncMap[string, *Session]()}
}

// Lookup returns the live session with the given id, when present.
func (r *Registry) Lookup(id string) (*Session, bool) {
	return r.sessions.Get(id)
}

// Add registers a live session.
func (r *Registry) Add(session *Session) {
	r.sessions.Put(session.ID, session)
}

// Remove drops a live session from the registry.
func (r *Registry) Remove(id string) {
	r.sessions.Delete(id)
}

// Size returns the number of live sessions.
func (r *Registry) Size() int {
	return r.sessions.Size()
}

// Range iterates live sessions until the callback returns false.
func (r *Registry) Range(f func(id string, session *Session) bool) {
	r.sessions.Range(f)
}
