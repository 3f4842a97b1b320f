// Package registry implements the Topic Registry (component E of
// spec.md §4.5): the in-memory index of topic identity and, per
// (topic, group), which subscription session currently holds the
// competitive-consumer slot. It is a thin, mutex-guarded map in the
// idiom of the teacher's SubscriptionSet (connection.go) — RWMutex,
// exclusive writes, shared reads.
package registry

import (
	"sync"

	"github.com/heisenbergs-uncertainty/sluice/internal/brokererr"
)

// TopicEntry is the registry's cached view of a topic's identity and tail.
type TopicEntry struct {
	ID           int64
	Name         string
	CreatedAt    int64
	TailSequence uint64
}

// GroupHolder identifies the session currently bound to a
// (topic, group) competitive-consumer slot.
type GroupHolder struct {
	SessionID string
	// Evict, when non-nil, displaces the current holder: closing over
	// the session's own shutdown so a takeover can force it closed
	// before the new session attaches (spec §4.5, "displacement").
	Evict func()
}

// Registry holds topic identity and group-membership state in memory,
// backed by the durable store for topic identity persistence.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]*TopicEntry   // name -> entry
	byID   map[int64]*TopicEntry    // topic_id -> entry
	groups map[groupKey]GroupHolder // (topic_id, group) -> current holder
}

type groupKey struct {
	topicID int64
	group   string
}

// New constructs an empty Registry. Callers populate it at startup via
// Load, then keep it current via Register/UpdateTail.
func New() *Registry {
	return &Registry{
		topics: make(map[string]*TopicEntry),
		byID:   make(map[int64]*TopicEntry),
		groups: make(map[groupKey]GroupHolder),
	}
}

// Load seeds the registry from a snapshot of persisted topics, typically
// read from the store at startup.
func (r *Registry) Load(entries []TopicEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range entries {
		e := entries[i]
		r.topics[e.Name] = &e
		r.byID[e.ID] = &e
	}
}

// Lookup returns the entry for name, if registered.
func (r *Registry) Lookup(name string) (TopicEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.topics[name]
	if !ok {
		return TopicEntry{}, false
	}
	return *e, true
}

// LookupByID returns the entry for topicID, if registered.
func (r *Registry) LookupByID(topicID int64) (TopicEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[topicID]
	if !ok {
		return TopicEntry{}, false
	}
	return *e, true
}

// Register adds or replaces a topic entry, called after the store has
// durably created it (spec §4.5: the registry never invents identity,
// it mirrors what the store committed).
func (r *Registry) Register(id int64, name string, createdAt int64) TopicEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &TopicEntry{ID: id, Name: name, CreatedAt: createdAt}
	if existing, ok := r.byID[id]; ok {
		e.TailSequence = existing.TailSequence
	}
	r.topics[name] = e
	r.byID[id] = e
	return *e
}

// UpdateTail advances the cached tail sequence for topicID. It is a
// cache refresh only — the durable tail lives in the store. Callers run
// on concurrent publisher goroutines, so updates can arrive out of
// order; a value at or below the cached tail is ignored.
func (r *Registry) UpdateTail(topicID int64, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[topicID]; ok && seq > e.TailSequence {
		e.TailSequence = seq
	}
}

// List returns every registered topic, ordered lexicographically by name.
func (r *Registry) List() []TopicEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TopicEntry, 0, len(r.topics))
	for _, e := range r.topics {
		out = append(out, *e)
	}
	sortTopicEntries(out)
	return out
}

func sortTopicEntries(entries []TopicEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Name < entries[j-1].Name; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// Acquire attempts to bind sessionID as the sole active consumer of
// (topicID, group). If the slot is held by another session, that
// session's Evict is invoked to force it closed (displacement, spec
// §4.5) and the new session takes the slot. evict is the callback this
// new session registers so a later arrival can displace it in turn.
func (r *Registry) Acquire(topicID int64, group, sessionID string, evict func()) (displacedPrevious bool, err error) {
	if sessionID == "" {
		return false, brokererr.New(brokererr.InvalidArgument, "session id must not be empty")
	}
	key := groupKey{topicID: topicID, group: group}

	r.mu.Lock()
	prev, hadPrev := r.groups[key]
	r.groups[key] = GroupHolder{SessionID: sessionID, Evict: evict}
	r.mu.Unlock()

	if hadPrev && prev.SessionID != sessionID && prev.Evict != nil {
		prev.Evict()
		return true, nil
	}
	return false, nil
}

// Release clears the (topicID, group) slot only if sessionID is still
// the current holder — an already-displaced session releasing late must
// not clobber its successor.
func (r *Registry) Release(topicID int64, group, sessionID string) {
	key := groupKey{topicID: topicID, group: group}
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.groups[key]; ok && holder.SessionID == sessionID {
		delete(r.groups, key)
	}
}

// CurrentHolder reports which session, if any, currently holds the
// (topicID, group) slot.
func (r *Registry) CurrentHolder(topicID int64, group string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	holder, ok := r.groups[groupKey{topicID: topicID, group: group}]
	return holder.SessionID, ok
}
