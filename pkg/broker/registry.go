package broker

import (
	"encoding/json"
	"sync"

	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
)

// registry is the broker's in-memory view of shared-state registrations
// (spec.md §3 "SharedState", invariant I3: an id appearing for topic T
// implies the shared-state entry for that id lists T). It never holds
// a reference to a publisher/subscriber object, only serialized
// records keyed by id, per spec.md §9 "Cyclic references".
type registry struct {
	mu sync.RWMutex

	publishers  map[string]pstypes.PublisherRecord
	subscribers map[string]pstypes.SubscriberRecord

	pubsByTopic map[string]map[string]struct{}
	subsByTopic map[string]map[string]struct{}
}

func newRegistry() *registry {
	return &registry{
		publishers:  make(map[string]pstypes.PublisherRecord),
		subscribers: make(map[string]pstypes.SubscriberRecord),
		pubsByTopic: make(map[string]map[string]struct{}),
		subsByTopic: make(map[string]map[string]struct{}),
	}
}

// addPublisher inserts or replaces a publisher record (duplicate ids
// are tolerated as re-registration, per spec.md §4.2). On
// re-registration the old record's topic entries are replaced by the
// new record's.
func (r *registry) addPublisher(rec pstypes.PublisherRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.publishers[rec.ID]; ok {
		r.removeFromTopicsLocked(r.pubsByTopic, old.ID, old.Topics)
	}
	r.publishers[rec.ID] = rec
	r.addToTopicsLocked(r.pubsByTopic, rec.ID, rec.Topics)
}

func (r *registry) removePublisher(id string) (pstypes.PublisherRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.publishers[id]
	if !ok {
		return pstypes.PublisherRecord{}, false
	}
	delete(r.publishers, id)
	r.removeFromTopicsLocked(r.pubsByTopic, id, rec.Topics)
	return rec, true
}

func (r *registry) addSubscriber(rec pstypes.SubscriberRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.subscribers[rec.ID]; ok {
		r.removeFromTopicsLocked(r.subsByTopic, old.ID, old.Topics)
	}
	r.subscribers[rec.ID] = rec
	r.addToTopicsLocked(r.subsByTopic, rec.ID, rec.Topics)
}

func (r *registry) removeSubscriber(id string) (pstypes.SubscriberRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.subscribers[id]
	if !ok {
		return pstypes.SubscriberRecord{}, false
	}
	delete(r.subscribers, id)
	r.removeFromTopicsLocked(r.subsByTopic, id, rec.Topics)
	return rec, true
}

func (r *registry) addToTopicsLocked(idx map[string]map[string]struct{}, id string, topics []string) {
	for _, t := range topics {
		if idx[t] == nil {
			idx[t] = make(map[string]struct{})
		}
		idx[t][id] = struct{}{}
	}
}

func (r *registry) removeFromTopicsLocked(idx map[string]map[string]struct{}, id string, topics []string) {
	for _, t := range topics {
		delete(idx[t], id)
		if len(idx[t]) == 0 {
			delete(idx, t)
		}
	}
}

func (r *registry) hasPublisher(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.publishers[id]
	return ok
}

func (r *registry) hasSubscriber(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscribers[id]
	return ok
}

// publisherIDs returns a snapshot of current publisher ids.
func (r *registry) publisherIDs() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{}, len(r.publishers))
	for id := range r.publishers {
		out[id] = struct{}{}
	}
	return out
}

func (r *registry) subscriberIDs() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{}, len(r.subscribers))
	for id := range r.subscribers {
		out[id] = struct{}{}
	}
	return out
}

// dominatingPublishers returns publishers on topic whose offered
// history satisfies requested (spec.md §4.2 "Dominance matchmaking").
// Ties are included; an empty slice is a valid, non-error result.
func (r *registry) dominatingPublishers(topic string, requested int) []pstypes.PublisherRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []pstypes.PublisherRecord
	for id := range r.pubsByTopic[topic] {
		if p, ok := r.publishers[id]; ok && p.Dominates(requested) {
			out = append(out, p)
		}
	}
	return out
}

// subscribersInterestedIn returns subscribers on topic for which
// publisher's offered dominates their requested size.
func (r *registry) subscribersInterestedIn(topic string, offered int) []pstypes.SubscriberRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []pstypes.SubscriberRecord
	for id := range r.subsByTopic[topic] {
		if s, ok := r.subscribers[id]; ok && offered >= s.Requested {
			out = append(out, s)
		}
	}
	return out
}

// hasSubscribersForTopic reports whether any subscriber still lists topic.
func (r *registry) hasSubscribersForTopic(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subsByTopic[topic]) > 0
}

// numPublishers and numSubscribers feed update_current_load (spec.md §4.2).
func (r *registry) numPublishers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.publishers)
}

func (r *registry) numSubscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

func decodePublisher(id string, data []byte) (pstypes.PublisherRecord, error) {
	var rec pstypes.PublisherRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return pstypes.PublisherRecord{}, err
	}
	rec.ID = id
	return rec, nil
}

func decodeSubscriber(id string, data []byte) (pstypes.SubscriberRecord, error) {
	var rec pstypes.SubscriberRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return pstypes.SubscriberRecord{}, err
	}
	rec.ID = id
	return rec, nil
}
