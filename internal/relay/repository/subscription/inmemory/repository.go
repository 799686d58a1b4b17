package inmemory

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/streamparty/watchsync/internal/relay/repository"
)

type repo struct {
	mu      sync.RWMutex
	byRef   map[string]repository.Subscription
	byTopic map[string]map[string]repository.Subscription
}

func NewRepo() *repo {
	return &repo{
		byRef:   make(map[string]repository.Subscription),
		byTopic: make(map[string]map[string]repository.Subscription),
	}
}

func (r *repo) Add(sub repository.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byRef[sub.Ref]; exists {
		return repository.ErrSubAlreadyExists
	}

	r.byRef[sub.Ref] = sub
	if r.byTopic[sub.Topic] == nil {
		r.byTopic[sub.Topic] = make(map[string]repository.Subscription)
	}
	r.byTopic[sub.Topic][sub.Ref] = sub

	return nil
}

func (r *repo) GetByRef(ref string) (repository.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.byRef[ref]
	if !ok {
		return repository.Subscription{}, repository.ErrSubNotFound
	}
	return sub, nil
}

func (r *repo) GetByTopic(topic string) []repository.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]repository.Subscription, 0, len(r.byTopic[topic]))
	for _, sub := range r.byTopic[topic] {
		subs = append(subs, sub)
	}
	return subs
}

func (r *repo) RemoveByRef(ref string) (repository.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byRef[ref]
	if !ok {
		return repository.Subscription{}, repository.ErrSubNotFound
	}

	r.removeLocked(sub)
	return sub, nil
}

// RemoveByConn removes every subscription held by the given socket and
// returns them, used when a socket drops without leaving its topics.
func (r *repo) RemoveByConn(conn *websocket.Conn) []repository.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []repository.Subscription
	for _, sub := range r.byRef {
		if sub.Conn == conn {
			removed = append(removed, sub)
		}
	}
	for _, sub := range removed {
		r.removeLocked(sub)
	}

	return removed
}

func (r *repo) removeLocked(sub repository.Subscription) {
	delete(r.byRef, sub.Ref)
	if refs, ok := r.byTopic[sub.Topic]; ok {
		delete(refs, sub.Ref)
		if len(refs) == 0 {
			delete(r.byTopic, sub.Topic)
		}
	}
}
