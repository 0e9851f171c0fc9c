// Package relay multiplexes structured events from project-scoped sources to
// project-scoped subscribers, with bounded replay buffers for reconnects.
package relay

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibedev/vibedev/internal/common/config"
	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/pkg/events"
)

// ErrResyncRequired is returned when a subscriber asks to replay from a
// sequence number that has fallen out of the retained buffer. The client
// must take a full snapshot from storage instead of replaying events.
var ErrResyncRequired = errors.New("requested sequence no longer buffered, full resync required")

// Subscription is one subscriber's ordered view of a project's events.
// The channel is closed when the subscriber is dropped for falling behind
// or explicitly unsubscribed.
type Subscription struct {
	ID        string
	ProjectID string
	C         <-chan *events.StructuredEvent

	ch chan *events.StructuredEvent
}

// projectStream holds the per-project sequence counter, retained ring and
// live subscribers, all guarded by a per-project lock
type projectStream struct {
	mu   sync.Mutex
	seq  uint64
	ring *ring
	subs map[string]*Subscription
}

// Relay is the real-time multiplexing hub
type Relay struct {
	mu       sync.RWMutex
	projects map[string]*projectStream

	ringSize  int
	queueSize int
	logger    *logger.Logger

	// onPublish, when set, observes every event under the project's publish
	// lock, so invocations follow sequence order. Used for persistence and
	// bus mirroring; the hook must not call back into the relay.
	onPublish func(*events.StructuredEvent)
}

// NewRelay creates a relay with the configured retention and per-subscriber
// queue bounds
func NewRelay(cfg config.RelayConfig, log *logger.Logger) *Relay {
	ringSize := cfg.RingSize
	if ringSize <= 0 {
		ringSize = 1000
	}
	queueSize := cfg.SubscriberQueue
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Relay{
		projects:  make(map[string]*projectStream),
		ringSize:  ringSize,
		queueSize: queueSize,
		logger:    log.WithFields(zap.String("component", "session-relay")),
	}
}

// SetPublishHook registers a synchronous observer for published events.
// Must be called before any Publish.
func (r *Relay) SetPublishHook(fn func(*events.StructuredEvent)) {
	r.onPublish = fn
}

func (r *Relay) stream(projectID string) *projectStream {
	r.mu.RLock()
	ps, ok := r.projects[projectID]
	r.mu.RUnlock()
	if ok {
		return ps
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok = r.projects[projectID]; ok {
		return ps
	}
	ps = &projectStream{
		ring: newRing(r.ringSize),
		subs: make(map[string]*Subscription),
	}
	r.projects[projectID] = ps
	return ps
}

// Publish assigns the project's next sequence number to the event and
// delivers it to every current subscriber. Publication never blocks: a
// subscriber whose queue is full is disconnected instead.
func (r *Relay) Publish(ev *events.StructuredEvent) uint64 {
	ps := r.stream(ev.ProjectID)

	ps.mu.Lock()
	ps.seq++
	ev.Sequence = ps.seq
	ps.ring.append(ev)

	var dropped []*Subscription
	for _, sub := range ps.subs {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(ps.subs, sub.ID)
		close(sub.ch)
	}
	if r.onPublish != nil {
		r.onPublish(ev)
	}
	ps.mu.Unlock()

	for _, sub := range dropped {
		r.logger.Warn("disconnected slow subscriber",
			zap.String("project_id", ev.ProjectID),
			zap.String("subscription_id", sub.ID))
	}
	return ev.Sequence
}

// Subscribe returns an ordered stream of the project's events, replaying
// buffered events with sequence greater than fromSeq before continuing live.
// Returns ErrResyncRequired when fromSeq predates the retained buffer.
func (r *Relay) Subscribe(projectID string, fromSeq uint64) (*Subscription, error) {
	ps := r.stream(projectID)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	// The ring only remembers what survived eviction; anything published
	// before the retained window cannot be replayed.
	replay, ok := ps.ring.since(fromSeq)
	if !ok {
		return nil, ErrResyncRequired
	}

	sub := &Subscription{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		ch:        make(chan *events.StructuredEvent, len(replay)+r.queueSize),
	}
	sub.C = sub.ch

	for _, ev := range replay {
		sub.ch <- ev
	}
	ps.subs[sub.ID] = sub

	return sub, nil
}

// SubscribeLive subscribes from the current head of the stream, with no
// replay
func (r *Relay) SubscribeLive(projectID string) *Subscription {
	ps := r.stream(projectID)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	sub := &Subscription{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		ch:        make(chan *events.StructuredEvent, r.queueSize),
	}
	sub.C = sub.ch
	ps.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (r *Relay) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	ps := r.stream(sub.ProjectID)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, ok := ps.subs[sub.ID]; ok {
		delete(ps.subs, sub.ID)
		close(sub.ch)
	}
}

// CurrentSequence returns the last assigned sequence number for a project
func (r *Relay) CurrentSequence(projectID string) uint64 {
	ps := r.stream(projectID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.seq
}

// SubscriberCount returns the number of live subscribers for a project
func (r *Relay) SubscriberCount(projectID string) int {
	ps := r.stream(projectID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.subs)
}

// DropProject discards the project's stream, disconnecting all subscribers.
// Called when a project is terminated.
func (r *Relay) DropProject(projectID string) {
	r.mu.Lock()
	ps, ok := r.projects[projectID]
	if ok {
		delete(r.projects, projectID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	for id, sub := range ps.subs {
		delete(ps.subs, id)
		close(sub.ch)
	}
}
