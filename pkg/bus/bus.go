// Package bus is the in-process collaboration bus: per-file rooms with
// bounded fan-out. Publishing never blocks on a slow subscriber; a
// subscriber whose queue overflows is dropped from the room and has to
// rejoin. Ordering is FIFO per room, not total across rooms.
package bus

import (
	"log"
	"sort"
	"sync"
	"time"
)

// Event types pushed to joined rooms.
const (
	EventPresence     = "presence"
	EventCellUpdate   = "cell_update"
	EventLockAcquired = "lock_acquired"
	EventLockReleased = "lock_released"
	EventTMIndexState = "tm_index_state"
	EventTaskProgress = "task_progress"
)

// Event is one message delivered to room subscribers.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Subscriber receives room events on C until it leaves or is dropped
// for falling behind. A closed channel means the client must rejoin.
type Subscriber struct {
	hub    *Hub
	roomID string
	user   string
	ch     chan Event
	once   sync.Once
}

// C is the event stream.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// User is the identity given at join time.
func (s *Subscriber) User() string {
	return s.user
}

type room struct {
	subs map[*Subscriber]struct{}
}

// Hub owns all rooms.
type Hub struct {
	queueMax int
	grace    time.Duration

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub creates a hub. queueMax is the per-subscriber drop threshold.
func NewHub(queueMax int, disconnectGrace time.Duration) *Hub {
	if queueMax < 1 {
		queueMax = 256
	}
	return &Hub{
		queueMax: queueMax,
		grace:    disconnectGrace,
		rooms:    make(map[string]*room),
	}
}

// DisconnectGrace is the window transports get to flush before a
// subscriber is considered gone.
func (h *Hub) DisconnectGrace() time.Duration {
	return h.grace
}

// Join adds a subscriber to a room, creating the room on first join,
// and broadcasts updated presence.
func (h *Hub) Join(roomID, user string) *Subscriber {
	sub := &Subscriber{
		hub:    h,
		roomID: roomID,
		user:   user,
		ch:     make(chan Event, h.queueMax),
	}

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{subs: make(map[*Subscriber]struct{})}
		h.rooms[roomID] = r
	}
	r.subs[sub] = struct{}{}
	h.mu.Unlock()

	h.Publish(roomID, Event{Type: EventPresence, Payload: h.presence(roomID)})
	return sub
}

// Leave removes the subscriber and closes its channel. The room is
// destroyed when the last subscriber leaves.
func (h *Hub) Leave(sub *Subscriber) {
	h.mu.Lock()
	removed := h.removeLocked(sub)
	h.mu.Unlock()

	if removed {
		h.Publish(sub.roomID, Event{Type: EventPresence, Payload: h.presence(sub.roomID)})
	}
}

// removeLocked detaches sub from its room. Caller holds h.mu.
func (h *Hub) removeLocked(sub *Subscriber) bool {
	r, ok := h.rooms[sub.roomID]
	if !ok {
		return false
	}
	if _, member := r.subs[sub]; !member {
		return false
	}
	delete(r.subs, sub)
	if len(r.subs) == 0 {
		delete(h.rooms, sub.roomID)
	}
	sub.once.Do(func() { close(sub.ch) })
	return true
}

// Publish delivers an event to every subscriber of a room. Subscribers
// whose queue is full are dropped rather than blocking the publisher.
func (h *Hub) Publish(roomID string, ev Event) {
	var dropped []*Subscriber

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	for sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		h.removeLocked(sub)
	}
	h.mu.Unlock()

	for _, sub := range dropped {
		log.Printf("[Bus] dropped slow subscriber %s from room %s", sub.user, roomID)
		h.Publish(roomID, Event{Type: EventPresence, Payload: h.presence(roomID)})
	}
}

// Broadcast delivers an event to every room.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Publish(id, ev)
	}
}

// PresencePayload lists users currently in a room.
type PresencePayload struct {
	Users []string `json:"users"`
}

func (h *Hub) presence(roomID string) PresencePayload {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]struct{})
	if r, ok := h.rooms[roomID]; ok {
		for sub := range r.subs {
			seen[sub.user] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return PresencePayload{Users: users}
}

// RoomCount reports the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
