package manager

import "sync"

// subscriberBufferSize is the channel buffer for each notification
// subscriber. Notifications are dropped if a subscriber falls this far
// behind.
const subscriberBufferSize = 256

// Notification kinds.
const (
	NoteTaskStarted  = "started"
	NoteTaskFinished = "finished"
	NoteTaskCanceled = "canceled"
	NoteProgress     = "progress"
	NoteProgressText = "progress_text"
)

// Notification is the payload delivered to watcher subscribers. Progress
// values are monotone per task; Canceled and Failed are only meaningful for
// NoteTaskFinished.
type Notification struct {
	Kind     string `json:"kind"`
	TaskID   string `json:"task_id"`
	Value    int64  `json:"value,omitempty"`
	Maximum  int64  `json:"maximum,omitempty"`
	Text     string `json:"text,omitempty"`
	Canceled bool   `json:"canceled,omitempty"`
	Failed   bool   `json:"failed,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Broker fans task notifications out to subscribers. It is safe for
// concurrent use. Subscribers that cannot keep up lose notifications rather
// than stalling the main loop.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan Notification
	nextID int
	closed bool
}

// NewBroker creates a new notification broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Notification)}
}

// Subscribe returns a channel that receives task notifications and an
// unsubscribe function. If the broker has been closed, the returned channel
// is immediately closed.
func (b *Broker) Subscribe() (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish sends a notification to all subscribers, dropping it for
// subscribers whose buffers are full.
func (b *Broker) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			// Drop for slow subscribers to avoid blocking the main loop.
		}
	}
}

// Close closes all subscriber channels. Future Subscribe calls return a
// closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
