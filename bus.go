package weaver

import (
	"log/slog"
	"sync"
)

const (
	defaultBusBuffer   = 512 // replay ring per thread
	subscriberQueueLen = 64
)

// BusOption configures a Bus.
type BusOption func(*Bus)

// BusBuffer sets the per-thread replay ring size.
func BusBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

func BusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bus fans turn events out to subscribers, one ordered stream per thread.
// Publishing never blocks on consumers: a subscriber that falls more than
// subscriberQueueLen events behind is cut loose with a single dropped
// marker, after which it must re-subscribe from its last seen seq.
type Bus struct {
	mu      sync.Mutex
	threads map[string]*busTopic
	bufSize int
	logger  *slog.Logger
}

type busTopic struct {
	mu   sync.Mutex
	seq  uint64
	ring []Event // capacity bufSize, oldest first
	subs map[*Subscription]struct{}
}

// Subscription is one subscriber's view of a thread stream. Read from C; it
// closes after a dropped marker or when the thread is closed. Call Close when
// done reading.
type Subscription struct {
	C <-chan Event

	bus      *Bus
	topic    *busTopic
	threadID string
	ch       chan Event
	done     chan struct{}
	doneOnce sync.Once
	chOnce   sync.Once
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		threads: make(map[string]*busTopic),
		bufSize: defaultBusBuffer,
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) topic(threadID string) *busTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[threadID]
	if !ok {
		t = &busTopic{subs: make(map[*Subscription]struct{})}
		b.threads[threadID] = t
	}
	return t
}

// Emit publishes an event on a thread and returns its seq. Assigning the seq
// and appending to the ring happen atomically, so replay order always matches
// live order.
func (b *Bus) Emit(threadID string, typ EventType, data any) uint64 {
	t := b.topic(threadID)
	t.mu.Lock()
	t.seq++
	ev := Event{
		Seq:       t.seq,
		EventID:   NewID(),
		Timestamp: NowUnix(),
		Type:      typ,
		Data:      data,
	}
	if len(t.ring) == b.bufSize {
		t.ring = t.ring[1:]
	}
	t.ring = append(t.ring, ev)

	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			// slow consumer: evict with a marker rather than stall the turn
			delete(t.subs, sub)
			go sub.drop(ev.Seq)
		}
	}
	t.mu.Unlock()
	return ev.Seq
}

// drop delivers the dropped marker once the consumer frees a slot, then
// closes the stream. Runs after the subscription is detached from the topic.
func (s *Subscription) drop(atSeq uint64) {
	s.bus.logger.Warn("subscriber dropped", "thread", s.threadID, "seq", atSeq)
	marker := Event{
		Seq:       atSeq,
		EventID:   NewID(),
		Timestamp: NowUnix(),
		Type:      EventDropped,
	}
	select {
	case s.ch <- marker:
	case <-s.done:
	}
	s.chOnce.Do(func() { close(s.ch) })
}

// Subscribe attaches to a thread stream. Events still held in the replay ring
// with seq > afterSeq are delivered first, then live events follow without
// gap or duplication. Pass 0 to start from the oldest buffered event.
func (b *Bus) Subscribe(threadID string, afterSeq uint64) *Subscription {
	t := b.topic(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()

	var replay []Event
	for _, ev := range t.ring {
		if ev.Seq > afterSeq {
			replay = append(replay, ev)
		}
	}
	ch := make(chan Event, subscriberQueueLen+len(replay))
	sub := &Subscription{
		C:        ch,
		bus:      b,
		topic:    t,
		threadID: threadID,
		ch:       ch,
		done:     make(chan struct{}),
	}
	for _, ev := range replay {
		ch <- ev
	}
	t.subs[sub] = struct{}{}
	return sub
}

// Close detaches the subscription. Safe to call multiple times and
// concurrently with Emit.
func (s *Subscription) Close() {
	s.topic.mu.Lock()
	delete(s.topic.subs, s)
	s.topic.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// CloseThread terminates all subscribers of a thread and frees its replay
// ring. Callers emit the terminal done or error event first.
func (b *Bus) CloseThread(threadID string) {
	b.mu.Lock()
	t, ok := b.threads[threadID]
	if ok {
		delete(b.threads, threadID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[*Subscription]struct{})
	t.mu.Unlock()
	for _, sub := range subs {
		sub.doneOnce.Do(func() { close(sub.done) })
		sub.chOnce.Do(func() { close(sub.ch) })
	}
}

// Close terminates every thread stream. Used at shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.threads))
	for id := range b.threads {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.CloseThread(id)
	}
}

// LastSeq returns the highest seq published on a thread, 0 if none.
func (b *Bus) LastSeq(threadID string) uint64 {
	b.mu.Lock()
	t, ok := b.threads[threadID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}
