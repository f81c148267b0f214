package events

import (
	"context"
	"io"
	"sync"
	"time"

	"storyreel/internal/models"
)

const defaultHistory = 256

// Bus is a per-process broadcast channel for log events.
type Bus struct {
	mu      sync.Mutex
	topics  map[string]*topic
	history int
	now     func() time.Time
}

type topic struct {
	seq     int64
	closed  bool
	recent  []models.LogEvent
	subs    map[*Subscription]struct{}
	history int
}

// NewBus creates a bus that keeps the last history events of every process
// for replay to late subscribers.
func NewBus(history int) *Bus {
	if history <= 0 {
		history = defaultHistory
	}
	return &Bus{
		topics:  make(map[string]*topic),
		history: history,
		now:     time.Now,
	}
}

func (b *Bus) topicLocked(processID string) *topic {
	t, ok := b.topics[processID]
	if !ok {
		t = &topic{
			subs:    make(map[*Subscription]struct{}),
			history: b.history,
		}
		b.topics[processID] = t
	}
	return t
}

// Publish assigns the next sequence number and fans the event out to every
// attached subscriber. It never blocks on slow readers. Events published
// after Close are dropped.
func (b *Bus) Publish(processID string, evt models.LogEvent) models.LogEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(processID)
	if t.closed {
		return evt
	}

	t.seq++
	evt.ProcessID = processID
	evt.Sequence = t.seq
	if evt.Time.IsZero() {
		evt.Time = b.now()
	}
	if evt.Kind == "" {
		evt.Kind = models.EventInfo
	}

	t.recent = append(t.recent, evt)
	if len(t.recent) > t.history {
		t.recent = append(t.recent[:0:0], t.recent[len(t.recent)-t.history:]...)
	}

	for s := range t.subs {
		s.push(evt)
	}
	return evt
}

// Subscribe attaches a new subscriber. The recent window is replayed first,
// then live events follow without gaps.
func (b *Bus) Subscribe(processID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(processID)
	s := &Subscription{
		bus:       b,
		processID: processID,
		queue:     append([]models.LogEvent(nil), t.recent...),
		notify:    make(chan struct{}, 1),
		ended:     t.closed,
	}
	if !t.closed {
		t.subs[s] = struct{}{}
	}
	s.signal()
	return s
}

// Close ends the stream for processID. Subscribers drain what is queued and
// then see io.EOF.
func (b *Bus) Close(processID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(processID)
	if t.closed {
		return
	}
	t.closed = true
	for s := range t.subs {
		s.end()
		delete(t.subs, s)
	}
}

// Forget drops all state kept for processID.
func (b *Bus) Forget(processID string) {
	b.Close(processID)

	b.mu.Lock()
	delete(b.topics, processID)
	b.mu.Unlock()
}

func (b *Bus) detach(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[s.processID]; ok {
		delete(t.subs, s)
		// A topic opened only by subscribers holds nothing worth keeping.
		if len(t.subs) == 0 && t.seq == 0 && !t.closed {
			delete(b.topics, s.processID)
		}
	}
}

// Subscription is one reader attached to a process stream.
type Subscription struct {
	bus       *Bus
	processID string

	mu     sync.Mutex
	queue  []models.LogEvent
	ended  bool
	notify chan struct{}
	once   sync.Once
}

func (s *Subscription) push(evt models.LogEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available. It returns io.EOF once the
// stream is closed and fully drained, or the context error.
func (s *Subscription) Next(ctx context.Context) (models.LogEvent, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue[0] = models.LogEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return evt, nil
		}
		ended := s.ended
		s.mu.Unlock()

		if ended {
			return models.LogEvent{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return models.LogEvent{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the subscriber. Publishers are unaffected.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.detach(s)
		s.end()
	})
}
