package jobs

import (
	"errors"
	"sync"

	"github.com/vaibh/video-transcription/internal/types"
)

// ErrJobClosed is returned when publishing to a job whose terminal event
// has already been delivered. The runner never does this; hitting it
// means a programming error.
var ErrJobClosed = errors.New("job event channel closed")

// Broadcaster fans progress events for one job out to any number of
// subscribers. It keeps the last published event so a late joiner
// immediately sees the current state before live events.
type Broadcaster struct {
	mu     sync.Mutex
	latest *types.ProgressEvent
	subs   map[*Subscription]struct{}
	closed bool
}

func newBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[*Subscription]struct{}),
	}
}

// Publish delivers one event to every attached subscriber, in publish
// order per subscriber. A terminal event closes the broadcaster; only
// late-joiner replay of the final event is served afterwards.
func (b *Broadcaster) Publish(ev types.ProgressEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrJobClosed
	}

	latest := ev
	b.latest = &latest

	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	if ev.Terminal {
		b.closed = true
		b.subs = make(map[*Subscription]struct{})
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.push(ev)
	}
	return nil
}

// Subscribe attaches a new sink. The current latest event, if any, is
// queued before any subsequently published event. Subscribing to an
// already closed broadcaster yields the final event and then ends.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		events:   make(chan types.ProgressEvent),
		cancelch: make(chan struct{}),
		b:        b,
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.latest != nil {
		s.queue = append(s.queue, *b.latest)
		s.done = b.latest.Terminal
	}
	if !b.closed {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()

	go s.pump()
	return s
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one subscriber's ordered view of a job's events.
// Events are queued without bound so a slow consumer never stalls the
// publisher, and drained by a single pump goroutine.
type Subscription struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []types.ProgressEvent
	done      bool
	cancelled bool

	events   chan types.ProgressEvent
	cancelch chan struct{}
	once     sync.Once
	b        *Broadcaster
}

// Events streams this subscriber's events in publish order. The channel
// is closed after the terminal event, or after Close.
func (s *Subscription) Events() <-chan types.ProgressEvent {
	return s.events
}

// Close detaches the subscriber. No event is delivered after it returns
// to the broadcaster; a pending blocked delivery is abandoned.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.cond.Signal()
	s.once.Do(func() { close(s.cancelch) })
	s.b.remove(s)
}

func (s *Subscription) push(ev types.ProgressEvent) {
	s.mu.Lock()
	if !s.cancelled {
		s.queue = append(s.queue, ev)
		if ev.Terminal {
			s.done = true
		}
	}
	s.mu.Unlock()
	s.cond.Signal()
}

// pump moves queued events onto the subscriber channel one at a time,
// closing the channel once the terminal event is delivered or the
// subscriber detaches. It is the channel's only sender.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done && !s.cancelled {
			s.cond.Wait()
		}
		if s.cancelled {
			s.mu.Unlock()
			close(s.events)
			return
		}
		if len(s.queue) == 0 {
			// done and fully drained
			s.mu.Unlock()
			close(s.events)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- ev:
		case <-s.cancelch:
			close(s.events)
			return
		}
	}
}

// Hub owns one broadcaster per job id. Channels are created lazily on
// first publish or subscription. Closed channels stay resident with
// just their final event so late joiners still get terminal replay.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*Broadcaster
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]*Broadcaster),
	}
}

func (h *Hub) channel(jobID string) *Broadcaster {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.channels[jobID]
	if !ok {
		b = newBroadcaster()
		h.channels[jobID] = b
	}
	return b
}

// Publish forwards an event to the job's broadcaster.
func (h *Hub) Publish(ev types.ProgressEvent) error {
	return h.channel(ev.JobID).Publish(ev)
}

// Subscribe attaches to the job's broadcaster. Callers must verify the
// job exists first; subscribing creates the channel if needed.
func (h *Hub) Subscribe(jobID string) *Subscription {
	return h.channel(jobID).Subscribe()
}
