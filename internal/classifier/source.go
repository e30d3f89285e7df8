package classifier

import (
	"context"
	"sync"
	"time"
)

// Poller fetches the current status of a placed call from the backend.
type Poller interface {
	FetchCall(ctx context.Context, callID string) (Observation, error)
}

// PollSource observes a call by polling the backend on every Observe.
type PollSource struct {
	poller Poller
	callID string
}

// NewPollSource returns a Source that polls callID through p.
func NewPollSource(p Poller, callID string) *PollSource {
	return &PollSource{poller: p, callID: callID}
}

// Observe fetches the current call status.
func (s *PollSource) Observe(ctx context.Context) (Observation, error) {
	return s.poller.FetchCall(ctx, s.callID)
}

// defaultPushIdle is how long Observe waits for a pushed event before repeating the last one.
const defaultPushIdle = 250 * time.Millisecond

// PushSource observes a call from asynchronously pushed status events. When no new event
// arrives within its idle window, Observe repeats the most recent observation, so the
// classifier sees the same sampled view of the call it would get from polling.
type PushSource struct {
	events chan Observation
	idle   time.Duration

	mu   sync.Mutex
	last Observation
}

// NewPushSource returns a PushSource with the given event buffer size and idle window.
func NewPushSource(buffer int, idle time.Duration) *PushSource {
	if buffer <= 0 {
		buffer = 16
	}
	if idle <= 0 {
		idle = defaultPushIdle
	}
	return &PushSource{
		events: make(chan Observation, buffer),
		idle:   idle,
		last:   Observation{Status: StatusQueued},
	}
}

// Push enqueues an event. It never blocks; when the buffer is full the oldest event is dropped.
func (s *PushSource) Push(o Observation) {
	for {
		select {
		case s.events <- o:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

// Observe returns the next pushed event, or the last one seen after the idle window.
func (s *PushSource) Observe(ctx context.Context) (Observation, error) {
	t := time.NewTimer(s.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Observation{}, ctx.Err()
	case o := <-s.events:
		s.mu.Lock()
		s.last = o
		s.mu.Unlock()
		return o, nil
	case <-t.C:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.last, nil
	}
}

const (
	// earlyTTL bounds how long events for a not-yet-registered call are kept for replay.
	earlyTTL = time.Minute
	// earlyLimit caps the call ids tracked before registration and after unregistration.
	earlyLimit = 1024
	// earlyPerCallLimit caps the events held per call id; the oldest is dropped first.
	earlyPerCallLimit = 16
)

type earlyEvents struct {
	at  time.Time
	obs []Observation
}

// PushHub routes webhook status events to the PushSource waiting on a provider call id.
// Events that arrive before the call is registered (the callback raced the placement
// response) are held and replayed on Register; events after unregister are dropped.
type PushHub struct {
	mu      sync.Mutex
	sources map[string]*PushSource
	early   map[string]*earlyEvents
	retired map[string]time.Time
	now     func() time.Time
}

// NewPushHub returns an empty hub.
func NewPushHub() *PushHub {
	return &PushHub{
		sources: make(map[string]*PushSource),
		early:   make(map[string]*earlyEvents),
		retired: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Register creates a PushSource for callID, seeded with any events published for it before
// registration. The returned func must be called to unregister it.
func (h *PushHub) Register(callID string) (*PushSource, func()) {
	src := NewPushSource(0, 0)
	h.mu.Lock()
	h.sources[callID] = src
	delete(h.retired, callID)
	if e, ok := h.early[callID]; ok {
		delete(h.early, callID)
		if h.now().Sub(e.at) < earlyTTL {
			for _, o := range e.obs {
				src.Push(o)
			}
		}
	}
	h.mu.Unlock()
	return src, func() {
		h.mu.Lock()
		if h.sources[callID] == src {
			delete(h.sources, callID)
			now := h.now()
			if len(h.retired) >= earlyLimit {
				h.pruneLocked(now)
			}
			h.retired[callID] = now
		}
		h.mu.Unlock()
	}
}

// Publish delivers o to the source registered for callID. Returns false if none is registered;
// the event is then held for a later Register unless the call was already unregistered.
func (h *PushHub) Publish(callID string, o Observation) bool {
	if h == nil || callID == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if src, ok := h.sources[callID]; ok {
		src.Push(o)
		return true
	}
	if _, ok := h.retired[callID]; ok {
		return false
	}
	h.holdLocked(callID, o)
	return false
}

func (h *PushHub) holdLocked(callID string, o Observation) {
	now := h.now()
	e, ok := h.early[callID]
	if !ok {
		if len(h.early)+len(h.retired) >= earlyLimit {
			h.pruneLocked(now)
		}
		if len(h.early) >= earlyLimit {
			return
		}
		e = &earlyEvents{at: now}
		h.early[callID] = e
	}
	if len(e.obs) >= earlyPerCallLimit {
		e.obs = e.obs[1:]
	}
	e.obs = append(e.obs, o)
}

func (h *PushHub) pruneLocked(now time.Time) {
	for id, e := range h.early {
		if now.Sub(e.at) >= earlyTTL {
			delete(h.early, id)
		}
	}
	for id, at := range h.retired {
		if now.Sub(at) >= earlyTTL {
			delete(h.retired, id)
		}
	}
}
