package orchestrator

import (
	"sync"
	"time"
)

// defaultBacklog is how many recent lines a late subscriber receives.
const defaultBacklog = 200

// subscriberBuffer is the per-subscriber channel size. Slow subscribers drop
// lines rather than stalling the runner.
const subscriberBuffer = 256

// OutputLine is one line of runner output.
type OutputLine struct {
	Stream string    `json:"stream"`
	Line   string    `json:"line"`
	Time   time.Time `json:"time"`
}

type stream struct {
	backlog []OutputLine
	subs    map[chan OutputLine]struct{}
	active  bool
}

// OutputHub fans live runner output out to subscribers, keyed by item ID.
type OutputHub struct {
	mu      sync.Mutex
	backlog int
	streams map[string]*stream
}

// NewOutputHub creates a hub keeping backlog recent lines per item.
func NewOutputHub(backlog int) *OutputHub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &OutputHub{backlog: backlog, streams: make(map[string]*stream)}
}

func (h *OutputHub) get(id string) *stream {
	s, ok := h.streams[id]
	if !ok {
		s = &stream{subs: make(map[chan OutputLine]struct{})}
		h.streams[id] = s
	}
	return s
}

// Begin marks the start of a run for id and clears the previous run's output.
func (h *OutputHub) Begin(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.get(id)
	s.backlog = nil
	s.active = true
}

// Publish delivers a line to every subscriber of id.
func (h *OutputHub) Publish(id, streamName, line string) {
	l := OutputLine{Stream: streamName, Line: line, Time: time.Now().UTC()}

	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.get(id)
	s.backlog = append(s.backlog, l)
	if over := len(s.backlog) - h.backlog; over > 0 {
		s.backlog = append(s.backlog[:0:0], s.backlog[over:]...)
	}
	for ch := range s.subs {
		select {
		case ch <- l:
		default:
		}
	}
}

// End marks the run for id finished and closes every subscriber channel.
// The backlog is kept so the last run can still be inspected.
func (h *OutputHub) End(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[id]
	if !ok {
		return
	}
	s.active = false
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
}

// Active reports whether a run for id is in progress.
func (h *OutputHub) Active(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[id]
	return ok && s.active
}

// Subscribe returns the current backlog and, while a run is active, a channel
// of new lines that is closed when the run ends. The channel is nil when no
// run is active. cancel must be called to release the subscription.
func (h *OutputHub) Subscribe(id string) (backlog []OutputLine, lines <-chan OutputLine, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.get(id)
	backlog = append([]OutputLine(nil), s.backlog...)
	if !s.active {
		return backlog, nil, func() {}
	}
	ch := make(chan OutputLine, subscriberBuffer)
	s.subs[ch] = struct{}{}
	var once sync.Once
	return backlog, ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
}
