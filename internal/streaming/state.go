package streaming

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
)

// Response is the per-uuid render state. Fields below mu are guarded by mu;
// the pending queue has its own lock so Submit never waits on a render.
type Response struct {
	ID      string
	Channel string
	created time.Time

	mu             sync.Mutex
	accumulated    string
	accumulatedLen int // in runes
	lastEditAt     time.Time
	touched        time.Time
	complete       bool // last_chunk or response_complete seen
	finalized      bool // response_complete rendered
	active         *activeMessage
	evicted        bool // set under both locks once removed from the store

	qmu      sync.Mutex
	pending  []bus.OutboundChunk
	draining bool
}

type activeMessage struct {
	msg    Message
	typing Indicator
}

// Snapshot is a copy of a response's state.
type Snapshot struct {
	Text       string
	Complete   bool
	Finalized  bool
	MessageID  string
	LastEditAt time.Time
}

// Snapshot returns the current state under the response lock.
func (r *Response) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Text:       r.accumulated,
		Complete:   r.complete,
		Finalized:  r.finalized,
		LastEditAt: r.lastEditAt,
	}
	if r.active != nil {
		s.MessageID = r.active.msg.ID()
	}
	return s
}

func (r *Response) stopTyping() {
	if r.active != nil && r.active.typing != nil {
		r.active.typing.Stop()
	}
}

// StoreOptions bounds the number and age of tracked responses.
type StoreOptions struct {
	CompletedTTL time.Duration
	IdleTTL      time.Duration
	MaxTracked   int
	TombstoneTTL time.Duration // how long late chunks for an evicted id are dropped
}

// Store maps response ids to state. Creation is atomic per id and
// different ids never contend.
type Store struct {
	opts       StoreOptions
	responses  sync.Map // uuid string → *Response
	tombstones sync.Map // uuid string → eviction time.Time
	count      atomic.Int64
}

// NewStore creates a store; zero options fall back to 5m/30m/4096/10m.
func NewStore(opts StoreOptions) *Store {
	if opts.CompletedTTL <= 0 {
		opts.CompletedTTL = 5 * time.Minute
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 30 * time.Minute
	}
	if opts.MaxTracked <= 0 {
		opts.MaxTracked = 4096
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = 10 * time.Minute
	}
	return &Store{opts: opts}
}

// GetOrCreate returns the state for id, creating it on first use. It returns
// false for an id evicted within TombstoneTTL; such chunks must be dropped.
func (s *Store) GetOrCreate(id, channel string, now time.Time) (*Response, bool) {
	if v, ok := s.responses.Load(id); ok {
		return v.(*Response), true
	}
	if _, gone := s.tombstones.Load(id); gone {
		return nil, false
	}
	fresh := &Response{ID: id, Channel: channel, created: now, touched: now}
	v, loaded := s.responses.LoadOrStore(id, fresh)
	if !loaded {
		s.count.Add(1)
	}
	return v.(*Response), true
}

// Get returns the state for id if tracked.
func (s *Store) Get(id string) (*Response, bool) {
	v, ok := s.responses.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Response), true
}

// Forget drops the state for id and stops its typing indicator.
func (s *Store) Forget(id string) {
	v, ok := s.responses.LoadAndDelete(id)
	if !ok {
		return
	}
	s.count.Add(-1)
	r := v.(*Response)
	r.qmu.Lock()
	r.mu.Lock()
	r.evicted = true
	r.stopTyping()
	r.mu.Unlock()
	r.qmu.Unlock()
}

// Len reports the number of tracked responses.
func (s *Store) Len() int { return int(s.count.Load()) }

type sweepCandidate struct {
	id      string
	r       *Response
	touched time.Time
}

// Sweep evicts expired responses, then drops the oldest complete ones while
// more than MaxTracked remain. Streams still in flight are never evicted by
// the cap, and responses that are rendering or have queued chunks are
// skipped. Returns the number evicted.
func (s *Store) Sweep(now time.Time) int {
	s.tombstones.Range(func(k, v any) bool {
		if now.Sub(v.(time.Time)) > s.opts.TombstoneTTL {
			s.tombstones.Delete(k)
		}
		return true
	})

	evicted := 0
	var complete []sweepCandidate
	s.responses.Range(func(k, v any) bool {
		id, r := k.(string), v.(*Response)
		if s.evict(id, r, now, false) {
			evicted++
			return true
		}
		if r.mu.TryLock() {
			if r.complete {
				complete = append(complete, sweepCandidate{id: id, r: r, touched: r.touched})
			}
			r.mu.Unlock()
		}
		return true
	})

	over := s.Len() - s.opts.MaxTracked
	if over <= 0 {
		return evicted
	}
	sort.Slice(complete, func(i, j int) bool {
		return complete[i].touched.Before(complete[j].touched)
	})
	for _, c := range complete {
		if over <= 0 {
			break
		}
		if s.evict(c.id, c.r, now, true) {
			evicted++
			over--
		}
	}
	return evicted
}

// evict removes r if it has expired, or if capped is set and r is complete.
// Both locks are held from the check to the delete, so a concurrent Submit
// either queues first (and r is skipped) or observes r.evicted.
func (s *Store) evict(id string, r *Response, now time.Time, capped bool) bool {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if r.draining || len(r.pending) > 0 || !r.mu.TryLock() {
		return false
	}
	defer r.mu.Unlock()

	idle := now.Sub(r.touched)
	expired := idle > s.opts.IdleTTL || (r.complete && idle > s.opts.CompletedTTL)
	if !expired && !(capped && r.complete) {
		return false
	}
	s.tombstones.Store(id, now)
	if !s.responses.CompareAndDelete(id, r) {
		s.tombstones.Delete(id)
		return false
	}
	s.count.Add(-1)
	r.evicted = true
	r.stopTyping()
	return true
}
