// Package scheduler paces chunk requests across all transfers with a global
// slot budget and a FIFO backlog.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/sheerbytes/hostagent/internal/control"
)

// MaxSlots is the default number of chunk requests outstanding at once,
// shared by every transfer.
const MaxSlots = 20

// ChunkKey identifies one chunk of one transfer.
type ChunkKey struct {
	Path  string
	Index uint64
}

// Publisher delivers scheduler decisions to the remote sender.
type Publisher interface {
	ChunkRequest(path string, index uint64)
	Done(path string)
	Failed(path, reason string)
}

// Gauges receives scheduler occupancy after every change.
type Gauges interface {
	SetSlotsInUse(n int)
	SetBacklog(n int)
}

// Config configures the scheduler.
type Config struct {
	// MaxSlots bounds outstanding requests. Zero means MaxSlots.
	MaxSlots int
	// ChunkTimeout re-requests an outstanding chunk once it has been
	// outstanding this long. Zero disables re-requests.
	ChunkTimeout time.Duration
}

// span is a run of queued chunk indexes [next, end) of one transfer.
type span struct {
	path string
	next uint64
	end  uint64
}

// Scheduler owns the slot pool and backlog. It is driven by a single
// goroutine and is not safe for concurrent use.
type Scheduler struct {
	maxSlots    int
	timeout     time.Duration
	pub         Publisher
	gauges      Gauges
	logger      *slog.Logger
	backlog     []span
	queued      uint64
	outstanding map[ChunkKey]time.Time
	now         func() time.Time
}

// New creates a scheduler with every slot free.
func New(cfg Config, pub Publisher, gauges Gauges, logger *slog.Logger) *Scheduler {
	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = MaxSlots
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		maxSlots:    cfg.MaxSlots,
		timeout:     cfg.ChunkTimeout,
		pub:         pub,
		gauges:      gauges,
		logger:      logger,
		outstanding: make(map[ChunkKey]time.Time),
		now:         time.Now,
	}
}

// Available returns the number of free slots.
func (s *Scheduler) Available() int { return s.maxSlots - len(s.outstanding) }

// Backlog returns the number of queued requests waiting for a slot.
func (s *Scheduler) Backlog() int { return clampInt(s.queued) }

// Outstanding reports whether a request for key is in flight.
func (s *Scheduler) Outstanding(key ChunkKey) bool {
	_, ok := s.outstanding[key]
	return ok
}

// Handle applies one control message. Messages outside the scheduler's
// vocabulary indicate a wiring bug and panic.
func (s *Scheduler) Handle(msg control.Message) {
	switch m := msg.(type) {
	case control.ChunkQueued:
		s.Queue(m.Path, m.Index)
	case control.ChunksQueued:
		s.QueueAll(m.Path, m.Count)
	case control.ChunkReady:
		s.Ready(m.Path, m.Index)
	case control.TransferDone:
		s.Done(m.Path)
	case control.TransferFailed:
		s.Fail(m.Path, m.Reason)
	default:
		panic(fmt.Sprintf("scheduler: unexpected control message %T", msg))
	}
}

// Queue appends a request to the backlog and dispatches while slots are free.
func (s *Scheduler) Queue(path string, index uint64) {
	s.enqueue(span{path: path, next: index, end: index + 1})
}

// QueueAll appends requests for chunks 0 through count-1 of path. The
// backlog holds them as one range, so the cost does not grow with count.
func (s *Scheduler) QueueAll(path string, count uint64) {
	if count == 0 {
		return
	}
	s.enqueue(span{path: path, end: count})
}

func (s *Scheduler) enqueue(sp span) {
	s.backlog = append(s.backlog, sp)
	s.queued += sp.end - sp.next
	s.dispatch()
}

// Ready releases the slot held by the request for (path, index). A Ready for
// a request that is not outstanding is ignored.
func (s *Scheduler) Ready(path string, index uint64) {
	key := ChunkKey{Path: path, Index: index}
	if _, ok := s.outstanding[key]; !ok {
		s.logger.Debug("ignoring ready for chunk not outstanding", "path", path, "index", index)
		return
	}
	delete(s.outstanding, key)
	s.dispatch()
}

// Done announces a completed transfer and releases anything it still holds.
func (s *Scheduler) Done(path string) {
	s.forget(path)
	s.pub.Done(path)
	s.dispatch()
}

// Fail announces a failed transfer and releases anything it still holds.
func (s *Scheduler) Fail(path, reason string) {
	s.forget(path)
	s.pub.Failed(path, reason)
	s.dispatch()
}

// Expire re-requests every outstanding chunk older than the chunk timeout.
// The request keeps its slot. It returns the number of re-requests.
func (s *Scheduler) Expire(now time.Time) int {
	if s.timeout <= 0 {
		return 0
	}
	var stale []ChunkKey
	for key, at := range s.outstanding {
		if now.Sub(at) >= s.timeout {
			stale = append(stale, key)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		if stale[i].Path != stale[j].Path {
			return stale[i].Path < stale[j].Path
		}
		return stale[i].Index < stale[j].Index
	})
	for _, key := range stale {
		s.outstanding[key] = now
		s.logger.Warn("chunk request timed out, requesting again", "path", key.Path, "index", key.Index)
		s.pub.ChunkRequest(key.Path, key.Index)
	}
	return len(stale)
}

// Run consumes in until ctx is cancelled or in is closed.
func (s *Scheduler) Run(ctx context.Context, in <-chan control.Message) error {
	var tick <-chan time.Time
	if s.timeout > 0 {
		interval := s.timeout / 2
		if interval <= 0 {
			interval = s.timeout
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			s.Handle(msg)
		case now := <-tick:
			s.Expire(now)
		}
	}
}

func (s *Scheduler) dispatch() {
	for len(s.outstanding) < s.maxSlots && len(s.backlog) > 0 {
		head := &s.backlog[0]
		key := ChunkKey{Path: head.path, Index: head.next}
		head.next++
		s.queued--
		if head.next == head.end {
			s.backlog[0] = span{}
			s.backlog = s.backlog[1:]
		}
		s.outstanding[key] = s.now()
		s.pub.ChunkRequest(key.Path, key.Index)
	}
	s.report()
}

// forget drops queued and outstanding requests for path.
func (s *Scheduler) forget(path string) {
	kept := s.backlog[:0]
	for _, sp := range s.backlog {
		if sp.path != path {
			kept = append(kept, sp)
			continue
		}
		s.queued -= sp.end - sp.next
	}
	for i := len(kept); i < len(s.backlog); i++ {
		s.backlog[i] = span{}
	}
	s.backlog = kept
	for key := range s.outstanding {
		if key.Path == path {
			delete(s.outstanding, key)
		}
	}
}

func (s *Scheduler) report() {
	if s.gauges == nil {
		return
	}
	s.gauges.SetSlotsInUse(len(s.outstanding))
	s.gauges.SetBacklog(s.Backlog())
}

func clampInt(n uint64) int {
	if n > math.MaxInt {
		return math.MaxInt
	}
	return int(n)
}
