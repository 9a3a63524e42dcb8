package durability

import (
	"github.com/roach88/golemexec/internal/oplog"
)

// Mode is the execution mode of a worker.
type Mode int

const (
	// Live performs effects and records them.
	Live Mode = iota
	// Replay returns recorded results instead of performing effects.
	Replay
)

func (m Mode) String() string {
	if m == Replay {
		return "replay"
	}
	return "live"
}

// replayState is the replay cursor over the entries that existed when the
// worker was restarted.
//
// lastReplayed starts at Initial because the executor consumes Create
// itself. Replay is over once lastReplayed reaches target; the cursor
// jumps there as soon as only hints and skipped entries remain.
type replayState struct {
	entries      map[oplog.Index]oplog.Entry
	target       oplog.Index
	lastReplayed oplog.Index
	regions      *oplog.Regions
	onSkip       func(oplog.Index, oplog.Entry)
}

func newReplayState(records []oplog.Record, regions *oplog.Regions, onSkip func(oplog.Index, oplog.Entry)) *replayState {
	s := &replayState{
		entries:      make(map[oplog.Index]oplog.Entry, len(records)),
		lastReplayed: oplog.Initial,
		regions:      regions,
		onSkip:       onSkip,
	}
	for _, r := range records {
		s.entries[r.Index] = r.Entry
		if r.Index > s.target {
			s.target = r.Index
		}
	}
	if s.target < oplog.Initial {
		s.target = oplog.Initial
	}
	s.settle()
	return s
}

func (s *replayState) isReplay() bool {
	return s.lastReplayed < s.target
}

// nextIndex finds the first index at or after from that is neither skipped
// nor a hint.
func (s *replayState) nextIndex(from oplog.Index) (oplog.Index, bool) {
	idx := from
	for {
		idx = s.regions.NextNotSkipped(idx)
		if idx > s.target {
			return oplog.None, false
		}
		e, ok := s.entries[idx]
		if !ok {
			return oplog.None, false
		}
		if e.Kind().IsHint() {
			if s.onSkip != nil {
				s.onSkip(idx, e)
			}
			idx++
			continue
		}
		return idx, true
	}
}

func (s *replayState) settle() {
	if !s.isReplay() {
		return
	}
	if _, ok := s.nextIndex(s.lastReplayed.Next()); !ok {
		s.lastReplayed = s.target
	}
}

// next consumes the next replayable entry. ok is false when replay is over.
func (s *replayState) next() (oplog.Record, bool) {
	if !s.isReplay() {
		return oplog.Record{}, false
	}
	idx, ok := s.nextIndex(s.lastReplayed.Next())
	if !ok {
		s.lastReplayed = s.target
		return oplog.Record{}, false
	}
	s.lastReplayed = idx
	rec := oplog.Record{Index: idx, Entry: s.entries[idx]}
	s.settle()
	return rec, true
}

// peek returns the next replayable entry without consuming it.
func (s *replayState) peek() (oplog.Record, bool) {
	if !s.isReplay() {
		return oplog.Record{}, false
	}
	saved := s.onSkip
	s.onSkip = nil
	defer func() { s.onSkip = saved }()
	idx, ok := s.nextIndex(s.lastReplayed.Next())
	if !ok {
		return oplog.Record{}, false
	}
	return oplog.Record{Index: idx, Entry: s.entries[idx]}, true
}

// lookAhead scans the not yet replayed, non-skipped entries after from
// (exclusive) for the first one matching pred. Hints are included.
func (s *replayState) lookAhead(from oplog.Index, pred func(oplog.Index, oplog.Entry) bool) (oplog.Record, bool) {
	for idx := from.Next(); idx <= s.target; idx++ {
		if s.regions.Contains(idx) {
			continue
		}
		e, ok := s.entries[idx]
		if !ok {
			continue
		}
		if pred(idx, e) {
			return oplog.Record{Index: idx, Entry: e}, true
		}
	}
	return oplog.Record{}, false
}

func (s *replayState) switchToLive() {
	s.lastReplayed = s.target
}
