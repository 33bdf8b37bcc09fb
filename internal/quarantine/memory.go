package quarantine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chris-regnier/warden/internal/verdict"
)

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

type slot struct {
	mu  sync.Mutex
	rec Record
	ok  bool
}

// MemoryStore keeps records in process. The map lock only guards slot
// creation; each record has its own lock for transitions.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[string]*slot
	opts  options
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		slots: make(map[string]*slot),
		opts:  buildOptions(opts),
	}
}

func (s *MemoryStore) slotFor(id string, create bool) *slot {
	s.mu.RLock()
	sl := s.slots[id]
	s.mu.RUnlock()
	if sl != nil || !create {
		return sl
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl = s.slots[id]; sl == nil {
		sl = &slot{}
		s.slots[id] = sl
	}
	return sl
}

func (s *MemoryStore) Flag(ctx context.Context, v verdict.Verdict) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if v.CandidateID == "" {
		return Record{}, fmt.Errorf("flag: verdict has no candidate id")
	}
	sl := s.slotFor(v.CandidateID, true)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	rec := sl.rec
	if !sl.ok {
		rec = Record{CandidateID: v.CandidateID}
	}
	rec = rec.clone()
	if err := apply(&rec, StateFlagged, &v, "scan verdict "+string(v.Action), s.opts.now()); err != nil {
		return Record{}, err
	}
	sl.rec, sl.ok = rec, true
	return rec.clone(), nil
}

func (s *MemoryStore) move(ctx context.Context, id string, to State, reason string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	sl := s.slotFor(id, false)
	if sl == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec := sl.rec.clone()
	if err := apply(&rec, to, nil, reason, s.opts.now()); err != nil {
		return Record{}, err
	}
	sl.rec = rec
	return rec.clone(), nil
}

func (s *MemoryStore) Quarantine(ctx context.Context, id, reason string) (Record, error) {
	return s.move(ctx, id, StateQuarantined, reason)
}

func (s *MemoryStore) Restore(ctx context.Context, id, reason string) (Record, error) {
	return s.move(ctx, id, StateRestored, reason)
}

func (s *MemoryStore) Remove(ctx context.Context, id, reason string) (Record, error) {
	return s.move(ctx, id, StateRemoved, reason)
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	sl := s.slotFor(id, false)
	if sl == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sl.rec.clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, states ...State) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.RUnlock()

	var out []Record
	for _, sl := range slots {
		sl.mu.Lock()
		if sl.ok && matchesStates(sl.rec.State, states) {
			out = append(out, sl.rec.clone())
		}
		sl.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CandidateID < out[j].CandidateID })
	return out, nil
}

func (s *MemoryStore) Active(ctx context.Context, id string) (bool, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return rec.Active(), nil
}
