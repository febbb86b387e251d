package store

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is a reference, in-memory LocalStore used by the bus's own
// tests and by cmd/cachebusd's demo mode. It is intentionally
// simplistic — this module's job is the bus, not a production entity
// store — but it implements every operation the consumer state
// machine and listener surface call through, so end-to-end scenarios
// can run without a real downstream database.
type MemStore struct {
	mu           sync.Mutex
	initialized  bool
	groups       map[int64]*memGroup
	groupsByType map[string]*memGroup
	relations    map[int64]*memRelation

	// Invocation counters, used by tests to assert silent-mode
	// behavior without a mock framework.
	ResetCalls              int
	ResetGroupCalls         map[int64]int
	NotifyExpiredCalls      int
	MethodValueUpdateCalls  int
	MethodValueDeleteCalls  int
}

// NewMemStore builds an empty store, not yet initialized.
func NewMemStore() *MemStore {
	return &MemStore{
		groups:          make(map[int64]*memGroup),
		groupsByType:    make(map[string]*memGroup),
		relations:       make(map[int64]*memRelation),
		ResetGroupCalls: make(map[int64]int),
	}
}

// SetInitialized marks the store ready to accept bus mutations.
func (s *MemStore) SetInitialized(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = v
}

func (s *MemStore) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// DefineGroup registers a new entity group. distribute marks whether
// the group is distribute-eligible; caching marks whether it
// additionally maintains a per-object cache.
func (s *MemStore) DefineGroup(groupID int64, groupType string, distribute, caching bool) *memGroup {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := &memGroup{
		store:      s,
		groupID:    groupID,
		groupType:  groupType,
		distribute: distribute,
		caching:    caching,
		objects:    make(map[int64]map[string]any),
	}
	s.groups[groupID] = g
	s.groupsByType[groupType] = g
	return g
}

// DefineRelation registers a new relation, backed by an authoritative
// reload function invoked on RESET.
func (s *MemStore) DefineRelation(relationID int64, reload func(ctx context.Context) ([]Pair, error)) *memRelation {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &memRelation{relationID: relationID, reload: reload}
	s.relations[relationID] = r
	return r
}

func (s *MemStore) GroupByType(groupType string) (Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groupsByType[groupType]
	return g, ok
}

func (s *MemStore) GroupByID(groupID int64) (Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	return g, ok
}

func (s *MemStore) CachingGroupByID(groupID int64) (CachingGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok || !g.caching {
		return nil, false
	}
	return g, true
}

func (s *MemStore) RelationByID(relationID int64) (Relation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relations[relationID]
	return r, ok
}

func (s *MemStore) Reset(ctx context.Context, mode ApplyMode) error {
	s.mu.Lock()
	s.ResetCalls++
	groups := make([]*memGroup, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.Unlock()

	for _, g := range groups {
		g.clear()
	}
	return nil
}

func (s *MemStore) ResetGroup(ctx context.Context, groupID int64, mode ApplyMode) error {
	s.mu.Lock()
	s.ResetGroupCalls[groupID]++
	g, ok := s.groups[groupID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("store: unknown group %d", groupID)
	}
	g.clear()
	return nil
}

func (s *MemStore) NotifyListenersCacheObjectExpired(ctx context.Context, broadcast bool, groupType string, objectID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NotifyExpiredCalls++
	return nil
}

func (s *MemStore) MethodValueCacheUpdate(ctx context.Context, groupType string, objectID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MethodValueUpdateCalls++
	return nil
}

func (s *MemStore) MethodValueCacheDelete(ctx context.Context, groupType string, objectID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MethodValueDeleteCalls++
	return nil
}

// memGroup implements both Group and CachingGroup.
type memGroup struct {
	store      *MemStore
	mu         sync.Mutex
	groupID    int64
	groupType  string
	distribute bool
	caching    bool
	objects    map[int64]map[string]any
}

func (g *memGroup) GroupNumber() int64 { return g.groupID }
func (g *memGroup) Type() string       { return g.groupType }
func (g *memGroup) Distribute() bool   { return g.distribute }

func (g *memGroup) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects = make(map[int64]map[string]any)
}

func (g *memGroup) Get(ctx context.Context, objectID int64) (any, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	obj, ok := g.objects[objectID]
	return obj, ok, nil
}

func (g *memGroup) NewObjectFromMap(props map[string]any) (any, error) {
	clone := make(map[string]any, len(props))
	for k, v := range props {
		clone[k] = v
	}
	return clone, nil
}

func (g *memGroup) AddToCache(ctx context.Context, entity any) error {
	obj, ok := entity.(map[string]any)
	if !ok {
		return fmt.Errorf("store: entity is not a property map")
	}
	id := entityID(obj)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[id] = obj
	return nil
}

func (g *memGroup) UpdateObjectFromMap(ctx context.Context, entity any, props map[string]any) error {
	obj, ok := entity.(map[string]any)
	if !ok {
		return fmt.Errorf("store: entity is not a property map")
	}
	for k, v := range props {
		obj[k] = v
	}
	return nil
}

func (g *memGroup) Reorder(ctx context.Context, objectID int64) error {
	return nil
}

func (g *memGroup) RemoveFromCache(ctx context.Context, objectID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.objects, objectID)
	return nil
}

func (g *memGroup) WriteMap(ctx context.Context, entity any) (map[string]any, error) {
	obj, ok := entity.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("store: entity is not a property map")
	}
	clone := make(map[string]any, len(obj))
	for k, v := range obj {
		clone[k] = v
	}
	return clone, nil
}

// memRelation implements Relation over an in-memory pair set.
type memRelation struct {
	mu         sync.Mutex
	relationID int64
	pairs      []Pair
	reload     func(ctx context.Context) ([]Pair, error)
}

func (r *memRelation) Add(ctx context.Context, left, right int64, mode ApplyMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, Pair{LeftID: left, RightID: right})
	return nil
}

func (r *memRelation) AddAll(ctx context.Context, pairs []Pair, mode ApplyMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, pairs...)
	return nil
}

func (r *memRelation) Clear(ctx context.Context, mode ApplyMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = nil
	return nil
}

func (r *memRelation) Remove(ctx context.Context, left, right int64, mode ApplyMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pairs[:0]
	for _, p := range r.pairs {
		if p.LeftID == left && p.RightID == right {
			continue
		}
		out = append(out, p)
	}
	r.pairs = out
	return nil
}

func (r *memRelation) RemoveAll(ctx context.Context, pairs []Pair, mode ApplyMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	remove := make(map[Pair]bool, len(pairs))
	for _, p := range pairs {
		remove[p] = true
	}
	out := r.pairs[:0]
	for _, p := range r.pairs {
		if remove[p] {
			continue
		}
		out = append(out, p)
	}
	r.pairs = out
	return nil
}

func (r *memRelation) RemoveLeftValue(ctx context.Context, left int64, mode ApplyMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pairs[:0]
	for _, p := range r.pairs {
		if p.LeftID == left {
			continue
		}
		out = append(out, p)
	}
	r.pairs = out
	return nil
}

func (r *memRelation) RemoveRightValue(ctx context.Context, right int64, mode ApplyMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pairs[:0]
	for _, p := range r.pairs {
		if p.RightID == right {
			continue
		}
		out = append(out, p)
	}
	r.pairs = out
	return nil
}

func (r *memRelation) ReplaceAll(ctx context.Context, pairs []Pair, mode ApplyMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append([]Pair(nil), pairs...)
	return nil
}

func (r *memRelation) Reset(ctx context.Context, mode ApplyMode) error {
	if r.reload == nil {
		r.mu.Lock()
		r.pairs = nil
		r.mu.Unlock()
		return nil
	}
	pairs, err := r.reload(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.pairs = pairs
	r.mu.Unlock()
	return nil
}

func (r *memRelation) Size(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs), nil
}

// Pairs returns a snapshot of the relation's current members, for
// test assertions.
func (r *memRelation) Pairs() []Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Pair(nil), r.pairs...)
}
