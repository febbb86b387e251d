// Package store declares the contract the local entity/relation store
// must satisfy for the bus to apply remote mutations to it. The store
// itself — indexing, persistence, query semantics — is an external
// collaborator; this package only pins down the narrow surface the
// consumer state machine and listener surface call through.
package store

import "context"

// Origin distinguishes a mutation that originated on this node from
// one that arrived over the bus. The store operations below do not
// take an Origin; they take an ApplyMode, whose Broadcast flag carries
// the same local/remote decision.
type Origin int

const (
	// Local means the mutation originated in this process and should
	// still trigger an outbound broadcast once applied.
	Local Origin = iota
	// Remote means the mutation arrived from the bus and must not
	// re-trigger another broadcast (echo suppression at the store).
	Remote
)

// ApplyMode captures the three independent flags the reference
// implementation's relation operations accept. Broadcast is false for
// mutations that arrived over the bus (see RemoteApplyMode); Persist
// and Notify are orthogonal to where the mutation came from.
type ApplyMode struct {
	Broadcast bool
	Persist   bool
	Notify    bool
}

// RemoteApplyMode is what the consumer state machine always passes
// when applying a RelationEvent: never re-broadcast, always persist,
// always notify local listeners. See DESIGN.md for why this
// particular combination was chosen over the alternatives the source
// left ambiguous.
var RemoteApplyMode = ApplyMode{Broadcast: false, Persist: true, Notify: true}

// Group is a handle on one entity group in the local store.
type Group interface {
	GroupNumber() int64
	Type() string
	Distribute() bool
}

// CachingGroup is a Group that also maintains an in-memory cache of
// individual entities, addressable by object id.
type CachingGroup interface {
	Group
	Get(ctx context.Context, objectID int64) (any, bool, error)
	NewObjectFromMap(props map[string]any) (any, error)
	AddToCache(ctx context.Context, entity any) error
	UpdateObjectFromMap(ctx context.Context, entity any, props map[string]any) error
	Reorder(ctx context.Context, objectID int64) error
	RemoveFromCache(ctx context.Context, objectID int64) error
	// WriteMap serializes an entity's full attribute set, for the
	// listener surface to embed in an outbound OBJECT_RESET event.
	WriteMap(ctx context.Context, entity any) (map[string]any, error)
}

// Relation is a handle on one cached relation in the local store.
type Relation interface {
	Add(ctx context.Context, left, right int64, mode ApplyMode) error
	AddAll(ctx context.Context, pairs []Pair, mode ApplyMode) error
	Clear(ctx context.Context, mode ApplyMode) error
	Remove(ctx context.Context, left, right int64, mode ApplyMode) error
	RemoveAll(ctx context.Context, pairs []Pair, mode ApplyMode) error
	RemoveLeftValue(ctx context.Context, left int64, mode ApplyMode) error
	RemoveRightValue(ctx context.Context, right int64, mode ApplyMode) error
	ReplaceAll(ctx context.Context, pairs []Pair, mode ApplyMode) error
	Reset(ctx context.Context, mode ApplyMode) error
	Size(ctx context.Context) (int, error)
}

// Pair is a (left, right) relation member. Kept distinct from
// events.Pair so this package has no dependency on the wire format.
type Pair struct {
	LeftID  int64
	RightID int64
}

// LocalStore is the inbound contract the bus depends on: group and
// relation lookup, full/partial resets, and the two listener-refresh
// hooks the consumer state machine calls after applying a remote
// mutation.
type LocalStore interface {
	// Initialized reports whether the store has finished its own
	// startup. Messages arriving before this is true are discarded by
	// the bus at debug level rather than applied.
	Initialized() bool

	GroupByType(groupType string) (Group, bool)
	GroupByID(groupID int64) (Group, bool)

	CachingGroupByID(groupID int64) (CachingGroup, bool)

	RelationByID(relationID int64) (Relation, bool)

	// Reset clears every group's cache in silent mode.
	Reset(ctx context.Context, mode ApplyMode) error
	// ResetGroup clears a single group's cache in silent mode.
	ResetGroup(ctx context.Context, groupID int64, mode ApplyMode) error

	// NotifyListenersCacheObjectExpired tells local (in-process)
	// listeners that an object was refreshed, without re-broadcasting.
	NotifyListenersCacheObjectExpired(ctx context.Context, broadcast bool, groupType string, objectID int64) error

	// MethodValueCacheUpdate/Delete refresh derived method-value
	// caches for one entity.
	MethodValueCacheUpdate(ctx context.Context, groupType string, objectID int64) error
	MethodValueCacheDelete(ctx context.Context, groupType string, objectID int64) error
}
