package consumer

import (
	"context"

	"github.com/cachemgr/bus/internal/cachebus/events"
	"github.com/cachemgr/bus/internal/cachebus/store"
	"github.com/cachemgr/bus/pkg/logger"
	"go.uber.org/zap"
)

// StateMachine decodes events, looks up the target group or relation
// in the local store, and applies the mutation in a mode that does
// not re-fire the listener surface's broadcast.
type StateMachine struct {
	store store.LocalStore
	log   *logger.Logger
}

// NewStateMachine builds a state machine over the given local store.
func NewStateMachine(s store.LocalStore, log *logger.Logger) *StateMachine {
	return &StateMachine{store: s, log: log}
}

// Apply dispatches msg to the appropriate handler. Unknown groups,
// relations and actions are logged here and dropped with a nil error;
// errors from the store are returned without being logged, and the
// consumer logs them.
func (sm *StateMachine) Apply(ctx context.Context, msg events.BroadcastMessage) error {
	switch ev := msg.(type) {
	case events.CacheEvent:
		return sm.applyCacheEvent(ctx, ev)
	case events.RelationEvent:
		return sm.applyRelationEvent(ctx, ev)
	default:
		sm.log.Warn("cachebus: unrecognized broadcast message type, dropping")
		return nil
	}
}

func (sm *StateMachine) applyCacheEvent(ctx context.Context, ev events.CacheEvent) error {
	switch ev.Action {
	case events.CacheFullReset:
		// Disabled at the sender but honored on receipt for
		// compatibility with peers running an older version.
		return sm.store.Reset(ctx, store.RemoteApplyMode)

	case events.CacheGroupReset:
		if _, ok := sm.store.GroupByID(ev.GroupID); !ok {
			sm.log.Info("cachebus: GROUP_RESET for unknown group, peer may be newer", zap.Int64("group_id", ev.GroupID))
			return nil
		}
		return sm.store.ResetGroup(ctx, ev.GroupID, store.RemoteApplyMode)

	case events.CacheObjectReset:
		return sm.applyObjectReset(ctx, ev)

	case events.CacheObjectRemove:
		return sm.applyObjectRemove(ctx, ev)

	default:
		sm.log.Warn("cachebus: unknown cache action, dropping", zap.String("action", string(ev.Action)))
		return nil
	}
}

func (sm *StateMachine) applyObjectReset(ctx context.Context, ev events.CacheEvent) error {
	group, ok := sm.store.GroupByID(ev.GroupID)
	if !ok {
		sm.log.Info("cachebus: OBJECT_RESET for unknown group, peer may be newer", zap.Int64("group_id", ev.GroupID))
		return nil
	}

	cachingGroup, ok := group.(store.CachingGroup)
	if !ok {
		// This peer keeps the group as a non-caching member of the
		// store; some peers cache it, this one doesn't. No-op.
		return nil
	}

	existing, found, err := cachingGroup.Get(ctx, ev.ObjectID)
	if err != nil {
		return err
	}

	if !found {
		entity, err := cachingGroup.NewObjectFromMap(ev.ObjectProperties)
		if err != nil {
			return err
		}
		if err := cachingGroup.AddToCache(ctx, entity); err != nil {
			return err
		}
	} else {
		if err := cachingGroup.UpdateObjectFromMap(ctx, existing, ev.ObjectProperties); err != nil {
			return err
		}
		if err := cachingGroup.Reorder(ctx, ev.ObjectID); err != nil {
			return err
		}
	}

	if err := sm.store.NotifyListenersCacheObjectExpired(ctx, false, group.Type(), ev.ObjectID); err != nil {
		return err
	}

	// Called unconditionally after either branch: whether this is an
	// oversight or intentional in the source is unclear, so it is
	// replicated as observed rather than guessed at.
	return sm.store.MethodValueCacheUpdate(ctx, group.Type(), ev.ObjectID)
}

func (sm *StateMachine) applyObjectRemove(ctx context.Context, ev events.CacheEvent) error {
	group, ok := sm.store.GroupByID(ev.GroupID)
	if !ok {
		sm.log.Info("cachebus: OBJECT_REMOVE for unknown group, peer may be newer", zap.Int64("group_id", ev.GroupID))
		return nil
	}

	cachingGroup, ok := group.(store.CachingGroup)
	if !ok {
		return nil
	}

	if err := cachingGroup.RemoveFromCache(ctx, ev.ObjectID); err != nil {
		return err
	}

	return sm.store.MethodValueCacheDelete(ctx, group.Type(), ev.ObjectID)
}

func (sm *StateMachine) applyRelationEvent(ctx context.Context, ev events.RelationEvent) error {
	rel, ok := sm.store.RelationByID(ev.RelationID)
	if !ok {
		sm.log.Info("cachebus: relation event for unknown relation, peer may be newer", zap.Int64("relation_id", ev.RelationID))
		return nil
	}

	mode := store.RemoteApplyMode
	pairs := toStorePairs(ev.Relation)

	switch ev.Action {
	case events.RelationAdd:
		return rel.Add(ctx, ev.LeftID, ev.RightID, mode)
	case events.RelationAddAll:
		return rel.AddAll(ctx, pairs, mode)
	case events.RelationClear:
		return rel.Clear(ctx, mode)
	case events.RelationRemove:
		return rel.Remove(ctx, ev.LeftID, ev.RightID, mode)
	case events.RelationRemoveAll:
		return rel.RemoveAll(ctx, pairs, mode)
	case events.RelationRemoveLeft:
		return rel.RemoveLeftValue(ctx, ev.LeftID, mode)
	case events.RelationRemoveRight:
		return rel.RemoveRightValue(ctx, ev.RightID, mode)
	case events.RelationReplaceAll:
		return rel.ReplaceAll(ctx, pairs, mode)
	case events.RelationReset:
		return rel.Reset(ctx, mode)
	default:
		sm.log.Warn("cachebus: unknown relation action, dropping", zap.String("action", string(ev.Action)))
		return nil
	}
}

func toStorePairs(in []events.Pair) []store.Pair {
	if len(in) == 0 {
		return nil
	}
	out := make([]store.Pair, len(in))
	for i, p := range in {
		out[i] = store.Pair{LeftID: p.LeftID, RightID: p.RightID}
	}
	return out
}
