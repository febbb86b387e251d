// Package listener implements the outbound half of the cache bus: the
// surface the local store calls into after it applies a local
// mutation, which decides whether and what to publish.
package listener

import (
	"context"

	"github.com/cachemgr/bus/internal/cachebus/events"
	"github.com/cachemgr/bus/internal/cachebus/store"
	"github.com/cachemgr/bus/pkg/logger"
	"github.com/cachemgr/bus/pkg/metrics"
	"go.uber.org/zap"
)

// Publisher is the outbound half of the bus the surface depends on.
// Satisfied by *publisher.Publisher; narrowed to an interface so
// tests can substitute a recorder.
type Publisher interface {
	Publish(ctx context.Context, msg events.BroadcastMessage) error
}

// RelationSizeLimiter decides whether a relation bulk operation's
// pair count is large enough to collapse to a RESET event rather than
// carrying the full payload on the wire. Injected so tests can force
// either extreme (always collapse / never collapse) without
// reconfiguring Surface.
type RelationSizeLimiter interface {
	ShouldCollapse(pairCount int) bool
}

// MaximumRelationSize is a RelationSizeLimiter backed by a single
// configured threshold — the CacheMessageManager.MaximumRelationSize
// configuration key.
type MaximumRelationSize int

func (m MaximumRelationSize) ShouldCollapse(pairCount int) bool {
	return pairCount > int(m)
}

// Surface is the bus's listener surface: the local store calls these
// methods after committing a mutation, and the surface decides
// whether the mutation is distribute-eligible and, if so, builds and
// publishes the corresponding event.
type Surface struct {
	store   store.LocalStore
	pub     Publisher
	limiter RelationSizeLimiter
	log     *logger.Logger
	m       *metrics.Metrics
}

// New builds a Surface. m may be nil to skip Prometheus counting.
func New(s store.LocalStore, pub Publisher, limiter RelationSizeLimiter, log *logger.Logger, m *metrics.Metrics) *Surface {
	return &Surface{store: s, pub: pub, limiter: limiter, log: log, m: m}
}

func (s *Surface) countAttempt(kind, action string) {
	if s.m != nil {
		s.m.EventsPublished.WithLabelValues(kind, action).Inc()
	}
}

func (s *Surface) countDropped(reason string) {
	if s.m != nil {
		s.m.EventsDropped.WithLabelValues(reason).Inc()
	}
}

// publish hands msg to the publisher and swallows any error: per the
// specification, publish failures are logged and the local mutation
// is already committed, so the bus offers best-effort eventual
// consistency rather than transactional coupling with the broker.
func (s *Surface) publish(ctx context.Context, msg events.BroadcastMessage) error {
	if err := s.pub.Publish(ctx, msg); err != nil {
		s.log.Info("cachebus: publish failed, coherence delayed until next mutation", zap.Error(err))
	}
	return nil
}

// CacheFullReset is a no-op on the wire: broadcasting a cluster-wide
// reset would cause a thundering herd against the database, so this
// is logged only.
func (s *Surface) CacheFullReset(ctx context.Context) {
	s.log.Info("cachebus: full reset requested locally, not broadcasting")
}

// CacheTypeReset publishes a GROUP_RESET if the group is
// distribute-eligible. It does not reset the local cache itself; the
// store has already done so before calling in.
func (s *Surface) CacheTypeReset(ctx context.Context, groupType string) error {
	group, ok := s.store.GroupByType(groupType)
	if !ok {
		s.log.Info("cachebus: type reset for unknown group type", zap.String("group_type", groupType))
		return nil
	}
	if !group.Distribute() {
		s.countDropped("not_distributed")
		return nil
	}

	s.countAttempt("cache", string(events.CacheGroupReset))
	return s.publish(ctx, events.CacheEvent{
		Action:  events.CacheGroupReset,
		GroupID: group.GroupNumber(),
	})
}

// CacheObjectExpired publishes an OBJECT_RESET carrying the entity's
// current attribute map. If the entity can no longer be resolved (it
// was removed between the store's update and this callback), the
// event is suppressed — a later RemoveFromCache call will carry the
// truth.
func (s *Surface) CacheObjectExpired(ctx context.Context, groupType string, objectID int64) error {
	group, ok := s.store.GroupByType(groupType)
	if !ok {
		s.log.Info("cachebus: object expired for unknown group type", zap.String("group_type", groupType))
		return nil
	}
	if !group.Distribute() {
		s.countDropped("not_distributed")
		return nil
	}

	cachingGroup, ok := group.(store.CachingGroup)
	if !ok {
		return nil
	}

	entity, found, err := cachingGroup.Get(ctx, objectID)
	if err != nil {
		return err
	}
	if !found {
		s.countDropped("entity_unresolvable")
		return nil
	}

	props, err := cachingGroup.WriteMap(ctx, entity)
	if err != nil {
		return err
	}

	s.countAttempt("cache", string(events.CacheObjectReset))
	return s.publish(ctx, events.CacheEvent{
		Action:           events.CacheObjectReset,
		GroupID:          group.GroupNumber(),
		ObjectID:         objectID,
		ObjectProperties: props,
	})
}

// RemoveFromCache publishes an OBJECT_REMOVE if the group is
// distribute-eligible.
func (s *Surface) RemoveFromCache(ctx context.Context, groupType string, objectID int64) error {
	group, ok := s.store.GroupByType(groupType)
	if !ok {
		s.log.Info("cachebus: remove from cache for unknown group type", zap.String("group_type", groupType))
		return nil
	}
	if !group.Distribute() {
		s.countDropped("not_distributed")
		return nil
	}

	s.countAttempt("cache", string(events.CacheObjectRemove))
	return s.publish(ctx, events.CacheEvent{
		Action:   events.CacheObjectRemove,
		GroupID:  group.GroupNumber(),
		ObjectID: objectID,
	})
}

// Add publishes a single relation ADD.
func (s *Surface) Add(ctx context.Context, relationID, left, right int64) error {
	s.countAttempt("relation", string(events.RelationAdd))
	return s.publish(ctx, events.RelationEvent{
		Action: events.RelationAdd, RelationID: relationID, LeftID: left, RightID: right,
	})
}

// AddAll publishes ADD_ALL, or RESET if pairs collapse the threshold.
func (s *Surface) AddAll(ctx context.Context, relationID int64, pairs []store.Pair) error {
	return s.publishBulk(ctx, relationID, events.RelationAddAll, pairs)
}

// Clear publishes a relation CLEAR.
func (s *Surface) Clear(ctx context.Context, relationID int64) error {
	s.countAttempt("relation", string(events.RelationClear))
	return s.publish(ctx, events.RelationEvent{Action: events.RelationClear, RelationID: relationID})
}

// Remove publishes a single relation REMOVE.
func (s *Surface) Remove(ctx context.Context, relationID, left, right int64) error {
	s.countAttempt("relation", string(events.RelationRemove))
	return s.publish(ctx, events.RelationEvent{
		Action: events.RelationRemove, RelationID: relationID, LeftID: left, RightID: right,
	})
}

// RemoveAll publishes REMOVE_ALL, or RESET if pairs collapse the threshold.
func (s *Surface) RemoveAll(ctx context.Context, relationID int64, pairs []store.Pair) error {
	return s.publishBulk(ctx, relationID, events.RelationRemoveAll, pairs)
}

// RemoveLeftValue publishes a relation REMOVE_LEFT.
func (s *Surface) RemoveLeftValue(ctx context.Context, relationID, left int64) error {
	s.countAttempt("relation", string(events.RelationRemoveLeft))
	return s.publish(ctx, events.RelationEvent{Action: events.RelationRemoveLeft, RelationID: relationID, LeftID: left})
}

// RemoveRightValue publishes a relation REMOVE_RIGHT.
func (s *Surface) RemoveRightValue(ctx context.Context, relationID, right int64) error {
	s.countAttempt("relation", string(events.RelationRemoveRight))
	return s.publish(ctx, events.RelationEvent{Action: events.RelationRemoveRight, RelationID: relationID, RightID: right})
}

// ReplaceAll publishes REPLACE_ALL, or RESET if pairs collapse the threshold.
func (s *Surface) ReplaceAll(ctx context.Context, relationID int64, pairs []store.Pair) error {
	return s.publishBulk(ctx, relationID, events.RelationReplaceAll, pairs)
}

// Reset publishes a relation RESET.
func (s *Surface) Reset(ctx context.Context, relationID int64) error {
	s.countAttempt("relation", string(events.RelationReset))
	return s.publish(ctx, events.RelationEvent{Action: events.RelationReset, RelationID: relationID})
}

// publishBulk implements the size-threshold collapse rule shared by
// AddAll, RemoveAll, and ReplaceAll: when the pair count exceeds the
// configured limiter's threshold, a RESET is published instead of the
// bulk action, carrying no pair payload. Consumers rebuild the
// relation from the authoritative source on receipt of RESET.
func (s *Surface) publishBulk(ctx context.Context, relationID int64, action events.RelationAction, pairs []store.Pair) error {
	if s.limiter != nil && s.limiter.ShouldCollapse(len(pairs)) {
		s.countAttempt("relation", string(events.RelationReset))
		s.log.Info("cachebus: relation bulk operation collapsed to RESET",
			zap.Int64("relation_id", relationID),
			zap.Int("pair_count", len(pairs)),
			zap.String("original_action", string(action)),
		)
		return s.publish(ctx, events.RelationEvent{Action: events.RelationReset, RelationID: relationID})
	}

	s.countAttempt("relation", string(action))
	return s.publish(ctx, events.RelationEvent{
		Action:     action,
		RelationID: relationID,
		Relation:   toEventPairs(pairs),
	})
}

func toEventPairs(in []store.Pair) []events.Pair {
	if len(in) == 0 {
		return nil
	}
	out := make([]events.Pair, len(in))
	for i, p := range in {
		out[i] = events.Pair{LeftID: p.LeftID, RightID: p.RightID}
	}
	return out
}
