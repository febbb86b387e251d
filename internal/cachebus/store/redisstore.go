package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cachemgr/bus/pkg/logger"
	"github.com/cachemgr/bus/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RedisStore is a LocalStore backed by Redis: entity groups are
// stored as JSON blobs under "group:<id>:obj:<objectId>", relations
// as Redis sets of "<left>:<right>" members under "rel:<id>". It is
// adapted from the teacher's cache-aside RedisCache (single-flight
// dedup, jittered TTL) repurposed to store entity/relation state
// instead of generic byte blobs, so the demo binary has something
// real for OBJECT_RESET/RESET to read and write.
type RedisStore struct {
	client redis.UniversalClient
	sf     singleflight.Group
	ttl    time.Duration
	log    *logger.Logger
	m      *metrics.Metrics

	mu           sync.Mutex
	initialized  bool
	groups       map[int64]*redisGroup
	groupsByType map[string]*redisGroup
	relations    map[int64]*redisRelation
}

// RedisStoreOptions configures the backing Redis connection.
type RedisStoreOptions struct {
	Addresses []string
	Password  string
	DB        int
	PoolSize  int
	TTL       time.Duration
}

// NewRedisStore connects a RedisStore. Group and relation
// definitions are registered afterward via DefineGroup/DefineRelation
// exactly as with MemStore — the store's topology is static
// application config, only the entity/relation contents live in Redis.
func NewRedisStore(opts RedisStoreOptions, log *logger.Logger, m *metrics.Metrics) *RedisStore {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        opts.Addresses,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MinIdleConns: 10,
	})

	return &RedisStore{
		client:       client,
		ttl:          opts.TTL,
		log:          log,
		m:            m,
		groups:       make(map[int64]*redisGroup),
		groupsByType: make(map[string]*redisGroup),
		relations:    make(map[int64]*redisRelation),
	}
}

// Ping verifies connectivity, mirroring the teacher's health-check
// pattern.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) SetInitialized(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = v
}

func (s *RedisStore) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *RedisStore) DefineGroup(groupID int64, groupType string, distribute, caching bool) *redisGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &redisGroup{store: s, groupID: groupID, groupType: groupType, distribute: distribute, caching: caching}
	s.groups[groupID] = g
	s.groupsByType[groupType] = g
	return g
}

func (s *RedisStore) DefineRelation(relationID int64, reload func(ctx context.Context) ([]Pair, error)) *redisRelation {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &redisRelation{store: s, relationID: relationID, reload: reload}
	s.relations[relationID] = r
	return r
}

func (s *RedisStore) GroupByType(groupType string) (Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groupsByType[groupType]
	return g, ok
}

func (s *RedisStore) GroupByID(groupID int64) (Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	return g, ok
}

func (s *RedisStore) CachingGroupByID(groupID int64) (CachingGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok || !g.caching {
		return nil, false
	}
	return g, true
}

func (s *RedisStore) RelationByID(relationID int64) (Relation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relations[relationID]
	return r, ok
}

func (s *RedisStore) Reset(ctx context.Context, mode ApplyMode) error {
	s.mu.Lock()
	groups := make([]*redisGroup, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.Unlock()

	for _, g := range groups {
		if err := g.clear(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) ResetGroup(ctx context.Context, groupID int64, mode ApplyMode) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("store: unknown group %d", groupID)
	}
	return g.clear(ctx)
}

func (s *RedisStore) NotifyListenersCacheObjectExpired(ctx context.Context, broadcast bool, groupType string, objectID int64) error {
	s.log.Debug("local listeners notified of silent update",
		zap.String("group_type", groupType),
		zap.Int64("object_id", objectID),
		zap.Bool("broadcast", broadcast),
	)
	return nil
}

func (s *RedisStore) MethodValueCacheUpdate(ctx context.Context, groupType string, objectID int64) error {
	return s.client.Del(ctx, methodValueKey(groupType, objectID)).Err()
}

func (s *RedisStore) MethodValueCacheDelete(ctx context.Context, groupType string, objectID int64) error {
	return s.client.Del(ctx, methodValueKey(groupType, objectID)).Err()
}

func methodValueKey(groupType string, objectID int64) string {
	return fmt.Sprintf("mvc:%s:%d", groupType, objectID)
}

func (s *RedisStore) jitteredTTL() time.Duration {
	if s.ttl <= 0 {
		return 0
	}
	jitter, err := rand.Int(rand.Reader, big.NewInt(int64(s.ttl/10+1)))
	if err != nil {
		return s.ttl
	}
	return s.ttl + time.Duration(jitter.Int64())
}

type redisGroup struct {
	store      *RedisStore
	groupID    int64
	groupType  string
	distribute bool
	caching    bool
}

func (g *redisGroup) GroupNumber() int64 { return g.groupID }
func (g *redisGroup) Type() string       { return g.groupType }
func (g *redisGroup) Distribute() bool   { return g.distribute }

func (g *redisGroup) objectKey(objectID int64) string {
	return fmt.Sprintf("group:%d:obj:%d", g.groupID, objectID)
}

func (g *redisGroup) clear(ctx context.Context) error {
	pattern := fmt.Sprintf("group:%d:obj:*", g.groupID)
	iter := g.store.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 1000 {
			if err := g.store.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return g.store.client.Del(ctx, keys...).Err()
	}
	return nil
}

func (g *redisGroup) Get(ctx context.Context, objectID int64) (any, bool, error) {
	val, err := g.store.client.Get(ctx, g.objectKey(objectID)).Bytes()
	if err == redis.Nil {
		if g.store.m != nil {
			g.store.m.CacheMisses.Inc()
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if g.store.m != nil {
		g.store.m.CacheHits.Inc()
	}

	var props map[string]any
	if err := json.Unmarshal(val, &props); err != nil {
		return nil, false, err
	}
	return props, true, nil
}

func (g *redisGroup) NewObjectFromMap(props map[string]any) (any, error) {
	clone := make(map[string]any, len(props))
	for k, v := range props {
		clone[k] = v
	}
	return clone, nil
}

func (g *redisGroup) AddToCache(ctx context.Context, entity any) error {
	obj, ok := entity.(map[string]any)
	if !ok {
		return fmt.Errorf("store: entity is not a property map")
	}
	id := entityID(obj)

	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		if g.store.m != nil {
			g.store.m.CacheSetDuration.Observe(time.Since(start).Seconds())
		}
	}()

	return g.store.client.Set(ctx, g.objectKey(id), data, g.store.jitteredTTL()).Err()
}

func (g *redisGroup) UpdateObjectFromMap(ctx context.Context, entity any, props map[string]any) error {
	obj, ok := entity.(map[string]any)
	if !ok {
		return fmt.Errorf("store: entity is not a property map")
	}
	for k, v := range props {
		obj[k] = v
	}
	id := entityID(obj)

	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return g.store.client.Set(ctx, g.objectKey(id), data, g.store.jitteredTTL()).Err()
}

// entityID reads an entity's "id" attribute. A property map decoded
// from JSON carries numbers as float64, so both forms are accepted.
func entityID(obj map[string]any) int64 {
	switch v := obj["id"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func (g *redisGroup) Reorder(ctx context.Context, objectID int64) error {
	return nil
}

func (g *redisGroup) RemoveFromCache(ctx context.Context, objectID int64) error {
	return g.store.client.Del(ctx, g.objectKey(objectID)).Err()
}

func (g *redisGroup) WriteMap(ctx context.Context, entity any) (map[string]any, error) {
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

type redisRelation struct {
	store      *RedisStore
	relationID int64
	reload     func(ctx context.Context) ([]Pair, error)
}

func (r *redisRelation) setKey() string { return fmt.Sprintf("rel:%d", r.relationID) }

func member(p Pair) string {
	return strconv.FormatInt(p.LeftID, 10) + ":" + strconv.FormatInt(p.RightID, 10)
}

func parseMember(s string) (Pair, bool) {
	left, right, ok := strings.Cut(s, ":")
	if !ok {
		return Pair{}, false
	}
	l, err1 := strconv.ParseInt(left, 10, 64)
	r, err2 := strconv.ParseInt(right, 10, 64)
	if err1 != nil || err2 != nil {
		return Pair{}, false
	}
	return Pair{LeftID: l, RightID: r}, true
}

func (r *redisRelation) Add(ctx context.Context, left, right int64, mode ApplyMode) error {
	return r.store.client.SAdd(ctx, r.setKey(), member(Pair{LeftID: left, RightID: right})).Err()
}

func (r *redisRelation) AddAll(ctx context.Context, pairs []Pair, mode ApplyMode) error {
	if len(pairs) == 0 {
		return nil
	}
	members := make([]any, len(pairs))
	for i, p := range pairs {
		members[i] = member(p)
	}
	return r.store.client.SAdd(ctx, r.setKey(), members...).Err()
}

func (r *redisRelation) Clear(ctx context.Context, mode ApplyMode) error {
	return r.store.client.Del(ctx, r.setKey()).Err()
}

func (r *redisRelation) Remove(ctx context.Context, left, right int64, mode ApplyMode) error {
	return r.store.client.SRem(ctx, r.setKey(), member(Pair{LeftID: left, RightID: right})).Err()
}

func (r *redisRelation) RemoveAll(ctx context.Context, pairs []Pair, mode ApplyMode) error {
	if len(pairs) == 0 {
		return nil
	}
	members := make([]any, len(pairs))
	for i, p := range pairs {
		members[i] = member(p)
	}
	return r.store.client.SRem(ctx, r.setKey(), members...).Err()
}

func (r *redisRelation) members(ctx context.Context) ([]string, error) {
	return r.store.client.SMembers(ctx, r.setKey()).Result()
}

func (r *redisRelation) RemoveLeftValue(ctx context.Context, left int64, mode ApplyMode) error {
	members, err := r.members(ctx)
	if err != nil {
		return err
	}
	var toRemove []any
	for _, m := range members {
		if p, ok := parseMember(m); ok && p.LeftID == left {
			toRemove = append(toRemove, m)
		}
	}
	if len(toRemove) == 0 {
		return nil
	}
	return r.store.client.SRem(ctx, r.setKey(), toRemove...).Err()
}

func (r *redisRelation) RemoveRightValue(ctx context.Context, right int64, mode ApplyMode) error {
	members, err := r.members(ctx)
	if err != nil {
		return err
	}
	var toRemove []any
	for _, m := range members {
		if p, ok := parseMember(m); ok && p.RightID == right {
			toRemove = append(toRemove, m)
		}
	}
	if len(toRemove) == 0 {
		return nil
	}
	return r.store.client.SRem(ctx, r.setKey(), toRemove...).Err()
}

func (r *redisRelation) ReplaceAll(ctx context.Context, pairs []Pair, mode ApplyMode) error {
	pipe := r.store.client.TxPipeline()
	pipe.Del(ctx, r.setKey())
	if len(pairs) > 0 {
		members := make([]any, len(pairs))
		for i, p := range pairs {
			members[i] = member(p)
		}
		pipe.SAdd(ctx, r.setKey(), members...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisRelation) Reset(ctx context.Context, mode ApplyMode) error {
	if r.reload == nil {
		return r.store.client.Del(ctx, r.setKey()).Err()
	}

	_, err, _ := r.store.sf.Do(r.setKey(), func() (any, error) {
		pairs, err := r.reload(ctx)
		if err != nil {
			return nil, err
		}
		return nil, r.ReplaceAll(ctx, pairs, mode)
	})
	return err
}

func (r *redisRelation) Size(ctx context.Context) (int, error) {
	n, err := r.store.client.SCard(ctx, r.setKey()).Result()
	return int(n), err
}
