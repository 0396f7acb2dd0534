// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package reactor drives the shard replicas of a node through the roles
// their contracts assign.
package reactor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cubefs/branchdb/backfill"
	"github.com/cubefs/branchdb/branch"
	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/metrics"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/branchdb/store"
	"github.com/cubefs/branchdb/transport"
	"github.com/cubefs/branchdb/util/limiter"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
)

// Mailbox receives the contract updates of a node.
const Mailbox = "reactor"

const (
	defaultRetryIntervalMs    = 1000
	defaultMaxRetryIntervalMs = 30000
	defaultEventQueueSize     = 256

	// a cold replica keeps at most this many forwarded writes, later ones
	// are found missing and backfilled again
	maxPendingWrites = 4096
)

// ReplicationMailbox receives the writes a primary forwards to the
// secondaries of a shard.
func ReplicationMailbox(shardID uint32) string {
	return fmt.Sprintf("replication/%d", shardID)
}

type Config struct {
	RetryIntervalMs    int             `json:"retry_interval_ms"`
	MaxRetryIntervalMs int             `json:"max_retry_interval_ms"`
	EventQueueSize     int             `json:"event_queue_size"`
	BackfillConfig     backfill.Config `json:"backfill_config"`

	Transport      transport.Transport `json:"-"`
	History        *branch.History     `json:"-"`
	HistoryStorage branch.Storage      `json:"-"`
	// Coordinator is where contract acks are sent.
	Coordinator proto.Address `json:"-"`
}

func (cfg *Config) SetDefault() {
	if cfg.RetryIntervalMs <= 0 {
		cfg.RetryIntervalMs = defaultRetryIntervalMs
	}
	if cfg.MaxRetryIntervalMs < cfg.RetryIntervalMs {
		cfg.MaxRetryIntervalMs = defaultMaxRetryIntervalMs
		if cfg.MaxRetryIntervalMs < cfg.RetryIntervalMs {
			cfg.MaxRetryIntervalMs = cfg.RetryIntervalMs
		}
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = defaultEventQueueSize
	}
	cfg.BackfillConfig.SetDefault()
}

func (cfg *Config) retryDelay(attempts int) time.Duration {
	delay := time.Duration(cfg.RetryIntervalMs) * time.Millisecond
	max := time.Duration(cfg.MaxRetryIntervalMs) * time.Millisecond
	for i := 0; i < attempts && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}

// Reactor owns the shard replicas of one node.
type Reactor struct {
	cfg      *Config
	pool     taskpool.TaskPool
	limiter  limiter.Limiter
	node     proto.NodeID
	lock     sync.RWMutex
	shards   map[uint32]*shard
	mailbox  []proto.Address
	pruneMux sync.Mutex
	started  bool
	closed   bool
	closeMux sync.Mutex
}

func NewReactor(cfg *Config) *Reactor {
	cfg.SetDefault()
	bcfg := cfg.BackfillConfig
	return &Reactor{
		cfg:     cfg,
		pool:    taskpool.New(bcfg.MaxSessions, bcfg.MaxSessions),
		limiter: limiter.NewLimiter(bcfg.Limit),
		node:    cfg.Transport.NodeID(),
		shards:  make(map[uint32]*shard),
	}
}

// AddShard adds a replica of shard id stored in s. Shards are added before
// Start and start Inactive until a contract arrives.
func (r *Reactor) AddShard(ctx context.Context, id uint32, s store.StoreView) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.started {
		return apierrors.ErrShardNotFound
	}
	for _, sh := range r.shards {
		if sh.id == id || sh.region.Overlaps(s.Region()) {
			return apierrors.ErrRegionMismatch
		}
	}

	sh := newShard(&shardConfig{
		id:             id,
		node:           r.node,
		store:          s,
		history:        r.cfg.History,
		historyStorage: r.cfg.HistoryStorage,
		transport:      r.cfg.Transport,
		backfiller: backfill.NewBackfiller(&backfill.BackfillerConfig{
			Transport: r.cfg.Transport,
			Store:     s,
			History:   r.cfg.History,
			Pool:      r.pool,
			Limiter:   r.limiter,
		}),
		backfillee: backfill.NewBackfillee(&backfill.BackfilleeConfig{
			Transport:        r.cfg.Transport,
			Store:            s,
			History:          r.cfg.History,
			HistoryStorage:   r.cfg.HistoryStorage,
			AllocationWindow: r.cfg.BackfillConfig.AllocationWindow,
		}),
		limiter:     r.limiter,
		coordinator: r.cfg.Coordinator,
		cfg:         r.cfg,
	})
	r.shards[id] = sh
	trace.SpanFromContextSafe(ctx).Infof("add shard[%d] of %s", id, sh.region)
	return nil
}

// Start registers the node's mailboxes and runs every shard.
func (r *Reactor) Start(ctx context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.started = true

	addr, err := r.cfg.Transport.Register(Mailbox, r.handle)
	if err != nil {
		return err
	}
	r.mailbox = append(r.mailbox, addr)
	for _, sh := range r.shards {
		sh := sh
		addr, err = r.cfg.Transport.Register(backfill.BackfillerMailbox(sh.id), func(ctx context.Context, msg proto.Message) {
			switch m := msg.(type) {
			case *proto.BackfillRequest:
				sh.push(&requestEvent{ctx: ctx, req: m})
			default:
				sh.backfiller.Handle(ctx, msg)
			}
		})
		if err != nil {
			return err
		}
		r.mailbox = append(r.mailbox, addr)
		addr, err = r.cfg.Transport.Register(ReplicationMailbox(sh.id), func(ctx context.Context, msg proto.Message) {
			if m, ok := msg.(*proto.ReplicatedWrite); ok {
				sh.push(&replicateEvent{ctx: ctx, msg: m})
			}
		})
		if err != nil {
			return err
		}
		r.mailbox = append(r.mailbox, addr)
		go sh.run()
	}
	trace.SpanFromContextSafe(ctx).Infof("reactor of node[%d] started with %d shards", r.node, len(r.shards))
	return nil
}

func (r *Reactor) handle(ctx context.Context, msg proto.Message) {
	span := trace.SpanFromContextSafe(ctx)
	m, ok := msg.(*proto.ContractUpdate)
	if !ok {
		span.Warnf("unexpected message type %d", msg.MessageType())
		return
	}
	c := m.Contract
	if sh := r.shardOfRegion(c.Region); sh != nil {
		sh.push(&contractEvent{ctx: ctx, contract: &c, removed: m.Removed})
	} else {
		span.Warnf("no shard for contract %s of %s", c.ID, c.Region)
	}
	if len(m.Pruned) > 0 {
		r.prune(ctx, m.Pruned)
	}
}

// prune drops the branches the coordinator collected and persists the
// history. A branch the metainfo of a local replica is on is kept, the
// coordinator may not have its latest ack yet.
func (r *Reactor) prune(ctx context.Context, ids []proto.BranchID) {
	span := trace.SpanFromContextSafe(ctx)
	r.pruneMux.Lock()
	defer r.pruneMux.Unlock()

	r.lock.RLock()
	needed := make(map[proto.BranchID]struct{})
	for _, sh := range r.shards {
		m, err := sh.store.GetMetainfo(ctx)
		if err != nil {
			r.lock.RUnlock()
			span.Warnf("get metainfo of shard[%d] failed, keep history: %s", sh.id, errors.Detail(err))
			return
		}
		m.Visit(func(_ proto.Region, v proto.VersionRange) {
			needed[v.Earliest.Branch] = struct{}{}
			needed[v.Latest.Branch] = struct{}{}
		})
	}
	r.lock.RUnlock()

	var drop []proto.BranchID
	for _, id := range ids {
		if _, ok := needed[id]; !ok && r.cfg.History.Has(id) {
			drop = append(drop, id)
		}
	}
	if len(drop) == 0 {
		return
	}
	r.cfg.History.Delete(drop...)
	if err := r.cfg.HistoryStorage.Save(ctx, r.cfg.History.Snapshot()); err != nil {
		span.Errorf("save branch history failed: %s", errors.Detail(err))
		return
	}
	metrics.BranchesPruned.Add(float64(len(drop)))
	span.Infof("pruned %d branches, %d left", len(drop), r.cfg.History.Len())
}

// Write stores key on the primary replica of the shard holding key.
func (r *Reactor) Write(ctx context.Context, key string, value []byte, deleted bool) error {
	sh := r.shardOfKey(key)
	if sh == nil {
		return apierrors.ErrShardNotFound
	}
	e := &writeEvent{
		ctx:   ctx,
		entry: &proto.BackfillEntry{Key: key, Value: value, Deleted: deleted},
		ret:   make(chan error, 1),
	}
	if err := sh.push(e); err != nil {
		return err
	}
	select {
	case err := <-e.ret:
		return err
	case <-ctx.Done():
		return apierrors.ErrInterrupted
	}
}

func (r *Reactor) Get(ctx context.Context, key string) (*proto.BackfillEntry, error) {
	sh := r.shardOfKey(key)
	if sh == nil {
		return nil, apierrors.ErrShardNotFound
	}
	e := &readEvent{ctx: ctx, key: key, ret: make(chan readResult, 1)}
	if err := sh.push(e); err != nil {
		return nil, err
	}
	select {
	case ret := <-e.ret:
		return ret.entry, ret.err
	case <-ctx.Done():
		return nil, apierrors.ErrInterrupted
	}
}

// Stats returns the state of every shard ordered by id.
func (r *Reactor) Stats(ctx context.Context) ([]ShardStat, error) {
	r.lock.RLock()
	shards := make([]*shard, 0, len(r.shards))
	for _, sh := range r.shards {
		shards = append(shards, sh)
	}
	r.lock.RUnlock()

	ret := make([]ShardStat, 0, len(shards))
	for _, sh := range shards {
		e := &statEvent{ret: make(chan ShardStat, 1)}
		if err := sh.push(e); err != nil {
			return nil, err
		}
		select {
		case st := <-e.ret:
			ret = append(ret, st)
		case <-ctx.Done():
			return nil, apierrors.ErrInterrupted
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

// Limiter returns the backfill limiter shared by the node's shards.
func (r *Reactor) Limiter() limiter.Limiter {
	return r.limiter
}

// Close stops every shard. Stored data is left as is.
func (r *Reactor) Close() {
	r.closeMux.Lock()
	defer r.closeMux.Unlock()
	if r.closed {
		return
	}
	r.closed = true

	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, addr := range r.mailbox {
		r.cfg.Transport.Unregister(addr)
	}
	for _, sh := range r.shards {
		if r.started {
			sh.close()
		} else {
			sh.backfiller.Close()
		}
	}
}

func (r *Reactor) shardOfRegion(region proto.Region) *shard {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, sh := range r.shards {
		if sh.region.Equal(region) {
			return sh
		}
	}
	return nil
}

func (r *Reactor) shardOfKey(key string) *shard {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, sh := range r.shards {
		if sh.region.Contains(key) {
			return sh
		}
	}
	return nil
}
