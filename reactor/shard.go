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

package reactor

import (
	"context"
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
)

type (
	contractEvent struct {
		ctx      context.Context
		contract *proto.Contract
		removed  bool
	}
	backfillResultEvent struct {
		gen      uint64
		endPoint proto.RegionVersionMap
		err      error
	}
	retryEvent struct {
		gen uint64
	}
	requestEvent struct {
		ctx context.Context
		req *proto.BackfillRequest
	}
	replicateEvent struct {
		ctx context.Context
		msg *proto.ReplicatedWrite
	}
	writeEvent struct {
		ctx   context.Context
		entry *proto.BackfillEntry
		ret   chan error
	}
	readEvent struct {
		ctx context.Context
		key string
		ret chan readResult
	}
	readResult struct {
		entry *proto.BackfillEntry
		err   error
	}
	statEvent struct {
		ret chan ShardStat
	}
)

type ShardStat struct {
	ID              uint32                 `json:"id"`
	Region          proto.Region           `json:"region"`
	Role            string                 `json:"role"`
	Contract        proto.ContractID       `json:"contract"`
	Metainfo        proto.RegionVersionMap `json:"metainfo"`
	ServingSessions int                    `json:"serving_sessions"`
}

type shardConfig struct {
	id             uint32
	node           proto.NodeID
	store          store.StoreView
	history        *branch.History
	historyStorage branch.Storage
	transport      transport.Transport
	backfiller     *backfill.Backfiller
	backfillee     *backfill.Backfillee
	limiter        limiter.Limiter
	coordinator    proto.Address
	cfg            *Config
}

// shard drives one shard replica through its roles. All state is owned by
// the run goroutine and changed only in response to events.
type shard struct {
	shardConfig
	region proto.Region

	role       role
	gen        uint64
	retryTimer *time.Timer

	events chan interface{}
	quit   chan struct{}
	done   chan struct{}
}

func newShard(cfg *shardConfig) *shard {
	return &shard{
		shardConfig: *cfg,
		region:      cfg.store.Region(),
		role:        inactive{},
		events:      make(chan interface{}, cfg.cfg.EventQueueSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (s *shard) push(e interface{}) error {
	select {
	case s.events <- e:
		return nil
	case <-s.quit:
		return apierrors.ErrInterrupted
	}
}

func (s *shard) close() {
	close(s.quit)
	<-s.done
	s.backfiller.Close()
}

func (s *shard) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.cancelInbound()
			s.stopRetry()
			return
		case e := <-s.events:
			s.handle(e)
		}
	}
}

func (s *shard) handle(e interface{}) {
	switch e := e.(type) {
	case *contractEvent:
		s.handleContract(e.ctx, e.contract, e.removed)
	case *backfillResultEvent:
		s.handleBackfillResult(e)
	case *retryEvent:
		s.handleRetry(e)
	case *requestEvent:
		s.handleBackfillRequest(e.ctx, e.req)
	case *replicateEvent:
		s.handleReplicatedWrite(e.ctx, e.msg)
	case *writeEvent:
		e.ret <- s.write(e.ctx, e.entry)
	case *readEvent:
		entry, err := s.read(e.ctx, e.key)
		e.ret <- readResult{entry: entry, err: err}
	case *statEvent:
		e.ret <- s.stat()
	}
}

func (s *shard) handleContract(ctx context.Context, c *proto.Contract, removed bool) {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("shard[%d] got contract %s, branch %s, role %s, removed %v", s.id, c.ID, c.Branch, c.RoleOf(s.node), removed)

	if removed {
		if cur := contractOf(s.role); cur != nil && cur.ID == c.ID {
			s.becomeInactive(ctx)
		}
		return
	}
	switch c.RoleOf(s.node) {
	case proto.ReplicaRolePrimary:
		s.becomePrimary(ctx, c)
	case proto.ReplicaRoleSecondary:
		s.becomeSecondary(ctx, c)
	default:
		s.becomeInactive(ctx)
		s.ack(ctx, c, true)
	}
}

func (s *shard) becomeInactive(ctx context.Context) {
	s.cancelInbound()
	s.stopRetry()
	s.setRole(ctx, inactive{})
}

// becomePrimary starts a new branch from the current data unless this
// replica already is primary on the contract's branch. A contract without a
// branch yet does not restart the branch of its own primary.
func (s *shard) becomePrimary(ctx context.Context, c *proto.Contract) {
	span := trace.SpanFromContextSafe(ctx)
	if p, ok := s.role.(*primary); ok &&
		(p.branch == c.Branch || c.Branch == proto.NilBranch && p.contract.ID == c.ID) {
		p.contract = c
		s.ack(ctx, c, true)
		return
	}
	s.cancelInbound()
	s.stopRetry()

	origin, err := proto.CoherentMap(s.metainfo(ctx))
	if err != nil {
		span.Warnf("shard[%d] can not branch from incoherent metainfo, stay cold", s.id)
		s.setRole(ctx, &cold{contract: c})
		s.ack(ctx, c, false)
		return
	}
	id := proto.NewBranchID()
	b, err := s.history.RecordBranch(id, origin)
	if err != nil {
		if err == apierrors.ErrDuplicateBranch {
			span.Fatalf("record branch %s failed: %s", id, err)
		}
		span.Warnf("shard[%d] record branch from %v failed: %s, stay cold", s.id, origin, err)
		s.setRole(ctx, &cold{contract: c})
		s.ack(ctx, c, false)
		return
	}
	if err = s.historyStorage.Save(ctx, s.history.Snapshot()); err != nil {
		span.Fatalf("save branch history failed: %s", errors.Detail(err))
	}
	start := proto.Version{Branch: id, Timestamp: b.InitialTimestamp}
	if err = s.store.SetMetainfo(ctx, proto.RangeMap(proto.NewRegionMap(s.region, start))); err != nil {
		span.Fatalf("set metainfo failed: %s", errors.Detail(err))
	}

	span.Infof("shard[%d] starts branch %s from %v", s.id, id, origin)
	s.setRole(ctx, &primary{contract: c, branch: id, ts: b.InitialTimestamp})
	s.ack(ctx, c, true)
}

// becomeSecondary accepts c at once when the local data is on c's branch,
// otherwise it goes cold and backfills.
func (s *shard) becomeSecondary(ctx context.Context, c *proto.Contract) {
	span := trace.SpanFromContextSafe(ctx)
	if c.Branch == proto.NilBranch {
		// wait for the primary to start the branch
		s.cancelInbound()
		s.stopRetry()
		s.setRole(ctx, &cold{contract: c})
		s.ack(ctx, c, false)
		return
	}
	if onBranch(s.metainfo(ctx), c.Branch) {
		s.cancelInbound()
		s.stopRetry()
		s.setRole(ctx, &secondary{contract: c})
		s.ack(ctx, c, true)
		return
	}
	if cd, ok := s.role.(*cold); ok && cd.inbound != nil && cd.contract.ID == c.ID && cd.contract.Branch == c.Branch {
		span.Debugf("shard[%d] keeps backfilling from node[%d]", s.id, cd.inbound.source)
		cd.contract = c
		return
	}

	s.cancelInbound()
	s.stopRetry()
	cd := &cold{contract: c}
	s.setRole(ctx, cd)
	s.ack(ctx, c, false)
	s.startBackfill(ctx, cd)
}

func (s *shard) startBackfill(ctx context.Context, cd *cold) {
	span := trace.SpanFromContextSafe(ctx)
	sources := cd.contract.BackfillSources(s.node)
	if len(sources) == 0 {
		span.Warnf("shard[%d] has no backfill source in contract %s", s.id, cd.contract.ID)
		s.scheduleRetry(cd)
		return
	}
	if err := s.limiter.AcquireSession(); err != nil {
		span.Warnf("shard[%d] backfill delayed: %s", s.id, err)
		s.scheduleRetry(cd)
		return
	}

	source := sources[cd.attempts%len(sources)]
	s.gen++
	gen := s.gen
	_, bctx := trace.StartSpanFromContextWithTraceID(context.Background(), "", span.TraceID())
	bctx, cancel := context.WithCancel(bctx)
	in := &inboundBackfill{gen: gen, source: source, cancel: cancel, done: make(chan struct{})}
	cd.inbound = in

	addr := proto.Address{Node: source, Mailbox: backfill.BackfillerMailbox(s.id)}
	span.Infof("shard[%d] backfills from node[%d], attempt %d", s.id, source, cd.attempts+1)
	go func() {
		endPoint, err := s.backfillee.Backfill(bctx, addr, s.region)
		s.limiter.ReleaseSession()
		close(in.done)
		s.push(&backfillResultEvent{gen: gen, endPoint: endPoint, err: err})
	}()
}

func (s *shard) handleBackfillResult(e *backfillResultEvent) {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	cd, ok := s.role.(*cold)
	if !ok || cd.inbound == nil || cd.inbound.gen != e.gen {
		span.Debugf("shard[%d] drops stale backfill result %d", s.id, e.gen)
		return
	}
	source := cd.inbound.source
	cd.inbound.cancel()
	cd.inbound = nil

	if e.err == nil {
		if metainfo := s.metainfo(ctx); onBranch(metainfo, cd.contract.Branch) {
			span.Infof("shard[%d] caught up with branch %s from node[%d], %d writes queued", s.id, cd.contract.Branch, source, len(cd.pending))
			sc := &secondary{contract: cd.contract}
			s.setRole(ctx, sc)
			s.ack(ctx, cd.contract, true)
			s.replicate(ctx, sc, cd.pending)
			return
		}
		span.Warnf("shard[%d] backfilled %v from node[%d], not on branch %s", s.id, e.endPoint, source, cd.contract.Branch)
	} else {
		span.Warnf("shard[%d] backfill from node[%d] failed: %s", s.id, source, errors.Detail(e.err))
	}
	cd.attempts++
	s.ack(ctx, cd.contract, false)
	s.scheduleRetry(cd)
}

func (s *shard) handleRetry(e *retryEvent) {
	if e.gen != s.gen {
		return
	}
	s.retryTimer = nil
	cd, ok := s.role.(*cold)
	if !ok || cd.inbound != nil {
		return
	}
	_, ctx := trace.StartSpanFromContext(context.Background(), "")
	s.startBackfill(ctx, cd)
}

// scheduleRetry starts another backfill after a delay doubling with every
// failed attempt.
func (s *shard) scheduleRetry(cd *cold) {
	s.stopRetry()
	delay := s.cfg.retryDelay(cd.attempts)
	gen := s.gen
	s.retryTimer = time.AfterFunc(delay, func() {
		s.push(&retryEvent{gen: gen})
	})
}

// stopRetry cancels a pending retry. A retry already queued is dropped
// since the generation moves on.
func (s *shard) stopRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.gen++
}

// cancelInbound stops the backfill into this replica and waits for it, so
// the store is not changed behind a later role.
func (s *shard) cancelInbound() {
	cd, ok := s.role.(*cold)
	if !ok || cd.inbound == nil {
		return
	}
	cd.inbound.cancel()
	<-cd.inbound.done
	cd.inbound = nil
}

func (s *shard) handleBackfillRequest(ctx context.Context, req *proto.BackfillRequest) {
	if !servesBackfill(s.role) {
		trace.SpanFromContextSafe(ctx).Infof("shard[%d] refuses backfill session[%s] as %s", s.id, req.SessionID, s.role.kind())
		s.backfiller.Refuse(ctx, req)
		return
	}
	s.backfiller.HandleRequest(ctx, req)
}

func (s *shard) write(ctx context.Context, entry *proto.BackfillEntry) error {
	p, ok := s.role.(*primary)
	if !ok {
		return apierrors.ErrNotPrimary
	}
	if !s.region.Contains(entry.Key) {
		return apierrors.ErrRegionMismatch
	}
	prev := proto.Version{Branch: p.branch, Timestamp: p.ts}
	v := proto.Version{Branch: p.branch, Timestamp: p.ts + 1}
	entry.Recency = v
	if err := s.store.Write(ctx, entry, proto.RangeMap(proto.NewRegionMap(s.region, v))); err != nil {
		return errors.Info(err, "write entry")
	}
	p.ts = v.Timestamp
	s.forward(ctx, p.contract, &proto.ReplicatedWrite{Prev: prev, Entry: *entry})
	return nil
}

// forward sends a write to the secondaries of c in the order of writes. A
// secondary missing one finds the gap on the next and backfills.
func (s *shard) forward(ctx context.Context, c *proto.Contract, msg *proto.ReplicatedWrite) {
	span := trace.SpanFromContextSafe(ctx)
	for _, r := range c.Replicas {
		if r.Role != proto.ReplicaRoleSecondary || r.Node == s.node {
			continue
		}
		to := proto.Address{Node: r.Node, Mailbox: ReplicationMailbox(s.id)}
		if err := s.transport.Send(ctx, to, msg); err != nil {
			span.Warnf("shard[%d] forward write %v to node[%d] failed: %s", s.id, msg.Entry.Recency, r.Node, err)
			metrics.ReplicatedWrites.WithLabelValues("unsent").Inc()
		}
	}
}

// handleReplicatedWrite applies a write forwarded by the primary. A cold
// replica catching up on the same branch keeps it for after the backfill.
func (s *shard) handleReplicatedWrite(ctx context.Context, m *proto.ReplicatedWrite) {
	switch r := s.role.(type) {
	case *secondary:
		s.replicate(ctx, r, []*proto.ReplicatedWrite{m})
	case *cold:
		if r.contract.Branch == m.Entry.Recency.Branch && len(r.pending) < maxPendingWrites {
			r.pending = append(r.pending, m)
			return
		}
		metrics.ReplicatedWrites.WithLabelValues("dropped").Inc()
	default:
		metrics.ReplicatedWrites.WithLabelValues("dropped").Inc()
	}
}

// replicate applies writes in order. Writes a backfill already brought are
// skipped. On a gap the replica goes cold and keeps the rest of writes.
func (s *shard) replicate(ctx context.Context, sc *secondary, writes []*proto.ReplicatedWrite) {
	span := trace.SpanFromContextSafe(ctx)
	for i, m := range writes {
		v := m.Entry.Recency
		if v.Branch != sc.contract.Branch {
			span.Debugf("shard[%d] drops write %v off branch %s", s.id, v, sc.contract.Branch)
			metrics.ReplicatedWrites.WithLabelValues("dropped").Inc()
			continue
		}
		metainfo := s.metainfo(ctx)
		if onBranch(metainfo, v.Branch) && summarize(metainfo).Earliest.Timestamp >= v.Timestamp {
			metrics.ReplicatedWrites.WithLabelValues("skipped").Inc()
			continue
		}
		if !atVersion(metainfo, m.Prev) {
			span.Infof("shard[%d] missed writes before %v, catching up", s.id, v)
			metrics.ReplicatedWrites.WithLabelValues("gap").Inc()
			s.catchUp(ctx, sc.contract, writes[i:])
			return
		}
		entry := m.Entry
		if err := s.store.Write(ctx, &entry, proto.RangeMap(proto.NewRegionMap(s.region, v))); err != nil {
			span.Fatalf("apply write %v to shard[%d] failed: %s", v, s.id, errors.Detail(err))
		}
		metrics.ReplicatedWrites.WithLabelValues("applied").Inc()
	}
}

// catchUp turns a secondary that fell behind cold and backfills
// incrementally from the other replicas.
func (s *shard) catchUp(ctx context.Context, c *proto.Contract, pending []*proto.ReplicatedWrite) {
	s.cancelInbound()
	s.stopRetry()
	cd := &cold{contract: c, pending: append([]*proto.ReplicatedWrite(nil), pending...)}
	s.setRole(ctx, cd)
	s.ack(ctx, c, false)
	s.startBackfill(ctx, cd)
}

func (s *shard) read(ctx context.Context, key string) (*proto.BackfillEntry, error) {
	switch s.role.(type) {
	case *primary, *secondary:
		return s.store.Get(ctx, key)
	default:
		return nil, apierrors.ErrNotReadable
	}
}

func (s *shard) stat() ShardStat {
	st := ShardStat{
		ID:              s.id,
		Region:          s.region,
		Role:            s.role.kind().String(),
		Metainfo:        s.metainfo(context.Background()),
		ServingSessions: s.backfiller.ActiveSessions(),
	}
	if c := contractOf(s.role); c != nil {
		st.Contract = c.ID
	}
	return st
}

func (s *shard) setRole(ctx context.Context, r role) {
	if s.role.kind() != r.kind() {
		trace.SpanFromContextSafe(ctx).Infof("shard[%d] %s -> %s", s.id, s.role.kind(), r.kind())
		metrics.RoleTransitions.WithLabelValues(r.kind().String()).Inc()
	}
	s.role = r
}

func (s *shard) metainfo(ctx context.Context) proto.RegionVersionMap {
	m, err := s.store.GetMetainfo(ctx)
	if err != nil {
		trace.SpanFromContextSafe(ctx).Fatalf("get metainfo of shard[%d] failed: %s", s.id, errors.Detail(err))
	}
	return m
}

// ack reports the replica's state for c to the coordinator.
func (s *shard) ack(ctx context.Context, c *proto.Contract, ready bool) {
	span := trace.SpanFromContextSafe(ctx)
	metainfo := s.metainfo(ctx)
	summary := summarize(metainfo)
	ack := &proto.ContractAck{
		ContractID:   c.ID,
		Node:         s.node,
		Region:       s.region,
		Role:         c.RoleOf(s.node),
		Branch:       summary.Latest.Branch,
		VersionRange: summary,
		ReadyForRole: ready,
		Metainfo:     metainfo,
		History:      s.history.Slice(proto.LatestMap(metainfo)),
	}
	for id, b := range s.history.Slice(proto.EarliestMap(metainfo)) {
		ack.History[id] = b
	}
	if p, ok := s.role.(*primary); ok {
		ack.Branch = p.branch
	}
	if err := s.transport.Send(ctx, s.coordinator, ack); err != nil {
		span.Warnf("shard[%d] ack contract %s failed: %s", s.id, c.ID, err)
	}
}

// atVersion reports whether all of m is coherent at v.
func atVersion(m proto.RegionVersionMap, v proto.Version) bool {
	ret := m.Len() > 0
	m.Visit(func(_ proto.Region, r proto.VersionRange) {
		if !r.IsCoherent() || r.Latest != v {
			ret = false
		}
	})
	return ret
}

// onBranch reports whether all of m is coherent on branch.
func onBranch(m proto.RegionVersionMap, branch proto.BranchID) bool {
	ret := m.Len() > 0
	m.Visit(func(_ proto.Region, r proto.VersionRange) {
		if !r.IsCoherent() || r.Latest.Branch != branch {
			ret = false
		}
	})
	return ret
}

// summarize bounds all versions of m with one range.
func summarize(m proto.RegionVersionMap) proto.VersionRange {
	pieces := m.Pieces()
	if len(pieces) == 0 {
		return proto.NewVersionRange(proto.ZeroVersion())
	}
	ret := pieces[0].Value
	for _, p := range pieces[1:] {
		if p.Value.Earliest.Timestamp < ret.Earliest.Timestamp {
			ret.Earliest = p.Value.Earliest
		}
		if p.Value.Latest.Timestamp > ret.Latest.Timestamp {
			ret.Latest = p.Value.Latest
		}
	}
	return ret
}
