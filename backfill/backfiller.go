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

package backfill

import (
	"context"
	"sync"

	"github.com/cubefs/branchdb/branch"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/branchdb/store"
	"github.com/cubefs/branchdb/transport"
	"github.com/cubefs/branchdb/util/limiter"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
)

type BackfillerConfig struct {
	Transport transport.Transport
	Store     store.StoreView
	History   *branch.History
	// Pool and Limiter are shared by the backfillers of a node
	Pool    taskpool.TaskPool
	Limiter limiter.Limiter
}

// Backfiller serves the backfill sessions requested from one shard replica.
type Backfiller struct {
	transport transport.Transport
	store     store.StoreView
	history   *branch.History
	pool      taskpool.TaskPool
	limiter   limiter.Limiter

	lock     sync.Mutex
	sessions map[proto.SessionID]*session
	closed   bool
}

func NewBackfiller(cfg *BackfillerConfig) *Backfiller {
	return &Backfiller{
		transport: cfg.Transport,
		store:     cfg.Store,
		history:   cfg.History,
		pool:      cfg.Pool,
		limiter:   cfg.Limiter,
		sessions:  make(map[proto.SessionID]*session),
	}
}

// HandleRequest starts a session for req without waiting for it. Active
// sessions of the same requester overlapping req are cancelled, and the new
// session starts once they have stopped.
func (b *Backfiller) HandleRequest(ctx context.Context, req *proto.BackfillRequest) {
	span := trace.SpanFromContextSafe(ctx)
	region := req.StartPoint.Region()
	if !b.store.Region().IsSuperset(region) || region.IsEmpty() {
		span.Warnf("refuse backfill session[%s]: region %s out of shard %s", req.SessionID, region, b.store.Region())
		b.Refuse(ctx, req)
		return
	}

	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		b.Refuse(ctx, req)
		return
	}
	if _, ok := b.sessions[req.SessionID]; ok {
		b.lock.Unlock()
		span.Warnf("duplicate backfill session[%s]", req.SessionID)
		return
	}
	var superseded []*session
	for _, s := range b.sessions {
		if s.req.Requester == req.Requester && s.region.Overlaps(region) {
			s.cancel()
			superseded = append(superseded, s)
		}
	}
	s := newSession(b, req)
	b.sessions[s.id] = s
	b.lock.Unlock()

	span.Infof("accept backfill session[%s] from node[%d] for %s, superseding %d", s.id, req.Requester, region, len(superseded))
	go func() {
		for _, old := range superseded {
			<-old.done
		}
		b.pool.Run(func() {
			_, ctx := trace.StartSpanFromContextWithTraceID(context.Background(), "", span.TraceID())
			s.run(ctx)
		})
	}()
}

// Handle serves the backfiller mailbox of a shard.
func (b *Backfiller) Handle(ctx context.Context, msg proto.Message) {
	switch m := msg.(type) {
	case *proto.BackfillRequest:
		b.HandleRequest(ctx, m)
	case *proto.CancelBackfill:
		b.HandleCancel(ctx, m.SessionID)
	default:
		trace.SpanFromContextSafe(ctx).Warnf("unexpected message type %d", msg.MessageType())
	}
}

// HandleCancel abandons a session. It is a no-op for unknown or finished
// sessions.
func (b *Backfiller) HandleCancel(ctx context.Context, id proto.SessionID) {
	b.lock.Lock()
	s, ok := b.sessions[id]
	b.lock.Unlock()
	if !ok {
		return
	}
	trace.SpanFromContextSafe(ctx).Infof("backfill session[%s] cancelled by requester", id)
	s.cancel()
}

// Refuse tells the requester of req that no session will be served.
func (b *Backfiller) Refuse(ctx context.Context, req *proto.BackfillRequest) {
	if err := b.transport.Send(ctx, req.EndPointContinuation, &proto.CancelBackfill{SessionID: req.SessionID}); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("refuse backfill session[%s] failed: %s", req.SessionID, err)
	}
}

// ActiveSessions returns the number of sessions not yet finished.
func (b *Backfiller) ActiveSessions() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.sessions)
}

// Close cancels all sessions and waits for them to stop.
func (b *Backfiller) Close() {
	b.lock.Lock()
	b.closed = true
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		s.cancel()
		sessions = append(sessions, s)
	}
	b.lock.Unlock()

	for _, s := range sessions {
		<-s.done
	}
}

func (b *Backfiller) removeSession(s *session) {
	b.lock.Lock()
	if b.sessions[s.id] == s {
		delete(b.sessions, s.id)
	}
	b.lock.Unlock()
}

// plan is the outcome of negotiating a session.
type plan struct {
	// startPoint is the confirmed start point, the zero version marks
	// parts sent in full.
	startPoint proto.VersionMap
	endPoint   proto.RegionVersionMap
	// transfers lists the parts to send with the version to send from,
	// in key order. Parts left out are already up to date.
	transfers []proto.RegionPiece[proto.Version]
}

// negotiate compares the requester's start point with the local metainfo
// and decides how each part of the region is brought to the local version.
func (b *Backfiller) negotiate(ctx context.Context, startPoint proto.RegionVersionMap) (*plan, error) {
	span := trace.SpanFromContextSafe(ctx)
	region := startPoint.Region()
	metainfo, err := b.store.GetMetainfo(ctx)
	if err != nil {
		return nil, err
	}
	local, err := metainfo.Restrict(region)
	if err != nil {
		return nil, err
	}

	var starts []proto.RegionPiece[proto.Version]
	var ends []proto.RegionPiece[proto.VersionRange]
	p := &plan{}
	addTransfer := func(r proto.Region, since proto.Version, end proto.VersionRange) {
		starts = append(starts, proto.RegionPiece[proto.Version]{Region: r, Value: since})
		ends = append(ends, proto.RegionPiece[proto.VersionRange]{Region: r, Value: end})
		p.transfers = append(p.transfers, proto.RegionPiece[proto.Version]{Region: r, Value: since})
	}
	addSkip := func(r proto.Region, theirs proto.VersionRange) {
		starts = append(starts, proto.RegionPiece[proto.Version]{Region: r, Value: theirs.Earliest})
		ends = append(ends, proto.RegionPiece[proto.VersionRange]{Region: r, Value: theirs})
	}

	for _, sp := range startPoint.Pieces() {
		mine, err := local.Restrict(sp.Region)
		if err != nil {
			return nil, err
		}
		theirs := sp.Value
		for _, lp := range mine.Pieces() {
			ours := lp.Value
			if theirs.IsCoherent() && ours.IsCoherent() && theirs.Latest == ours.Latest {
				addSkip(lp.Region, theirs)
				continue
			}

			common, err := b.history.CommonAncestor(lp.Region, theirs.Earliest, ours.Latest)
			if err != nil {
				span.Warnf("compare %s with %s on %s failed: %s, sending in full", theirs, ours, lp.Region, err)
				addTransfer(lp.Region, proto.ZeroVersion(), ours)
				continue
			}
			for _, cp := range common.Pieces() {
				b.classify(cp.Region, cp.Value, theirs, ours, addTransfer, addSkip)
			}
		}
	}

	if p.startPoint, err = proto.NewRegionMapFromPieces(region, starts); err != nil {
		return nil, err
	}
	if p.endPoint, err = proto.NewRegionMapFromPieces(region, ends); err != nil {
		return nil, err
	}
	return p, nil
}

func (b *Backfiller) classify(r proto.Region, common proto.Version, theirs, ours proto.VersionRange,
	addTransfer func(proto.Region, proto.Version, proto.VersionRange), addSkip func(proto.Region, proto.VersionRange),
) {
	if common == theirs.Earliest {
		// their earliest version is an ancestor of our latest, an
		// incremental backfill is enough when their whole range is behind us
		if ok, err := b.history.IsAncestor(r, theirs.Latest, ours.Latest); err == nil && ok {
			addTransfer(r, theirs.Earliest, ours)
			return
		}
	}
	if ok, err := b.history.IsAncestor(r, ours.Latest, theirs.Earliest); err == nil && ok {
		// they are ahead of us on the same lineage
		addSkip(r, theirs)
		return
	}
	// unrelated or diverged
	addTransfer(r, proto.ZeroVersion(), ours)
}
