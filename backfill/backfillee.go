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

	"github.com/cubefs/branchdb/branch"
	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/metrics"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/branchdb/store"
	"github.com/cubefs/branchdb/transport"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
)

const (
	resultSucceeded   = "succeeded"
	resultInterrupted = "interrupted"
	resultUnreachable = "unreachable"
	resultFailed      = "failed"
)

type BackfilleeConfig struct {
	Transport      transport.Transport
	Store          store.StoreView
	History        *branch.History
	HistoryStorage branch.Storage
	// AllocationWindow is the number of tokens granted up front.
	AllocationWindow int
}

// Backfillee brings its store up to date from a backfiller.
type Backfillee struct {
	transport      transport.Transport
	store          store.StoreView
	history        *branch.History
	historyStorage branch.Storage
	window         int
}

func NewBackfillee(cfg *BackfilleeConfig) *Backfillee {
	window := cfg.AllocationWindow
	if window <= 0 {
		window = defaultAllocationWindow
	}
	return &Backfillee{
		transport:      cfg.Transport,
		store:          cfg.Store,
		history:        cfg.History,
		historyStorage: cfg.HistoryStorage,
		window:         window,
	}
}

// Backfill runs one session against the backfiller at source for region and
// returns the metainfo region reached. The store and its metainfo are left
// untouched unless the session completes.
//
// It returns ErrInterrupted when ctx is done and ErrPeerUnreachable when
// the backfiller cannot be reached or abandons the session.
func (e *Backfillee) Backfill(ctx context.Context, source proto.Address, region proto.Region) (endPoint proto.RegionVersionMap, err error) {
	span := trace.SpanFromContextSafe(ctx)
	defer func() {
		switch err {
		case nil:
			metrics.BackfillResults.WithLabelValues(resultSucceeded).Inc()
		case apierrors.ErrInterrupted:
			metrics.BackfillResults.WithLabelValues(resultInterrupted).Inc()
		case apierrors.ErrPeerUnreachable:
			metrics.BackfillResults.WithLabelValues(resultUnreachable).Inc()
		default:
			metrics.BackfillResults.WithLabelValues(resultFailed).Inc()
		}
	}()

	metainfo, err := e.store.GetMetainfo(ctx)
	if err != nil {
		return
	}
	startPoint, err := metainfo.Restrict(region)
	if err != nil {
		return
	}

	s := &receiver{
		Backfillee: e,
		id:         proto.NewSessionID(),
		region:     region,
		source:     source,
		staged:     startPoint.Clone(),
		pending:    make(map[proto.FifoToken]*proto.BackfillChunk),
		events:     make(chan proto.Message),
		quit:       make(chan struct{}),
	}
	addr, err := e.transport.Register(sessionMailbox(s.id), s.handle)
	if err != nil {
		return
	}
	defer func() {
		close(s.quit)
		e.transport.Unregister(addr)
	}()

	span.Infof("start backfill session[%s] of %s from %s, start point %v", s.id, region, source, startPoint)
	if err = e.send(ctx, source, &proto.BackfillRequest{
		SessionID:              s.id,
		Requester:              e.transport.NodeID(),
		StartPoint:             startPoint,
		StartPointHistory:      e.sliceHistory(startPoint),
		EndPointContinuation:   addr,
		ChunkContinuation:      addr,
		DoneContinuation:       addr,
		AllocationRegistration: addr,
	}); err != nil {
		return
	}

	endPoint, err = s.receive(ctx)
	if err != nil {
		if err != apierrors.ErrPeerUnreachable {
			if sendErr := e.transport.Send(context.Background(), source, &proto.CancelBackfill{SessionID: s.id}); sendErr != nil {
				span.Debugf("cancel session[%s] failed: %s", s.id, sendErr)
			}
		}
		span.Warnf("backfill session[%s] failed after %d chunks: %s", s.id, s.next, errors.Detail(err))
		return
	}
	span.Infof("backfill session[%s] done, %d chunks, end point %v", s.id, s.next, endPoint)
	return endPoint, nil
}

func (e *Backfillee) send(ctx context.Context, to proto.Address, msg proto.Message) error {
	err := e.transport.Send(ctx, to, msg)
	if err == apierrors.ErrMailboxNotFound {
		return apierrors.ErrPeerUnreachable
	}
	return err
}

// sliceHistory exports what a peer needs to interpret both bounds of m.
func (e *Backfillee) sliceHistory(m proto.RegionVersionMap) proto.BranchHistory {
	ret := e.history.Slice(proto.LatestMap(m))
	for id, b := range e.history.Slice(proto.EarliestMap(m)) {
		ret[id] = b
	}
	return ret
}

// receiver is the backfillee side of one session. Chunks are staged until
// the done message proves the session complete.
type receiver struct {
	*Backfillee
	id     proto.SessionID
	region proto.Region
	source proto.Address

	endPoint   *proto.BackfillEndPoint
	allocation proto.Address
	staged     proto.RegionVersionMap
	chunks     []*proto.BackfillChunk
	pending    map[proto.FifoToken]*proto.BackfillChunk
	next       proto.FifoToken

	events chan proto.Message
	quit   chan struct{}
}

func (s *receiver) handle(ctx context.Context, msg proto.Message) {
	select {
	case s.events <- msg:
	case <-s.quit:
	}
}

func (s *receiver) receive(ctx context.Context) (proto.RegionVersionMap, error) {
	for {
		var msg proto.Message
		select {
		case <-ctx.Done():
			return proto.RegionVersionMap{}, apierrors.ErrInterrupted
		case msg = <-s.events:
		}

		switch m := msg.(type) {
		case *proto.CancelBackfill:
			if m.SessionID == s.id {
				return proto.RegionVersionMap{}, apierrors.ErrPeerUnreachable
			}
		case *proto.BackfillEndPoint:
			if m.SessionID != s.id {
				continue
			}
			if !m.EndPoint.Region().Equal(s.region) {
				return proto.RegionVersionMap{}, apierrors.ErrRegionMismatch
			}
			s.endPoint = m
		case *proto.AllocationRegistration:
			if m.SessionID != s.id {
				continue
			}
			s.allocation = m.Allocation
			if err := s.grant(ctx, s.window); err != nil {
				return proto.RegionVersionMap{}, err
			}
		case *proto.BackfillChunkMessage:
			if m.SessionID != s.id {
				continue
			}
			if err := s.stage(ctx, m); err != nil {
				return proto.RegionVersionMap{}, err
			}
		case *proto.BackfillDone:
			if m.SessionID != s.id {
				continue
			}
			return s.finish(ctx, m)
		}
	}
}

func (s *receiver) grant(ctx context.Context, tokens int) error {
	return s.send(ctx, s.allocation, &proto.AllocationGrant{SessionID: s.id, Tokens: tokens})
}

func (s *receiver) stage(ctx context.Context, m *proto.BackfillChunkMessage) error {
	if s.endPoint == nil {
		return apierrors.ErrBackfillIncomplete
	}
	if m.Order < s.next {
		return nil
	}
	chunk := m.Payload
	if !s.region.IsSuperset(chunk.Region) {
		return apierrors.ErrRegionMismatch
	}
	s.pending[m.Order] = &chunk

	for {
		c, ok := s.pending[s.next]
		if !ok {
			return nil
		}
		delete(s.pending, s.next)
		reached, err := s.endPoint.EndPoint.Restrict(c.Region)
		if err != nil {
			return err
		}
		if err = s.staged.Update(reached); err != nil {
			return err
		}
		s.chunks = append(s.chunks, c)
		s.next++
		// the backfiller drops its allocation mailbox once it has sent
		// everything, so a lost replenishing grant is not a failure. The
		// done message decides whether the session completed.
		if err = s.grant(ctx, 1); err != nil {
			trace.SpanFromContextSafe(ctx).Debugf("session[%s] grant after chunk %d: %s", s.id, s.next-1, err)
		}
	}
}

func (s *receiver) finish(ctx context.Context, m *proto.BackfillDone) (proto.RegionVersionMap, error) {
	span := trace.SpanFromContextSafe(ctx)
	if s.next != m.Chunks || len(s.pending) > 0 {
		span.Warnf("session[%s] received %d chunks of %d", s.id, s.next, m.Chunks)
		return proto.RegionVersionMap{}, apierrors.ErrBackfillIncomplete
	}
	if !s.staged.Equal(m.EndPoint) {
		span.Warnf("session[%s] staged %v, end point %v", s.id, s.staged, m.EndPoint)
		return proto.RegionVersionMap{}, apierrors.ErrBackfillIncomplete
	}

	if err := s.history.Import(m.History); err != nil {
		return proto.RegionVersionMap{}, errors.Info(err, "import history")
	}
	if s.historyStorage != nil {
		if err := s.historyStorage.Save(ctx, s.history.Snapshot()); err != nil {
			return proto.RegionVersionMap{}, err
		}
	}
	metainfo, err := s.store.GetMetainfo(ctx)
	if err != nil {
		return proto.RegionVersionMap{}, err
	}
	if err = metainfo.Update(m.EndPoint); err != nil {
		return proto.RegionVersionMap{}, err
	}
	if err = s.store.ApplyBackfill(ctx, s.chunks, metainfo); err != nil {
		return proto.RegionVersionMap{}, errors.Info(err, "apply backfill")
	}
	metrics.BackfillChunksApplied.Add(float64(len(s.chunks)))
	return m.EndPoint, nil
}
