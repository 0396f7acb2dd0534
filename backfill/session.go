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
	"io"
	"sync"
	"sync/atomic"

	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/metrics"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
)

// session is the backfiller side of one backfill session.
type session struct {
	id     proto.SessionID
	req    *proto.BackfillRequest
	region proto.Region
	b      *Backfiller

	grants    chan int
	cancelled uint32
	quit      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(b *Backfiller, req *proto.BackfillRequest) *session {
	return &session{
		id:     req.SessionID,
		req:    req,
		region: req.StartPoint.Region(),
		b:      b,
		grants: make(chan int),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *session) cancel() {
	s.closeOnce.Do(func() {
		atomic.StoreUint32(&s.cancelled, 1)
		close(s.quit)
	})
}

func (s *session) isCancelled() bool {
	return atomic.LoadUint32(&s.cancelled) == 1
}

func (s *session) run(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	metrics.BackfillSessionsActive.Inc()
	defer func() {
		metrics.BackfillSessionsActive.Dec()
		s.b.removeSession(s)
		close(s.done)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	chunks, err := s.serve(ctx)
	if err != nil {
		span.Warnf("backfill session[%s] aborted after %d chunks: %s", s.id, chunks, errors.Detail(err))
		if sendErr := s.b.transport.Send(context.Background(), s.req.EndPointContinuation,
			&proto.CancelBackfill{SessionID: s.id}); sendErr != nil {
			span.Debugf("notify abort of session[%s] failed: %s", s.id, sendErr)
		}
		return
	}
	span.Infof("backfill session[%s] finished, %d chunks sent", s.id, chunks)
}

func (s *session) serve(ctx context.Context) (proto.FifoToken, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := s.b.history.Import(s.req.StartPointHistory); err != nil {
		return 0, errors.Info(err, "import start point history")
	}
	p, err := s.b.negotiate(ctx, s.req.StartPoint)
	if err != nil {
		return 0, errors.Info(err, "negotiate")
	}
	history := s.b.history.Slice(proto.LatestMap(p.endPoint))
	span.Debugf("session[%s] start point %v, end point %v, %d parts to send", s.id, p.startPoint, p.endPoint, len(p.transfers))

	if err = s.send(ctx, s.req.EndPointContinuation, &proto.BackfillEndPoint{
		SessionID:  s.id,
		StartPoint: p.startPoint,
		EndPoint:   p.endPoint,
		History:    history,
	}); err != nil {
		return 0, err
	}

	allocation, err := s.b.transport.Register(allocationMailbox(s.id), s.handleGrant)
	if err != nil {
		return 0, err
	}
	defer s.b.transport.Unregister(allocation)
	if err = s.send(ctx, s.req.AllocationRegistration, &proto.AllocationRegistration{
		SessionID:  s.id,
		Allocation: allocation,
	}); err != nil {
		return 0, err
	}

	var (
		seq    proto.FifoToken
		tokens int
	)
	for i, t := range p.transfers {
		since := proto.NewRegionMap(t.Region, t.Value)
		iter, err := s.b.store.ReadBackfill(ctx, t.Region, since)
		if err != nil {
			return seq, errors.Info(err, "read backfill")
		}
		for {
			if s.isCancelled() {
				iter.Close()
				return seq, apierrors.ErrInterrupted
			}
			chunk, err := iter.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				iter.Close()
				return seq, errors.Info(err, "next chunk")
			}

			for tokens == 0 {
				select {
				case n := <-s.grants:
					tokens += n
				case <-ctx.Done():
					iter.Close()
					return seq, apierrors.ErrInterrupted
				}
			}
			size := chunk.Size()
			if err = s.b.limiter.WaitN(ctx, size); err != nil {
				iter.Close()
				return seq, apierrors.ErrInterrupted
			}
			if err = s.send(ctx, s.req.ChunkContinuation, &proto.BackfillChunkMessage{
				SessionID:        s.id,
				Payload:          *chunk,
				ProgressEstimate: progress(p.transfers, i, chunk.Region),
				Order:            seq,
			}); err != nil {
				iter.Close()
				return seq, err
			}
			seq++
			tokens--
			metrics.BackfillChunksSent.Inc()
			metrics.BackfillBytesSent.Add(float64(size))
		}
		iter.Close()
	}

	return seq, s.send(ctx, s.req.DoneContinuation, &proto.BackfillDone{
		SessionID: s.id,
		EndPoint:  p.endPoint,
		History:   history,
		Chunks:    seq,
	})
}

func (s *session) send(ctx context.Context, to proto.Address, msg proto.Message) error {
	if s.isCancelled() {
		return apierrors.ErrInterrupted
	}
	return s.b.transport.Send(ctx, to, msg)
}

func (s *session) handleGrant(ctx context.Context, msg proto.Message) {
	grant, ok := msg.(*proto.AllocationGrant)
	if !ok || grant.SessionID != s.id || grant.Tokens <= 0 {
		return
	}
	select {
	case s.grants <- grant.Tokens:
	case <-s.quit:
	case <-s.done:
	}
}

// progress estimates the fraction of the session sent once the chunk of
// region in the i-th transfer is out. Parts count equally.
func progress(transfers []proto.RegionPiece[proto.Version], i int, region proto.Region) float64 {
	done := float64(i)
	if region.Unbounded || (!transfers[i].Region.Unbounded && region.Right >= transfers[i].Region.Right) {
		done++
	}
	return done / float64(len(transfers))
}
