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

package raft

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/branchdb/common/kvstore"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/cubefs/blobstore/util/errors"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	defaultTickIntervalMs  = 100
	defaultElectionTick    = 10
	defaultHeartbeatTick   = 1
	defaultMaxSizePerMsg   = 1 << 20
	defaultMaxInflightMsgs = 256
)

var ErrStopped = errors.New("raft group stopped")

type Config struct {
	NodeID          uint64 `json:"node_id"`
	TickIntervalMs  int    `json:"tick_interval_ms"`
	ElectionTick    int    `json:"election_tick"`
	HeartbeatTick   int    `json:"heartbeat_tick"`
	MaxSizePerMsg   uint64 `json:"max_size_per_msg"`
	MaxInflightMsgs int    `json:"max_inflight_msgs"`

	KVStore kvstore.Store `json:"-"`
	SM      StateMachine  `json:"-"`
}

func (cfg *Config) setDefault() {
	if cfg.NodeID == 0 {
		cfg.NodeID = 1
	}
	if cfg.TickIntervalMs <= 0 {
		cfg.TickIntervalMs = defaultTickIntervalMs
	}
	if cfg.ElectionTick <= 0 {
		cfg.ElectionTick = defaultElectionTick
	}
	if cfg.HeartbeatTick <= 0 {
		cfg.HeartbeatTick = defaultHeartbeatTick
	}
	if cfg.MaxSizePerMsg == 0 {
		cfg.MaxSizePerMsg = defaultMaxSizePerMsg
	}
	if cfg.MaxInflightMsgs <= 0 {
		cfg.MaxInflightMsgs = defaultMaxInflightMsgs
	}
}

// Group is a raft log with a single voter. Proposals are applied to the
// state machine in log order, and replayed after a restart from the first
// entry not yet applied.
type Group interface {
	Propose(ctx context.Context, pd *ProposalData) (ProposalResponse, error)
	Stat() (*Stat, error)
	Close() error
}

type group struct {
	id           uint64
	appliedIndex uint64
	leader       uint64

	node        raft.Node
	memStorage  *raft.MemoryStorage
	storage     *storage
	sm          StateMachine
	idGenerator *idGenerator
	notifies    sync.Map
	tick        time.Duration

	closeOnce sync.Once
	stopped   chan struct{}
	done      chan struct{}
}

// NewRaftGroup starts the group and returns once it leads.
func NewRaftGroup(ctx context.Context, cfg *Config) (Group, error) {
	span := trace.SpanFromContextSafe(ctx)
	cfg.setDefault()

	stg := newStorage(cfg.NodeID, cfg.KVStore)
	hs, entries, applied, err := stg.load(ctx)
	if err != nil {
		return nil, err
	}
	memStorage := raft.NewMemoryStorage()
	if err = memStorage.Append(entries); err != nil {
		return nil, apierrors.Info(err, "replay log entries")
	}
	if err = memStorage.SetHardState(hs); err != nil {
		return nil, apierrors.Info(err, "replay hard state")
	}

	g := &group{
		id:           cfg.NodeID,
		appliedIndex: applied,
		memStorage:   memStorage,
		storage:      stg,
		sm:           cfg.SM,
		idGenerator:  newIDGenerator(cfg.NodeID, time.Now()),
		tick:         time.Duration(cfg.TickIntervalMs) * time.Millisecond,
		stopped:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	rc := &raft.Config{
		ID:              cfg.NodeID,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         memStorage,
		MaxSizePerMsg:   cfg.MaxSizePerMsg,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		Logger:          raftLogger{},
	}
	if raft.IsEmptyHardState(hs) {
		g.node = raft.StartNode(rc, []raft.Peer{{ID: cfg.NodeID}})
	} else {
		// the membership is restored by replaying the log from its start
		g.node = raft.RestartNode(rc)
	}
	go g.loop()

	if err = g.waitForLeader(ctx); err != nil {
		g.Close()
		return nil, err
	}
	span.Infof("raft group of node[%d] started, %d entries replayed, applied %d", g.id, len(entries), applied)
	return g, nil
}

func (g *group) Propose(ctx context.Context, pd *ProposalData) (resp ProposalResponse, err error) {
	if pd.ReqID == "" {
		pd.ReqID = trace.SpanFromContextSafe(ctx).TraceID()
	}
	pd.notifyID = g.idGenerator.Next()
	data, err := pd.Marshal()
	if err != nil {
		return
	}

	n := newNotify()
	g.addNotify(pd.notifyID, n)
	defer g.notifies.Delete(pd.notifyID)

	if err = g.node.Propose(ctx, data); err != nil {
		if err == raft.ErrStopped {
			err = ErrStopped
		}
		return
	}
	ret, err := n.Wait(ctx, g.stopped)
	if err != nil {
		return
	}
	if ret.err != nil {
		return resp, ret.err
	}
	return ProposalResponse{Data: ret.reply}, nil
}

func (g *group) Stat() (*Stat, error) {
	select {
	case <-g.stopped:
		return nil, ErrStopped
	default:
	}
	st := g.node.Status()
	return &Stat{
		ID:        st.ID,
		Term:      st.Term,
		Vote:      st.Vote,
		Commit:    st.Commit,
		Leader:    st.Lead,
		RaftState: st.RaftState.String(),
		Applied:   atomic.LoadUint64(&g.appliedIndex),
	}, nil
}

func (g *group) Close() error {
	g.closeOnce.Do(func() {
		close(g.stopped)
		<-g.done
		g.node.Stop()
	})
	return nil
}

func (g *group) waitForLeader(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()
	for atomic.LoadUint64(&g.leader) != g.id {
		if err := g.node.Campaign(ctx); err != nil && err != raft.ErrStopped {
			span.Warnf("campaign failed: %s", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.stopped:
			return ErrStopped
		case <-ticker.C:
		}
	}
	span.Infof("raft group of node[%d] leads after %d ms", g.id, time.Since(start).Milliseconds())
	return nil
}

func (g *group) loop() {
	defer close(g.done)
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopped:
			return
		case <-ticker.C:
			g.node.Tick()
		case rd := <-g.node.Ready():
			if err := g.handleReady(ctx, rd); err != nil {
				span.Fatalf("handle raft ready failed: %s", apierrors.Detail(err))
			}
			g.node.Advance()
		}
	}
}

func (g *group) handleReady(ctx context.Context, rd raft.Ready) error {
	span := trace.SpanFromContextSafe(ctx)
	if rd.SoftState != nil && rd.SoftState.Lead != atomic.LoadUint64(&g.leader) {
		atomic.StoreUint64(&g.leader, rd.SoftState.Lead)
		if err := g.sm.LeaderChange(rd.SoftState.Lead); err != nil {
			return apierrors.Info(err, "apply leader change")
		}
	}

	if !raft.IsEmptyHardState(rd.HardState) || len(rd.Entries) > 0 {
		if err := g.storage.saveHardStateAndEntries(ctx, rd.HardState, rd.Entries); err != nil {
			return apierrors.Info(err, "save hard state and entries")
		}
		if !raft.IsEmptyHardState(rd.HardState) {
			if err := g.memStorage.SetHardState(rd.HardState); err != nil {
				return err
			}
		}
		if err := g.memStorage.Append(rd.Entries); err != nil {
			return err
		}
	}
	for i := range rd.Messages {
		if rd.Messages[i].To != g.id {
			span.Warnf("drop raft message to node[%d], no peers configured", rd.Messages[i].To)
		}
	}
	return g.applyCommittedEntries(ctx, rd.CommittedEntries)
}

func (g *group) applyCommittedEntries(ctx context.Context, entries []raftpb.Entry) error {
	pds := make([]ProposalData, 0, len(entries))
	latestIndex := uint64(0)
	flush := func() error {
		if len(pds) == 0 {
			return nil
		}
		rets, err := g.sm.Apply(ctx, pds, latestIndex)
		if err != nil {
			return apierrors.Info(err, "apply to state machine failed")
		}
		if err = g.storage.setAppliedIndex(ctx, latestIndex); err != nil {
			return apierrors.Info(err, "persist applied index")
		}
		atomic.StoreUint64(&g.appliedIndex, latestIndex)
		for i := range pds {
			var ret proposalResult
			if i < len(rets) {
				ret.reply = rets[i]
				if e, ok := rets[i].(error); ok {
					ret = proposalResult{err: e}
				}
			}
			g.doNotify(pds[i].notifyID, ret)
		}
		pds = pds[:0]
		return nil
	}

	for i := range entries {
		switch entries[i].Type {
		case raftpb.EntryConfChange:
			if err := flush(); err != nil {
				return err
			}
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entries[i].Data); err != nil {
				return apierrors.Info(err, "unmarshal conf change")
			}
			g.node.ApplyConfChange(cc)
		case raftpb.EntryNormal:
			// entries applied before a restart are replayed for the
			// membership only
			if len(entries[i].Data) == 0 || entries[i].Index <= atomic.LoadUint64(&g.appliedIndex) {
				continue
			}
			var pd ProposalData
			if err := pd.Unmarshal(entries[i].Data); err != nil {
				return apierrors.Info(err, "unmarshal proposal data failed")
			}
			pds = append(pds, pd)
			latestIndex = entries[i].Index
		}
	}
	return flush()
}

func (g *group) addNotify(notifyID uint64, n notify) {
	g.notifies.Store(notifyID, n)
}

func (g *group) doNotify(notifyID uint64, ret proposalResult) {
	n, ok := g.notifies.LoadAndDelete(notifyID)
	if !ok {
		return
	}
	n.(notify).Notify(ret)
}
