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

// Package coordinator owns the contracts of the cluster and the
// authoritative branch history. Every change goes through a raft log, and
// the contracts are pushed to the replicas they name.
package coordinator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cubefs/branchdb/branch"
	"github.com/cubefs/branchdb/common/kvstore"
	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/branchdb/raft"
	"github.com/cubefs/branchdb/reactor"
	"github.com/cubefs/branchdb/transport"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"golang.org/x/sync/errgroup"
)

// Mailbox receives the contract acks of all replicas.
const Mailbox = "coordinator"

const defaultUpdateQueueSize = 1024

// maxPrunedNotice bounds the recently collected branches every contract
// update carries to the replicas.
const maxPrunedNotice = 256

type Config struct {
	Enabled bool `json:"enabled"`
	// NodeID is the node running the coordinator.
	NodeID     proto.NodeID `json:"node_id"`
	RaftConfig raft.Config  `json:"raft_config"`

	Transport transport.Transport `json:"-"`
	KVStore   kvstore.Store       `json:"-"`
}

type Stat struct {
	Contracts int        `json:"contracts"`
	Branches  int        `json:"branches"`
	Raft      *raft.Stat `json:"raft"`
}

type Coordinator struct {
	transport      transport.Transport
	storage        *storage
	history        *branch.History
	historyStorage branch.Storage
	raftGroup      raft.Group
	addr           proto.Address

	lock      sync.RWMutex
	contracts map[proto.ContractID]*contractRecord
	// pruned holds the latest collected branches, oldest first
	pruned []proto.BranchID

	updates chan []contractUpdate
	quit    chan struct{}
	done    chan struct{}
}

func NewCoordinator(ctx context.Context, cfg *Config) (*Coordinator, error) {
	span := trace.SpanFromContextSafe(ctx)

	c := &Coordinator{
		transport:      cfg.Transport,
		storage:        newStorage(cfg.KVStore),
		historyStorage: branch.NewStorage(cfg.KVStore),
		contracts:      make(map[proto.ContractID]*contractRecord),
		updates:        make(chan []contractUpdate, defaultUpdateQueueSize),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	branches, err := c.historyStorage.Load(ctx)
	if err != nil {
		return nil, errors.Info(err, "load branch history")
	}
	c.history = branch.NewHistory(branches)
	recs, err := c.storage.ListContracts(ctx)
	if err != nil {
		return nil, errors.Info(err, "list contracts")
	}
	for _, rec := range recs {
		c.contracts[rec.Contract.ID] = rec
	}
	go c.broadcastLoop()

	raftCfg := cfg.RaftConfig
	if raftCfg.NodeID == 0 {
		raftCfg.NodeID = uint64(cfg.NodeID)
	}
	raftCfg.KVStore = cfg.KVStore
	raftCfg.SM = c
	if c.raftGroup, err = raft.NewRaftGroup(ctx, &raftCfg); err != nil {
		close(c.quit)
		<-c.done
		return nil, errors.Info(err, "start raft group")
	}

	if c.addr, err = c.transport.Register(Mailbox, c.handle); err != nil {
		c.Close()
		return nil, err
	}

	// replicas of a restarted cluster start inactive
	c.lock.RLock()
	updates := make([]contractUpdate, 0, len(c.contracts))
	for _, rec := range c.contracts {
		updates = append(updates, c.newContractUpdate(rec.Contract, false))
	}
	c.lock.RUnlock()
	c.queueUpdates(updates...)

	span.Infof("coordinator started with %d contracts, %d branches", len(updates), c.history.Len())
	return c, nil
}

// Address is where replicas send their acks.
func (c *Coordinator) Address() proto.Address {
	return c.addr
}

// SetContract creates or replaces a contract. A contract replacing one with
// a branch keeps that branch unless it names another.
func (c *Coordinator) SetContract(ctx context.Context, contract *proto.Contract) error {
	if err := validateContract(contract); err != nil {
		return err
	}
	data, err := contract.Marshal()
	if err != nil {
		return err
	}
	return c.propose(ctx, RaftOpSetContract, data)
}

func (c *Coordinator) RemoveContract(ctx context.Context, id proto.ContractID) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return c.propose(ctx, RaftOpRemoveContract, data)
}

// HandleAck records a replica's report, which may move its contract to the
// branch of a new primary.
func (c *Coordinator) HandleAck(ctx context.Context, ack *proto.ContractAck) error {
	data, err := ack.Marshal()
	if err != nil {
		return err
	}
	return c.propose(ctx, RaftOpAck, data)
}

func (c *Coordinator) propose(ctx context.Context, op raft.Op, data []byte) error {
	_, err := c.raftGroup.Propose(ctx, &raft.ProposalData{Op: op, Data: data})
	if err == raft.ErrStopped {
		return apierrors.ErrCoordinatorStopped
	}
	return err
}

func (c *Coordinator) GetContract(ctx context.Context, id proto.ContractID) (*proto.Contract, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	rec, ok := c.contracts[id]
	if !ok {
		return nil, apierrors.ErrContractNotFound
	}
	ret := rec.Contract
	return &ret, nil
}

// Contracts returns all contracts ordered by region.
func (c *Coordinator) Contracts(ctx context.Context) []proto.Contract {
	c.lock.RLock()
	ret := make([]proto.Contract, 0, len(c.contracts))
	for _, rec := range c.contracts {
		ret = append(ret, rec.Contract)
	}
	c.lock.RUnlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].Region.Left < ret[j].Region.Left })
	return ret
}

// History returns a copy of the authoritative branch history.
func (c *Coordinator) History() proto.BranchHistory {
	return c.history.Snapshot()
}

func (c *Coordinator) Stat() (*Stat, error) {
	raftStat, err := c.raftGroup.Stat()
	if err != nil {
		return nil, err
	}
	c.lock.RLock()
	defer c.lock.RUnlock()
	return &Stat{Contracts: len(c.contracts), Branches: c.history.Len(), Raft: raftStat}, nil
}

func (c *Coordinator) Close() {
	if !c.addr.IsZero() {
		c.transport.Unregister(c.addr)
	}
	c.raftGroup.Close()
	close(c.quit)
	<-c.done
}

func (c *Coordinator) handle(ctx context.Context, msg proto.Message) {
	span := trace.SpanFromContextSafe(ctx)
	ack, ok := msg.(*proto.ContractAck)
	if !ok {
		span.Warnf("unexpected message type %d", msg.MessageType())
		return
	}
	if err := c.HandleAck(ctx, ack); err != nil {
		span.Warnf("handle ack of node[%d] for contract %s failed: %s", ack.Node, ack.ContractID, errors.Detail(err))
	}
}

// contractUpdate is a ContractUpdate with the nodes it goes to.
type contractUpdate struct {
	msg   *proto.ContractUpdate
	nodes []proto.NodeID
}

// newContractUpdate is called with c.lock held.
func (c *Coordinator) newContractUpdate(contract proto.Contract, removed bool, formerNodes ...proto.NodeID) contractUpdate {
	nodes := contract.Nodes()
	for _, n := range formerNodes {
		if contract.RoleOf(n) == proto.ReplicaRoleNone {
			nodes = append(nodes, n)
		}
	}
	msg := &proto.ContractUpdate{Contract: contract, Removed: removed}
	for _, id := range c.pruned {
		// an ack may have brought a collected branch back
		if !c.history.Has(id) {
			msg.Pruned = append(msg.Pruned, id)
		}
	}
	return contractUpdate{msg: msg, nodes: nodes}
}

func (c *Coordinator) queueUpdates(updates ...contractUpdate) {
	if len(updates) == 0 {
		return
	}
	select {
	case c.updates <- updates:
	case <-c.quit:
	}
}

// broadcastLoop pushes contract updates in the order they were applied.
// The replicas of one update are sent to concurrently.
func (c *Coordinator) broadcastLoop() {
	defer close(c.done)
	for {
		var updates []contractUpdate
		select {
		case <-c.quit:
			return
		case updates = <-c.updates:
		}

		span, ctx := trace.StartSpanFromContext(context.Background(), "")
		for _, u := range updates {
			u := u
			g, gctx := errgroup.WithContext(ctx)
			for _, node := range u.nodes {
				node := node
				g.Go(func() error {
					err := c.transport.Send(gctx, proto.Address{Node: node, Mailbox: reactor.Mailbox}, u.msg)
					if err != nil {
						span.Warnf("push contract %s to node[%d] failed: %s", u.msg.Contract.ID, node, err)
					}
					return nil
				})
			}
			g.Wait()
		}
	}
}

func validateContract(c *proto.Contract) error {
	if c.ID == (proto.ContractID{}) || c.Region.IsEmpty() || len(c.Replicas) == 0 {
		return apierrors.ErrInvalidContract
	}
	primaries := 0
	nodes := make(map[proto.NodeID]struct{}, len(c.Replicas))
	for _, r := range c.Replicas {
		if _, ok := nodes[r.Node]; ok {
			return apierrors.ErrInvalidContract
		}
		nodes[r.Node] = struct{}{}
		switch r.Role {
		case proto.ReplicaRolePrimary:
			primaries++
		case proto.ReplicaRoleSecondary:
		default:
			return apierrors.ErrInvalidContract
		}
	}
	if primaries > 1 {
		return apierrors.ErrInvalidContract
	}
	return nil
}
