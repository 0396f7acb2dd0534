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

package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/metrics"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/branchdb/raft"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
)

const (
	RaftOpSetContract raft.Op = iota + 1
	RaftOpRemoveContract
	RaftOpAck
)

func (c *Coordinator) Apply(ctx context.Context, pds []raft.ProposalData, index uint64) (rets []interface{}, err error) {
	rets = make([]interface{}, len(pds))
	for i := range pds {
		_, pctx := trace.StartSpanFromContextWithTraceID(ctx, "", pds[i].ReqID)
		switch pds[i].Op {
		case RaftOpSetContract:
			err = c.applySetContract(pctx, pds[i].Data)
		case RaftOpRemoveContract:
			err = c.applyRemoveContract(pctx, pds[i].Data)
		case RaftOpAck:
			err = c.applyAck(pctx, pds[i].Data)
		default:
			err = errors.Info(apierrors.ErrUnknownOperationType, fmt.Sprintf("unknown operation type: %d", pds[i].Op))
		}
		if err != nil {
			return nil, err
		}
	}
	return rets, nil
}

func (c *Coordinator) LeaderChange(peerID uint64) error {
	_, ctx := trace.StartSpanFromContext(context.Background(), "")
	trace.SpanFromContextSafe(ctx).Infof("coordinator raft leader changes to node[%d]", peerID)
	return nil
}

func (c *Coordinator) applySetContract(ctx context.Context, data []byte) error {
	span := trace.SpanFromContextSafe(ctx)
	contract := proto.Contract{}
	if err := contract.Unmarshal(data); err != nil {
		return errors.Info(err, "json unmarshal failed")
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	rec, ok := c.contracts[contract.ID]
	var formerNodes []proto.NodeID
	if ok {
		formerNodes = rec.Contract.Nodes()
		if contract.Branch == proto.NilBranch {
			contract.Branch = rec.Contract.Branch
		}
		rec.Contract = contract
		for node := range rec.Acks {
			if contract.RoleOf(node) == proto.ReplicaRoleNone {
				delete(rec.Acks, node)
			}
		}
	} else {
		rec = &contractRecord{Contract: contract, Acks: make(map[proto.NodeID]*proto.ContractAck)}
		c.contracts[contract.ID] = rec
	}
	span.Infof("set contract %s of %s, branch %s, replicas %+v", contract.ID, contract.Region, contract.Branch, contract.Replicas)

	if err := c.collectGarbage(ctx); err != nil {
		return err
	}
	if err := c.storage.PutContract(ctx, rec); err != nil {
		return errors.Info(err, "put contract")
	}
	c.queueUpdates(c.newContractUpdate(rec.Contract, false, formerNodes...))
	return nil
}

func (c *Coordinator) applyRemoveContract(ctx context.Context, data []byte) error {
	span := trace.SpanFromContextSafe(ctx)
	var id proto.ContractID
	if err := json.Unmarshal(data, &id); err != nil {
		return errors.Info(err, "json unmarshal failed")
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	rec, ok := c.contracts[id]
	if !ok {
		span.Warnf("contract %s already removed", id)
		return nil
	}
	delete(c.contracts, id)
	span.Infof("remove contract %s of %s", id, rec.Contract.Region)

	if err := c.collectGarbage(ctx); err != nil {
		return err
	}
	if err := c.storage.DeleteContract(ctx, id); err != nil {
		return errors.Info(err, "delete contract")
	}
	c.queueUpdates(c.newContractUpdate(rec.Contract, true))
	return nil
}

// applyAck keeps the latest ack of every replica of a contract. A ready
// primary reporting a branch the contract has not seen moves the contract
// onto it, unless that branch is an ancestor of the contract's branch.
func (c *Coordinator) applyAck(ctx context.Context, data []byte) error {
	span := trace.SpanFromContextSafe(ctx)
	ack := &proto.ContractAck{}
	if err := ack.Unmarshal(data); err != nil {
		return errors.Info(err, "json unmarshal failed")
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	rec, ok := c.contracts[ack.ContractID]
	if !ok || rec.Contract.RoleOf(ack.Node) == proto.ReplicaRoleNone {
		span.Debugf("drop ack of node[%d] for stale contract %s", ack.Node, ack.ContractID)
		return nil
	}
	if err := c.history.Import(ack.History); err != nil {
		if err == apierrors.ErrDuplicateBranch {
			span.Fatalf("import history of node[%d] failed: %s", ack.Node, err)
		}
		span.Warnf("drop ack of node[%d] with broken history: %s", ack.Node, err)
		return nil
	}
	rec.Acks[ack.Node] = ack

	changed := false
	contract := &rec.Contract
	if ack.ReadyForRole && ack.Role == proto.ReplicaRolePrimary && contract.RoleOf(ack.Node) == proto.ReplicaRolePrimary &&
		ack.Branch != proto.NilBranch && ack.Branch != contract.Branch && c.adoptable(contract, ack.Branch) {
		span.Infof("contract %s moves from branch %s to %s of node[%d]", contract.ID, contract.Branch, ack.Branch, ack.Node)
		contract.Branch = ack.Branch
		changed = true
	}

	if err := c.collectGarbage(ctx); err != nil {
		return err
	}
	if err := c.storage.PutContract(ctx, rec); err != nil {
		return errors.Info(err, "put contract")
	}
	if changed {
		c.queueUpdates(c.newContractUpdate(rec.Contract, false))
	}
	return nil
}

func (c *Coordinator) adoptable(contract *proto.Contract, id proto.BranchID) bool {
	b, err := c.history.Get(id)
	if err != nil {
		return false
	}
	if contract.Branch == proto.NilBranch {
		return true
	}
	cur, err := c.history.Get(contract.Branch)
	if err != nil {
		return true
	}
	older, err := c.history.IsAncestor(contract.Region,
		proto.Version{Branch: id, Timestamp: b.InitialTimestamp},
		proto.Version{Branch: cur.ID, Timestamp: cur.InitialTimestamp})
	return err == nil && !older
}

// collectGarbage prunes the branches no contract and no ack needs, then
// persists the history. Called with c.lock held.
func (c *Coordinator) collectGarbage(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	var live []proto.LiveVersion
	for _, rec := range c.contracts {
		if rec.Contract.Branch != proto.NilBranch {
			live = append(live, proto.LiveVersion{Region: rec.Contract.Region, Version: proto.BranchTip(rec.Contract.Branch)})
		}
		for _, ack := range rec.Acks {
			for _, p := range ack.Metainfo.Pieces() {
				if !p.Value.Earliest.IsZero() {
					live = append(live, proto.LiveVersion{Region: p.Region, Version: p.Value.Earliest})
				}
				if !p.Value.Latest.IsZero() && p.Value.Latest != p.Value.Earliest {
					live = append(live, proto.LiveVersion{Region: p.Region, Version: p.Value.Latest})
				}
			}
		}
	}

	removed, err := c.history.CollectGarbage(live)
	if err != nil {
		// an unknown branch keeps everything until its record arrives
		span.Warnf("collect branch garbage failed: %s", err)
		return nil
	}
	if len(removed) > 0 {
		metrics.BranchesPruned.Add(float64(len(removed)))
		span.Infof("pruned %d branches, %d left", len(removed), c.history.Len())
		c.pruned = append(c.pruned, removed...)
		if n := len(c.pruned) - maxPrunedNotice; n > 0 {
			c.pruned = append([]proto.BranchID(nil), c.pruned[n:]...)
		}
	}
	if err = c.historyStorage.Save(ctx, c.history.Snapshot()); err != nil {
		return errors.Info(err, "save branch history")
	}
	return nil
}
