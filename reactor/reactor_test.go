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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cubefs/branchdb/branch"
	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/branchdb/store"
	"github.com/cubefs/branchdb/transport"
	"github.com/stretchr/testify/require"
)

const (
	testShard   = 1
	coordinator = proto.NodeID(100)
	waitTimeout = 5 * time.Second
)

var shardRegion = proto.NewRegion("000", "100")

func key(i int) string {
	return fmt.Sprintf("%03d", i)
}

type testNode struct {
	id      proto.NodeID
	store   *store.MemoryStore
	history *branch.History
	storage branch.Storage
	reactor *Reactor
}

// testCluster runs reactors on a local network. Node 100 stands in for the
// coordinator: it pushes contracts and collects acks per node.
type testCluster struct {
	network *transport.LocalNetwork
	coord   transport.Transport
	nodes   map[proto.NodeID]*testNode

	lock sync.Mutex
	acks map[proto.NodeID]chan *proto.ContractAck
}

func newTestCluster(t *testing.T, ids ...proto.NodeID) *testCluster {
	c := &testCluster{
		network: transport.NewLocalNetwork(),
		nodes:   make(map[proto.NodeID]*testNode),
		acks:    make(map[proto.NodeID]chan *proto.ContractAck),
	}
	c.coord = c.network.Join(coordinator)
	addr, err := c.coord.Register("coordinator", func(ctx context.Context, msg proto.Message) {
		ack := msg.(*proto.ContractAck)
		c.ackChan(ack.Node) <- ack
	})
	require.NoError(t, err)

	for _, id := range ids {
		c.nodes[id] = c.addNode(t, id, addr)
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			n.reactor.Close()
		}
		c.network.Close()
	})
	return c
}

func (c *testCluster) addNode(t *testing.T, id proto.NodeID, coordAddr proto.Address) *testNode {
	n := &testNode{
		id:      id,
		store:   store.NewMemoryStore(shardRegion, 64),
		history: branch.NewHistory(nil),
		storage: branch.NewMemoryStorage(),
	}
	n.reactor = NewReactor(&Config{
		RetryIntervalMs:    20,
		MaxRetryIntervalMs: 100,
		Transport:          c.network.Join(id),
		History:            n.history,
		HistoryStorage:     n.storage,
		Coordinator:        coordAddr,
	})
	ctx := context.Background()
	require.NoError(t, n.reactor.AddShard(ctx, testShard, n.store))
	require.NoError(t, n.reactor.Start(ctx))
	return n
}

func (c *testCluster) ackChan(node proto.NodeID) chan *proto.ContractAck {
	c.lock.Lock()
	defer c.lock.Unlock()
	ch, ok := c.acks[node]
	if !ok {
		ch = make(chan *proto.ContractAck, 1024)
		c.acks[node] = ch
	}
	return ch
}

func (c *testCluster) push(t *testing.T, contract proto.Contract, removed bool, nodes ...proto.NodeID) {
	for _, node := range nodes {
		err := c.coord.Send(context.Background(), proto.Address{Node: node, Mailbox: Mailbox},
			&proto.ContractUpdate{Contract: contract, Removed: removed})
		require.NoError(t, err)
	}
}

// waitAck returns the first ack of node for contract with the given
// readiness, skipping others.
func (c *testCluster) waitAck(t *testing.T, node proto.NodeID, contract proto.Contract, ready bool) *proto.ContractAck {
	ch := c.ackChan(node)
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case ack := <-ch:
			if ack.ContractID == contract.ID && ack.ReadyForRole == ready {
				return ack
			}
		case <-timer.C:
			require.FailNow(t, "ack timeout", "node %d ready %v", node, ready)
		}
	}
}

func (c *testCluster) role(t *testing.T, node proto.NodeID) string {
	stats, err := c.nodes[node].reactor.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	return stats[0].Role
}

func newContract(branch proto.BranchID, replicas ...proto.ReplicaAssignment) proto.Contract {
	return proto.Contract{ID: proto.NewContractID(), Region: shardRegion, Branch: branch, Replicas: replicas}
}

func primaryOf(n proto.NodeID) proto.ReplicaAssignment {
	return proto.ReplicaAssignment{Node: n, Role: proto.ReplicaRolePrimary}
}

func secondaryOf(n proto.NodeID) proto.ReplicaAssignment {
	return proto.ReplicaAssignment{Node: n, Role: proto.ReplicaRoleSecondary}
}

func writeKeys(t *testing.T, r *Reactor, from, to int) {
	for i := from; i < to; i++ {
		require.NoError(t, r.Write(context.Background(), key(i), []byte("v"+key(i)), false))
	}
}

// startPrimary makes node 1 primary of a new contract and returns the
// contract moved onto the branch node 1 started.
func startPrimary(t *testing.T, c *testCluster, replicas ...proto.ReplicaAssignment) proto.Contract {
	contract := newContract(proto.NilBranch, replicas...)
	c.push(t, contract, false, 1)
	ack := c.waitAck(t, 1, contract, true)
	require.NotEqual(t, proto.NilBranch, ack.Branch)
	contract.Branch = ack.Branch
	c.push(t, contract, false, 1)
	c.waitAck(t, 1, contract, true)
	return contract
}

func TestConfig_RetryDelay(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefault()
	require.Equal(t, time.Second, cfg.retryDelay(0))
	require.Equal(t, 2*time.Second, cfg.retryDelay(1))
	require.Equal(t, 16*time.Second, cfg.retryDelay(4))
	require.Equal(t, 30*time.Second, cfg.retryDelay(5))
	require.Equal(t, 30*time.Second, cfg.retryDelay(100))
}

func TestReactor_PrimaryWrites(t *testing.T) {
	c := newTestCluster(t, 1)
	r := c.nodes[1].reactor
	ctx := context.Background()

	require.ErrorIs(t, r.Write(ctx, key(1), []byte("x"), false), apierrors.ErrNotPrimary)
	_, err := r.Get(ctx, key(1))
	require.ErrorIs(t, err, apierrors.ErrNotReadable)

	contract := newContract(proto.NilBranch, primaryOf(1))
	c.push(t, contract, false, 1)
	ack := c.waitAck(t, 1, contract, true)
	require.Equal(t, proto.ReplicaRolePrimary, ack.Role)
	require.Contains(t, ack.History, ack.Branch)
	require.Equal(t, proto.NewVersionRange(proto.Version{Branch: ack.Branch}), ack.VersionRange)
	require.Equal(t, RolePrimary.String(), c.role(t, 1))

	writeKeys(t, r, 0, 3)
	require.NoError(t, r.Write(ctx, key(1), nil, true))
	e, err := r.Get(ctx, key(2))
	require.NoError(t, err)
	require.Equal(t, []byte("v"+key(2)), e.Value)
	require.Equal(t, proto.Version{Branch: ack.Branch, Timestamp: 3}, e.Recency)
	_, err = r.Get(ctx, key(1))
	require.ErrorIs(t, err, apierrors.ErrKeyNotFound)
	_, err = r.Get(ctx, "zzz")
	require.ErrorIs(t, err, apierrors.ErrShardNotFound)

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	require.True(t, stats[0].Metainfo.Equal(proto.NewRegionMap(shardRegion,
		proto.NewVersionRange(proto.Version{Branch: ack.Branch, Timestamp: 4}))))

	// a redelivered contract keeps the branch, so does the adopted one
	c.push(t, contract, false, 1)
	again := c.waitAck(t, 1, contract, true)
	require.Equal(t, ack.Branch, again.Branch)
	contract.Branch = ack.Branch
	c.push(t, contract, false, 1)
	again = c.waitAck(t, 1, contract, true)
	require.Equal(t, ack.Branch, again.Branch)

	// a new contract starts a new branch from the data
	next := newContract(proto.NilBranch, primaryOf(1))
	c.push(t, next, false, 1)
	forked := c.waitAck(t, 1, next, true)
	require.NotEqual(t, ack.Branch, forked.Branch)
	require.Contains(t, forked.History, ack.Branch)
	e, err = r.Get(ctx, key(2))
	require.NoError(t, err)
	require.Equal(t, []byte("v"+key(2)), e.Value)
}

func TestReactor_SecondaryBackfills(t *testing.T) {
	c := newTestCluster(t, 1, 2)
	ctx := context.Background()

	contract := newContract(proto.NilBranch, primaryOf(1), secondaryOf(2))
	c.push(t, contract, false, 1, 2)
	ack := c.waitAck(t, 1, contract, true)
	// no branch to follow yet
	c.waitAck(t, 2, contract, false)
	require.Equal(t, RoleCold.String(), c.role(t, 2))

	writeKeys(t, c.nodes[1].reactor, 0, 20)

	contract.Branch = ack.Branch
	c.push(t, contract, false, 1, 2)
	c.waitAck(t, 1, contract, true)
	ready := c.waitAck(t, 2, contract, true)
	require.Equal(t, ack.Branch, ready.Branch)
	require.Equal(t, proto.ReplicaRoleSecondary, ready.Role)
	require.Equal(t, RoleSecondary.String(), c.role(t, 2))

	for i := 0; i < 20; i++ {
		e, err := c.nodes[2].reactor.Get(ctx, key(i))
		require.NoError(t, err)
		require.Equal(t, []byte("v"+key(i)), e.Value)
	}
	require.ErrorIs(t, c.nodes[2].reactor.Write(ctx, key(1), []byte("x"), false), apierrors.ErrNotPrimary)
	require.True(t, c.nodes[2].history.Has(ack.Branch))
}

func TestReactor_SecondaryFollowsWrites(t *testing.T) {
	c := newTestCluster(t, 1, 2)
	ctx := context.Background()
	contract := startPrimary(t, c, primaryOf(1), secondaryOf(2))
	writeKeys(t, c.nodes[1].reactor, 0, 5)
	c.push(t, contract, false, 2)
	c.waitAck(t, 2, contract, true)

	sameMetainfo := func() bool {
		m1, err := c.nodes[1].store.GetMetainfo(ctx)
		require.NoError(t, err)
		m2, err := c.nodes[2].store.GetMetainfo(ctx)
		require.NoError(t, err)
		return m1.Equal(m2)
	}

	// writes after catch-up reach the secondary without a backfill
	writeKeys(t, c.nodes[1].reactor, 5, 20)
	require.NoError(t, c.nodes[1].reactor.Write(ctx, key(3), nil, true))
	require.Eventually(t, sameMetainfo, waitTimeout, 10*time.Millisecond)
	require.Equal(t, RoleSecondary.String(), c.role(t, 2))
	for i := 5; i < 20; i++ {
		e, err := c.nodes[2].reactor.Get(ctx, key(i))
		require.NoError(t, err)
		require.Equal(t, []byte("v"+key(i)), e.Value)
	}
	_, err := c.nodes[2].reactor.Get(ctx, key(3))
	require.ErrorIs(t, err, apierrors.ErrKeyNotFound)

	// a lost write shows up as a gap on the next one, the secondary
	// backfills what it missed
	c.network.Partition(1, 2)
	writeKeys(t, c.nodes[1].reactor, 20, 21)
	c.network.Heal(1, 2)
	writeKeys(t, c.nodes[1].reactor, 21, 22)
	require.Eventually(t, func() bool {
		return sameMetainfo() && c.role(t, 2) == RoleSecondary.String()
	}, waitTimeout, 10*time.Millisecond)
	for i := 20; i < 22; i++ {
		e, err := c.nodes[2].reactor.Get(ctx, key(i))
		require.NoError(t, err)
		require.Equal(t, []byte("v"+key(i)), e.Value)
	}
}

func TestReactor_PruneHistory(t *testing.T) {
	c := newTestCluster(t, 1)
	ctx := context.Background()
	contract := startPrimary(t, c, primaryOf(1))
	writeKeys(t, c.nodes[1].reactor, 0, 3)

	n1 := c.nodes[1]
	stray := proto.NewBranchID()
	_, err := n1.history.RecordBranch(stray, proto.NewRegionMap(shardRegion, proto.ZeroVersion()))
	require.NoError(t, err)
	require.Equal(t, 2, n1.history.Len())

	// the branch of the replica's own data survives pruning
	err = c.coord.Send(ctx, proto.Address{Node: 1, Mailbox: Mailbox}, &proto.ContractUpdate{
		Contract: contract,
		Pruned:   []proto.BranchID{stray, contract.Branch, proto.NewBranchID()},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !n1.history.Has(stray) }, waitTimeout, 10*time.Millisecond)
	require.True(t, n1.history.Has(contract.Branch))
	require.Equal(t, 1, n1.history.Len())

	saved, err := n1.storage.Load(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.Contains(t, saved, contract.Branch)
	e, err := n1.reactor.Get(ctx, key(2))
	require.NoError(t, err)
	require.Equal(t, []byte("v"+key(2)), e.Value)
}

func TestReactor_UnrelatedHistoryFullBackfill(t *testing.T) {
	c := newTestCluster(t, 1, 2)
	ctx := context.Background()

	// node 2 holds data of a branch node 1 never saw
	n2 := c.nodes[2]
	stray := proto.NewBranchID()
	_, err := n2.history.RecordBranch(stray, proto.NewRegionMap(shardRegion, proto.ZeroVersion()))
	require.NoError(t, err)
	strayVersion := proto.Version{Branch: stray, Timestamp: 10}
	require.NoError(t, n2.store.Write(ctx, &proto.BackfillEntry{Key: key(50), Value: []byte("stray"), Recency: strayVersion},
		proto.NewRegionMap(shardRegion, proto.NewVersionRange(strayVersion))))

	contract := startPrimary(t, c, primaryOf(1), secondaryOf(2))
	writeKeys(t, c.nodes[1].reactor, 0, 5)

	c.push(t, contract, false, 2)
	c.waitAck(t, 2, contract, true)

	_, err = n2.reactor.Get(ctx, key(50))
	require.ErrorIs(t, err, apierrors.ErrKeyNotFound)
	for i := 0; i < 5; i++ {
		_, err = n2.reactor.Get(ctx, key(i))
		require.NoError(t, err)
	}
	m, err := n2.store.GetMetainfo(ctx)
	require.NoError(t, err)
	require.True(t, onBranch(m, contract.Branch))
}

func TestReactor_PeerUnreachableRetries(t *testing.T) {
	c := newTestCluster(t, 1, 2)
	contract := startPrimary(t, c, primaryOf(1), secondaryOf(2))
	writeKeys(t, c.nodes[1].reactor, 0, 5)

	c.network.Partition(1, 2)
	c.push(t, contract, false, 2)
	// one not-ready ack on the contract, one per failed backfill
	c.waitAck(t, 2, contract, false)
	c.waitAck(t, 2, contract, false)
	require.Equal(t, RoleCold.String(), c.role(t, 2))
	m, err := c.nodes[2].store.GetMetainfo(context.Background())
	require.NoError(t, err)
	require.False(t, onBranch(m, contract.Branch))

	c.network.Heal(1, 2)
	c.waitAck(t, 2, contract, true)
	require.Equal(t, RoleSecondary.String(), c.role(t, 2))
}

func TestReactor_InactiveRetainsData(t *testing.T) {
	c := newTestCluster(t, 1, 2)
	ctx := context.Background()
	contract := startPrimary(t, c, primaryOf(1), secondaryOf(2))
	writeKeys(t, c.nodes[1].reactor, 0, 5)
	c.push(t, contract, false, 2)
	c.waitAck(t, 2, contract, true)

	n2 := c.nodes[2]
	before, err := n2.store.GetMetainfo(ctx)
	require.NoError(t, err)

	// dropped from the contract
	shrunk := contract
	shrunk.Replicas = []proto.ReplicaAssignment{primaryOf(1)}
	c.push(t, shrunk, false, 2)
	ack := c.waitAck(t, 2, shrunk, true)
	require.Equal(t, proto.ReplicaRoleNone, ack.Role)
	require.Equal(t, RoleInactive.String(), c.role(t, 2))
	_, err = n2.reactor.Get(ctx, key(1))
	require.ErrorIs(t, err, apierrors.ErrNotReadable)
	after, err := n2.store.GetMetainfo(ctx)
	require.NoError(t, err)
	require.True(t, before.Equal(after))
	require.Equal(t, 5, n2.store.Len())

	// back as a secondary on the same branch, no backfill needed
	c.push(t, contract, false, 2)
	c.waitAck(t, 2, contract, true)
	require.Equal(t, RoleSecondary.String(), c.role(t, 2))

	// a removed contract deactivates the shard
	c.push(t, contract, true, 2)
	require.Eventually(t, func() bool { return c.role(t, 2) == RoleInactive.String() }, waitTimeout, 10*time.Millisecond)
}

func TestSummarize(t *testing.T) {
	b := proto.NewBranchID()
	lower, upper := proto.NewRegion("000", "050"), proto.NewRegion("050", "100")
	m, err := proto.NewRegionMapFromPieces(shardRegion, []proto.RegionPiece[proto.VersionRange]{
		{Region: lower, Value: proto.VersionRange{Earliest: proto.Version{Branch: b, Timestamp: 3}, Latest: proto.Version{Branch: b, Timestamp: 9}}},
		{Region: upper, Value: proto.NewVersionRange(proto.Version{Branch: b, Timestamp: 5})},
	})
	require.NoError(t, err)
	require.Equal(t, proto.VersionRange{
		Earliest: proto.Version{Branch: b, Timestamp: 3},
		Latest:   proto.Version{Branch: b, Timestamp: 9},
	}, summarize(m))
	require.False(t, onBranch(m, b))

	coherent := proto.NewRegionMap(shardRegion, proto.NewVersionRange(proto.Version{Branch: b, Timestamp: 5}))
	require.True(t, onBranch(coherent, b))
	require.False(t, onBranch(coherent, proto.NewBranchID()))
}
