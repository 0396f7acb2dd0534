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
	"os"
	"sync"
	"testing"

	"github.com/cubefs/branchdb/common/kvstore"
	"github.com/cubefs/branchdb/util"
	"github.com/stretchr/testify/require"
)

const (
	testOpEcho Op = iota + 1
	testOpFail
)

var errTestFail = errors.New("proposal failed")

type testSM struct {
	lock    sync.Mutex
	applied []string
	index   uint64
	leader  uint64
}

func (sm *testSM) Apply(ctx context.Context, pds []ProposalData, index uint64) ([]interface{}, error) {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	rets := make([]interface{}, len(pds))
	for i := range pds {
		switch pds[i].Op {
		case testOpEcho:
			sm.applied = append(sm.applied, string(pds[i].Data))
			rets[i] = string(pds[i].Data)
		case testOpFail:
			rets[i] = errTestFail
		}
	}
	sm.index = index
	return rets, nil
}

func (sm *testSM) LeaderChange(peerID uint64) error {
	sm.lock.Lock()
	sm.leader = peerID
	sm.lock.Unlock()
	return nil
}

func (sm *testSM) appliedData() []string {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	return append([]string(nil), sm.applied...)
}

func (sm *testSM) lastIndex() uint64 {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	return sm.index
}

func openKVStore(t *testing.T, path string) kvstore.Store {
	kvStore, err := kvstore.NewKVStore(context.TODO(), path, kvstore.RocksdbLsmKVType, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    []kvstore.CF{CF},
	})
	require.NoError(t, err)
	return kvStore
}

func newTestGroup(t *testing.T, kvStore kvstore.Store, sm StateMachine) Group {
	g, err := NewRaftGroup(context.TODO(), &Config{
		NodeID:         1,
		TickIntervalMs: 10,
		KVStore:        kvStore,
		SM:             sm,
	})
	require.NoError(t, err)
	return g
}

func TestGroup_Propose(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	kvStore := openKVStore(t, path)
	defer kvStore.Close()

	sm := &testSM{}
	g := newTestGroup(t, kvStore, sm)
	defer g.Close()

	for _, data := range []string{"a", "b", "c"} {
		resp, err := g.Propose(ctx, &ProposalData{Op: testOpEcho, Data: []byte(data)})
		require.NoError(t, err)
		require.Equal(t, data, resp.Data)
	}
	require.Equal(t, []string{"a", "b", "c"}, sm.appliedData())

	_, err = g.Propose(ctx, &ProposalData{Op: testOpFail})
	require.ErrorIs(t, err, errTestFail)

	stat, err := g.Stat()
	require.NoError(t, err)
	require.Equal(t, uint64(1), stat.Leader)
	require.Equal(t, "StateLeader", stat.RaftState)
	require.Equal(t, sm.lastIndex(), stat.Applied)

	require.NoError(t, g.Close())
	_, err = g.Stat()
	require.ErrorIs(t, err, ErrStopped)
}

func TestGroup_Restart(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	kvStore := openKVStore(t, path)
	defer kvStore.Close()

	sm := &testSM{}
	g := newTestGroup(t, kvStore, sm)
	for _, data := range []string{"a", "b"} {
		_, err = g.Propose(ctx, &ProposalData{Op: testOpEcho, Data: []byte(data)})
		require.NoError(t, err)
	}
	stat, err := g.Stat()
	require.NoError(t, err)
	require.NoError(t, g.Close())

	// proposals applied before the restart are not applied again
	restarted := &testSM{}
	g = newTestGroup(t, kvStore, restarted)
	defer g.Close()
	require.Empty(t, restarted.appliedData())

	_, err = g.Propose(ctx, &ProposalData{Op: testOpEcho, Data: []byte("c")})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, restarted.appliedData())

	after, err := g.Stat()
	require.NoError(t, err)
	require.Greater(t, after.Term, stat.Term)
	require.Greater(t, after.Applied, stat.Applied)
}

func TestStorage_Load(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	kvStore := openKVStore(t, path)
	defer kvStore.Close()

	stg := newStorage(1, kvStore)
	hs, entries, applied, err := stg.load(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Zero(t, applied)
	require.Zero(t, hs.Commit)

	sm := &testSM{}
	g := newTestGroup(t, kvStore, sm)
	_, err = g.Propose(ctx, &ProposalData{Op: testOpEcho, Data: []byte("a")})
	require.NoError(t, err)
	require.NoError(t, g.Close())

	hs, entries, applied, err = stg.load(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, sm.lastIndex(), applied)
	require.GreaterOrEqual(t, hs.Commit, applied)
	for i := range entries {
		require.Equal(t, uint64(i+1), entries[i].Index)
	}
}
