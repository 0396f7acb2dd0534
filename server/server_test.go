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

package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/cubefs/branchdb/coordinator"
	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/branchdb/raft"
	"github.com/cubefs/branchdb/reactor"
	"github.com/cubefs/branchdb/store"
	"github.com/cubefs/branchdb/util"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/stretchr/testify/require"
)

func newTestConfig(path, kvType string) *Config {
	return &Config{
		NodeID:      1,
		Shards:      []ShardConfig{{ID: 1, Region: proto.UniverseRegion()}},
		StoreConfig: store.Config{Path: path, KVType: kvType, ChunkSize: 1024},
		ReactorConfig: reactor.Config{
			RetryIntervalMs:    20,
			MaxRetryIntervalMs: 100,
		},
		CoordinatorConfig: coordinator.Config{
			Enabled:    true,
			RaftConfig: raft.Config{TickIntervalMs: 10},
		},
	}
}

// waitWritable sets a single replica contract and waits until the node
// accepts writes on its branch.
func waitWritable(t *testing.T, s *Server, contract *proto.Contract) proto.BranchID {
	ctx := context.TODO()
	coord, err := s.Coordinator()
	require.NoError(t, err)
	if contract != nil {
		require.NoError(t, coord.SetContract(ctx, contract))
	}
	var b proto.BranchID
	require.Eventually(t, func() bool {
		contracts := coord.Contracts(ctx)
		if len(contracts) != 1 || contracts[0].Branch == proto.NilBranch {
			return false
		}
		b = contracts[0].Branch
		stats, err := s.reactor.Stats(ctx)
		require.NoError(t, err)
		if stats[0].Role != reactor.RolePrimary.String() {
			return false
		}
		on := true
		stats[0].Metainfo.Visit(func(_ proto.Region, v proto.VersionRange) {
			on = on && v.Latest.Branch == b
		})
		return on
	}, 5*time.Second, 10*time.Millisecond)
	return b
}

func testServer(t *testing.T, kvType string) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	s, err := NewServer(ctx, newTestConfig(path, kvType))
	require.NoError(t, err)
	contract := &proto.Contract{
		ID:       proto.NewContractID(),
		Region:   proto.UniverseRegion(),
		Replicas: []proto.ReplicaAssignment{{Node: 1, Role: proto.ReplicaRolePrimary}},
	}
	b1 := waitWritable(t, s, contract)
	require.NoError(t, s.reactor.Write(ctx, "k1", []byte("v1"), false))
	require.NoError(t, s.reactor.Write(ctx, "k2", []byte("v2"), false))
	require.NoError(t, s.reactor.Write(ctx, "k2", nil, true))
	s.Close()

	// the restarted coordinator pushes the contract again and the node
	// starts a branch from what it kept
	s, err = NewServer(ctx, newTestConfig(path, kvType))
	require.NoError(t, err)
	defer s.Close()
	b2 := waitWritable(t, s, nil)

	e, err := s.reactor.Get(ctx, "k1")
	if kvType == MemoryKVType {
		require.ErrorIs(t, err, apierrors.ErrKeyNotFound)
		return
	}
	require.NotEqual(t, b1, b2)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), e.Value)
	_, err = s.reactor.Get(ctx, "k2")
	require.ErrorIs(t, err, apierrors.ErrKeyNotFound)
	coord, err := s.Coordinator()
	require.NoError(t, err)
	require.Contains(t, coord.History(), b2)
}

func TestServer_Rocksdb(t *testing.T) {
	testServer(t, "")
}

func TestServer_Memory(t *testing.T) {
	testServer(t, MemoryKVType)
}

func TestServer_NoCoordinator(t *testing.T) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	cfg := newTestConfig(path, MemoryKVType)
	cfg.CoordinatorConfig = coordinator.Config{NodeID: 2}
	s, err := NewServer(context.TODO(), cfg)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Coordinator()
	require.ErrorIs(t, err, apierrors.ErrNotCoordinator)
	require.ErrorIs(t, s.reactor.Write(context.TODO(), "k", nil, false), apierrors.ErrNotPrimary)
}

func TestHttpError(t *testing.T) {
	for err, code := range map[error]int{
		apierrors.ErrKeyNotFound:      http.StatusNotFound,
		apierrors.ErrContractNotFound: http.StatusNotFound,
		apierrors.ErrInvalidContract:  http.StatusBadRequest,
		apierrors.ErrNotPrimary:       http.StatusForbidden,
		apierrors.ErrNotCoordinator:   http.StatusForbidden,
		apierrors.ErrInterrupted:      http.StatusServiceUnavailable,
	} {
		var httpErr *rpc.Error
		require.True(t, errors.As(httpError(err), &httpErr))
		require.Equal(t, code, httpErr.StatusCode())
	}
	plain := errors.New("io failure")
	require.Equal(t, plain, httpError(plain))
}
