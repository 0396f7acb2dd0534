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

package branch

import (
	"context"
	"os"
	"testing"

	"github.com/cubefs/branchdb/common/kvstore"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/branchdb/util"
	"github.com/stretchr/testify/require"
)

func testStorage(t *testing.T, ctx context.Context, s Storage) {
	h := NewHistory(nil)
	b0 := record(t, h, proto.NewRegionMap(universe, proto.ZeroVersion()))
	b1 := record(t, h, versionMap(t,
		proto.RegionPiece[proto.Version]{Region: lower, Value: at(b0, 10)},
		proto.RegionPiece[proto.Version]{Region: upper, Value: proto.ZeroVersion()},
	))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)

	require.NoError(t, s.Save(ctx, h.Snapshot()))
	loaded, err = s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	for id, b := range h.Snapshot() {
		require.True(t, b.Equal(loaded[id]))
	}

	h.Delete(b0)
	require.NoError(t, s.Save(ctx, h.Snapshot()))
	loaded, err = s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Contains(t, loaded, b1)
}

func TestStorage_Rocksdb(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	kvStore, err := kvstore.NewKVStore(ctx, path, kvstore.RocksdbLsmKVType, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    []kvstore.CF{CF},
	})
	require.NoError(t, err)
	defer kvStore.Close()

	testStorage(t, ctx, NewStorage(kvStore))
}

func TestStorage_Memory(t *testing.T) {
	testStorage(t, context.TODO(), NewMemoryStorage())
}
