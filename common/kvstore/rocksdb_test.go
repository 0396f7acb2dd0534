// Copyright 2023 The Cuber Authors.
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

package kvstore

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/cubefs/branchdb/util"
	"github.com/stretchr/testify/require"
)

const testCF = CF("test")

func newTestStore(t *testing.T) Store {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	s, err := NewKVStore(context.TODO(), path, RocksdbLsmKVType, &Option{
		CreateIfMissing: true,
		Sync:            true,
		ColumnFamily:    []CF{testCF},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		os.RemoveAll(path)
	})
	return s
}

func listAll(t *testing.T, lr ListReader) (keys []string) {
	defer lr.Close()
	for {
		k, v, err := lr.ReadNext()
		require.NoError(t, err)
		if k == nil {
			return keys
		}
		require.Equal(t, "v-"+string(k), string(v))
		keys = append(keys, string(k))
	}
}

func TestOpenRocksdb(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	opt := &Option{
		CreateIfMissing: true,
		BlockSize:       1 << 20,
		BlockCache:      1 << 20,
		ColumnFamily:    []CF{"a", "b", "c"},
	}
	s, err := newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "c", []byte("k"), []byte("v")))
	s.Close()

	s, err = newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	v, err := s.Get(ctx, "c", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
	s.Close()

	// column families on disk must all be opened
	opt.ColumnFamily = []CF{"a", "b"}
	_, err = newRocksdb(ctx, path, opt)
	require.Error(t, err)

	_, err = newRocksdb(ctx, "", opt)
	require.Error(t, err)
	_, err = NewKVStore(ctx, path, LsmKVType("leveldb"), opt)
	require.ErrorIs(t, err, ErrKVTypeNotFound)
}

func TestRocksdb_GetPutDelete(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)

	_, err := s.Get(ctx, testCF, []byte("k1"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Put(ctx, testCF, []byte("k1"), []byte("v1")))
	v, err := s.Get(ctx, testCF, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	// column families do not share keys
	_, err = s.Get(ctx, defaultCF, []byte("k1"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, testCF, []byte("k1")))
	_, err = s.Get(ctx, testCF, []byte("k1"))
	require.ErrorIs(t, err, ErrNotFound)
	require.Panics(t, func() { s.Get(ctx, "missing", []byte("k1")) })
}

func TestRocksdb_WriteBatch(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)

	batch := s.NewWriteBatch()
	for i := 0; i < 5; i++ {
		k := fmt.Sprintf("k%d", i)
		batch.Put(testCF, []byte(k), []byte("v-"+k))
	}
	require.Equal(t, 5, batch.Count())
	require.NoError(t, s.Write(ctx, batch))
	batch.Close()

	// operations apply in order: the put after the range delete survives
	batch = s.NewWriteBatch()
	batch.DeleteRange(testCF, []byte("k1"), []byte("k4"))
	batch.Put(testCF, []byte("k2"), []byte("v-k2"))
	batch.Delete(testCF, []byte("k4"))
	require.NoError(t, s.Write(ctx, batch))
	batch.Close()

	require.Equal(t, []string{"k0", "k2"}, listAll(t, s.List(ctx, testCF, []byte("k"), nil, nil)))
}

func TestRocksdb_ListWithSnapshot(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		prefix := "a"
		if i%2 == 1 {
			prefix = "b"
		}
		k := fmt.Sprintf("%s%d", prefix, i)
		require.NoError(t, s.Put(ctx, testCF, []byte(k), []byte("v-"+k)))
	}

	snap := s.NewSnapshot()
	defer snap.Close()
	require.NoError(t, s.Put(ctx, testCF, []byte("a99"), []byte("v-a99")))

	require.Equal(t, []string{"a0", "a2", "a4", "a6", "a8"}, listAll(t, s.List(ctx, testCF, []byte("a"), nil, snap)))
	require.Equal(t, []string{"a0", "a2", "a4", "a6", "a8", "a99"}, listAll(t, s.List(ctx, testCF, []byte("a"), nil, nil)))
	require.Equal(t, []string{"b5", "b7", "b9"}, listAll(t, s.List(ctx, testCF, []byte("b"), []byte("b5"), nil)))
	require.Len(t, listAll(t, s.List(ctx, testCF, nil, nil, nil)), 11)
}

func TestPrefixEnd(t *testing.T) {
	require.Equal(t, []byte("b"), PrefixEnd([]byte("a")))
	require.Equal(t, []byte("b"), PrefixEnd([]byte{'a', 0xff}))
	require.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
}
