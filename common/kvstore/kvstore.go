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
	"errors"
)

const (
	defaultCF = "default"

	RocksdbLsmKVType = LsmKVType("rocksdb")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
)

type (
	CF        string
	LsmKVType string

	// Store is the ordered key-value engine under branch history, store
	// views, raft logs and coordinator state. Keys of a column family list
	// in bytewise order.
	Store interface {
		Get(ctx context.Context, col CF, key []byte) ([]byte, error)
		Put(ctx context.Context, col CF, key, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		// List walks col from marker, or from prefix when marker is empty,
		// and stops before the first key without prefix. Reads go through
		// snap when it is not nil.
		List(ctx context.Context, col CF, prefix, marker []byte, snap Snapshot) ListReader
		NewSnapshot() Snapshot
		NewWriteBatch() WriteBatch
		// Write applies all operations of batch atomically, in order.
		Write(ctx context.Context, batch WriteBatch) error
		Close()
	}
	// ListReader returns copies of the listed pairs, and a nil key once the
	// listing is exhausted.
	ListReader interface {
		ReadNext() (key []byte, value []byte, err error)
		Close()
	}
	Snapshot interface {
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		DeleteRange(col CF, startKey, endKey []byte)
		Count() int
		Close()
	}

	Option struct {
		Sync            bool   `json:"sync"`
		CreateIfMissing bool   `json:"create_if_missing"`
		ColumnFamily    []CF   `json:"column_family"`
		BlockSize       int    `json:"block_size"`
		BlockCache      uint64 `json:"block_cache"`
		MaxOpenFiles    int    `json:"max_open_files"`
		WriteBufferSize int    `json:"write_buffer_size"`
	}
)

func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	switch lsmType {
	case RocksdbLsmKVType, "":
		return newRocksdb(ctx, path, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}

// PrefixEnd returns the smallest key greater than every key with prefix, or
// nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
