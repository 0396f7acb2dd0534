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
	"encoding/binary"

	"github.com/cubefs/branchdb/common/kvstore"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const CF = "raft"

var (
	groupPrefix       = []byte("g")
	logIndexInfix     = []byte("i")
	hardStateInfix    = []byte("h")
	appliedIndexInfix = []byte("a")
)

// storage persists the hard state, the log entries and the applied index
// of a group. The log is replayed into memory on start.
type storage struct {
	id      uint64
	kvStore kvstore.Store
}

func newStorage(id uint64, kvStore kvstore.Store) *storage {
	return &storage{id: id, kvStore: kvStore}
}

func (s *storage) load(ctx context.Context) (hs raftpb.HardState, entries []raftpb.Entry, applied uint64, err error) {
	raw, err := s.kvStore.Get(ctx, CF, encodeHardStateKey(s.id))
	switch err {
	case nil:
		if err = hs.Unmarshal(raw); err != nil {
			return hs, nil, 0, errors.Info(err, "unmarshal hard state")
		}
	case kvstore.ErrNotFound:
		err = nil
	default:
		return hs, nil, 0, errors.Info(err, "get hard state")
	}

	raw, err = s.kvStore.Get(ctx, CF, encodeAppliedIndexKey(s.id))
	switch err {
	case nil:
		applied = binary.BigEndian.Uint64(raw)
	case kvstore.ErrNotFound:
		err = nil
	default:
		return hs, nil, 0, errors.Info(err, "get applied index")
	}

	lr := s.kvStore.List(ctx, CF, encodeIndexLogPrefix(s.id), nil, nil)
	defer lr.Close()
	for {
		_, value, err := lr.ReadNext()
		if err != nil {
			return hs, nil, 0, errors.Info(err, "list log entries")
		}
		if value == nil {
			break
		}
		var entry raftpb.Entry
		if err = entry.Unmarshal(value); err != nil {
			return hs, nil, 0, errors.Info(err, "unmarshal log entry")
		}
		entries = append(entries, entry)
	}
	return hs, entries, applied, nil
}

// saveHardStateAndEntries is called by the group loop only.
func (s *storage) saveHardStateAndEntries(ctx context.Context, hs raftpb.HardState, entries []raftpb.Entry) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()

	if hs.Term != 0 || hs.Vote != 0 || hs.Commit != 0 {
		value, err := hs.Marshal()
		if err != nil {
			return err
		}
		batch.Put(CF, encodeHardStateKey(s.id), value)
	}
	if len(entries) > 0 {
		// entries overwrite the conflicting tail of the log
		batch.DeleteRange(CF, encodeIndexLogKey(s.id, entries[0].Index), kvstore.PrefixEnd(encodeIndexLogPrefix(s.id)))
	}
	for i := range entries {
		value, err := entries[i].Marshal()
		if err != nil {
			return err
		}
		batch.Put(CF, encodeIndexLogKey(s.id, entries[i].Index), value)
	}
	return s.kvStore.Write(ctx, batch)
}

func (s *storage) setAppliedIndex(ctx context.Context, index uint64) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, index)
	return s.kvStore.Put(ctx, CF, encodeAppliedIndexKey(s.id), raw)
}

func encodeGroupKey(id uint64, infix []byte, extra int) []byte {
	b := make([]byte, len(groupPrefix)+8+len(infix), len(groupPrefix)+8+len(infix)+extra)
	copy(b, groupPrefix)
	binary.BigEndian.PutUint64(b[len(groupPrefix):], id)
	copy(b[len(groupPrefix)+8:], infix)
	return b
}

func encodeIndexLogPrefix(id uint64) []byte {
	return encodeGroupKey(id, logIndexInfix, 0)
}

func encodeIndexLogKey(id uint64, index uint64) []byte {
	b := encodeGroupKey(id, logIndexInfix, 8)
	return binary.BigEndian.AppendUint64(b, index)
}

func encodeHardStateKey(id uint64) []byte {
	return encodeGroupKey(id, hardStateInfix, 0)
}

func encodeAppliedIndexKey(id uint64) []byte {
	return encodeGroupKey(id, appliedIndexInfix, 0)
}
