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
	"sync"

	"github.com/cubefs/branchdb/common/kvstore"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/cubefs/blobstore/util/errors"
)

const CF = "branch_history"

var (
	branchKeyPrefix = []byte("b")
	keyInfix        = []byte("/")
)

// Storage persists a node's branch history.
type Storage interface {
	Load(ctx context.Context) (proto.BranchHistory, error)
	Save(ctx context.Context, branches proto.BranchHistory) error
}

func NewStorage(kvStore kvstore.Store) Storage {
	return &storage{kvStore: kvStore, keysGenerator: &keysGenerator{}}
}

type storage struct {
	kvStore       kvstore.Store
	keysGenerator *keysGenerator
}

func (s *storage) Load(ctx context.Context) (proto.BranchHistory, error) {
	lr := s.kvStore.List(ctx, CF, s.keysGenerator.encodeBranchKeyPrefix(), nil, nil)
	defer lr.Close()

	ret := make(proto.BranchHistory)
	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return nil, errors.Info(err, "list branch history")
		}
		if key == nil {
			return ret, nil
		}
		b := &proto.Branch{}
		if err = b.Unmarshal(value); err != nil {
			return nil, errors.Info(err, "unmarshal branch")
		}
		ret[b.ID] = b
	}
}

// Save replaces the stored history with branches in a single batch.
func (s *storage) Save(ctx context.Context, branches proto.BranchHistory) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()

	prefix := s.keysGenerator.encodeBranchKeyPrefix()
	batch.DeleteRange(CF, prefix, kvstore.PrefixEnd(prefix))
	for id, b := range branches {
		data, err := b.Marshal()
		if err != nil {
			return err
		}
		batch.Put(CF, s.keysGenerator.encodeBranchKey(id), data)
	}
	if err := s.kvStore.Write(ctx, batch); err != nil {
		return errors.Info(err, "write branch history")
	}
	return nil
}

// NewMemoryStorage returns a Storage keeping the history in memory only.
func NewMemoryStorage() Storage {
	return &memoryStorage{branches: make(proto.BranchHistory)}
}

type memoryStorage struct {
	lock     sync.Mutex
	branches proto.BranchHistory
}

func (m *memoryStorage) Load(ctx context.Context) (proto.BranchHistory, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.branches.Clone(), nil
}

func (m *memoryStorage) Save(ctx context.Context, branches proto.BranchHistory) error {
	m.lock.Lock()
	m.branches = branches.Clone()
	m.lock.Unlock()
	return nil
}

type keysGenerator struct{}

func (k *keysGenerator) encodeBranchKey(id proto.BranchID) []byte {
	ret := make([]byte, 0, len(branchKeyPrefix)+len(keyInfix)+len(id))
	ret = append(ret, branchKeyPrefix...)
	ret = append(ret, keyInfix...)
	return append(ret, id[:]...)
}

func (k *keysGenerator) encodeBranchKeyPrefix() []byte {
	ret := make([]byte, 0, len(branchKeyPrefix)+len(keyInfix))
	ret = append(ret, branchKeyPrefix...)
	return append(ret, keyInfix...)
}
