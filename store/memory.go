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

package store

import (
	"context"
	"sync"

	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/proto"
	"github.com/zhangyunhao116/skipmap"
)

type orderedEntries = skipmap.FuncMap[string, proto.BackfillEntry]

// MemoryStore is a StoreView over an ordered in-memory map.
type MemoryStore struct {
	region    proto.Region
	chunkSize int

	lock     sync.RWMutex
	metainfo proto.RegionVersionMap
	entries  *orderedEntries
}

func NewMemoryStore(region proto.Region, chunkSize int) *MemoryStore {
	return &MemoryStore{
		region:    region,
		chunkSize: chunkSize,
		metainfo:  initialMetainfo(region),
		entries: skipmap.NewFunc[string, proto.BackfillEntry](func(a, b string) bool {
			return a < b
		}),
	}
}

func (s *MemoryStore) Region() proto.Region {
	return s.region
}

func (s *MemoryStore) GetMetainfo(ctx context.Context) (proto.RegionVersionMap, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.metainfo.Clone(), nil
}

func (s *MemoryStore) SetMetainfo(ctx context.Context, m proto.RegionVersionMap) error {
	if !m.Region().Equal(s.region) {
		return apierrors.ErrRegionMismatch
	}
	s.lock.Lock()
	s.metainfo = m.Clone()
	s.lock.Unlock()
	return nil
}

// ReadBackfill reads from a copy of region taken when it is called.
func (s *MemoryStore) ReadBackfill(ctx context.Context, region proto.Region, since proto.VersionMap) (ChunkIterator, error) {
	if !s.region.IsSuperset(region) {
		return nil, apierrors.ErrRegionMismatch
	}
	since, err := since.Restrict(region)
	if err != nil {
		return nil, err
	}

	var snapshot []proto.BackfillEntry
	s.entries.Range(func(key string, e proto.BackfillEntry) bool {
		if region.Contains(key) {
			snapshot = append(snapshot, e)
		}
		return region.Unbounded || key < region.Right
	})
	return newChunkIterator(since, s.chunkSize, func(sub proto.Region) (entrySource, error) {
		src := &sliceSource{}
		for i := range snapshot {
			if sub.Contains(snapshot[i].Key) {
				src.entries = append(src.entries, snapshot[i])
			}
		}
		return src, nil
	}), nil
}

func (s *MemoryStore) ApplyBackfillChunk(ctx context.Context, chunk *proto.BackfillChunk) error {
	if err := checkChunk(s.region, chunk); err != nil {
		return err
	}
	s.lock.Lock()
	s.applyChunk(chunk)
	s.lock.Unlock()
	return nil
}

func (s *MemoryStore) ApplyBackfill(ctx context.Context, chunks []*proto.BackfillChunk, m proto.RegionVersionMap) error {
	if !m.Region().Equal(s.region) {
		return apierrors.ErrRegionMismatch
	}
	for _, chunk := range chunks {
		if err := checkChunk(s.region, chunk); err != nil {
			return err
		}
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, chunk := range chunks {
		s.applyChunk(chunk)
	}
	s.metainfo = m.Clone()
	return nil
}

func (s *MemoryStore) applyChunk(chunk *proto.BackfillChunk) {
	switch chunk.Kind {
	case proto.ChunkKindDeleteRange:
		var keys []string
		s.entries.Range(func(key string, _ proto.BackfillEntry) bool {
			if chunk.Region.Contains(key) {
				keys = append(keys, key)
			}
			return true
		})
		for _, key := range keys {
			s.entries.Delete(key)
		}
	case proto.ChunkKindData:
		for i := range chunk.Entries {
			s.entries.Store(chunk.Entries[i].Key, chunk.Entries[i])
		}
	}
}

func (s *MemoryStore) Write(ctx context.Context, entry *proto.BackfillEntry, m proto.RegionVersionMap) error {
	if !s.region.Contains(entry.Key) || !m.Region().Equal(s.region) {
		return apierrors.ErrRegionMismatch
	}
	s.lock.Lock()
	s.entries.Store(entry.Key, *entry)
	s.metainfo = m.Clone()
	s.lock.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*proto.BackfillEntry, error) {
	e, ok := s.entries.Load(key)
	if !ok || e.Deleted {
		return nil, apierrors.ErrKeyNotFound
	}
	return &e, nil
}

// Len returns the number of stored keys, tombstones included.
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}

func (s *MemoryStore) Close() {}

type sliceSource struct {
	entries []proto.BackfillEntry
}

func (src *sliceSource) next() (*proto.BackfillEntry, error) {
	if len(src.entries) == 0 {
		return nil, nil
	}
	e := src.entries[0]
	src.entries = src.entries[1:]
	return &e, nil
}

func (src *sliceSource) close() {}
