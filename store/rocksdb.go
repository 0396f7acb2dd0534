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
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/cubefs/branchdb/common/kvstore"
	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/bytespool"
	"github.com/cubefs/cubefs/blobstore/util/errors"
)

const (
	dataCF = "data"
	metaCF = "meta"

	entryFlagDeleted = 1
	// flag, branch id, timestamp
	entryHeaderSize = 1 + 16 + 8
)

var (
	dataKeyPrefix = []byte("d")
	metaKeyPrefix = []byte("m")
	keyInfix      = []byte("/")
)

type Config struct {
	Path      string         `json:"path"`
	KVType    string         `json:"kv_type"`
	KVOption  kvstore.Option `json:"kv_option"`
	ChunkSize int            `json:"chunk_size"`
}

// OpenKVStore opens the engine shared by all store views of a node. cols
// lists further column families, such as the branch history's.
func OpenKVStore(ctx context.Context, cfg *Config, cols ...kvstore.CF) (kvstore.Store, error) {
	opt := cfg.KVOption
	opt.CreateIfMissing = true
	opt.ColumnFamily = append([]kvstore.CF{dataCF, metaCF}, cols...)
	return kvstore.NewKVStore(ctx, cfg.Path, kvstore.LsmKVType(cfg.KVType), &opt)
}

// RocksStore is a StoreView keeping one shard in a shared kvstore. Keys of
// different shards are separated by the shard id prefix.
type RocksStore struct {
	shardID       uint32
	region        proto.Region
	chunkSize     int
	kvStore       kvstore.Store
	keysGenerator *keysGenerator

	lock     sync.RWMutex
	metainfo proto.RegionVersionMap
}

func NewRocksStore(ctx context.Context, kvStore kvstore.Store, shardID uint32, region proto.Region, chunkSize int) (*RocksStore, error) {
	span := trace.SpanFromContextSafe(ctx)
	s := &RocksStore{
		shardID:       shardID,
		region:        region,
		chunkSize:     chunkSize,
		kvStore:       kvStore,
		keysGenerator: &keysGenerator{},
	}

	raw, err := kvStore.Get(ctx, metaCF, s.keysGenerator.encodeMetaKey(shardID))
	switch err {
	case nil:
		if err = json.Unmarshal(raw, &s.metainfo); err != nil {
			return nil, errors.Info(err, "unmarshal metainfo")
		}
		if !s.metainfo.Region().Equal(region) {
			span.Errorf("shard[%d] metainfo region %s does not match %s", shardID, s.metainfo.Region(), region)
			return nil, apierrors.ErrRegionMismatch
		}
	case kvstore.ErrNotFound:
		s.metainfo = initialMetainfo(region)
		data, err := json.Marshal(s.metainfo)
		if err != nil {
			return nil, err
		}
		if err = kvStore.Put(ctx, metaCF, s.keysGenerator.encodeMetaKey(shardID), data); err != nil {
			return nil, errors.Info(err, "save metainfo")
		}
	default:
		return nil, errors.Info(err, "get metainfo")
	}
	span.Debugf("shard[%d] opened, metainfo: %v", shardID, s.metainfo.Pieces())
	return s, nil
}

func (s *RocksStore) Region() proto.Region {
	return s.region
}

func (s *RocksStore) GetMetainfo(ctx context.Context) (proto.RegionVersionMap, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.metainfo.Clone(), nil
}

func (s *RocksStore) SetMetainfo(ctx context.Context, m proto.RegionVersionMap) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	return s.commit(ctx, batch, m)
}

// commit writes batch together with metainfo m, so data and metainfo are
// never persisted apart.
func (s *RocksStore) commit(ctx context.Context, batch kvstore.WriteBatch, m proto.RegionVersionMap) error {
	if !m.Region().Equal(s.region) {
		return apierrors.ErrRegionMismatch
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	batch.Put(metaCF, s.keysGenerator.encodeMetaKey(s.shardID), data)

	s.lock.Lock()
	defer s.lock.Unlock()
	if err = s.kvStore.Write(ctx, batch); err != nil {
		return errors.Info(err, "write batch")
	}
	s.metainfo = m.Clone()
	return nil
}

// ReadBackfill reads from a snapshot of the engine taken when it is called.
func (s *RocksStore) ReadBackfill(ctx context.Context, region proto.Region, since proto.VersionMap) (ChunkIterator, error) {
	if !s.region.IsSuperset(region) {
		return nil, apierrors.ErrRegionMismatch
	}
	since, err := since.Restrict(region)
	if err != nil {
		return nil, err
	}

	snap := s.kvStore.NewSnapshot()
	prefix := s.keysGenerator.encodeDataKeyPrefix(s.shardID)
	it := newChunkIterator(since, s.chunkSize, func(sub proto.Region) (entrySource, error) {
		lr := s.kvStore.List(ctx, dataCF, prefix, s.keysGenerator.encodeDataKey(s.shardID, sub.Left), snap)
		return &listSource{lr: lr, prefixLen: len(prefix), region: sub}, nil
	})
	return &snapshotChunkIterator{chunkIterator: it, snap: snap}, nil
}

func (s *RocksStore) ApplyBackfillChunk(ctx context.Context, chunk *proto.BackfillChunk) error {
	if err := checkChunk(s.region, chunk); err != nil {
		return err
	}
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	s.putChunk(batch, chunk)
	if err := s.kvStore.Write(ctx, batch); err != nil {
		return errors.Info(err, "apply backfill chunk")
	}
	return nil
}

func (s *RocksStore) ApplyBackfill(ctx context.Context, chunks []*proto.BackfillChunk, m proto.RegionVersionMap) error {
	for _, chunk := range chunks {
		if err := checkChunk(s.region, chunk); err != nil {
			return err
		}
	}
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	for _, chunk := range chunks {
		s.putChunk(batch, chunk)
	}
	return s.commit(ctx, batch, m)
}

func (s *RocksStore) putChunk(batch kvstore.WriteBatch, chunk *proto.BackfillChunk) {
	switch chunk.Kind {
	case proto.ChunkKindDeleteRange:
		start := s.keysGenerator.encodeDataKey(s.shardID, chunk.Region.Left)
		end := kvstore.PrefixEnd(s.keysGenerator.encodeDataKeyPrefix(s.shardID))
		if !chunk.Region.Unbounded {
			end = s.keysGenerator.encodeDataKey(s.shardID, chunk.Region.Right)
		}
		batch.DeleteRange(dataCF, start, end)
	case proto.ChunkKindData:
		for i := range chunk.Entries {
			raw := encodeEntry(&chunk.Entries[i])
			batch.Put(dataCF, s.keysGenerator.encodeDataKey(s.shardID, chunk.Entries[i].Key), raw)
			bytespool.Free(raw)
		}
	}
}

func (s *RocksStore) Write(ctx context.Context, entry *proto.BackfillEntry, m proto.RegionVersionMap) error {
	if !s.region.Contains(entry.Key) {
		return apierrors.ErrRegionMismatch
	}
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	raw := encodeEntry(entry)
	defer bytespool.Free(raw)
	batch.Put(dataCF, s.keysGenerator.encodeDataKey(s.shardID, entry.Key), raw)
	return s.commit(ctx, batch, m)
}

func (s *RocksStore) Get(ctx context.Context, key string) (*proto.BackfillEntry, error) {
	raw, err := s.kvStore.Get(ctx, dataCF, s.keysGenerator.encodeDataKey(s.shardID, key))
	if err == kvstore.ErrNotFound {
		return nil, apierrors.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	e, err := decodeEntry(key, raw)
	if err != nil {
		return nil, err
	}
	if e.Deleted {
		return nil, apierrors.ErrKeyNotFound
	}
	return e, nil
}

// Close keeps the shared engine open.
func (s *RocksStore) Close() {}

type snapshotChunkIterator struct {
	*chunkIterator
	snap kvstore.Snapshot
}

func (it *snapshotChunkIterator) Close() {
	it.chunkIterator.Close()
	it.snap.Close()
}

type listSource struct {
	lr        kvstore.ListReader
	prefixLen int
	region    proto.Region
}

func (src *listSource) next() (*proto.BackfillEntry, error) {
	key, value, err := src.lr.ReadNext()
	if err != nil {
		return nil, errors.Info(err, "read backfill entry")
	}
	if key == nil {
		return nil, nil
	}
	userKey := string(key[src.prefixLen:])
	if !src.region.Contains(userKey) {
		return nil, nil
	}
	return decodeEntry(userKey, value)
}

func (src *listSource) close() {
	src.lr.Close()
}

// encodeEntry returns a pooled buffer, the write batch copies it so it can
// be freed right after Put.
func encodeEntry(e *proto.BackfillEntry) []byte {
	raw := bytespool.Alloc(entryHeaderSize + len(e.Value))
	raw[0] = 0
	if e.Deleted {
		raw[0] = entryFlagDeleted
	}
	copy(raw[1:17], e.Recency.Branch[:])
	binary.BigEndian.PutUint64(raw[17:entryHeaderSize], e.Recency.Timestamp)
	copy(raw[entryHeaderSize:], e.Value)
	return raw
}

func decodeEntry(key string, raw []byte) (*proto.BackfillEntry, error) {
	if len(raw) < entryHeaderSize {
		return nil, apierrors.ErrCorruptedEntry
	}
	e := &proto.BackfillEntry{Key: key, Deleted: raw[0]&entryFlagDeleted != 0}
	copy(e.Recency.Branch[:], raw[1:17])
	e.Recency.Timestamp = binary.BigEndian.Uint64(raw[17:entryHeaderSize])
	if len(raw) > entryHeaderSize {
		e.Value = append([]byte(nil), raw[entryHeaderSize:]...)
	}
	return e, nil
}

type keysGenerator struct{}

func (k *keysGenerator) encodeDataKeyPrefix(shardID uint32) []byte {
	ret := make([]byte, len(dataKeyPrefix)+len(keyInfix)+4+len(keyInfix))
	copy(ret, dataKeyPrefix)
	copy(ret[len(dataKeyPrefix):], keyInfix)
	binary.BigEndian.PutUint32(ret[len(dataKeyPrefix)+len(keyInfix):], shardID)
	copy(ret[len(ret)-len(keyInfix):], keyInfix)
	return ret
}

func (k *keysGenerator) encodeDataKey(shardID uint32, key string) []byte {
	prefix := k.encodeDataKeyPrefix(shardID)
	ret := make([]byte, len(prefix)+len(key))
	copy(ret, prefix)
	copy(ret[len(prefix):], key)
	return ret
}

func (k *keysGenerator) encodeMetaKey(shardID uint32) []byte {
	ret := make([]byte, len(metaKeyPrefix)+len(keyInfix)+4)
	copy(ret, metaKeyPrefix)
	copy(ret[len(metaKeyPrefix):], keyInfix)
	binary.BigEndian.PutUint32(ret[len(ret)-4:], shardID)
	return ret
}
