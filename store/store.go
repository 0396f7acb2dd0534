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
	"io"

	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/proto"
)

const defaultChunkSize = 64 << 10

type (
	// StoreView is one shard replica's data together with its metainfo,
	// the version each part of the shard region is known to be at.
	StoreView interface {
		Region() proto.Region
		GetMetainfo(ctx context.Context) (proto.RegionVersionMap, error)
		SetMetainfo(ctx context.Context, m proto.RegionVersionMap) error
		// ReadBackfill returns the data of region that changed after since.
		// Parts of since at the zero version are sent in full, preceded by a
		// delete-range chunk.
		ReadBackfill(ctx context.Context, region proto.Region, since proto.VersionMap) (ChunkIterator, error)
		ApplyBackfillChunk(ctx context.Context, chunk *proto.BackfillChunk) error
		// ApplyBackfill applies chunks in order and sets the metainfo to m
		// in one atomic write.
		ApplyBackfill(ctx context.Context, chunks []*proto.BackfillChunk, m proto.RegionVersionMap) error
		// Write stores entry and sets the metainfo to m in one atomic write.
		Write(ctx context.Context, entry *proto.BackfillEntry, m proto.RegionVersionMap) error
		Get(ctx context.Context, key string) (*proto.BackfillEntry, error)
		Close()
	}
	// ChunkIterator is a one-shot sequence of chunks in increasing key
	// order. Next returns io.EOF after the last chunk.
	ChunkIterator interface {
		Next(ctx context.Context) (*proto.BackfillChunk, error)
		Close()
	}
)

// initialMetainfo is the metainfo of a replica holding no data.
func initialMetainfo(region proto.Region) proto.RegionVersionMap {
	return proto.NewRegionMap(region, proto.NewVersionRange(proto.ZeroVersion()))
}

func checkChunk(region proto.Region, chunk *proto.BackfillChunk) error {
	if !region.IsSuperset(chunk.Region) {
		return apierrors.ErrRegionMismatch
	}
	for i := range chunk.Entries {
		if !chunk.Region.Contains(chunk.Entries[i].Key) {
			return apierrors.ErrRegionMismatch
		}
	}
	return nil
}

// entrySource lists the stored entries of one region in key order. next
// returns nil once the region is exhausted.
type entrySource interface {
	next() (*proto.BackfillEntry, error)
	close()
}

// chunkIterator cuts the entries of every sub-region of since into chunks
// of about chunkSize bytes. Chunk regions of a sub-region are contiguous
// and together cover it, so a receiver can account for keys that did not
// change.
type chunkIterator struct {
	pieces    []proto.RegionPiece[proto.Version]
	open      func(region proto.Region) (entrySource, error)
	chunkSize int

	src       entrySource
	piece     proto.RegionPiece[proto.Version]
	left      string
	lookahead *proto.BackfillEntry
}

func newChunkIterator(since proto.VersionMap, chunkSize int, open func(region proto.Region) (entrySource, error)) *chunkIterator {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &chunkIterator{pieces: since.Pieces(), open: open, chunkSize: chunkSize}
}

func (it *chunkIterator) Next(ctx context.Context) (*proto.BackfillChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.src == nil {
		if len(it.pieces) == 0 {
			return nil, io.EOF
		}
		it.piece, it.pieces = it.pieces[0], it.pieces[1:]
		src, err := it.open(it.piece.Region)
		if err != nil {
			return nil, err
		}
		it.src, it.left, it.lookahead = src, it.piece.Region.Left, nil
		if it.piece.Value.IsZero() {
			return &proto.BackfillChunk{Kind: proto.ChunkKindDeleteRange, Region: it.piece.Region}, nil
		}
	}

	chunk := &proto.BackfillChunk{Kind: proto.ChunkKindData}
	size := 0
	for {
		e, err := it.nextEntry()
		if err != nil {
			return nil, err
		}
		if e == nil {
			chunk.Region = proto.Region{Left: it.left, Right: it.piece.Region.Right, Unbounded: it.piece.Region.Unbounded}
			it.src.close()
			it.src = nil
			return chunk, nil
		}
		if size >= it.chunkSize {
			it.lookahead = e
			chunk.Region = proto.NewRegion(it.left, e.Key)
			it.left = e.Key
			return chunk, nil
		}
		chunk.Entries = append(chunk.Entries, *e)
		size += len(e.Key) + len(e.Value)
	}
}

// nextEntry returns the next entry the receiver is missing.
func (it *chunkIterator) nextEntry() (*proto.BackfillEntry, error) {
	if e := it.lookahead; e != nil {
		it.lookahead = nil
		return e, nil
	}
	since := it.piece.Value
	for {
		e, err := it.src.next()
		if err != nil || e == nil {
			return nil, err
		}
		if since.IsZero() {
			if !e.Deleted {
				return e, nil
			}
			continue
		}
		if e.Recency.Timestamp > since.Timestamp {
			return e, nil
		}
	}
}

func (it *chunkIterator) Close() {
	if it.src != nil {
		it.src.close()
		it.src = nil
	}
	it.pieces = nil
}
