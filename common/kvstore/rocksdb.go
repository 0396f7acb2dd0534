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

package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	rdb "github.com/tecbot/gorocksdb"
)

type (
	// rocksdb opens every column family up front, the set is fixed for the
	// life of the instance.
	rocksdb struct {
		path      string
		db        *rdb.DB
		opt       *rdb.Options
		readOpt   *rdb.ReadOptions
		writeOpt  *rdb.WriteOptions
		cfHandles map[CF]*rdb.ColumnFamilyHandle
	}
	snapshot struct {
		db   *rdb.DB
		snap *rdb.Snapshot
		opt  *rdb.ReadOptions
	}
	listReader struct {
		iterator *rdb.Iterator
		opt      *rdb.ReadOptions
		prefix   []byte
		started  bool
	}
	writeBatch struct {
		s     *rocksdb
		batch *rdb.WriteBatch
	}
)

func newRocksdb(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	dbOpt := genRocksdbOpts(option)
	cols := append([]CF{defaultCF}, option.ColumnFamily...)
	cfNames := make([]string, len(cols))
	cfOpts := make([]*rdb.Options, len(cols))
	for i, col := range cols {
		cfNames[i] = col.String()
		cfOpts[i] = dbOpt
	}

	db, cfhs, err := rdb.OpenDbColumnFamilies(dbOpt, path, cfNames, cfOpts)
	if err != nil {
		dbOpt.Destroy()
		return nil, err
	}
	s := &rocksdb{
		db:        db,
		path:      path,
		opt:       dbOpt,
		readOpt:   rdb.NewDefaultReadOptions(),
		writeOpt:  rdb.NewDefaultWriteOptions(),
		cfHandles: make(map[CF]*rdb.ColumnFamilyHandle, len(cfhs)),
	}
	s.writeOpt.SetSync(option.Sync)
	for i, h := range cfhs {
		s.cfHandles[cols[i]] = h
	}
	return s, nil
}

func (s *rocksdb) Get(ctx context.Context, col CF, key []byte) ([]byte, error) {
	v, err := s.db.GetCF(s.readOpt, s.columnFamily(col), key)
	if err != nil {
		return nil, err
	}
	defer v.Free()
	if !v.Exists() {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.Data()...), nil
}

func (s *rocksdb) Put(ctx context.Context, col CF, key, value []byte) error {
	return s.db.PutCF(s.writeOpt, s.columnFamily(col), key, value)
}

func (s *rocksdb) Delete(ctx context.Context, col CF, key []byte) error {
	return s.db.DeleteCF(s.writeOpt, s.columnFamily(col), key)
}

func (s *rocksdb) List(ctx context.Context, col CF, prefix, marker []byte, snap Snapshot) ListReader {
	lr := &listReader{prefix: prefix}
	ro := s.readOpt
	if snap != nil {
		// the snapshot's options live as long as the snapshot
		ro = snap.(*snapshot).opt
	}
	lr.iterator = s.db.NewIteratorCF(ro, s.columnFamily(col))
	switch {
	case len(marker) > 0:
		lr.iterator.Seek(marker)
	case len(prefix) > 0:
		lr.iterator.Seek(prefix)
	default:
		lr.iterator.SeekToFirst()
	}
	return lr
}

func (s *rocksdb) NewSnapshot() Snapshot {
	snap := &snapshot{db: s.db, snap: s.db.NewSnapshot(), opt: rdb.NewDefaultReadOptions()}
	snap.opt.SetSnapshot(snap.snap)
	return snap
}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &writeBatch{s: s, batch: rdb.NewWriteBatch()}
}

func (s *rocksdb) Write(ctx context.Context, batch WriteBatch) error {
	return s.db.Write(s.writeOpt, batch.(*writeBatch).batch)
}

func (s *rocksdb) Close() {
	s.writeOpt.Destroy()
	s.readOpt.Destroy()
	for _, h := range s.cfHandles {
		h.Destroy()
	}
	s.db.Close()
	s.opt.Destroy()
}

func (s *rocksdb) columnFamily(col CF) *rdb.ColumnFamilyHandle {
	if col == "" {
		col = defaultCF
	}
	cf, ok := s.cfHandles[col]
	if !ok {
		panic(fmt.Sprintf("column family %s not opened", col))
	}
	return cf
}

func (ss *snapshot) Close() {
	ss.opt.Destroy()
	ss.db.ReleaseSnapshot(ss.snap)
}

func (lr *listReader) ReadNext() ([]byte, []byte, error) {
	if lr.started {
		lr.iterator.Next()
	}
	lr.started = true

	if err := lr.iterator.Err(); err != nil {
		return nil, nil, err
	}
	if !lr.iterator.Valid() {
		return nil, nil, nil
	}
	k, v := lr.iterator.Key(), lr.iterator.Value()
	defer k.Free()
	defer v.Free()
	if !bytes.HasPrefix(k.Data(), lr.prefix) {
		return nil, nil, nil
	}
	return append([]byte(nil), k.Data()...), append([]byte{}, v.Data()...), nil
}

func (lr *listReader) Close() {
	lr.iterator.Close()
}

func (w *writeBatch) Put(col CF, key, value []byte) {
	w.batch.PutCF(w.s.columnFamily(col), key, value)
}

func (w *writeBatch) Delete(col CF, key []byte) {
	w.batch.DeleteCF(w.s.columnFamily(col), key)
}

func (w *writeBatch) DeleteRange(col CF, startKey, endKey []byte) {
	w.batch.DeleteRangeCF(w.s.columnFamily(col), startKey, endKey)
}

func (w *writeBatch) Count() int {
	return w.batch.Count()
}

func (w *writeBatch) Close() {
	w.batch.Destroy()
}

func genRocksdbOpts(opt *Option) *rdb.Options {
	opts := rdb.NewDefaultOptions()
	table := rdb.NewDefaultBlockBasedTableOptions()
	if opt.BlockSize > 0 {
		table.SetBlockSize(opt.BlockSize)
	}
	if opt.BlockCache > 0 {
		table.SetBlockCache(rdb.NewLRUCache(opt.BlockCache))
	}
	opts.SetBlockBasedTableFactory(table)
	if opt.MaxOpenFiles > 0 {
		opts.SetMaxOpenFiles(opt.MaxOpenFiles)
	}
	if opt.WriteBufferSize > 0 {
		opts.SetWriteBufferSize(opt.WriteBufferSize)
	}
	opts.SetCreateIfMissing(opt.CreateIfMissing)
	opts.SetCreateIfMissingColumnFamilies(true)
	opts.SetStatsDumpPeriodSec(0)
	return opts
}
