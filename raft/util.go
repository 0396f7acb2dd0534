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
	"math"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"
)

func newIDGenerator(nodeID uint64, now time.Time) *idGenerator {
	prefix := nodeID << 48
	unixMilli := uint64(now.UnixNano()) / uint64(time.Millisecond/time.Nanosecond)
	suffix := lowBit(unixMilli, 40) << 8
	return &idGenerator{
		prefix: prefix,
		suffix: suffix,
	}
}

// idGenerator generates the notify ids of proposals. An id is made of
// | prefix   | suffix              |
// | 2 bytes  | 5 bytes   | 1 byte  |
// | nodeID   | timestamp | cnt     |
// so ids stay unique across restarts of the node.
type idGenerator struct {
	prefix uint64
	suffix uint64
}

func (g *idGenerator) Next() uint64 {
	suffix := atomic.AddUint64(&g.suffix, 1)
	return g.prefix | lowBit(suffix, 48)
}

func newNotify() notify {
	return make(chan proposalResult, 1)
}

type notify chan proposalResult

func (n notify) Notify(ret proposalResult) {
	select {
	case n <- ret:
	default:
	}
}

func (n notify) Wait(ctx context.Context, stopped <-chan struct{}) (ret proposalResult, err error) {
	select {
	case <-ctx.Done():
		return ret, ctx.Err()
	case <-stopped:
		return ret, ErrStopped
	case ret = <-n:
		return ret, nil
	}
}

func lowBit(x uint64, n uint) uint64 {
	return x & (math.MaxUint64 >> (64 - n))
}

// raftLogger routes etcd raft logs into the process log.
type raftLogger struct{}

func (raftLogger) Debug(v ...interface{})                   { log.Debug(v...) }
func (raftLogger) Debugf(format string, v ...interface{})   { log.Debugf(format, v...) }
func (raftLogger) Info(v ...interface{})                    { log.Info(v...) }
func (raftLogger) Infof(format string, v ...interface{})    { log.Infof(format, v...) }
func (raftLogger) Warning(v ...interface{})                 { log.Warn(v...) }
func (raftLogger) Warningf(format string, v ...interface{}) { log.Warnf(format, v...) }
func (raftLogger) Error(v ...interface{})                   { log.Error(v...) }
func (raftLogger) Errorf(format string, v ...interface{})   { log.Errorf(format, v...) }
func (raftLogger) Fatal(v ...interface{})                   { log.Fatal(v...) }
func (raftLogger) Fatalf(format string, v ...interface{})   { log.Fatalf(format, v...) }
func (raftLogger) Panic(v ...interface{})                   { log.Panic(v...) }
func (raftLogger) Panicf(format string, v ...interface{})   { log.Panicf(format, v...) }
