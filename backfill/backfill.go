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

// Package backfill brings a replica's data up to date from another replica.
//
// The backfillee sends its metainfo as the start point of a session. The
// backfiller answers with the end point it will deliver, then streams the
// data that differs in increasing key order, one chunk per allocation token
// granted by the backfillee, and finishes with a done message. The
// backfillee changes its metainfo only once the whole session is received.
package backfill

import (
	"fmt"

	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/branchdb/util/limiter"
)

const (
	defaultAllocationWindow = 8
	defaultMaxSessions      = 4
)

type Config struct {
	// AllocationWindow is the number of chunks a backfillee lets in flight.
	AllocationWindow int `json:"allocation_window"`
	// MaxSessions bounds the sessions a node serves at once. Further
	// sessions wait for a free slot.
	MaxSessions int                 `json:"max_sessions"`
	Limit       limiter.LimitConfig `json:"limit"`
}

func (cfg *Config) SetDefault() {
	if cfg.AllocationWindow <= 0 {
		cfg.AllocationWindow = defaultAllocationWindow
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
}

// BackfillerMailbox is the mailbox of the backfiller of a shard.
func BackfillerMailbox(shardID uint32) string {
	return fmt.Sprintf("backfiller/%d", shardID)
}

func sessionMailbox(id proto.SessionID) string {
	return fmt.Sprintf("backfillee/%s", id)
}

func allocationMailbox(id proto.SessionID) string {
	return fmt.Sprintf("allocation/%s", id)
}
