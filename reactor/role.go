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

package reactor

import (
	"context"

	"github.com/cubefs/branchdb/proto"
)

type Role uint8

const (
	RoleInactive Role = iota
	RoleCold
	RolePrimary
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RoleCold:
		return "cold"
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return "inactive"
	}
}

// role is the state of a shard replica, one of inactive, cold, primary and
// secondary.
type role interface {
	kind() Role
}

// inactive serves nothing. Data and metainfo are kept for a later
// incremental backfill.
type inactive struct{}

// cold offers its data to backfills only. It waits to become secondary of
// contract, either because a backfill is running or until the next retry.
type cold struct {
	contract *proto.Contract
	// inbound is set while a backfill into this replica runs
	inbound *inboundBackfill
	// attempts counts failed backfills since the contract arrived
	attempts int
	// pending keeps writes forwarded on the contract's branch, replayed
	// once the backfill completes
	pending []*proto.ReplicatedWrite
}

type inboundBackfill struct {
	gen    uint64
	source proto.NodeID
	cancel context.CancelFunc
	// done is closed once the backfill stopped touching the store
	done chan struct{}
}

// primary owns branch and accepts writes on it. ts is the timestamp of the
// last write.
type primary struct {
	contract *proto.Contract
	branch   proto.BranchID
	ts       uint64
}

// secondary tracks the branch of its contract and serves reads.
type secondary struct {
	contract *proto.Contract
}

func (inactive) kind() Role   { return RoleInactive }
func (*cold) kind() Role      { return RoleCold }
func (*primary) kind() Role   { return RolePrimary }
func (*secondary) kind() Role { return RoleSecondary }

func contractOf(r role) *proto.Contract {
	switch r := r.(type) {
	case inactive:
		return nil
	case *cold:
		return r.contract
	case *primary:
		return r.contract
	case *secondary:
		return r.contract
	default:
		panic("unknown role")
	}
}

// servesBackfill reports whether a replica in role r may act as a
// backfill source.
func servesBackfill(r role) bool {
	switch r := r.(type) {
	case inactive:
		return false
	case *cold:
		return r.inbound == nil
	case *primary, *secondary:
		return true
	default:
		panic("unknown role")
	}
}
