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

package errors

import "errors"

// invariant violations, never recovered
var (
	ErrRegionMismatch     = errors.New("region mismatch")
	ErrDuplicateBranch    = errors.New("duplicate branch")
	ErrBranchNotFound     = errors.New("branch not found")
	ErrIncoherentMetainfo = errors.New("metainfo is not coherent")
)

// transient errors, handled by the component which detects them
var (
	ErrInterrupted        = errors.New("interrupted")
	ErrPeerUnreachable    = errors.New("peer unreachable")
	ErrBackfillIncomplete = errors.New("backfill incomplete")
)

var (
	ErrNotPrimary           = errors.New("shard is not primary")
	ErrNotReadable          = errors.New("shard is not readable")
	ErrShardNotFound        = errors.New("shard not found")
	ErrKeyNotFound          = errors.New("key not found")
	ErrCorruptedEntry       = errors.New("corrupted entry")
	ErrContractNotFound     = errors.New("contract not found")
	ErrInvalidContract      = errors.New("invalid contract")
	ErrMailboxNotFound      = errors.New("mailbox not found")
	ErrMailboxExist         = errors.New("mailbox already registered")
	ErrUnknownMessageType   = errors.New("unknown message type")
	ErrUnknownOperationType = errors.New("unknown operation type")
	ErrCoordinatorStopped   = errors.New("coordinator stopped")
	ErrNotCoordinator       = errors.New("node does not run the coordinator")
)
