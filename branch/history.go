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
	"sync"

	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/proto"
)

// History is a branch history store. Records are only appended, except by
// garbage collection.
type History struct {
	lock     sync.RWMutex
	branches proto.BranchHistory
}

func NewHistory(branches proto.BranchHistory) *History {
	if branches == nil {
		branches = make(proto.BranchHistory)
	}
	return &History{branches: branches.Clone()}
}

// RecordBranch appends the birth record of a new branch descending from
// origin and returns it.
func (h *History) RecordBranch(id proto.BranchID, origin proto.VersionMap) (*proto.Branch, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if id == proto.NilBranch {
		return nil, apierrors.ErrBranchNotFound
	}
	if _, ok := h.branches[id]; ok {
		return nil, apierrors.ErrDuplicateBranch
	}

	var generation uint32
	for _, p := range origin.Pieces() {
		if p.Value.IsZero() {
			continue
		}
		parent, ok := h.branches[p.Value.Branch]
		if !ok {
			return nil, apierrors.ErrBranchNotFound
		}
		if parent.Generation >= generation {
			generation = parent.Generation
		}
	}
	b := &proto.Branch{
		ID:               id,
		Origin:           origin.Clone(),
		InitialTimestamp: proto.MaxTimestamp(origin),
		Generation:       generation + 1,
	}
	h.branches[id] = b
	return b, nil
}

func (h *History) Get(id proto.BranchID) (*proto.Branch, error) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.get(id)
}

func (h *History) Has(id proto.BranchID) bool {
	h.lock.RLock()
	_, ok := h.branches[id]
	h.lock.RUnlock()
	return ok
}

func (h *History) Len() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.branches)
}

// Snapshot returns a copy of all records.
func (h *History) Snapshot() proto.BranchHistory {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.branches.Clone()
}

// Import merges records received from a peer. A record identical to a known
// one is skipped, a different record under a known id is a duplicate.
func (h *History) Import(slice proto.BranchHistory) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	for id, b := range slice {
		if b == nil || b.ID != id {
			return apierrors.ErrBranchNotFound
		}
		if known, ok := h.branches[id]; ok {
			if !known.Equal(b) {
				return apierrors.ErrDuplicateBranch
			}
		}
	}
	for id, b := range slice {
		if _, ok := h.branches[id]; !ok {
			h.branches[id] = b
		}
	}
	return nil
}

// Slice exports the records needed to interpret the versions of m: their
// branches and all known ancestors.
func (h *History) Slice(m proto.VersionMap) proto.BranchHistory {
	h.lock.RLock()
	defer h.lock.RUnlock()

	ret := make(proto.BranchHistory)
	var walk func(v proto.Version)
	walk = func(v proto.Version) {
		if v.IsZero() {
			return
		}
		if _, ok := ret[v.Branch]; ok {
			return
		}
		b, ok := h.branches[v.Branch]
		if !ok {
			// collected ancestor
			return
		}
		ret[b.ID] = b
		b.Origin.Visit(func(_ proto.Region, ov proto.Version) { walk(ov) })
	}
	m.Visit(func(_ proto.Region, v proto.Version) { walk(v) })
	return ret
}

func (h *History) Delete(ids ...proto.BranchID) {
	h.lock.Lock()
	for _, id := range ids {
		delete(h.branches, id)
	}
	h.lock.Unlock()
}

func (h *History) get(id proto.BranchID) (*proto.Branch, error) {
	b, ok := h.branches[id]
	if !ok {
		return nil, apierrors.ErrBranchNotFound
	}
	return b, nil
}
