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
	"bytes"
	"sort"

	"github.com/cubefs/branchdb/proto"
)

// CollectGarbage removes every branch that is not needed to compare the live
// versions with each other, and returns the removed ids.
//
// The key space is cut at every boundary of a live region. Within each piece
// the common ancestor of all live versions covering it is computed, and every
// branch between a live version and that ancestor is kept. Where the live
// versions are unrelated the whole lineage of each is kept. Nothing is removed
// when a live version cites an unknown branch.
func (h *History) CollectGarbage(live []proto.LiveVersion) ([]proto.BranchID, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	marked := make(map[proto.BranchID]struct{})
	for _, interval := range elementaryIntervals(live) {
		var members []proto.Version
		for i := range live {
			if live[i].Region.IsSuperset(interval) {
				members = append(members, live[i].Version)
			}
		}
		if len(members) == 0 {
			continue
		}

		common := proto.NewRegionMap(interval, members[0])
		for _, v := range members[1:] {
			var pieces []proto.RegionPiece[proto.Version]
			for _, p := range common.Pieces() {
				if err := h.findCommon(p.Region, p.Value, v, &pieces); err != nil {
					return nil, err
				}
			}
			next, err := proto.NewRegionMapFromPieces(interval, pieces)
			if err != nil {
				return nil, err
			}
			common = next
		}

		for _, v := range members {
			if err := h.markLive(interval, v, common, marked); err != nil {
				return nil, err
			}
		}
	}

	var removed []proto.BranchID
	for id := range h.branches {
		if _, ok := marked[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return bytes.Compare(removed[i][:], removed[j][:]) < 0 })
	for _, id := range removed {
		delete(h.branches, id)
	}
	return removed, nil
}

// markLive marks the branches from v back to the stop version's branch.
func (h *History) markLive(region proto.Region, v proto.Version, stop proto.VersionMap, marked map[proto.BranchID]struct{}) error {
	if v.IsZero() || region.IsEmpty() {
		return nil
	}
	marked[v.Branch] = struct{}{}

	stops, err := stop.Restrict(region)
	if err != nil {
		return err
	}
	b, ok := h.branches[v.Branch]
	for _, s := range stops.Pieces() {
		if s.Value.Branch == v.Branch || !ok {
			continue
		}
		origin, err := b.Origin.Restrict(s.Region)
		if err != nil {
			return err
		}
		for _, p := range origin.Pieces() {
			if err = h.markLive(p.Region, p.Value, stop, marked); err != nil {
				return err
			}
		}
	}
	return nil
}

type boundary struct {
	key string
	inf bool
}

func (b boundary) less(o boundary) bool {
	if b.inf || o.inf {
		return !b.inf && o.inf
	}
	return b.key < o.key
}

// elementaryIntervals splits the union of the live regions at every region
// boundary.
func elementaryIntervals(live []proto.LiveVersion) []proto.Region {
	bounds := make([]boundary, 0, 2*len(live))
	for i := range live {
		r := live[i].Region
		if r.IsEmpty() {
			continue
		}
		bounds = append(bounds, boundary{key: r.Left})
		if r.Unbounded {
			bounds = append(bounds, boundary{inf: true})
		} else {
			bounds = append(bounds, boundary{key: r.Right})
		}
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i].less(bounds[j]) })

	var ret []proto.Region
	for i := 1; i < len(bounds); i++ {
		lo, hi := bounds[i-1], bounds[i]
		if lo.inf || !lo.less(hi) {
			continue
		}
		ret = append(ret, proto.Region{Left: lo.key, Right: hi.key, Unbounded: hi.inf})
	}
	return ret
}
