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

	"github.com/cubefs/branchdb/proto"
)

// CommonAncestor returns, for every part of region, the latest version both a
// and b descend from. A zero version marks parts where the two histories are
// unrelated.
func (h *History) CommonAncestor(region proto.Region, a, b proto.Version) (proto.VersionMap, error) {
	h.lock.RLock()
	defer h.lock.RUnlock()

	var pieces []proto.RegionPiece[proto.Version]
	if err := h.findCommon(region, a, b, &pieces); err != nil {
		return proto.VersionMap{}, err
	}
	return proto.NewRegionMapFromPieces(region, pieces)
}

// CommonAncestorVersion is CommonAncestor for callers expecting a single
// answer over the whole region. ok is false for unrelated or split results.
func (h *History) CommonAncestorVersion(region proto.Region, a, b proto.Version) (v proto.Version, ok bool, err error) {
	m, err := h.CommonAncestor(region, a, b)
	if err != nil {
		return
	}
	if m.Len() != 1 {
		return
	}
	v = m.Pieces()[0].Value
	return v, !v.IsZero(), nil
}

// IsAncestor reports whether candidate lies on of's history everywhere in
// region. The zero version is an ancestor of everything.
func (h *History) IsAncestor(region proto.Region, candidate, of proto.Version) (bool, error) {
	m, err := h.CommonAncestor(region, candidate, of)
	if err != nil {
		return false, err
	}
	ret := true
	m.Visit(func(_ proto.Region, v proto.Version) {
		if v != candidate {
			ret = false
		}
	})
	return ret, nil
}

func (h *History) findCommon(region proto.Region, a, b proto.Version, out *[]proto.RegionPiece[proto.Version]) error {
	if region.IsEmpty() {
		return nil
	}
	if a.Branch == b.Branch {
		v := a
		if b.Timestamp < a.Timestamp {
			v = b
		}
		if v.IsZero() {
			v = proto.ZeroVersion()
		}
		*out = append(*out, proto.RegionPiece[proto.Version]{Region: region, Value: v})
		return nil
	}
	if a.IsZero() || b.IsZero() {
		*out = append(*out, proto.RegionPiece[proto.Version]{Region: region, Value: proto.ZeroVersion()})
		return nil
	}

	ba, err := h.get(a.Branch)
	if err != nil {
		return err
	}
	bb, err := h.get(b.Branch)
	if err != nil {
		return err
	}
	// step back along the later born branch
	if bornBefore(ba, bb) {
		a, b = b, a
		ba = bb
	}
	origin, err := ba.Origin.Restrict(region)
	if err != nil {
		return err
	}
	for _, p := range origin.Pieces() {
		if err = h.findCommon(p.Region, p.Value, b, out); err != nil {
			return err
		}
	}
	return nil
}

// bornBefore orders branches so that an ancestor always comes before its
// descendants.
func bornBefore(x, y *proto.Branch) bool {
	if x.InitialTimestamp != y.InitialTimestamp {
		return x.InitialTimestamp < y.InitialTimestamp
	}
	if x.Generation != y.Generation {
		return x.Generation < y.Generation
	}
	return bytes.Compare(x.ID[:], y.ID[:]) < 0
}
