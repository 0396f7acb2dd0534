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

package proto

import (
	"fmt"
	"math"

	apierrors "github.com/cubefs/branchdb/errors"
)

// Version is a point in the write history of a branch. The zero version,
// with a nil branch, is the empty history every branch descends from.
type Version struct {
	Branch    BranchID `json:"branch"`
	Timestamp uint64   `json:"timestamp"`
}

func ZeroVersion() Version {
	return Version{}
}

// BranchTip names a branch as a whole, later than any write on it.
func BranchTip(branch BranchID) Version {
	return Version{Branch: branch, Timestamp: math.MaxUint64}
}

func (v Version) IsZero() bool {
	return v.Branch == NilBranch
}

func (v Version) String() string {
	if v.IsZero() {
		return "zero"
	}
	if v.Timestamp == math.MaxUint64 {
		return fmt.Sprintf("%s@tip", v.Branch.String()[:8])
	}
	return fmt.Sprintf("%s@%d", v.Branch.String()[:8], v.Timestamp)
}

// VersionRange bounds the version of data whose exact version is unknown.
type VersionRange struct {
	Earliest Version `json:"earliest"`
	Latest   Version `json:"latest"`
}

func NewVersionRange(v Version) VersionRange {
	return VersionRange{Earliest: v, Latest: v}
}

func (r VersionRange) IsCoherent() bool {
	return r.Earliest == r.Latest
}

func (r VersionRange) String() string {
	if r.IsCoherent() {
		return r.Latest.String()
	}
	return fmt.Sprintf("(%s, %s)", r.Earliest, r.Latest)
}

type (
	VersionMap       = RegionMap[Version]
	RegionVersionMap = RegionMap[VersionRange]
)

// CoherentMap converts m into a VersionMap, failing if any piece of it is
// not coherent.
func CoherentMap(m RegionVersionMap) (VersionMap, error) {
	for _, p := range m.pieces {
		if !p.Value.IsCoherent() {
			return VersionMap{}, apierrors.ErrIncoherentMetainfo
		}
	}
	return MapValues(m, func(_ Region, r VersionRange) Version { return r.Latest }), nil
}

// RangeMap lifts every version of m to a coherent range.
func RangeMap(m VersionMap) RegionVersionMap {
	return MapValues(m, func(_ Region, v Version) VersionRange { return NewVersionRange(v) })
}

func LatestMap(m RegionVersionMap) VersionMap {
	return MapValues(m, func(_ Region, r VersionRange) Version { return r.Latest })
}

func EarliestMap(m RegionVersionMap) VersionMap {
	return MapValues(m, func(_ Region, r VersionRange) Version { return r.Earliest })
}

// MaxTimestamp returns the greatest timestamp cited by m.
func MaxTimestamp(m VersionMap) uint64 {
	var ts uint64
	for _, p := range m.pieces {
		if p.Value.Timestamp > ts {
			ts = p.Value.Timestamp
		}
	}
	return ts
}
