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
	"strconv"
)

// Region is the half-open key range [Left, Right). Keys compare bytewise.
// An Unbounded region extends to +inf and ignores Right.
type Region struct {
	Left      string `json:"left"`
	Right     string `json:"right,omitempty"`
	Unbounded bool   `json:"unbounded,omitempty"`
}

func NewRegion(left, right string) Region {
	return Region{Left: left, Right: right}
}

// RegionFrom returns [left, +inf).
func RegionFrom(left string) Region {
	return Region{Left: left, Unbounded: true}
}

func UniverseRegion() Region {
	return Region{Unbounded: true}
}

func (r Region) IsEmpty() bool {
	return !r.Unbounded && r.Right <= r.Left
}

func (r Region) Contains(key string) bool {
	return key >= r.Left && (r.Unbounded || key < r.Right)
}

func (r Region) IsSuperset(o Region) bool {
	if o.IsEmpty() {
		return true
	}
	return r.Left <= o.Left && compareRight(o, r) <= 0
}

func (r Region) Overlaps(o Region) bool {
	return !r.Intersection(o).IsEmpty()
}

func (r Region) Intersection(o Region) Region {
	ret := Region{Left: maxKey(r.Left, o.Left)}
	if compareRight(r, o) <= 0 {
		ret.Right, ret.Unbounded = r.Right, r.Unbounded
	} else {
		ret.Right, ret.Unbounded = o.Right, o.Unbounded
	}
	if ret.IsEmpty() {
		return Region{}
	}
	return ret
}

func (r Region) Equal(o Region) bool {
	if r.IsEmpty() && o.IsEmpty() {
		return true
	}
	return r.Left == o.Left && compareRight(r, o) == 0
}

// IsAdjacentTo reports whether o starts exactly where r ends.
func (r Region) IsAdjacentTo(o Region) bool {
	return !r.Unbounded && r.Right == o.Left
}

func (r Region) String() string {
	if r.Unbounded {
		return fmt.Sprintf("[%s, +inf)", strconv.Quote(r.Left))
	}
	return fmt.Sprintf("[%s, %s)", strconv.Quote(r.Left), strconv.Quote(r.Right))
}

// before returns the part of r that lies before key.
func (r Region) before(key string) Region {
	if r.Unbounded || r.Right > key {
		return Region{Left: r.Left, Right: key}.normalize()
	}
	return r
}

// after returns the part of r at or after the right bound of o.
func (r Region) after(o Region) Region {
	if o.Unbounded {
		return Region{}
	}
	ret := r
	ret.Left = maxKey(r.Left, o.Right)
	return ret.normalize()
}

func (r Region) normalize() Region {
	if r.IsEmpty() {
		return Region{}
	}
	return r
}

// compareRight orders the right bounds of a and b, +inf being the greatest.
func compareRight(a, b Region) int {
	switch {
	case a.Unbounded && b.Unbounded:
		return 0
	case a.Unbounded:
		return 1
	case b.Unbounded:
		return -1
	case a.Right < b.Right:
		return -1
	case a.Right > b.Right:
		return 1
	}
	return 0
}

func maxKey(a, b string) string {
	if a > b {
		return a
	}
	return b
}
