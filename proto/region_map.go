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
	"encoding/json"
	"sort"

	apierrors "github.com/cubefs/branchdb/errors"
)

type RegionPiece[V comparable] struct {
	Region Region `json:"region"`
	Value  V      `json:"value"`
}

// RegionMap maps every key of its domain region to a value. Pieces are kept
// sorted, disjoint and exhaustive over the domain, and adjacent pieces with
// equal values are always coalesced, so two maps holding the same mapping
// compare equal piece by piece.
type RegionMap[V comparable] struct {
	region Region
	pieces []RegionPiece[V]
}

func NewRegionMap[V comparable](region Region, value V) RegionMap[V] {
	if region.IsEmpty() {
		return RegionMap[V]{}
	}
	return RegionMap[V]{
		region: region,
		pieces: []RegionPiece[V]{{Region: region, Value: value}},
	}
}

// NewRegionMapFromPieces builds a map over region from unordered pieces,
// failing with ErrRegionMismatch if they overlap or leave a gap.
func NewRegionMapFromPieces[V comparable](region Region, pieces []RegionPiece[V]) (RegionMap[V], error) {
	ps := make([]RegionPiece[V], 0, len(pieces))
	for _, p := range pieces {
		if !p.Region.IsEmpty() {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].Region.Left < ps[j].Region.Left })

	if region.IsEmpty() {
		if len(ps) > 0 {
			return RegionMap[V]{}, apierrors.ErrRegionMismatch
		}
		return RegionMap[V]{}, nil
	}
	if len(ps) == 0 || ps[0].Region.Left != region.Left {
		return RegionMap[V]{}, apierrors.ErrRegionMismatch
	}
	for i := 1; i < len(ps); i++ {
		if !ps[i-1].Region.IsAdjacentTo(ps[i].Region) {
			return RegionMap[V]{}, apierrors.ErrRegionMismatch
		}
	}
	if compareRight(ps[len(ps)-1].Region, region) != 0 {
		return RegionMap[V]{}, apierrors.ErrRegionMismatch
	}
	return RegionMap[V]{region: region, pieces: coalesce(ps)}, nil
}

func (m RegionMap[V]) Region() Region {
	return m.region
}

func (m RegionMap[V]) Len() int {
	return len(m.pieces)
}

func (m RegionMap[V]) Pieces() []RegionPiece[V] {
	ret := make([]RegionPiece[V], len(m.pieces))
	copy(ret, m.pieces)
	return ret
}

func (m RegionMap[V]) Clone() RegionMap[V] {
	return RegionMap[V]{region: m.region, pieces: m.Pieces()}
}

func (m RegionMap[V]) Get(key string) (v V, ok bool) {
	if !m.region.Contains(key) {
		return
	}
	i := sort.Search(len(m.pieces), func(i int) bool { return m.pieces[i].Region.Left > key })
	return m.pieces[i-1].Value, true
}

func (m RegionMap[V]) Visit(f func(region Region, value V)) {
	for _, p := range m.pieces {
		f(p.Region, p.Value)
	}
}

// Restrict returns the part of m covering sub. sub must lie inside m's domain.
func (m RegionMap[V]) Restrict(sub Region) (RegionMap[V], error) {
	if !m.region.IsSuperset(sub) {
		return RegionMap[V]{}, apierrors.ErrRegionMismatch
	}
	if sub.IsEmpty() {
		return RegionMap[V]{}, nil
	}
	ret := RegionMap[V]{region: sub}
	for _, p := range m.pieces {
		r := p.Region.Intersection(sub)
		if r.IsEmpty() {
			continue
		}
		ret.pieces = append(ret.pieces, RegionPiece[V]{Region: r, Value: p.Value})
	}
	return ret, nil
}

// Update overwrites the values of m over other's domain with other's values.
func (m *RegionMap[V]) Update(other RegionMap[V]) error {
	if !m.region.IsSuperset(other.region) {
		return apierrors.ErrRegionMismatch
	}
	if other.region.IsEmpty() {
		return nil
	}
	pieces := make([]RegionPiece[V], 0, len(m.pieces)+len(other.pieces))
	for _, p := range m.pieces {
		if !p.Region.Overlaps(other.region) {
			pieces = append(pieces, p)
			continue
		}
		if r := p.Region.before(other.region.Left); !r.IsEmpty() {
			pieces = append(pieces, RegionPiece[V]{Region: r, Value: p.Value})
		}
		if r := p.Region.after(other.region); !r.IsEmpty() {
			pieces = append(pieces, RegionPiece[V]{Region: r, Value: p.Value})
		}
	}
	pieces = append(pieces, other.pieces...)
	sort.Slice(pieces, func(i, j int) bool { return pieces[i].Region.Left < pieces[j].Region.Left })
	m.pieces = coalesce(pieces)
	return nil
}

// Set is Update with a single-valued map.
func (m *RegionMap[V]) Set(region Region, value V) error {
	return m.Update(NewRegionMap(region, value))
}

func (m RegionMap[V]) Equal(o RegionMap[V]) bool {
	if !m.region.Equal(o.region) || len(m.pieces) != len(o.pieces) {
		return false
	}
	for i := range m.pieces {
		if !m.pieces[i].Region.Equal(o.pieces[i].Region) || m.pieces[i].Value != o.pieces[i].Value {
			return false
		}
	}
	return true
}

// Join concatenates two maps whose domains are disjoint and adjacent.
func Join[V comparable](a, b RegionMap[V]) (RegionMap[V], error) {
	if a.region.IsEmpty() {
		return b.Clone(), nil
	}
	if b.region.IsEmpty() {
		return a.Clone(), nil
	}
	if b.region.IsAdjacentTo(a.region) {
		a, b = b, a
	}
	if !a.region.IsAdjacentTo(b.region) {
		return RegionMap[V]{}, apierrors.ErrRegionMismatch
	}
	region := Region{Left: a.region.Left, Right: b.region.Right, Unbounded: b.region.Unbounded}
	pieces := make([]RegionPiece[V], 0, len(a.pieces)+len(b.pieces))
	pieces = append(pieces, a.pieces...)
	pieces = append(pieces, b.pieces...)
	return RegionMap[V]{region: region, pieces: coalesce(pieces)}, nil
}

// MapValues transforms every piece of m with f.
func MapValues[V, W comparable](m RegionMap[V], f func(region Region, value V) W) RegionMap[W] {
	ret := RegionMap[W]{region: m.region, pieces: make([]RegionPiece[W], 0, len(m.pieces))}
	for _, p := range m.pieces {
		ret.pieces = append(ret.pieces, RegionPiece[W]{Region: p.Region, Value: f(p.Region, p.Value)})
	}
	ret.pieces = coalesce(ret.pieces)
	return ret
}

type regionMapJSON[V comparable] struct {
	Region Region           `json:"region"`
	Pieces []RegionPiece[V] `json:"pieces"`
}

func (m RegionMap[V]) MarshalJSON() ([]byte, error) {
	return json.Marshal(regionMapJSON[V]{Region: m.region, Pieces: m.pieces})
}

func (m *RegionMap[V]) UnmarshalJSON(data []byte) error {
	var raw regionMapJSON[V]
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ret, err := NewRegionMapFromPieces(raw.Region, raw.Pieces)
	if err != nil {
		return err
	}
	*m = ret
	return nil
}

func coalesce[V comparable](pieces []RegionPiece[V]) []RegionPiece[V] {
	if len(pieces) < 2 {
		return pieces
	}
	ret := pieces[:1]
	for _, p := range pieces[1:] {
		last := &ret[len(ret)-1]
		if last.Value == p.Value && last.Region.IsAdjacentTo(p.Region) {
			last.Region.Right, last.Region.Unbounded = p.Region.Right, p.Region.Unbounded
			continue
		}
		ret = append(ret, p)
	}
	return ret
}
