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
	"testing"

	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/stretchr/testify/require"
)

func TestRegion(t *testing.T) {
	r := NewRegion("b", "f")
	require.True(t, r.Contains("b"))
	require.True(t, r.Contains("e"))
	require.False(t, r.Contains("f"))
	require.False(t, r.Contains("a"))

	require.True(t, UniverseRegion().IsSuperset(r))
	require.True(t, r.IsSuperset(NewRegion("c", "d")))
	require.False(t, r.IsSuperset(NewRegion("c", "g")))
	require.True(t, r.IsSuperset(Region{}))

	require.Equal(t, NewRegion("d", "f"), r.Intersection(RegionFrom("d")))
	require.True(t, r.Intersection(NewRegion("f", "z")).IsEmpty())
	require.False(t, r.Overlaps(NewRegion("a", "b")))
	require.True(t, r.IsAdjacentTo(RegionFrom("f")))
	require.False(t, RegionFrom("f").IsAdjacentTo(r))
}

func TestRegionMapJoinRestrict(t *testing.T) {
	b1, b2 := NewBranchID(), NewBranchID()
	a := NewRegionMap(NewRegion("", "m"), NewVersionRange(Version{Branch: b1, Timestamp: 10}))
	require.NoError(t, a.Set(NewRegion("c", "f"), NewVersionRange(Version{Branch: b2, Timestamp: 3})))
	b := NewRegionMap(RegionFrom("m"), NewVersionRange(Version{Branch: b1, Timestamp: 10}))

	for _, pair := range [][2]RegionVersionMap{{a, b}, {b, a}} {
		joined, err := Join(pair[0], pair[1])
		require.NoError(t, err)
		require.True(t, joined.Region().Equal(UniverseRegion()))

		back, err := joined.Restrict(a.Region())
		require.NoError(t, err)
		require.True(t, back.Equal(a))

		back, err = joined.Restrict(b.Region())
		require.NoError(t, err)
		require.True(t, back.Equal(b))
	}

	// overlapping and gapped domains
	_, err := Join(a, NewRegionMap(RegionFrom("k"), NewVersionRange(ZeroVersion())))
	require.ErrorIs(t, err, apierrors.ErrRegionMismatch)
	_, err = Join(a, NewRegionMap(RegionFrom("n"), NewVersionRange(ZeroVersion())))
	require.ErrorIs(t, err, apierrors.ErrRegionMismatch)

	_, err = a.Restrict(NewRegion("k", "z"))
	require.ErrorIs(t, err, apierrors.ErrRegionMismatch)
}

func TestRegionMapUpdate(t *testing.T) {
	m := NewRegionMap(NewRegion("a", "z"), 1)
	require.NoError(t, m.Set(NewRegion("c", "e"), 2))
	require.NoError(t, m.Set(NewRegion("e", "g"), 2))
	require.Equal(t, 3, m.Len())

	v, ok := m.Get("d")
	require.True(t, ok)
	require.Equal(t, 2, v)
	v, _ = m.Get("f")
	require.Equal(t, 2, v)
	v, _ = m.Get("g")
	require.Equal(t, 1, v)
	_, ok = m.Get("z")
	require.False(t, ok)

	// writing the old value back coalesces into a single piece
	require.NoError(t, m.Set(NewRegion("c", "g"), 1))
	require.True(t, m.Equal(NewRegionMap(NewRegion("a", "z"), 1)))

	require.ErrorIs(t, m.Set(NewRegion("x", "zz"), 3), apierrors.ErrRegionMismatch)
}

func TestRegionMapFromPieces(t *testing.T) {
	_, err := NewRegionMapFromPieces(NewRegion("a", "z"), []RegionPiece[int]{
		{Region: NewRegion("a", "c"), Value: 1},
		{Region: NewRegion("d", "z"), Value: 1},
	})
	require.ErrorIs(t, err, apierrors.ErrRegionMismatch)

	m, err := NewRegionMapFromPieces(NewRegion("a", "z"), []RegionPiece[int]{
		{Region: NewRegion("c", "z"), Value: 1},
		{Region: NewRegion("a", "c"), Value: 1},
	})
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())

	data, err := json.Marshal(m)
	require.NoError(t, err)
	var decoded RegionMap[int]
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, decoded.Equal(m))
}

func TestVersionRange(t *testing.T) {
	b := NewBranchID()
	r := VersionRange{Earliest: Version{Branch: b, Timestamp: 1}, Latest: Version{Branch: b, Timestamp: 5}}
	require.False(t, r.IsCoherent())
	require.True(t, NewVersionRange(r.Latest).IsCoherent())

	m := NewRegionMap(UniverseRegion(), r)
	_, err := CoherentMap(m)
	require.ErrorIs(t, err, apierrors.ErrIncoherentMetainfo)
	require.Equal(t, uint64(5), MaxTimestamp(LatestMap(m)))
	require.Equal(t, uint64(1), MaxTimestamp(EarliestMap(m)))
}
