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

import "encoding/json"

// Branch is the birth record of a lineage of writes. Writes on the branch
// carry timestamps greater than InitialTimestamp.
type Branch struct {
	ID               BranchID   `json:"id"`
	Origin           VersionMap `json:"origin"`
	InitialTimestamp uint64     `json:"initial_timestamp"`
	// Generation is one more than the largest generation among the
	// branches cited by Origin.
	Generation uint32 `json:"generation"`
}

func (b *Branch) Region() Region {
	return b.Origin.Region()
}

func (b *Branch) Equal(o *Branch) bool {
	return b.ID == o.ID && b.InitialTimestamp == o.InitialTimestamp &&
		b.Generation == o.Generation && b.Origin.Equal(o.Origin)
}

func (b *Branch) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

func (b *Branch) Unmarshal(data []byte) error {
	return json.Unmarshal(data, b)
}

// BranchHistory is a set of branch records keyed by id.
type BranchHistory map[BranchID]*Branch

func (h BranchHistory) Clone() BranchHistory {
	ret := make(BranchHistory, len(h))
	for id, b := range h {
		ret[id] = b
	}
	return ret
}

// LiveVersion is a version that branch history GC must keep interpretable
// over Region.
type LiveVersion struct {
	Region  Region
	Version Version
}
