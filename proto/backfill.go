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

type ChunkKind uint8

const (
	// ChunkKindData carries every changed entry of Region.
	ChunkKindData ChunkKind = iota + 1
	// ChunkKindDeleteRange erases all data of Region.
	ChunkKindDeleteRange
)

// BackfillEntry is a key's state together with the version that last
// wrote it. Deleted entries are tombstones.
type BackfillEntry struct {
	Key     string  `json:"key"`
	Value   []byte  `json:"value,omitempty"`
	Deleted bool    `json:"deleted,omitempty"`
	Recency Version `json:"recency"`
}

// BackfillChunk is one unit of backfill data. A data chunk covers Region
// completely: keys of Region absent from Entries did not change.
type BackfillChunk struct {
	Kind    ChunkKind       `json:"kind"`
	Region  Region          `json:"region"`
	Entries []BackfillEntry `json:"entries,omitempty"`
}

func (c *BackfillChunk) Size() int {
	n := len(c.Region.Left) + len(c.Region.Right)
	for i := range c.Entries {
		n += len(c.Entries[i].Key) + len(c.Entries[i].Value)
	}
	return n
}
