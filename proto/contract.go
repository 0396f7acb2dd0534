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

type ReplicaRole uint8

const (
	ReplicaRoleNone ReplicaRole = iota
	ReplicaRolePrimary
	ReplicaRoleSecondary
)

func (r ReplicaRole) String() string {
	switch r {
	case ReplicaRolePrimary:
		return "primary"
	case ReplicaRoleSecondary:
		return "secondary"
	default:
		return "none"
	}
}

type ReplicaAssignment struct {
	Node NodeID      `json:"node"`
	Role ReplicaRole `json:"role"`
}

// Contract assigns a region to a branch and its replicas to roles. Branch is
// nil until the first primary has allocated one.
type Contract struct {
	ID       ContractID          `json:"id"`
	Region   Region              `json:"region"`
	Branch   BranchID            `json:"branch"`
	Replicas []ReplicaAssignment `json:"replicas"`
}

func (c *Contract) RoleOf(node NodeID) ReplicaRole {
	for _, r := range c.Replicas {
		if r.Node == node {
			return r.Role
		}
	}
	return ReplicaRoleNone
}

func (c *Contract) Primary() (NodeID, bool) {
	for _, r := range c.Replicas {
		if r.Role == ReplicaRolePrimary {
			return r.Node, true
		}
	}
	return 0, false
}

// BackfillSources lists the replicas other than self, primary first.
func (c *Contract) BackfillSources(self NodeID) []NodeID {
	ret := make([]NodeID, 0, len(c.Replicas))
	if p, ok := c.Primary(); ok && p != self {
		ret = append(ret, p)
	}
	for _, r := range c.Replicas {
		if r.Node != self && r.Role == ReplicaRoleSecondary {
			ret = append(ret, r.Node)
		}
	}
	return ret
}

func (c *Contract) Nodes() []NodeID {
	ret := make([]NodeID, 0, len(c.Replicas))
	for _, r := range c.Replicas {
		ret = append(ret, r.Node)
	}
	return ret
}

func (c *Contract) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

func (c *Contract) Unmarshal(data []byte) error {
	return json.Unmarshal(data, c)
}

// ContractAck is a replica's report of the version of its stored data for a
// contract's region and whether it can serve its assigned role.
type ContractAck struct {
	ContractID   ContractID    `json:"contract_id"`
	Node         NodeID        `json:"node"`
	Region       Region        `json:"region"`
	Role         ReplicaRole   `json:"role"`
	Branch       BranchID      `json:"branch"`
	VersionRange VersionRange  `json:"version_range"`
	ReadyForRole bool          `json:"ready_for_role"`
	History      BranchHistory `json:"history,omitempty"`
	// Metainfo is the full metainfo VersionRange summarizes.
	Metainfo RegionVersionMap `json:"metainfo"`
}

func (a *ContractAck) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

func (a *ContractAck) Unmarshal(data []byte) error {
	return json.Unmarshal(data, a)
}
