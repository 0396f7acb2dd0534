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

	apierrors "github.com/cubefs/branchdb/errors"
)

type MessageType uint8

const (
	MessageTypeBackfillRequest MessageType = iota + 1
	MessageTypeCancelBackfill
	MessageTypeBackfillEndPoint
	MessageTypeAllocationRegistration
	MessageTypeAllocationGrant
	MessageTypeBackfillChunk
	MessageTypeBackfillDone
	MessageTypeContractUpdate
	MessageTypeContractAck
	MessageTypeReplicatedWrite
)

type Message interface {
	MessageType() MessageType
}

type (
	BackfillRequest struct {
		SessionID              SessionID        `json:"session_id"`
		Requester              NodeID           `json:"requester"`
		StartPoint             RegionVersionMap `json:"start_point"`
		StartPointHistory      BranchHistory    `json:"start_point_history"`
		EndPointContinuation   Address          `json:"end_point_continuation"`
		ChunkContinuation      Address          `json:"chunk_continuation"`
		DoneContinuation       Address          `json:"done_continuation"`
		AllocationRegistration Address          `json:"allocation_registration"`
	}
	// CancelBackfill abandons a session. The backfiller sends it to the end
	// point continuation when it refuses or aborts a session.
	CancelBackfill struct {
		SessionID SessionID `json:"session_id"`
	}
	// BackfillEndPoint confirms the negotiated start point before any chunk
	// is sent. A zero version in StartPoint marks a full backfill.
	BackfillEndPoint struct {
		SessionID  SessionID        `json:"session_id"`
		StartPoint VersionMap       `json:"start_point"`
		EndPoint   RegionVersionMap `json:"end_point"`
		History    BranchHistory    `json:"history"`
	}
	AllocationRegistration struct {
		SessionID  SessionID `json:"session_id"`
		Allocation Address   `json:"allocation"`
	}
	AllocationGrant struct {
		SessionID SessionID `json:"session_id"`
		Tokens    int       `json:"tokens"`
	}
	BackfillChunkMessage struct {
		SessionID        SessionID     `json:"session_id"`
		Payload          BackfillChunk `json:"payload"`
		ProgressEstimate float64       `json:"progress_estimate"`
		Order            FifoToken     `json:"order"`
	}
	// BackfillDone ends a session. Chunks is the number of chunks sent.
	BackfillDone struct {
		SessionID SessionID        `json:"session_id"`
		EndPoint  RegionVersionMap `json:"end_point"`
		History   BranchHistory    `json:"history"`
		Chunks    FifoToken        `json:"chunks"`
	}
	// ContractUpdate pushes a contract to its replicas. Pruned lists
	// branches the coordinator collected recently, a node drops those its
	// own replicas do not need.
	ContractUpdate struct {
		Contract Contract   `json:"contract"`
		Removed  bool       `json:"removed,omitempty"`
		Pruned   []BranchID `json:"pruned,omitempty"`
	}
	// ReplicatedWrite forwards one write of a primary to a secondary. Prev
	// is the version the secondary must be at to apply it.
	ReplicatedWrite struct {
		Prev  Version       `json:"prev"`
		Entry BackfillEntry `json:"entry"`
	}
)

func (*BackfillRequest) MessageType() MessageType        { return MessageTypeBackfillRequest }
func (*CancelBackfill) MessageType() MessageType         { return MessageTypeCancelBackfill }
func (*BackfillEndPoint) MessageType() MessageType       { return MessageTypeBackfillEndPoint }
func (*AllocationRegistration) MessageType() MessageType { return MessageTypeAllocationRegistration }
func (*AllocationGrant) MessageType() MessageType        { return MessageTypeAllocationGrant }
func (*BackfillChunkMessage) MessageType() MessageType   { return MessageTypeBackfillChunk }
func (*BackfillDone) MessageType() MessageType           { return MessageTypeBackfillDone }
func (*ContractUpdate) MessageType() MessageType         { return MessageTypeContractUpdate }
func (*ContractAck) MessageType() MessageType            { return MessageTypeContractAck }
func (*ReplicatedWrite) MessageType() MessageType        { return MessageTypeReplicatedWrite }

// DecodeMessage unmarshals a message of type t.
func DecodeMessage(t MessageType, data []byte) (Message, error) {
	var msg Message
	switch t {
	case MessageTypeBackfillRequest:
		msg = &BackfillRequest{}
	case MessageTypeCancelBackfill:
		msg = &CancelBackfill{}
	case MessageTypeBackfillEndPoint:
		msg = &BackfillEndPoint{}
	case MessageTypeAllocationRegistration:
		msg = &AllocationRegistration{}
	case MessageTypeAllocationGrant:
		msg = &AllocationGrant{}
	case MessageTypeBackfillChunk:
		msg = &BackfillChunkMessage{}
	case MessageTypeBackfillDone:
		msg = &BackfillDone{}
	case MessageTypeContractUpdate:
		msg = &ContractUpdate{}
	case MessageTypeContractAck:
		msg = &ContractAck{}
	case MessageTypeReplicatedWrite:
		msg = &ReplicatedWrite{}
	default:
		return nil, apierrors.ErrUnknownMessageType
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
