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

package raft

import (
	"context"
	"encoding/json"
)

type (
	Op uint32

	// StateMachine is supplied by the application. Apply is called with the
	// committed proposals in log order, index being the index of the last.
	StateMachine interface {
		Apply(ctx context.Context, pds []ProposalData, index uint64) (rets []interface{}, err error)
		LeaderChange(peerID uint64) error
	}

	ProposalData struct {
		Op   Op
		Data []byte
		// ReqID carries the trace id of the proposer
		ReqID string

		notifyID uint64
	}
	ProposalResponse struct {
		Data interface{}
	}

	Stat struct {
		ID        uint64 `json:"nodeId"`
		Term      uint64 `json:"term"`
		Vote      uint64 `json:"vote"`
		Commit    uint64 `json:"commit"`
		Leader    uint64 `json:"leader"`
		RaftState string `json:"raftState"`
		Applied   uint64 `json:"applied"`
	}

	proposalResult struct {
		reply interface{}
		err   error
	}
)

type proposalDataJSON struct {
	Op       Op     `json:"op"`
	Data     []byte `json:"data,omitempty"`
	ReqID    string `json:"req_id,omitempty"`
	NotifyID uint64 `json:"notify_id"`
}

func (p *ProposalData) Marshal() ([]byte, error) {
	return json.Marshal(&proposalDataJSON{Op: p.Op, Data: p.Data, ReqID: p.ReqID, NotifyID: p.notifyID})
}

func (p *ProposalData) Unmarshal(raw []byte) error {
	var pj proposalDataJSON
	if err := json.Unmarshal(raw, &pj); err != nil {
		return err
	}
	*p = ProposalData{Op: pj.Op, Data: pj.Data, ReqID: pj.ReqID, notifyID: pj.NotifyID}
	return nil
}
