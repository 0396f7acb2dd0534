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

import "github.com/google/uuid"

const (
	ReqIdKey = "req-id"
)

type (
	NodeID     = uint32
	BranchID   = uuid.UUID
	SessionID  = uuid.UUID
	ContractID = uuid.UUID
	FifoToken  = uint64
)

var NilBranch = BranchID(uuid.Nil)

func NewBranchID() BranchID {
	return uuid.New()
}

func NewSessionID() SessionID {
	return uuid.New()
}

func NewContractID() ContractID {
	return uuid.New()
}
