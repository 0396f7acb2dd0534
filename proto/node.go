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
)

// Address names a mailbox on a node. It is a plain sendable handle.
type Address struct {
	Node    NodeID `json:"node"`
	Mailbox string `json:"mailbox"`
}

func (a Address) IsZero() bool {
	return a.Node == 0 && a.Mailbox == ""
}

func (a Address) String() string {
	return fmt.Sprintf("%d/%s", a.Node, a.Mailbox)
}
