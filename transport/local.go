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

package transport

import (
	"context"
	"encoding/json"
	"sync"

	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/cubefs/blobstore/common/trace"
)

// LocalNetwork connects in-process nodes. Messages are encoded and decoded
// on the way as they would be on the wire, so nodes never share memory.
type LocalNetwork struct {
	lock       sync.RWMutex
	nodes      map[proto.NodeID]*localTransport
	partitions map[[2]proto.NodeID]struct{}
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes:      make(map[proto.NodeID]*localTransport),
		partitions: make(map[[2]proto.NodeID]struct{}),
	}
}

// Join attaches a node to the network and returns its transport.
func (n *LocalNetwork) Join(node proto.NodeID) Transport {
	n.lock.Lock()
	defer n.lock.Unlock()
	if t, ok := n.nodes[node]; ok {
		return t
	}
	t := &localTransport{network: n, registry: newRegistry(node)}
	n.nodes[node] = t
	return t
}

// Leave detaches a node, dropping its mailboxes.
func (n *LocalNetwork) Leave(node proto.NodeID) {
	n.lock.Lock()
	t, ok := n.nodes[node]
	delete(n.nodes, node)
	n.lock.Unlock()
	if ok {
		t.registry.closeAll()
	}
}

// Partition cuts the link between a and b in both directions.
func (n *LocalNetwork) Partition(a, b proto.NodeID) {
	n.lock.Lock()
	n.partitions[linkKey(a, b)] = struct{}{}
	n.lock.Unlock()
}

func (n *LocalNetwork) Heal(a, b proto.NodeID) {
	n.lock.Lock()
	delete(n.partitions, linkKey(a, b))
	n.lock.Unlock()
}

func (n *LocalNetwork) Close() {
	n.lock.Lock()
	nodes := n.nodes
	n.nodes = make(map[proto.NodeID]*localTransport)
	n.lock.Unlock()
	for _, t := range nodes {
		t.registry.closeAll()
	}
}

func (n *LocalNetwork) route(from, to proto.NodeID) (*localTransport, error) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	if _, ok := n.partitions[linkKey(from, to)]; ok {
		return nil, apierrors.ErrPeerUnreachable
	}
	t, ok := n.nodes[to]
	if !ok {
		return nil, apierrors.ErrPeerUnreachable
	}
	return t, nil
}

func linkKey(a, b proto.NodeID) [2]proto.NodeID {
	if a > b {
		a, b = b, a
	}
	return [2]proto.NodeID{a, b}
}

type localTransport struct {
	network  *LocalNetwork
	registry *registry
}

func (t *localTransport) NodeID() proto.NodeID {
	return t.registry.node
}

func (t *localTransport) Register(mailbox string, h Handler) (proto.Address, error) {
	return t.registry.register(mailbox, h)
}

func (t *localTransport) Unregister(addr proto.Address) {
	t.registry.unregister(addr)
}

func (t *localTransport) Send(ctx context.Context, to proto.Address, msg proto.Message) error {
	dst, err := t.network.route(t.registry.node, to.Node)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	decoded, err := proto.DecodeMessage(msg.MessageType(), data)
	if err != nil {
		return err
	}
	return dst.registry.deliver(trace.SpanFromContextSafe(ctx).TraceID(), to.Mailbox, decoded)
}
