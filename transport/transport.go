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
	"sync"

	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/cubefs/blobstore/common/trace"
)

type (
	// Handler consumes the messages of one mailbox. Messages of a mailbox
	// are handled one at a time in arrival order.
	Handler func(ctx context.Context, msg proto.Message)

	// Transport delivers messages to mailboxes on any node of the cluster.
	// Delivery is at most once and ordered per sender and mailbox.
	Transport interface {
		NodeID() proto.NodeID
		Register(mailbox string, h Handler) (proto.Address, error)
		Unregister(addr proto.Address)
		// Send returns ErrPeerUnreachable when the node of to cannot be
		// reached and ErrMailboxNotFound when it has no such mailbox.
		Send(ctx context.Context, to proto.Address, msg proto.Message) error
	}
)

type registry struct {
	node proto.NodeID

	lock      sync.RWMutex
	mailboxes map[string]*mailbox
}

func newRegistry(node proto.NodeID) *registry {
	return &registry{node: node, mailboxes: make(map[string]*mailbox)}
}

func (r *registry) register(name string, h Handler) (proto.Address, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.mailboxes[name]; ok {
		return proto.Address{}, apierrors.ErrMailboxExist
	}
	mb := newMailbox(h)
	r.mailboxes[name] = mb
	go mb.run()
	return proto.Address{Node: r.node, Mailbox: name}, nil
}

func (r *registry) unregister(addr proto.Address) {
	r.lock.Lock()
	mb, ok := r.mailboxes[addr.Mailbox]
	delete(r.mailboxes, addr.Mailbox)
	r.lock.Unlock()
	if ok {
		mb.close()
	}
}

func (r *registry) deliver(traceID string, name string, msg proto.Message) error {
	r.lock.RLock()
	mb, ok := r.mailboxes[name]
	r.lock.RUnlock()
	if !ok {
		return apierrors.ErrMailboxNotFound
	}
	mb.push(traceID, msg)
	return nil
}

func (r *registry) closeAll() {
	r.lock.Lock()
	mailboxes := r.mailboxes
	r.mailboxes = make(map[string]*mailbox)
	r.lock.Unlock()
	for _, mb := range mailboxes {
		mb.close()
	}
}

type delivery struct {
	traceID string
	msg     proto.Message
}

// mailbox queues deliveries without bound so senders never block on a
// slow receiver.
type mailbox struct {
	handler Handler

	lock   sync.Mutex
	queue  []delivery
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMailbox(h Handler) *mailbox {
	return &mailbox{
		handler: h,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (m *mailbox) push(traceID string, msg proto.Message) {
	m.lock.Lock()
	m.queue = append(m.queue, delivery{traceID: traceID, msg: msg})
	m.lock.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}
		for {
			m.lock.Lock()
			if len(m.queue) == 0 {
				m.lock.Unlock()
				break
			}
			d := m.queue[0]
			m.queue = m.queue[1:]
			m.lock.Unlock()

			select {
			case <-m.done:
				return
			default:
			}
			m.handler(deliveryContext(d.traceID), d.msg)
		}
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}

// deliveryContext continues the sender's trace on the receiving side.
func deliveryContext(traceID string) context.Context {
	if traceID == "" {
		_, ctx := trace.StartSpanFromContext(context.Background(), "")
		return ctx
	}
	_, ctx := trace.StartSpanFromContextWithTraceID(context.Background(), "", traceID)
	return ctx
}
