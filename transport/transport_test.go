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
	"net"
	"strconv"
	"testing"
	"time"

	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/proto"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func collect(n int) (Handler, <-chan []proto.Message) {
	ch := make(chan proto.Message, n)
	done := make(chan []proto.Message, 1)
	go func() {
		var ret []proto.Message
		for i := 0; i < n; i++ {
			select {
			case msg := <-ch:
				ret = append(ret, msg)
			case <-time.After(5 * time.Second):
				done <- ret
				return
			}
		}
		done <- ret
	}()
	return func(ctx context.Context, msg proto.Message) { ch <- msg }, done
}

func testOrderedDelivery(t *testing.T, from, to Transport) {
	ctx := context.TODO()
	h, done := collect(100)
	addr, err := to.Register("grants", h)
	require.NoError(t, err)
	require.Equal(t, to.NodeID(), addr.Node)
	_, err = to.Register("grants", h)
	require.ErrorIs(t, err, apierrors.ErrMailboxExist)

	session := proto.NewSessionID()
	for i := 0; i < 100; i++ {
		require.NoError(t, from.Send(ctx, addr, &proto.AllocationGrant{SessionID: session, Tokens: i}))
	}
	msgs := <-done
	require.Len(t, msgs, 100)
	for i, msg := range msgs {
		grant := msg.(*proto.AllocationGrant)
		require.Equal(t, session, grant.SessionID)
		require.Equal(t, i, grant.Tokens)
	}

	to.Unregister(addr)
	err = from.Send(ctx, addr, &proto.CancelBackfill{SessionID: session})
	require.ErrorIs(t, err, apierrors.ErrMailboxNotFound)
}

func TestLocalNetwork(t *testing.T) {
	network := NewLocalNetwork()
	defer network.Close()
	t1, t2 := network.Join(1), network.Join(2)
	require.Equal(t, t1, network.Join(1))

	testOrderedDelivery(t, t1, t2)
	testOrderedDelivery(t, t2, t2)

	ctx := context.TODO()
	h, done := collect(1)
	addr, err := t2.Register("acks", h)
	require.NoError(t, err)

	network.Partition(1, 2)
	require.ErrorIs(t, t1.Send(ctx, addr, &proto.CancelBackfill{}), apierrors.ErrPeerUnreachable)
	network.Heal(2, 1)
	require.NoError(t, t1.Send(ctx, addr, &proto.CancelBackfill{}))
	require.Len(t, <-done, 1)

	network.Leave(2)
	require.ErrorIs(t, t1.Send(ctx, addr, &proto.CancelBackfill{}), apierrors.ErrPeerUnreachable)
}

func TestLocalNetwork_NoSharedMemory(t *testing.T) {
	network := NewLocalNetwork()
	defer network.Close()
	t1, t2 := network.Join(1), network.Join(2)

	received := make(chan *proto.ContractUpdate, 1)
	addr, err := t2.Register("contracts", func(ctx context.Context, msg proto.Message) {
		received <- msg.(*proto.ContractUpdate)
	})
	require.NoError(t, err)

	sent := &proto.ContractUpdate{Contract: proto.Contract{
		ID:       proto.NewContractID(),
		Region:   proto.UniverseRegion(),
		Replicas: []proto.ReplicaAssignment{{Node: 2, Role: proto.ReplicaRolePrimary}},
	}}
	require.NoError(t, t1.Send(context.TODO(), addr, sent))
	sent.Contract.Replicas[0].Role = proto.ReplicaRoleSecondary

	got := <-received
	require.Equal(t, sent.Contract.ID, got.Contract.ID)
	require.Equal(t, proto.ReplicaRolePrimary, got.Contract.Replicas[0].Role)
}

func TestGRPCTransport(t *testing.T) {
	lis1, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lis2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	peers := map[proto.NodeID]string{
		1: lis1.Addr().String(),
		2: lis2.Addr().String(),
	}
	t1 := NewGRPCTransport(1, &Config{Peers: peers, MaxTimeoutMs: 3000})
	t2 := NewGRPCTransport(2, &Config{Peers: peers, MaxTimeoutMs: 3000})
	go t1.Serve(lis1)
	go t2.Serve(lis2)
	defer t1.Stop()
	defer t2.Stop()

	testOrderedDelivery(t, t1, t2)
	testOrderedDelivery(t, t1, t1)

	err = t1.Send(context.TODO(), proto.Address{Node: 3, Mailbox: "x"}, &proto.CancelBackfill{})
	require.ErrorIs(t, err, apierrors.ErrPeerUnreachable)
}

func TestGRPCTransport_PeerDown(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	// nothing serves the address any more
	lis.Close()

	t1 := NewGRPCTransport(1, &Config{
		Peers:        map[proto.NodeID]string{2: addr},
		MaxTimeoutMs: 500,
	})
	defer t1.Stop()
	err = t1.Send(context.TODO(), proto.Address{Node: 2, Mailbox: "x"}, &proto.CancelBackfill{})
	require.ErrorIs(t, err, apierrors.ErrPeerUnreachable)
}

func TestGRPCTransport_WireFormat(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t1 := NewGRPCTransport(1, &Config{Peers: map[proto.NodeID]string{1: lis.Addr().String()}})
	go t1.Serve(lis)
	defer t1.Stop()

	h, done := collect(1)
	_, err = t1.Register("grants", h)
	require.NoError(t, err)

	// a plain grpc client with the default proto codec reaches the mailbox
	conn, err := grpc.Dial(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	session := proto.NewSessionID()
	payload, err := json.Marshal(&proto.AllocationGrant{SessionID: session, Tokens: 7})
	require.NoError(t, err)
	ctx := metadata.AppendToOutgoingContext(context.TODO(),
		mailboxKey, "grants",
		messageTypeKey, strconv.Itoa(int(proto.MessageTypeAllocationGrant)),
	)
	require.NoError(t, conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(payload), &emptypb.Empty{}))
	msgs := <-done
	require.Len(t, msgs, 1)
	require.Equal(t, &proto.AllocationGrant{SessionID: session, Tokens: 7}, msgs[0])

	// headers are required
	err = conn.Invoke(context.TODO(), deliverMethod, wrapperspb.Bytes(payload), &emptypb.Empty{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	ctx = metadata.AppendToOutgoingContext(context.TODO(),
		mailboxKey, "nobody",
		messageTypeKey, strconv.Itoa(int(proto.MessageTypeAllocationGrant)),
	)
	err = conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(payload), &emptypb.Empty{})
	require.Equal(t, codes.NotFound, status.Code(err))
	require.ErrorIs(t, convertError(err), apierrors.ErrMailboxNotFound)
}
