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
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/metrics"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName   = "branchdb.Transport"
	deliverMethod = "/" + serviceName + "/Deliver"

	// the destination mailbox and the message type travel as headers, the
	// request body is the json encoded message
	mailboxKey     = "x-branchdb-mailbox"
	messageTypeKey = "x-branchdb-message-type"
)

type (
	Config struct {
		// Peers maps node ids to their grpc address
		Peers              map[proto.NodeID]string `json:"peers"`
		MaxTimeoutMs       uint32                  `json:"max_timeout_ms"`
		ConnectTimeoutMs   uint32                  `json:"connect_timeout_ms"`
		KeepaliveTimeoutS  uint32                  `json:"keepalive_timeout_s"`
		BackoffBaseDelayMs uint32                  `json:"backoff_base_delay_ms"`
		BackoffMaxDelayMs  uint32                  `json:"backoff_max_delay_ms"`
	}

	transportServer interface {
		Deliver(ctx context.Context, payload *wrapperspb.BytesValue) (*emptypb.Empty, error)
	}
)

func (cfg *Config) setDefault() {
	if cfg.ConnectTimeoutMs == 0 {
		cfg.ConnectTimeoutMs = 3000
	}
	if cfg.KeepaliveTimeoutS == 0 {
		cfg.KeepaliveTimeoutS = 20
	}
	if cfg.BackoffBaseDelayMs == 0 {
		cfg.BackoffBaseDelayMs = 200
	}
	if cfg.BackoffMaxDelayMs == 0 {
		cfg.BackoffMaxDelayMs = 5000
	}
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transport/grpc.go",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCTransport delivers messages to other nodes through a unary grpc call
// per message. Messages to the local node skip the network.
type GRPCTransport struct {
	cfg      *Config
	registry *registry
	server   *grpc.Server
	dialOpts []grpc.DialOption

	lock  sync.Mutex
	conns map[proto.NodeID]*grpc.ClientConn
}

func NewGRPCTransport(node proto.NodeID, cfg *Config) *GRPCTransport {
	cfg.setDefault()
	t := &GRPCTransport{
		cfg:      cfg,
		registry: newRegistry(node),
		dialOpts: generateDialOpts(cfg),
		conns:    make(map[proto.NodeID]*grpc.ClientConn),
	}
	t.server = grpc.NewServer(grpc.ChainUnaryInterceptor(
		metrics.GRPCMetrics.UnaryServerInterceptor(),
		unaryInterceptorWithTracer,
	))
	t.server.RegisterService(&transportServiceDesc, t)
	metrics.GRPCMetrics.InitializeMetrics(t.server)
	return t
}

// Serve accepts peer connections on lis until Stop is called.
func (t *GRPCTransport) Serve(lis net.Listener) error {
	return t.server.Serve(lis)
}

func (t *GRPCTransport) Stop() {
	t.server.GracefulStop()
	t.lock.Lock()
	for id, conn := range t.conns {
		conn.Close()
		delete(t.conns, id)
	}
	t.lock.Unlock()
	t.registry.closeAll()
}

func (t *GRPCTransport) NodeID() proto.NodeID {
	return t.registry.node
}

func (t *GRPCTransport) Register(mailbox string, h Handler) (proto.Address, error) {
	return t.registry.register(mailbox, h)
}

func (t *GRPCTransport) Unregister(addr proto.Address) {
	t.registry.unregister(addr)
}

func (t *GRPCTransport) Send(ctx context.Context, to proto.Address, msg proto.Message) error {
	span := trace.SpanFromContextSafe(ctx)
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if to.Node == t.registry.node {
		local, err := proto.DecodeMessage(msg.MessageType(), payload)
		if err != nil {
			return err
		}
		return t.registry.deliver(span.TraceID(), to.Mailbox, local)
	}

	conn, err := t.getConn(to.Node)
	if err != nil {
		return err
	}
	if t.cfg.MaxTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.cfg.MaxTimeoutMs)*time.Millisecond)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx,
		mailboxKey, to.Mailbox,
		messageTypeKey, strconv.Itoa(int(msg.MessageType())),
	)
	if err = conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(payload), &emptypb.Empty{}); err != nil {
		span.Debugf("send %d to %s failed: %s", msg.MessageType(), to, err)
		return convertError(err)
	}
	return nil
}

func (t *GRPCTransport) Deliver(ctx context.Context, payload *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	mailbox, typ := md.Get(mailboxKey), md.Get(messageTypeKey)
	if len(mailbox) == 0 || len(typ) == 0 {
		return nil, status.Error(codes.InvalidArgument, "missing mailbox or message type")
	}
	t8, err := strconv.ParseUint(typ[0], 10, 8)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	msg, err := proto.DecodeMessage(proto.MessageType(t8), payload.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err = t.registry.deliver(trace.SpanFromContextSafe(ctx).TraceID(), mailbox[0], msg); err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (t *GRPCTransport) getConn(node proto.NodeID) (*grpc.ClientConn, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if conn, ok := t.conns[node]; ok {
		return conn, nil
	}
	addr, ok := t.cfg.Peers[node]
	if !ok {
		return nil, apierrors.ErrPeerUnreachable
	}
	conn, err := grpc.Dial(addr, t.dialOpts...)
	if err != nil {
		return nil, apierrors.ErrPeerUnreachable
	}
	t.conns[node] = conn
	return conn, nil
}

func convertError(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return apierrors.ErrMailboxNotFound
	case codes.Unavailable, codes.DeadlineExceeded:
		return apierrors.ErrPeerUnreachable
	case codes.Canceled:
		return apierrors.ErrInterrupted
	default:
		return err
	}
}

func unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Internal, "failed to get metadata")
	}
	reqId, ok := md[proto.ReqIdKey]
	if ok {
		_, ctx = trace.StartSpanFromContextWithTraceID(ctx, "", reqId[0])
	} else {
		_, ctx = trace.StartSpanFromContext(ctx, "")
	}

	return handler(ctx, req)
}

func unaryClientInterceptorWithTracer(ctx context.Context, method string, req, reply interface{},
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption,
) error {
	span := trace.SpanFromContextSafe(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx, proto.ReqIdKey, span.TraceID())

	return invoker(ctx, method, req, reply, cc, opts...)
}

func generateDialOpts(cfg *Config) []grpc.DialOption {
	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
		),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Timeout:             time.Duration(cfg.KeepaliveTimeoutS) * time.Second,
				PermitWithoutStream: true,
			},
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  time.Duration(cfg.BackoffBaseDelayMs) * time.Millisecond,
				Multiplier: backoff.DefaultConfig.Multiplier,
				Jitter:     backoff.DefaultConfig.Jitter,
				MaxDelay:   time.Duration(cfg.BackoffMaxDelayMs) * time.Millisecond,
			},
			MinConnectTimeout: time.Millisecond * time.Duration(cfg.ConnectTimeoutMs),
		}),
		grpc.WithChainUnaryInterceptor(unaryClientInterceptorWithTracer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	return dialOpts
}
