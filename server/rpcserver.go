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

package server

import (
	"net"

	"github.com/cubefs/cubefs/blobstore/util/log"
)

// RPCServer accepts the grpc connections of peer nodes. All node to node
// traffic is mailbox delivery through the transport.
type RPCServer struct {
	*Server
}

func NewRPCServer(server *Server) *RPCServer {
	return &RPCServer{Server: server}
}

func (r *RPCServer) Serve(addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen on %s failed: %s", addr, err)
	}
	go func() {
		if err := r.transport.Serve(lis); err != nil {
			log.Fatal("grpc server exits:", err)
		}
	}()

	log.Info("grpc server is running at:", addr)
}

// Stop is left to Server.Close, which stops the transport after the
// components using it.
func (r *RPCServer) Stop() {
	log.Info("grpc server stopping")
}
