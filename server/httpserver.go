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
	"context"
	"net/http"
	"time"

	"github.com/cubefs/branchdb/coordinator"
	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/metrics"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/branchdb/reactor"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type (
	StatsResponse struct {
		NodeID      proto.NodeID        `json:"node_id"`
		Shards      []reactor.ShardStat `json:"shards"`
		Coordinator *coordinator.Stat   `json:"coordinator,omitempty"`
	}
	PutArgs struct {
		Key   string `json:"key"`
		Value []byte `json:"value"`
	}
	DeleteArgs struct {
		Key string `json:"key"`
	}
	RemoveContractArgs struct {
		ID proto.ContractID `json:"id"`
	}
	ListContractsResponse struct {
		Contracts []proto.Contract `json:"contracts"`
	}
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	metricsHandler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	rpc.GET("/metrics", func(c *rpc.Context) {
		metricsHandler.ServeHTTP(c.Writer, c.Request)
	})
	rpc.GET("/stats", h.Stats)

	rpc.GET("/kv/get", h.Get)
	rpc.POST("/kv/put", h.Put, rpc.OptArgsBody())
	rpc.POST("/kv/delete", h.Delete, rpc.OptArgsBody())

	rpc.GET("/contract/get", h.GetContract)
	rpc.GET("/contract/list", h.ListContracts)
	rpc.POST("/contract/set", h.SetContract, rpc.OptArgsBody())
	rpc.POST("/contract/remove", h.RemoveContract, rpc.OptArgsBody())
	rpc.GET("/branch/history", h.History)

	return rpc.DefaultRouter
}

func (h *HttpServer) Stats(c *rpc.Context) {
	ctx := c.Request.Context()
	shards, err := h.reactor.Stats(ctx)
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	ret := &StatsResponse{NodeID: h.cfg.NodeID, Shards: shards}
	if h.coordinator != nil {
		if ret.Coordinator, err = h.coordinator.Stat(); err != nil {
			c.RespondError(httpError(err))
			return
		}
	}
	c.RespondJSON(ret)
}

func (h *HttpServer) Get(c *rpc.Context) {
	span, ctx := trace.StartSpanFromContext(c.Request.Context(), "kv_get")
	key := c.Request.URL.Query().Get("key")
	entry, err := h.reactor.Get(ctx, key)
	if err != nil {
		span.Debugf("get key %q failed: %s", key, err)
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(entry)
}

func (h *HttpServer) Put(c *rpc.Context) {
	span, ctx := trace.StartSpanFromContext(c.Request.Context(), "kv_put")
	args := &PutArgs{}
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.reactor.Write(ctx, args.Key, args.Value, false); err != nil {
		span.Warnf("put key %q failed: %s", args.Key, err)
		c.RespondError(httpError(err))
		return
	}
	c.Respond()
}

func (h *HttpServer) Delete(c *rpc.Context) {
	span, ctx := trace.StartSpanFromContext(c.Request.Context(), "kv_delete")
	args := &DeleteArgs{}
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.reactor.Write(ctx, args.Key, nil, true); err != nil {
		span.Warnf("delete key %q failed: %s", args.Key, err)
		c.RespondError(httpError(err))
		return
	}
	c.Respond()
}

func (h *HttpServer) GetContract(c *rpc.Context) {
	coord, err := h.Coordinator()
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	id, err := uuid.Parse(c.Request.URL.Query().Get("id"))
	if err != nil {
		c.RespondError(rpc.NewError(http.StatusBadRequest, "BadContractID", err))
		return
	}
	contract, err := coord.GetContract(c.Request.Context(), id)
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(contract)
}

func (h *HttpServer) ListContracts(c *rpc.Context) {
	coord, err := h.Coordinator()
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(&ListContractsResponse{Contracts: coord.Contracts(c.Request.Context())})
}

func (h *HttpServer) SetContract(c *rpc.Context) {
	span, ctx := trace.StartSpanFromContext(c.Request.Context(), "set_contract")
	coord, err := h.Coordinator()
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	contract := &proto.Contract{}
	if err = c.ParseArgs(contract); err != nil {
		c.RespondError(err)
		return
	}
	if contract.ID == (proto.ContractID{}) {
		contract.ID = proto.NewContractID()
	}
	if err = coord.SetContract(ctx, contract); err != nil {
		span.Warnf("set contract %s failed: %s", contract.ID, err)
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(contract)
}

func (h *HttpServer) RemoveContract(c *rpc.Context) {
	span, ctx := trace.StartSpanFromContext(c.Request.Context(), "remove_contract")
	coord, err := h.Coordinator()
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	args := &RemoveContractArgs{}
	if err = c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err = coord.RemoveContract(ctx, args.ID); err != nil {
		span.Warnf("remove contract %s failed: %s", args.ID, err)
		c.RespondError(httpError(err))
		return
	}
	c.Respond()
}

func (h *HttpServer) History(c *rpc.Context) {
	coord, err := h.Coordinator()
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(coord.History())
}

// httpError gives the sentinels their status codes.
func httpError(err error) error {
	switch err {
	case apierrors.ErrKeyNotFound:
		return rpc.NewError(http.StatusNotFound, "KeyNotFound", err)
	case apierrors.ErrShardNotFound:
		return rpc.NewError(http.StatusNotFound, "ShardNotFound", err)
	case apierrors.ErrContractNotFound:
		return rpc.NewError(http.StatusNotFound, "ContractNotFound", err)
	case apierrors.ErrInvalidContract:
		return rpc.NewError(http.StatusBadRequest, "InvalidContract", err)
	case apierrors.ErrRegionMismatch:
		return rpc.NewError(http.StatusBadRequest, "RegionMismatch", err)
	case apierrors.ErrNotPrimary:
		return rpc.NewError(http.StatusForbidden, "NotPrimary", err)
	case apierrors.ErrNotReadable:
		return rpc.NewError(http.StatusForbidden, "NotReadable", err)
	case apierrors.ErrNotCoordinator:
		return rpc.NewError(http.StatusForbidden, "NotCoordinator", err)
	case apierrors.ErrInterrupted, apierrors.ErrCoordinatorStopped:
		return rpc.NewError(http.StatusServiceUnavailable, "Unavailable", err)
	default:
		return err
	}
}
