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
	"path/filepath"

	"github.com/cubefs/branchdb/branch"
	"github.com/cubefs/branchdb/common/kvstore"
	"github.com/cubefs/branchdb/coordinator"
	apierrors "github.com/cubefs/branchdb/errors"
	"github.com/cubefs/branchdb/proto"
	"github.com/cubefs/branchdb/raft"
	"github.com/cubefs/branchdb/reactor"
	"github.com/cubefs/branchdb/store"
	"github.com/cubefs/branchdb/transport"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
)

// MemoryKVType keeps shard data in memory, lost on restart.
const MemoryKVType = "memory"

const (
	nodeStoreDir        = "node"
	coordinatorStoreDir = "coordinator"
)

type ShardConfig struct {
	ID     uint32       `json:"id"`
	Region proto.Region `json:"region"`
}

type Config struct {
	NodeID proto.NodeID `json:"node_id"`
	// Shards are the regions this node keeps a replica of
	Shards            []ShardConfig      `json:"shards"`
	StoreConfig       store.Config       `json:"store_config"`
	TransportConfig   transport.Config   `json:"transport_config"`
	ReactorConfig     reactor.Config     `json:"reactor_config"`
	CoordinatorConfig coordinator.Config `json:"coordinator_config"`
}

// Server is one node: the replicas of its shards and, on one node of the
// cluster, the coordinator.
type Server struct {
	cfg       *Config
	transport *transport.GRPCTransport

	nodeStore   kvstore.Store
	reactor     *reactor.Reactor
	coordStore  kvstore.Store
	coordinator *coordinator.Coordinator
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.CoordinatorConfig.NodeID == 0 {
		cfg.CoordinatorConfig.NodeID = cfg.NodeID
	}
	s := &Server{
		cfg:       cfg,
		transport: transport.NewGRPCTransport(cfg.NodeID, &cfg.TransportConfig),
	}

	if err := s.startReactor(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if cfg.CoordinatorConfig.Enabled && cfg.CoordinatorConfig.NodeID == cfg.NodeID {
		if err := s.startCoordinator(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	span.Infof("node[%d] started with %d shards, coordinator %v", cfg.NodeID, len(cfg.Shards), s.coordinator != nil)
	return s, nil
}

func (s *Server) startReactor(ctx context.Context) error {
	cfg := s.cfg
	historyStorage := branch.NewMemoryStorage()
	memory := cfg.StoreConfig.KVType == MemoryKVType
	if !memory {
		storeCfg := cfg.StoreConfig
		storeCfg.Path = filepath.Join(cfg.StoreConfig.Path, nodeStoreDir)
		kv, err := store.OpenKVStore(ctx, &storeCfg, branch.CF)
		if err != nil {
			return errors.Info(err, "open node store")
		}
		s.nodeStore = kv
		historyStorage = branch.NewStorage(kv)
	}
	branches, err := historyStorage.Load(ctx)
	if err != nil {
		return errors.Info(err, "load branch history")
	}

	rcfg := cfg.ReactorConfig
	rcfg.Transport = s.transport
	rcfg.History = branch.NewHistory(branches)
	rcfg.HistoryStorage = historyStorage
	rcfg.Coordinator = proto.Address{Node: cfg.CoordinatorConfig.NodeID, Mailbox: coordinator.Mailbox}
	s.reactor = reactor.NewReactor(&rcfg)

	for _, sc := range cfg.Shards {
		var view store.StoreView
		if memory {
			view = store.NewMemoryStore(sc.Region, cfg.StoreConfig.ChunkSize)
		} else {
			if view, err = store.NewRocksStore(ctx, s.nodeStore, sc.ID, sc.Region, cfg.StoreConfig.ChunkSize); err != nil {
				return errors.Info(err, "open shard store")
			}
		}
		if err = s.reactor.AddShard(ctx, sc.ID, view); err != nil {
			return err
		}
	}
	return s.reactor.Start(ctx)
}

func (s *Server) startCoordinator(ctx context.Context) error {
	storeCfg := s.cfg.StoreConfig
	if storeCfg.KVType == MemoryKVType {
		storeCfg.KVType = string(kvstore.RocksdbLsmKVType)
	}
	storeCfg.Path = filepath.Join(s.cfg.StoreConfig.Path, coordinatorStoreDir)
	kv, err := store.OpenKVStore(ctx, &storeCfg, coordinator.CF, branch.CF, raft.CF)
	if err != nil {
		return errors.Info(err, "open coordinator store")
	}
	s.coordStore = kv

	ccfg := s.cfg.CoordinatorConfig
	ccfg.Transport = s.transport
	ccfg.KVStore = kv
	s.coordinator, err = coordinator.NewCoordinator(ctx, &ccfg)
	return err
}

// Coordinator returns the coordinator, or ErrNotCoordinator on other nodes.
func (s *Server) Coordinator() (*coordinator.Coordinator, error) {
	if s.coordinator == nil {
		return nil, apierrors.ErrNotCoordinator
	}
	return s.coordinator, nil
}

func (s *Server) Close() {
	if s.coordinator != nil {
		s.coordinator.Close()
	}
	if s.reactor != nil {
		s.reactor.Close()
	}
	s.transport.Stop()
	if s.coordStore != nil {
		s.coordStore.Close()
	}
	if s.nodeStore != nil {
		s.nodeStore.Close()
	}
}
