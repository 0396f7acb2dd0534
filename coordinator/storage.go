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

package coordinator

import (
	"context"
	"encoding/json"

	"github.com/cubefs/branchdb/common/kvstore"
	"github.com/cubefs/branchdb/proto"
)

const CF = "contract"

var (
	contractKeyPrefix = []byte("c")
	keyInfix          = []byte("/")
)

// contractRecord is a contract with the latest ack of each of its replicas.
type contractRecord struct {
	Contract proto.Contract                       `json:"contract"`
	Acks     map[proto.NodeID]*proto.ContractAck `json:"acks,omitempty"`
}

func (r *contractRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func (r *contractRecord) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

func newStorage(kvStore kvstore.Store) *storage {
	return &storage{
		kvStore:       kvStore,
		keysGenerator: &keysGenerator{},
	}
}

type storage struct {
	kvStore       kvstore.Store
	keysGenerator *keysGenerator
}

func (s *storage) PutContract(ctx context.Context, rec *contractRecord) error {
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	return s.kvStore.Put(ctx, CF, s.keysGenerator.encodeContractKey(rec.Contract.ID), data)
}

func (s *storage) DeleteContract(ctx context.Context, id proto.ContractID) error {
	return s.kvStore.Delete(ctx, CF, s.keysGenerator.encodeContractKey(id))
}

func (s *storage) ListContracts(ctx context.Context) (ret []*contractRecord, err error) {
	lr := s.kvStore.List(ctx, CF, s.keysGenerator.encodeContractKeyPrefix(), nil, nil)
	defer lr.Close()

	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return nil, err
		}
		if key == nil {
			return ret, nil
		}
		rec := &contractRecord{}
		if err = rec.Unmarshal(value); err != nil {
			return nil, err
		}
		if rec.Acks == nil {
			rec.Acks = make(map[proto.NodeID]*proto.ContractAck)
		}
		ret = append(ret, rec)
	}
}

type keysGenerator struct{}

func (k *keysGenerator) encodeContractKey(id proto.ContractID) []byte {
	ret := make([]byte, 0, len(contractKeyPrefix)+len(keyInfix)+len(id))
	ret = append(ret, contractKeyPrefix...)
	ret = append(ret, keyInfix...)
	return append(ret, id[:]...)
}

func (k *keysGenerator) encodeContractKeyPrefix() []byte {
	ret := make([]byte, 0, len(contractKeyPrefix)+len(keyInfix))
	ret = append(ret, contractKeyPrefix...)
	return append(ret, keyInfix...)
}
