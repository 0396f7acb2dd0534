/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# BranchDB: replica consistency by branches of write history

## Why branches?

1, a replica that was offline catches up by an incremental backfill from the last version it shares with its peer

2, a new primary never overwrites history, it starts a new branch from the data it has

3, replicas compare their data by version alone, without scanning keys

## Data Model

* Region, a half-open key range [left, right) of a shard

* Version, <branch, timestamp>, a point in the write history of a branch

* Branch, born from an origin map, region --> version of its parent branches

* Metainfo, region --> version range, what a replica knows of its own data

* Contract, region --> branch and replica roles, computed by the coordinator

## Architecture

Every node runs a reactor holding its shard replicas. A replica is inactive,
cold, primary or secondary, following the latest contract of its region.

* Primary, accepts writes and starts a new branch on promotion

* Secondary, on the contract's branch, applies the writes the primary forwards and serves backfills

* Cold, catching up by a backfill from the other replicas

One node runs the coordinator. It keeps contracts and the branch history in a
raft log, pushes contracts to the replicas and moves a contract to the branch of
its new primary once the primary acks.

### Backfill

A backfillee sends its metainfo and branch history, the backfiller answers with
the common ancestor and streams the entries changed since, under allocation
tokens granted by the backfillee.

### Storage

a node has a single rocksdb instance shared by its shards

## Building Blocks

* etcd raft
* gRPC
* Rocksdb
* Prometheus

*/

package branchdb
