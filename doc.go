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

# AssetDB: versioned identity for shared artifacts

## Why a registry?

1, every model, pipeline, dataset, test suite and policy published once under an immutable (name, version)

2, dependency links that stay acyclic and are resolved against semantic version constraints at query time

3, integrity: the declared checksum is recomputed from the artifact before anything is committed

## Data Model

* Asset, id --> the mutable row: status, tags, annotations, description, endpoints, dependencies

* VersionRecord, <name, version> --> what was published: checksum, storage pointer, dependencies. Written once, never touched again

* AssetReference, a dependency by target name and version constraint, never by id

* ChangeEvent, one per mutation, doubling as the replication log entry keyed by <source node, seq>

* Conflict, two causally concurrent changes that could not be merged silently

## Architecture

Every node holds a full replica. A write is committed locally in one atomic batch (asset, indexes,
version record, log entry, outbox entry) and then streamed to peers per the requested consistency:

* Strong, every peer applied it

* Quorum, a majority applied it; writes are refused up front when no majority is reachable

* Eventual, local commit only, anti-entropy catches peers up

### Replication

per-source logs with watermarks, version vectors for causality, deterministic merges so replicas converge

### Storage

a node has a single rocksdb instance, column families per concern

### Events

a transactional outbox drained by a relay, delivered at least once, keyed by event id

## Building Blocks

* Rocksdb
* gRPC
* Prometheus
* etcd raft quorum

*/

package assetdb
