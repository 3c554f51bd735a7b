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

package store

import (
	"encoding/binary"
	"strings"

	"github.com/cubefs/assetdb/common/kvstore"
	"github.com/cubefs/assetdb/proto"
)

const (
	assetCF    = kvstore.CF("asset")
	indexCF    = kvstore.CF("index")
	versionCF  = kvstore.CF("version")
	logCF      = kvstore.CF("log")
	metaCF     = kvstore.CF("meta")
	outboxCF   = kvstore.CF("outbox")
	conflictCF = kvstore.CF("conflict")

	keySeparator = "/"
)

var (
	columns = []kvstore.CF{assetCF, indexCF, versionCF, logCF, metaCF, outboxCF, conflictCF}

	namePrefix      = []byte("n/")
	dependentPrefix = []byte("r/")

	headKey         = []byte("head")
	watermarkPrefix = []byte("wm/")
	peerAckPrefix   = []byte("ack/")
)

// nameKey indexes identity: n/<name>/<version> -> asset id.
func nameKey(name, version string) []byte {
	return []byte(string(namePrefix) + name + keySeparator + version)
}

func namePrefixKey(name string) []byte {
	return []byte(string(namePrefix) + name + keySeparator)
}

// dependentKey indexes reverse edges: r/<target name>/<from id> -> reference.
func dependentKey(target string, from proto.AssetID) []byte {
	return []byte(string(dependentPrefix) + target + keySeparator + from)
}

func dependentPrefixKey(target string) []byte {
	return []byte(string(dependentPrefix) + target + keySeparator)
}

func versionKey(name, version string) []byte {
	return []byte(name + keySeparator + version)
}

// logKey orders entries by source then sequence.
func logKey(source proto.NodeID, seq proto.Seq) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key, source)
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

func logPrefixKey(source proto.NodeID) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, source)
	return key
}

func decodeLogKey(key []byte) (proto.NodeID, proto.Seq) {
	return binary.BigEndian.Uint64(key), binary.BigEndian.Uint64(key[8:])
}

func nodeKey(prefix []byte, node proto.NodeID) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], node)
	return key
}

func decodeNodeKey(prefix, key []byte) proto.NodeID {
	return binary.BigEndian.Uint64(key[len(prefix):])
}

func encodeSeq(seq proto.Seq) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func decodeSeq(b []byte) proto.Seq {
	return binary.BigEndian.Uint64(b)
}

// splitLast returns the component after the final separator.
func splitLast(key []byte) string {
	s := string(key)
	return s[strings.LastIndex(s, keySeparator)+1:]
}
