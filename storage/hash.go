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

package storage

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"

	"github.com/zeebo/blake3"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/util"
)

const copyBufferSize = 64 << 10

func newHash(alg proto.ChecksumAlgorithm) (hash.Hash, error) {
	switch alg {
	case proto.ChecksumSHA256:
		return sha256.New(), nil
	case proto.ChecksumSHA512:
		return sha512.New(), nil
	case proto.ChecksumBLAKE3:
		return blake3.New(), nil
	default:
		return nil, apierrors.ErrValidation.Withf("unsupported checksum algorithm %q", alg)
	}
}

// SupportedAlgorithm reports whether alg can be computed.
func SupportedAlgorithm(alg proto.ChecksumAlgorithm) bool {
	_, err := newHash(alg)
	return err == nil
}

// Digest hashes r with alg and returns the lowercase hex digest.
func Digest(r io.Reader, alg proto.ChecksumAlgorithm) (string, int64, error) {
	h, err := newHash(alg)
	if err != nil {
		return "", 0, err
	}
	buf := util.GetBuffer(copyBufferSize)
	defer util.PutBuffer(buf)
	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// DigestBytes is Digest over an in-memory artifact.
func DigestBytes(data []byte, alg proto.ChecksumAlgorithm) (string, error) {
	switch alg {
	case proto.ChecksumBLAKE3:
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		h, err := newHash(alg)
		if err != nil {
			return "", err
		}
		h.Write(data)
		return hex.EncodeToString(h.Sum(nil)), nil
	}
}
