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

package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string            `json:"name"`
	Tags  []string          `json:"tags,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
	At    time.Time         `json:"at"`
}

func TestCodec_Deterministic(t *testing.T) {
	r := record{
		Name:  "bert",
		Attrs: map[string]string{"b": "2", "a": "1", "c": "3"},
		At:    time.Unix(1700000000, 123456789).UTC(),
	}
	b1, err := Marshal(r)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		b2, err := Marshal(r)
		require.NoError(t, err)
		require.Equal(t, b1, b2)
	}

	var got record
	require.NoError(t, Unmarshal(b1, &got))
	require.Equal(t, r.Name, got.Name)
	require.Equal(t, r.Attrs, got.Attrs)
	require.True(t, r.At.Equal(got.At))
	require.Equal(t, "cbor", GRPC{}.Name())
}
