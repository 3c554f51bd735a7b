// Copyright 2023 The Cuber Authors.
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

package kvstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"testing"

	"github.com/cubefs/assetdb/util"
	"github.com/stretchr/testify/require"
)

var engines = []LsmKVType{RocksdbLsmKVType, MemoryKVType}

type testEg struct {
	engine Store
	path   string
	opt    *Option
}

func newEngine(ctx context.Context, typ LsmKVType, opt *Option) (*testEg, error) {
	path, err := util.GenTmpPath()
	if err != nil {
		return nil, err
	}
	if opt == nil {
		opt = new(Option)
	}
	opt.CreateIfMissing = true
	opt.Sync = true
	engine, err := NewKVStore(ctx, path, typ, opt)
	if err != nil {
		return nil, err
	}
	return &testEg{
		engine: engine,
		path:   path,
		opt:    opt,
	}, nil
}

func (eg *testEg) close() {
	eg.engine.Close()
	os.RemoveAll(eg.path)
}

func forEachEngine(t *testing.T, f func(t *testing.T, eg *testEg)) {
	for _, typ := range engines {
		t.Run(string(typ), func(t *testing.T) {
			eg, err := newEngine(context.TODO(), typ, nil)
			require.NoError(t, err)
			defer eg.close()
			f(t, eg)
		})
	}
}

func TestNewKVStore_UnknownType(t *testing.T) {
	_, err := NewKVStore(context.TODO(), "", LsmKVType("leveldb"), &Option{})
	require.ErrorIs(t, err, ErrKVTypeNotFound)
}

func TestInstance_CreateColumn(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		require.NoError(t, eg.engine.CreateColumn("colA"))
		require.NoError(t, eg.engine.CreateColumn("colA"))
		require.True(t, eg.engine.CheckColumns("colA"))
		require.True(t, eg.engine.CheckColumns(""))
		require.False(t, eg.engine.CheckColumns("colB"))
		require.ElementsMatch(t, []CF{defaultCF, "colA"}, eg.engine.GetAllColumns())
	})
}

func TestInstance_SetGetRaw(t *testing.T) {
	ctx := context.TODO()
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		k := []byte("key1")
		v := []byte("value1")
		require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, k, v, nil))
		v1, err := eg.engine.GetRaw(ctx, defaultCF, k, nil)
		require.NoError(t, err)
		v2, err := eg.engine.Get(ctx, defaultCF, k, nil)
		require.NoError(t, err)
		require.Equal(t, v, v1)
		require.Equal(t, v, v2.Value())
		v2.Close()
		require.NoError(t, eg.engine.Delete(ctx, defaultCF, k, nil))
		_, err = eg.engine.GetRaw(ctx, defaultCF, k, nil)
		require.Equal(t, ErrNotFound, err)
	})
}

func TestWrite(t *testing.T) {
	ctx := context.TODO()
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		col1 := CF("c1")
		require.NoError(t, eg.engine.CreateColumn(col1))

		for i := 0; i < 5; i++ {
			require.NoError(t, eg.engine.SetRaw(ctx, col1, []byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)), nil))
		}

		batch := eg.engine.NewWriteBatch()
		for i := 0; i < 5; i++ {
			batch.Delete(col1, []byte(fmt.Sprintf("k%d", i)))
		}
		batch.Put(defaultCF, []byte("k0"), []byte("moved"))
		require.Equal(t, 6, batch.Count())
		require.NoError(t, eg.engine.Write(ctx, batch, nil))
		batch.Close()
		for i := 0; i < 5; i++ {
			_, err := eg.engine.GetRaw(ctx, col1, []byte(fmt.Sprintf("k%d", i)), nil)
			require.Equal(t, ErrNotFound, err)
		}
		v, err := eg.engine.GetRaw(ctx, defaultCF, []byte("k0"), nil)
		require.NoError(t, err)
		require.Equal(t, []byte("moved"), v)
	})
}

func TestInstance_Snapshot(t *testing.T) {
	ctx := context.TODO()
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		k := []byte("key1")
		require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, k, []byte("value1"), nil))
		snap := eg.engine.NewSnapshot()
		defer snap.Close()
		ro := eg.engine.NewReadOption()
		defer ro.Close()
		ro.SetSnapShot(snap)

		require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, k, []byte("value2"), nil))
		require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, []byte("key2"), []byte("value2"), nil))

		v, err := eg.engine.GetRaw(ctx, defaultCF, k, ro)
		require.NoError(t, err)
		require.Equal(t, []byte("value1"), v)
		_, err = eg.engine.GetRaw(ctx, defaultCF, []byte("key2"), ro)
		require.Equal(t, ErrNotFound, err)

		ls := eg.engine.List(ctx, defaultCF, []byte("key"), nil, ro)
		n := 0
		for {
			key, _, err := ls.ReadNextCopy()
			require.NoError(t, err)
			if key == nil {
				break
			}
			n++
		}
		ls.Close()
		require.Equal(t, 1, n)
	})
}

func TestValueGetter_Read(t *testing.T) {
	ctx := context.TODO()
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		k := []byte("key")
		require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, k, []byte("helloworld"), nil))
		vg, err := eg.engine.Get(ctx, defaultCF, k, nil)
		require.NoError(t, err)
		defer vg.Close()
		b := make([]byte, vg.Size()/2)
		n, err := vg.Read(b)
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), b)
		require.Equal(t, vg.Size()/2, n)
		n, err = vg.Read(b)
		require.NoError(t, err)
		require.Equal(t, []byte("world"), b)
		require.Equal(t, vg.Size()/2, n)
		n, err = vg.Read(b)
		require.Equal(t, io.EOF, err)
		require.Equal(t, 0, n)
	})
}

func TestInstance_NewWriteOption(t *testing.T) {
	ctx := context.TODO()
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		wo := eg.engine.NewWriteOption()
		wo.SetSync(false)
		wo.DisableWAL(true)
		k := []byte("key1")
		v := []byte("value1")
		require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, k, v, wo))
		v1, err := eg.engine.Get(ctx, defaultCF, k, nil)
		require.NoError(t, err)
		require.Equal(t, v, v1.Value())
		wo.Close()
	})
}

func TestInstance_List(t *testing.T) {
	ctx := context.TODO()
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		for k, v := range map[string]string{
			"key1": "value1", "word1": "w1", "key2": "value2", "check": "0",
			"word2": "w2", "key3": "value3", "word3": "w3", "xyz": "zyx", "key4": "value4",
		} {
			require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, []byte(k), []byte(v), nil))
		}

		ls := eg.engine.List(ctx, defaultCF, []byte("word"), nil, nil)
		ls.SeekTo([]byte("word2"))
		kg, vg, err := ls.ReadNext()
		require.NoError(t, err)
		require.Equal(t, []byte("word2"), kg.Key())
		require.Equal(t, []byte("w2"), vg.Value())
		kg, vg, err = ls.ReadNext()
		require.NoError(t, err)
		require.Equal(t, []byte("word3"), kg.Key())
		require.Equal(t, []byte("w3"), vg.Value())
		kg, _, err = ls.ReadNext()
		require.NoError(t, err)
		require.Nil(t, kg)
		ls.Close()

		// prefix read
		ls = eg.engine.List(ctx, defaultCF, []byte("key"), nil, nil)
		i := 0
		for {
			kg, vg, err := ls.ReadNext()
			require.NoError(t, err)
			if kg == nil {
				break
			}
			i++
			require.Equal(t, []byte("key"+strconv.Itoa(i)), kg.Key())
			require.Equal(t, []byte("value"+strconv.Itoa(i)), vg.Value())
			kg.Close()
			vg.Close()
		}
		require.Equal(t, 4, i)
		// exhausted reader stays exhausted
		kg, _, err = ls.ReadNext()
		require.NoError(t, err)
		require.Nil(t, kg)
		ls.Close()

		// marker read
		ls = eg.engine.List(ctx, defaultCF, []byte("key"), []byte("key2"), nil)
		k, v, err := ls.ReadNextCopy()
		require.NoError(t, err)
		require.Equal(t, []byte("key2"), k)
		require.Equal(t, []byte("value2"), v)
		ls.Close()

		// full scan
		ls = eg.engine.List(ctx, defaultCF, nil, nil, nil)
		n := 0
		for {
			k, _, err := ls.ReadNextCopy()
			require.NoError(t, err)
			if k == nil {
				break
			}
			n++
		}
		ls.Close()
		require.Equal(t, 9, n)
	})
}

func TestMemory_Stats(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, MemoryKVType, &Option{ColumnFamily: []CF{"a"}})
	require.NoError(t, err)
	defer eg.close()

	require.NoError(t, eg.engine.SetRaw(ctx, "a", []byte("k"), []byte("vv"), nil))
	require.NoError(t, eg.engine.SetRaw(ctx, "a", []byte("k"), []byte("v"), nil))
	stats, err := eg.engine.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.Used)
	require.Equal(t, uint64(1), stats.Keys)

	batch := eg.engine.NewWriteBatch()
	batch.Put("a", []byte("k2"), []byte("v"))
	batch.Put("missing", []byte("k3"), []byte("v"))
	require.ErrorIs(t, eg.engine.Write(ctx, batch, nil), ErrColumnNotFound)
	_, err = eg.engine.GetRaw(ctx, "a", []byte("k2"), nil)
	require.Equal(t, ErrNotFound, err)
}
