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
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/cubefs/cubefs/util/btree"
)

const memoryBTreeDegree = 32

type (
	// memory is an ordered in-process engine used by tests and single node
	// deployments that do not need durability.
	memory struct {
		cols map[CF]*btree.BTree
		size int64
		lock sync.RWMutex
	}
	memItem struct {
		key   []byte
		value []byte
	}
	memSnapshot struct {
		cols map[CF]*btree.BTree
	}
	memReadOption struct {
		snap *memSnapshot
	}
	memWriteOption struct{}
	memBatchOp     struct {
		col    CF
		key    []byte
		value  []byte
		delete bool
	}
	memWriteBatch struct {
		ops []memBatchOp
	}
	memListReader struct {
		s       *memory
		tree    func(col CF) *btree.BTree
		col     CF
		prefix  []byte
		cursor  []byte
		isFirst bool
		done    bool
	}
	memKeyGetter   []byte
	memValueGetter struct {
		index int
		value []byte
	}
)

func (i *memItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*memItem).key) < 0
}

func (i *memItem) Copy() btree.Item {
	return &memItem{key: i.key, value: i.value}
}

func newMemory(ctx context.Context, option *Option) Store {
	m := &memory{cols: map[CF]*btree.BTree{defaultCF: btree.New(memoryBTreeDegree)}}
	if option != nil {
		for _, col := range option.ColumnFamily {
			m.cols[col] = btree.New(memoryBTreeDegree)
		}
	}
	return m
}

func (k memKeyGetter) Key() []byte { return k }
func (k memKeyGetter) Close()      {}

func (v *memValueGetter) Value() []byte { return v.value }
func (v *memValueGetter) Size() int     { return len(v.value) }
func (v *memValueGetter) Close()        {}

func (v *memValueGetter) Read(b []byte) (n int, err error) {
	if v.index >= len(v.value) {
		return 0, io.EOF
	}
	n = copy(b, v.value[v.index:])
	v.index += n
	return
}

func (s *memSnapshot) Close() {}

func (o *memReadOption) SetSnapShot(snap Snapshot) {
	o.snap = snap.(*memSnapshot)
}
func (o *memReadOption) Close() {}

func (memWriteOption) SetSync(value bool)    {}
func (memWriteOption) DisableWAL(value bool) {}
func (memWriteOption) Close()                {}

func (b *memWriteBatch) Put(col CF, key, value []byte) {
	b.ops = append(b.ops, memBatchOp{col: col, key: cloneBytes(key), value: cloneBytes(value)})
}

func (b *memWriteBatch) Delete(col CF, key []byte) {
	b.ops = append(b.ops, memBatchOp{col: col, key: cloneBytes(key), delete: true})
}

func (b *memWriteBatch) Count() int { return len(b.ops) }
func (b *memWriteBatch) Close()     { b.ops = nil }

func (lr *memListReader) ReadNext() (key KeyGetter, val ValueGetter, err error) {
	k, v, err := lr.ReadNextCopy()
	if err != nil || k == nil {
		return nil, nil, err
	}
	return memKeyGetter(k), &memValueGetter{value: v}, nil
}

func (lr *memListReader) ReadNextCopy() (key []byte, value []byte, err error) {
	if lr.done {
		return nil, nil, nil
	}
	var found *memItem
	inclusive := lr.isFirst
	lr.s.lock.RLock()
	tree := lr.tree(lr.col)
	if tree != nil {
		tree.AscendGreaterOrEqual(&memItem{key: lr.cursor}, func(i btree.Item) bool {
			item := i.(*memItem)
			if !inclusive && bytes.Equal(item.key, lr.cursor) {
				return true
			}
			found = item
			return false
		})
	}
	lr.s.lock.RUnlock()
	lr.isFirst = false
	if found == nil || (lr.prefix != nil && !bytes.HasPrefix(found.key, lr.prefix)) {
		lr.done = true
		return nil, nil, nil
	}
	lr.cursor = found.key
	return cloneBytes(found.key), cloneBytes(found.value), nil
}

func (lr *memListReader) SeekTo(key []byte) {
	lr.isFirst = true
	lr.done = false
	lr.cursor = cloneBytes(key)
}

func (lr *memListReader) Close() {}

func (s *memory) NewSnapshot() Snapshot {
	s.lock.RLock()
	defer s.lock.RUnlock()
	snap := &memSnapshot{cols: make(map[CF]*btree.BTree, len(s.cols))}
	for col, tree := range s.cols {
		copied := btree.New(memoryBTreeDegree)
		tree.Ascend(func(i btree.Item) bool {
			copied.ReplaceOrInsert(i.Copy())
			return true
		})
		snap.cols[col] = copied
	}
	return snap
}

func (s *memory) CreateColumn(col CF) error {
	s.lock.Lock()
	if _, ok := s.cols[col]; !ok {
		s.cols[col] = btree.New(memoryBTreeDegree)
	}
	s.lock.Unlock()
	return nil
}

func (s *memory) GetAllColumns() (ret []CF) {
	s.lock.RLock()
	for col := range s.cols {
		ret = append(ret, col)
	}
	s.lock.RUnlock()
	return
}

func (s *memory) CheckColumns(col CF) bool {
	if col == "" {
		return true
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.cols[col]
	return ok
}

func (s *memory) Get(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value ValueGetter, err error) {
	v, err := s.GetRaw(ctx, col, key, readOpt)
	if err != nil {
		return nil, err
	}
	return &memValueGetter{value: v}, nil
}

func (s *memory) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value []byte, err error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	tree, err := s.treeFor(col, readOpt)
	if err != nil {
		return nil, err
	}
	item := tree.Get(&memItem{key: key})
	if item == nil {
		return nil, ErrNotFound
	}
	return cloneBytes(item.(*memItem).value), nil
}

func (s *memory) SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error {
	batch := &memWriteBatch{}
	batch.Put(col, key, value)
	return s.Write(ctx, batch, writeOpt)
}

func (s *memory) Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error {
	batch := &memWriteBatch{}
	batch.Delete(col, key)
	return s.Write(ctx, batch, writeOpt)
}

func (s *memory) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	lr := &memListReader{
		s:       s,
		col:     normalizeCF(col),
		prefix:  cloneBytes(prefix),
		cursor:  cloneBytes(prefix),
		isFirst: true,
	}
	if len(marker) > 0 {
		lr.cursor = cloneBytes(marker)
	}
	var snap *memSnapshot
	if readOpt != nil {
		snap = readOpt.(*memReadOption).snap
	}
	lr.tree = func(col CF) *btree.BTree {
		if snap != nil {
			return snap.cols[col]
		}
		return s.cols[col]
	}
	return lr
}

func (s *memory) Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error {
	b := batch.(*memWriteBatch)
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, op := range b.ops {
		if _, ok := s.cols[normalizeCF(op.col)]; !ok {
			return ErrColumnNotFound
		}
	}
	for _, op := range b.ops {
		tree := s.cols[normalizeCF(op.col)]
		if op.delete {
			if old := tree.Delete(&memItem{key: op.key}); old != nil {
				s.size -= int64(len(op.key) + len(old.(*memItem).value))
			}
			continue
		}
		if old := tree.ReplaceOrInsert(&memItem{key: op.key, value: op.value}); old != nil {
			s.size -= int64(len(op.key) + len(old.(*memItem).value))
		}
		s.size += int64(len(op.key) + len(op.value))
	}
	return nil
}

func (s *memory) NewReadOption() ReadOption {
	return &memReadOption{}
}

func (s *memory) NewWriteOption() WriteOption {
	return memWriteOption{}
}

func (s *memory) NewWriteBatch() WriteBatch {
	return &memWriteBatch{}
}

func (s *memory) FlushCF(ctx context.Context, col CF) error {
	return nil
}

func (s *memory) Stats(ctx context.Context) (Stats, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var keys uint64
	for _, tree := range s.cols {
		keys += uint64(tree.Len())
	}
	return Stats{
		Used: uint64(s.size),
		Keys: keys,
		MemoryUsage: MemoryUsage{
			MemtableUsage: uint64(s.size),
			Total:         uint64(s.size),
		},
	}, nil
}

func (s *memory) Close() {}

func (s *memory) treeFor(col CF, readOpt ReadOption) (*btree.BTree, error) {
	cols := s.cols
	if readOpt != nil {
		if snap := readOpt.(*memReadOption).snap; snap != nil {
			cols = snap.cols
		}
	}
	tree, ok := cols[normalizeCF(col)]
	if !ok {
		return nil, ErrColumnNotFound
	}
	return tree, nil
}

func normalizeCF(col CF) CF {
	if col == "" {
		return defaultCF
	}
	return col
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
