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

package keylock

import (
	"hash/crc32"
	"sort"
	"sync"
)

const keyLocksNum = 1024

// Locks is a fixed arena of mutexes selected by key hash. Distinct keys may
// share a slot, so callers must never hold one key while waiting on another
// unless they go through LockAll.
type Locks struct {
	locks [keyLocksNum]sync.Mutex
}

func New() *Locks {
	return &Locks{}
}

func (l *Locks) Lock(key string) func() {
	m := &l.locks[slot(key)]
	m.Lock()
	return m.Unlock
}

// LockAll acquires the slots of every key in slot order and returns the
// release function.
func (l *Locks) LockAll(keys ...string) func() {
	slots := make([]int, 0, len(keys))
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		s := slot(k)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		slots = append(slots, s)
	}
	sort.Ints(slots)
	for _, s := range slots {
		l.locks[s].Lock()
	}
	return func() {
		for i := len(slots) - 1; i >= 0; i-- {
			l.locks[slots[i]].Unlock()
		}
	}
}

func slot(key string) int {
	return int(crc32.ChecksumIEEE([]byte(key)) % keyLocksNum)
}
