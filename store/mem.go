// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemDB is an in-memory KVStore used for tests and the simulation path
// named in spec §9.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (m *MemDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *MemDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return nil
}

func (m *MemDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemDB) Close() error { return nil }

func (m *MemDB) NewBatch() Batch {
	return &memBatch{db: m}
}

func (m *MemDB) NewIterator(prefix []byte) Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	entries := make([][2][]byte, len(keys))
	for i, k := range keys {
		entries[i] = [2][]byte{[]byte(k), m.data[k]}
	}
	return &memIterator{entries: entries, pos: -1}
}

func (m *MemDB) Update(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stage writes so a returned error leaves the store untouched,
	// matching the "either all actions commit ... or none do" rule.
	staged := &memTx{base: m.data, overlay: make(map[string][]byte), deleted: make(map[string]bool)}
	if err := fn(staged); err != nil {
		return err
	}
	for k := range staged.deleted {
		delete(m.data, k)
	}
	for k, v := range staged.overlay {
		m.data[k] = v
	}
	return nil
}

type memOp struct {
	key    []byte
	value  []byte
	delete bool
}

type memBatch struct {
	db  *MemDB
	ops []memOp
}

func (b *memBatch) Put(key, value []byte) error {
	b.ops = append(b.ops, memOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	b.ops = append(b.ops, memOp{key: append([]byte(nil), key...), delete: true})
	return nil
}

func (b *memBatch) Size() int { return len(b.ops) }

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		if op.delete {
			delete(b.db.data, string(op.key))
			continue
		}
		b.db.data[string(op.key)] = op.value
	}
	return nil
}

func (b *memBatch) Reset() { b.ops = nil }

// Replay re-applies the batch's staged writes against w.
func (b *memBatch) Replay(w Writer) error {
	for _, op := range b.ops {
		if op.delete {
			if err := w.Delete(op.key); err != nil {
				return err
			}
			continue
		}
		if err := w.Put(op.key, op.value); err != nil {
			return err
		}
	}
	return nil
}

type memTx struct {
	base    map[string][]byte
	overlay map[string][]byte
	deleted map[string]bool
}

func (t *memTx) Get(key []byte) ([]byte, error) {
	k := string(key)
	if t.deleted[k] {
		return nil, ErrNotFound
	}
	if v, ok := t.overlay[k]; ok {
		return v, nil
	}
	if v, ok := t.base[k]; ok {
		return v, nil
	}
	return nil, ErrNotFound
}

func (t *memTx) Has(key []byte) (bool, error) {
	_, err := t.Get(key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *memTx) Put(key, value []byte) error {
	k := string(key)
	delete(t.deleted, k)
	t.overlay[k] = append([]byte(nil), value...)
	return nil
}

func (t *memTx) Delete(key []byte) error {
	k := string(key)
	delete(t.overlay, k)
	t.deleted[k] = true
	return nil
}

func (t *memTx) NewIterator(prefix []byte) Iterator {
	merged := make(map[string][]byte)
	for k, v := range t.base {
		if bytes.HasPrefix([]byte(k), prefix) {
			merged[k] = v
		}
	}
	for k, v := range t.overlay {
		if bytes.HasPrefix([]byte(k), prefix) {
			merged[k] = v
		}
	}
	for k := range t.deleted {
		delete(merged, k)
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([][2][]byte, len(keys))
	for i, k := range keys {
		entries[i] = [2][]byte{[]byte(k), merged[k]}
	}
	return &memIterator{entries: entries, pos: -1}
}

func (t *memTx) Commit() error   { return nil }
func (t *memTx) Rollback() error { return nil }

type memIterator struct {
	entries [][2][]byte
	pos     int
}

func (it *memIterator) Next() bool {
	it.pos++
	return it.pos < len(it.entries)
}

func (it *memIterator) Key() []byte   { return it.entries[it.pos][0] }
func (it *memIterator) Value() []byte { return it.entries[it.pos][1] }
func (it *memIterator) Error() error  { return nil }
func (it *memIterator) Release()      {}
