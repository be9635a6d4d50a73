// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"bytes"
	"context"

	bolt "go.etcd.io/bbolt"
)

// bucket is the single bbolt bucket every key lives in; ColumnFamily
// prefixes already namespace keys, so one bucket per data directory is
// enough and keeps the on-disk layout simple to reconstruct from peers
// (spec §6: "every delta and every entity is self-describing").
var bucket = []byte("calimero")

// BoltDB is the production KVStore backend, grounded on the typed
// buckets-over-a-durable-store role bbolt plays in the wider pack
// (cuemby-warren's raft-boltdb log store).
type BoltDB struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Close() error { return b.db.Close() }

func (b *BoltDB) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (b *BoltDB) Has(key []byte) (bool, error) {
	_, err := b.Get(key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (b *BoltDB) Put(key, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
}

func (b *BoltDB) Delete(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

func (b *BoltDB) NewBatch() Batch {
	return &boltBatch{db: b}
}

func (b *BoltDB) NewIterator(prefix []byte) Iterator {
	tx, err := b.db.Begin(false)
	if err != nil {
		return &errIterator{err: err}
	}
	c := tx.Bucket(bucket).Cursor()
	return &boltIterator{tx: tx, cursor: c, prefix: prefix, started: false}
}

func (b *BoltDB) Update(_ context.Context, fn func(tx Tx) error) error {
	return b.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

type boltOp struct {
	key    []byte
	value  []byte
	delete bool // true for a Delete op; value is then unused
}

type boltBatch struct {
	db  *BoltDB
	ops []boltOp
}

func (b *boltBatch) Put(key, value []byte) error {
	b.ops = append(b.ops, boltOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	return nil
}

func (b *boltBatch) Delete(key []byte) error {
	b.ops = append(b.ops, boltOp{key: append([]byte(nil), key...), delete: true})
	return nil
}

func (b *boltBatch) Size() int { return len(b.ops) }

func (b *boltBatch) Write() error {
	return b.db.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		for _, op := range b.ops {
			if op.delete {
				if err := bk.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := bk.Put(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltBatch) Reset() { b.ops = nil }

// Replay re-applies the batch's staged writes against w, used to mirror a
// batch meant for one backend onto another (e.g. a mirrored test store).
func (b *boltBatch) Replay(w Writer) error {
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

type boltIterator struct {
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	prefix  []byte
	started bool
	k, v    []byte
}

func (it *boltIterator) Next() bool {
	if !it.started {
		it.started = true
		it.k, it.v = it.cursor.Seek(it.prefix)
	} else {
		it.k, it.v = it.cursor.Next()
	}
	if it.k == nil || !bytes.HasPrefix(it.k, it.prefix) {
		return false
	}
	return true
}

func (it *boltIterator) Key() []byte   { return append([]byte(nil), it.k...) }
func (it *boltIterator) Value() []byte { return append([]byte(nil), it.v...) }
func (it *boltIterator) Error() error  { return nil }
func (it *boltIterator) Release()      { _ = it.tx.Rollback() }

type errIterator struct{ err error }

func (e *errIterator) Next() bool     { return false }
func (e *errIterator) Key() []byte    { return nil }
func (e *errIterator) Value() []byte  { return nil }
func (e *errIterator) Error() error   { return e.err }
func (e *errIterator) Release()       {}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) Get(key []byte) ([]byte, error) {
	v := t.tx.Bucket(bucket).Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *boltTx) Has(key []byte) (bool, error) {
	return t.tx.Bucket(bucket).Get(key) != nil, nil
}

func (t *boltTx) Put(key, value []byte) error {
	return t.tx.Bucket(bucket).Put(key, value)
}

func (t *boltTx) Delete(key []byte) error {
	return t.tx.Bucket(bucket).Delete(key)
}

func (t *boltTx) NewIterator(prefix []byte) Iterator {
	c := t.tx.Bucket(bucket).Cursor()
	return &boltCursorIterator{cursor: c, prefix: prefix}
}

func (t *boltTx) Commit() error   { return nil } // bolt.DB.Update commits on nil return
func (t *boltTx) Rollback() error { return nil }

type boltCursorIterator struct {
	cursor  *bolt.Cursor
	prefix  []byte
	started bool
	k, v    []byte
}

func (it *boltCursorIterator) Next() bool {
	if !it.started {
		it.started = true
		it.k, it.v = it.cursor.Seek(it.prefix)
	} else {
		it.k, it.v = it.cursor.Next()
	}
	return it.k != nil && bytes.HasPrefix(it.k, it.prefix)
}

func (it *boltCursorIterator) Key() []byte   { return append([]byte(nil), it.k...) }
func (it *boltCursorIterator) Value() []byte { return append([]byte(nil), it.v...) }
func (it *boltCursorIterator) Error() error  { return nil }
func (it *boltCursorIterator) Release()      {}
