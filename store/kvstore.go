// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store defines the durable key-value capability set that the
// storage and DAG layers are built on (spec §9 "Polymorphic storage
// backends"), plus the typed column-family wrapper used for persistence
// and keying (spec §6 "Durable key-value store").
//
// Grounded on the teacher's crypto/database package: the same
// Reader/Writer/Batch/Database interface split, generalized with an
// Iterator and a Transaction so callers can express the atomic
// apply_actions commit from spec §4.2 without the storage layer knowing
// whether it's backed by bbolt or an in-memory map.
package store

import "context"

// Reader reads from a database.
type Reader interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
}

// Writer writes to a database.
type Writer interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Batch accumulates writes for atomic commit.
type Batch interface {
	Writer
	Size() int
	Write() error
	Reset()
	Replay(w Writer) error
}

// Iterator walks keys in a prefix, in byte order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// Tx is an atomic, all-or-nothing transaction: apply_actions (spec §4.2)
// and snapshot application both commit through one of these.
type Tx interface {
	Reader
	Writer
	NewIterator(prefix []byte) Iterator
	Commit() error
	Rollback() error
}

// KVStore is the full capability set a storage backend must offer.
type KVStore interface {
	Reader
	Writer
	NewBatch() Batch
	NewIterator(prefix []byte) Iterator
	// Update runs fn inside a transaction, committing on a nil return and
	// rolling back otherwise — the "either all actions commit ... or none
	// do" atomicity spec §4.2 requires.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// ColumnFamily namespaces a KVStore by prefixing every key, giving each of
// the spec §6 families (Deltas, AppliedSet, PendingBuffer, Heads, Entities,
// EntityMeta, ContextMeta, ApplicationBlob) its own keyspace over one
// shared KVStore without the backend needing native CF support.
type ColumnFamily struct {
	db     KVStore
	prefix []byte
}

func NewColumnFamily(db KVStore, name string) ColumnFamily {
	return ColumnFamily{db: db, prefix: append([]byte(name), ':')}
}

func (c ColumnFamily) key(k []byte) []byte {
	out := make([]byte, 0, len(c.prefix)+len(k))
	out = append(out, c.prefix...)
	out = append(out, k...)
	return out
}

func (c ColumnFamily) Get(key []byte) ([]byte, error) { return c.db.Get(c.key(key)) }
func (c ColumnFamily) Has(key []byte) (bool, error)   { return c.db.Has(c.key(key)) }
func (c ColumnFamily) Put(key, value []byte) error    { return c.db.Put(c.key(key), value) }
func (c ColumnFamily) Delete(key []byte) error        { return c.db.Delete(c.key(key)) }

func (c ColumnFamily) NewIterator() Iterator {
	return c.db.NewIterator(c.prefix)
}

// Families are the column families named in spec §6.
const (
	FamilyDeltas          = "deltas"
	FamilyAppliedSet      = "applied"
	FamilyPendingBuffer   = "pending"
	FamilyHeads           = "heads"
	FamilyEntities        = "entities"
	FamilyEntityMeta      = "entity_meta"
	FamilyContextMeta     = "context_meta"
	FamilyApplicationBlob = "app_blob"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: key not found" }
