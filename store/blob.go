// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store persists canonical state encodings in a content-addressed
// blob store and maintains the checkpoint and invalidation records a
// storage node serves to recovering peers.
package store

import (
	"github.com/luxfi/database"

	"github.com/luxfi/dsm/types"
)

// BlobStore is the content-addressed persistence surface the core relies
// on. Keys are always the BLAKE3 hash of the canonical encoding of the
// stored state; no other indexing is required.
type BlobStore interface {
	Put(hash [types.HashLen]byte, blob []byte) error
	Get(hash [types.HashLen]byte) ([]byte, error)
	Has(hash [types.HashLen]byte) (bool, error)
}

var _ BlobStore = (*dbBlobStore)(nil)

// dbBlobStore adapts a database.Database to the BlobStore surface.
type dbBlobStore struct {
	db database.Database
}

// NewDatabaseBlobStore wraps db as a BlobStore.
func NewDatabaseBlobStore(db database.Database) BlobStore {
	return &dbBlobStore{db: db}
}

func (s *dbBlobStore) Put(hash [types.HashLen]byte, blob []byte) error {
	return s.db.Put(hash[:], blob)
}

func (s *dbBlobStore) Get(hash [types.HashLen]byte) ([]byte, error) {
	return s.db.Get(hash[:])
}

func (s *dbBlobStore) Has(hash [types.HashLen]byte) (bool, error) {
	return s.db.Has(hash[:])
}
