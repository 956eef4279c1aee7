// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"errors"
	"fmt"

	"github.com/luxfi/cache"
	"github.com/luxfi/cache/lru"
	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/dsm/types"
)

const stateCacheSize = 512

var (
	statePrefix      = []byte("state")
	checkpointPrefix = []byte("checkpoint")
	invalidPrefix    = []byte("invalid")

	ErrBrokenChain = errors.New("persisted chain is broken")
)

// StateStore persists states by content hash and reconstructs chains by
// walking prev-hash pointers. It additionally keeps checkpoint and
// invalidation-marker records under separate keyspaces of the same
// database.
type StateStore struct {
	log log.Logger

	blobs        BlobStore
	checkpointDB database.Database
	invalidDB    database.Database

	// parsed-state cache keyed by content hash; entries are immutable
	stateCache cache.Cacher[[types.HashLen]byte, *types.State]
}

// NewStateStore partitions db into state, checkpoint, and invalidation
// keyspaces.
func NewStateStore(logger log.Logger, db database.Database) *StateStore {
	return &StateStore{
		log:          logger,
		blobs:        NewDatabaseBlobStore(stateKeyspace(db)),
		checkpointDB: prefixdb.New(checkpointPrefix, db),
		invalidDB:    prefixdb.New(invalidPrefix, db),
		stateCache:   lru.NewCache[[types.HashLen]byte, *types.State](stateCacheSize),
	}
}

// stateKeyspace returns the prefixed keyspace holding state blobs.
func stateKeyspace(db database.Database) database.Database {
	return prefixdb.New(statePrefix, db)
}

// PutState persists the canonical encoding of s under its hash.
func (s *StateStore) PutState(state *types.State) error {
	blob, err := state.Bytes()
	if err != nil {
		return err
	}
	if err := s.blobs.Put(state.Hash, blob); err != nil {
		return fmt.Errorf("failed to persist state %d: %w", state.Index, err)
	}
	s.stateCache.Put(state.Hash, state)
	return nil
}

// GetState loads and parses the state stored under hash. Parsing rechecks
// the content hash, so a corrupted blob surfaces as an error rather than a
// bad state.
func (s *StateStore) GetState(hash [types.HashLen]byte) (*types.State, error) {
	if state, ok := s.stateCache.Get(hash); ok {
		return state, nil
	}

	blob, err := s.blobs.Get(hash)
	if err != nil {
		return nil, err
	}
	state, err := types.ParseState(blob)
	if err != nil {
		return nil, err
	}
	if state.Hash != hash {
		return nil, fmt.Errorf("%w: blob stored under %x hashes to %x", types.ErrHashMismatch, hash[:8], state.Hash[:8])
	}
	s.stateCache.Put(hash, state)
	return state, nil
}

// HasState reports whether a state is stored under hash.
func (s *StateStore) HasState(hash [types.HashLen]byte) (bool, error) {
	if _, ok := s.stateCache.Get(hash); ok {
		return true, nil
	}
	return s.blobs.Has(hash)
}

// LoadChain walks prev-hash pointers from head back to genesis and returns
// the chain in index order. Every link is re-verified during the walk.
func (s *StateStore) LoadChain(head [types.HashLen]byte) ([]*types.State, error) {
	state, err := s.GetState(head)
	if err != nil {
		return nil, err
	}

	reversed := []*types.State{state}
	for !state.IsGenesis() {
		if state.Index == 0 {
			return nil, fmt.Errorf("%w: state %x has index 0 but is not genesis", ErrBrokenChain, state.Hash[:8])
		}

		prev, err := s.GetState(state.PrevHash)
		if err != nil {
			return nil, fmt.Errorf("%w: missing predecessor of index %d: %w", ErrBrokenChain, state.Index, err)
		}
		if prev.Index != state.Index-1 {
			return nil, fmt.Errorf("%w: index %d links to index %d", ErrBrokenChain, state.Index, prev.Index)
		}

		reversed = append(reversed, prev)
		state = prev
	}

	chain := make([]*types.State, len(reversed))
	for i, st := range reversed {
		chain[len(reversed)-1-i] = st
	}
	return chain, nil
}

// PutCheckpoint records head as a named checkpoint and persists it as a
// regular state blob. The checkpoint id is the head's content hash.
func (s *StateStore) PutCheckpoint(head *types.State) (ids.ID, error) {
	if err := s.PutState(head); err != nil {
		return ids.Empty, err
	}

	id := ids.ID(head.Hash)
	if err := s.checkpointDB.Put(id[:], head.Hash[:]); err != nil {
		return ids.Empty, fmt.Errorf("failed to record checkpoint: %w", err)
	}
	s.log.Debug("checkpoint recorded", "id", id, "index", head.Index)
	return id, nil
}

// GetCheckpoint resolves a checkpoint id to its state.
func (s *StateStore) GetCheckpoint(id ids.ID) (*types.State, error) {
	hashBytes, err := s.checkpointDB.Get(id[:])
	if err != nil {
		return nil, err
	}
	var hash [types.HashLen]byte
	copy(hash[:], hashBytes)
	return s.GetState(hash)
}

// MarkInvalidated records an invalidation marker for a state.
func (s *StateStore) MarkInvalidated(hash [types.HashLen]byte, reason string) error {
	return s.invalidDB.Put(hash[:], []byte(reason))
}

// IsInvalidated reports whether a state carries an invalidation marker.
func (s *StateStore) IsInvalidated(hash [types.HashLen]byte) (bool, error) {
	return s.invalidDB.Has(hash[:])
}

// InvalidationReason returns the recorded reason, or database.ErrNotFound
// if the state is not invalidated.
func (s *StateStore) InvalidationReason(hash [types.HashLen]byte) (string, error) {
	reason, err := s.invalidDB.Get(hash[:])
	if err != nil {
		return "", err
	}
	return string(reason), nil
}
