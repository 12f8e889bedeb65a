// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package memstore provides an in-memory collab.BlobStore test double, the
// same role the teacher's MemDisk plays for the tractserver's Disk
// interface: a fully functional implementation with no on-disk footprint,
// so storage-manager and disk-manager tests don't need a real filesystem.
package memstore

import (
	"sync"

	"github.com/coldstorage/storagenode/internal/core"
)

// Store is an in-memory collab.BlobStore.
type Store struct {
	lock sync.Mutex

	started  bool
	disabled bool
	usedSize int64

	current  core.ReplicaState
	previous core.ReplicaState

	recoverFromDecommission bool
	hasPriorState           bool

	// StartErr, if set, is returned by Start instead of succeeding. Used by
	// tests to exercise the addBlobStore-fails path.
	StartErr error
}

// New returns a new, stopped, enabled Store with zero used bytes and no
// persisted previous state.
func New() *Store {
	return &Store{current: core.Offline, previous: core.Offline}
}

// SetHasPersistedPreviousState marks this store as if it had already
// persisted lifecycle state in an earlier process lifetime, for tests
// exercising the PreviousStateOnFirstBoot="unknown" configuration.
func (s *Store) SetHasPersistedPreviousState(v bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.hasPriorState = v
}

// HasPersistedPreviousState reports whether this store has ever persisted
// lifecycle state before this boot.
func (s *Store) HasPersistedPreviousState() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.hasPriorState
}

// SetUsedSize sets the store's reported size, for tests that need to
// exercise the "treat as empty" (usedBytes <= HeaderSize) comparison.
func (s *Store) SetUsedSize(n int64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.usedSize = n
}

// SetDisabled marks the store disabled or enabled, for tests exercising
// STANDBY→INACTIVE on a disabled store.
func (s *Store) SetDisabled(d bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.disabled = d
}

// Start starts the store.
func (s *Store) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	s.started = true
	return nil
}

// Shutdown stops the store.
func (s *Store) Shutdown() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.started = false
	return nil
}

// SizeInBytes returns the store's reported used size.
func (s *Store) SizeInBytes() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.usedSize
}

// CurrentState returns the store's current lifecycle state.
func (s *Store) CurrentState() core.ReplicaState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.current
}

// SetCurrentState sets the store's current lifecycle state, pushing the old
// current state into previous.
func (s *Store) SetCurrentState(st core.ReplicaState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.previous = s.current
	s.current = st
}

// PreviousState returns the store's previous lifecycle state.
func (s *Store) PreviousState() core.ReplicaState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.previous
}

// IsStarted reports whether Start has succeeded and Shutdown has not since
// been called.
func (s *Store) IsStarted() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.started
}

// IsDisabled reports whether the store is administratively disabled.
func (s *Store) IsDisabled() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.disabled
}

// RecoverFromDecommission reports whether the recover-from-decommission
// flag is set.
func (s *Store) RecoverFromDecommission() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.recoverFromDecommission
}

// SetRecoverFromDecommission sets or clears the recover-from-decommission
// flag.
func (s *Store) SetRecoverFromDecommission(v bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.recoverFromDecommission = v
}
