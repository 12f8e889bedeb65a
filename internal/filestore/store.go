// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package filestore is the production collab.BlobStore: one blob store per
// replica directory. It is grounded on the teacher's tractserver Disk/Store
// pair, but collapsed to one store per directory instead of one disk-wide
// tract table, since the on-disk blob format itself is out of scope here —
// this package only owns the lifecycle bookkeeping a real blob store would
// also carry (current/previous state, disabled flag, recover-from-
// decommission flag) and persists it the way the teacher's MetadataStore
// persists a tractserver's identity: gob-encoded, in a reserved file inside
// the directory it describes.
package filestore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/golang/glog"

	"github.com/coldstorage/storagenode/internal/core"
)

// wrapIO reports a raw OS-level failure (mkdir, read, write, rename) as
// core.ErrIO, per spec.md §7's local error kinds.
func wrapIO(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", core.ErrIO.Error(), err)
}

// wrapStoreError reports a failure in this store's own bookkeeping (a
// corrupt or unencodable state file) as core.ErrStoreError, distinct from
// a raw OS-level failure.
func wrapStoreError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", core.ErrStoreError.Error(), err)
}

// StateFileName is the reserved file under a replica directory that holds
// this store's persisted lifecycle state.
const StateFileName = ".store_state"

type persistedState struct {
	Current                 core.ReplicaState
	Previous                core.ReplicaState
	Disabled                bool
	RecoverFromDecommission bool
}

// Store is a directory-backed collab.BlobStore.
type Store struct {
	lock sync.Mutex

	dir           string
	started       bool
	state         persistedState
	hasPriorState bool
}

// New returns a Store rooted at dir. The directory is not created or read
// until Start is called.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory this store is rooted at.
func (s *Store) Dir() string {
	return s.dir
}

// Start creates the replica directory if absent, loads any previously
// persisted state, and marks the store started.
func (s *Store) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		log.Errorf("filestore: mkdir %s: %v", s.dir, err)
		return wrapIO(err)
	}
	if err := s.load(); err != nil {
		log.Errorf("filestore: load state for %s: %v", s.dir, err)
		return err
	}
	s.started = true
	return nil
}

// Shutdown persists the current state and marks the store stopped.
func (s *Store) Shutdown() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.started = false
	return s.save()
}

// SizeInBytes walks the replica directory and sums file sizes, excluding
// the reserved state file and marker files.
func (s *Store) SizeInBytes() int64 {
	s.lock.Lock()
	dir := s.dir
	s.lock.Unlock()

	var total int64
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if base == StateFileName || base == core.MarkerBootstrapInProgress || base == core.MarkerDecommissionInProgress {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}

// CurrentState returns the store's current lifecycle state.
func (s *Store) CurrentState() core.ReplicaState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state.Current
}

// SetCurrentState sets the store's current lifecycle state, pushing the old
// current state into previous, and persists the change.
func (s *Store) SetCurrentState(st core.ReplicaState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state.Previous = s.state.Current
	s.state.Current = st
	if err := s.save(); err != nil {
		log.Errorf("filestore: persist state for %s: %v", s.dir, err)
	}
}

// PreviousState returns the store's previous lifecycle state.
func (s *Store) PreviousState() core.ReplicaState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state.Previous
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
	return s.state.Disabled
}

// SetDisabled sets the administratively-disabled flag and persists it.
func (s *Store) SetDisabled(d bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state.Disabled = d
	return s.save()
}

// RecoverFromDecommission reports whether the recover-from-decommission
// flag is set.
func (s *Store) RecoverFromDecommission() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state.RecoverFromDecommission
}

// SetRecoverFromDecommission sets or clears the recover-from-decommission
// flag and persists it.
func (s *Store) SetRecoverFromDecommission(v bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state.RecoverFromDecommission = v
	if err := s.save(); err != nil {
		log.Errorf("filestore: persist state for %s: %v", s.dir, err)
	}
}

// load reads the persisted state file if present. A missing file is not an
// error: it means this is a brand-new replica, and previous state stays at
// its zero value (core.Offline), with hasPriorState left false.
// Call with lock held.
func (s *Store) load() error {
	path := filepath.Join(s.dir, StateFileName)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return wrapIO(err)
	}
	var st persistedState
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&st); err != nil {
		return wrapStoreError(fmt.Errorf("decode state for %s: %w", s.dir, err))
	}
	s.state = st
	s.hasPriorState = true
	return nil
}

// HasPersistedPreviousState reports whether this store has ever persisted
// lifecycle state before this boot, distinguishing a genuinely unknown
// previous state from one that happens to equal core.Offline's zero
// value. Consulted only when PreviousStateOnFirstBoot is "unknown".
func (s *Store) HasPersistedPreviousState() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.hasPriorState
}

// save writes the persisted state file.
// Call with lock held.
func (s *Store) save() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		return wrapStoreError(err)
	}
	path := filepath.Join(s.dir, StateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return wrapIO(err)
	}
	return wrapIO(os.Rename(tmp, path))
}
