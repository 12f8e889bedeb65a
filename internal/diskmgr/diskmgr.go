// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package diskmgr implements the per-disk control plane: it owns every
// blob store resident on one physical disk, a compaction executor for
// them, and disk-level health, grounded on the teacher's
// internal/tractserver.Manager (one instance per disk, scheduling and
// executing work against it) generalized from tract-level I/O scheduling
// to store-level lifecycle management, since the on-disk blob format
// itself is out of scope here.
package diskmgr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/golang/glog"

	"github.com/coldstorage/storagenode/internal/collab"
	"github.com/coldstorage/storagenode/internal/core"
)

var (
	errReservedDirEmpty    = errors.New("diskmgr: reserved file directory name must be non-empty")
	errNoCompactionWorkers = errors.New("diskmgr: compaction workers must be positive")
)

// wrapIO reports a raw OS-level failure (mkdir, readdir, remove) as
// core.ErrIO, per spec.md §7's local error kinds.
func wrapIO(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", core.ErrIO.Error(), err)
}

// wrapStoreError reports a blob store's own Start/Shutdown failure as
// core.ErrStoreError, distinct from a raw OS-level failure.
func wrapStoreError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", core.ErrStoreError.Error(), err)
}

// NewStoreFunc constructs a collab.BlobStore rooted at dir. Production
// callers pass filestore.New; tests pass a factory that wraps
// memstore.New.
type NewStoreFunc func(dir string) collab.BlobStore

type storeEntry struct {
	store         collab.BlobStore
	dir           string
	capacityBytes int64
}

// Manager owns the set of blob stores on one disk.
type Manager struct {
	disk core.DiskID
	cfg  Config

	name     string
	newStore NewStoreFunc

	lock   sync.Mutex
	stores map[core.PartitionName]*storeEntry

	rawBytes   int64
	availBytes int64

	unexpectedDirs []string

	meta       *metadataStore
	compaction *compactionExecutor
}

// NewManager creates a Manager for the disk mounted at 'disk', with raw
// capacity 'rawBytes'. It opens (creating if absent) the durable metadata
// store under the disk's reserved directory.
func NewManager(disk core.DiskID, rawBytes int64, cfg Config, newStore NewStoreFunc) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reservedDir := filepath.Join(string(disk), cfg.ReservedFileDirName)
	if err := os.MkdirAll(reservedDir, 0755); err != nil {
		return nil, wrapIO(err)
	}
	meta, err := openMetadataStore(filepath.Join(reservedDir, "diskmgr.db"), disk)
	if err != nil {
		return nil, wrapStoreError(err)
	}

	m := &Manager{
		disk:       disk,
		cfg:        cfg,
		name:       shortName(string(disk)),
		newStore:   newStore,
		stores:     make(map[core.PartitionName]*storeEntry),
		rawBytes:   rawBytes,
		availBytes: rawBytes,
		meta:       meta,
	}
	m.compaction = newCompactionExecutor(m.name, cfg.CompactionWorkers, nil)
	return m, nil
}

// shortName turns "/mnt/disk3" into "disk3", for metrics, the same way the
// teacher's tractserver shortens a root path.
func shortName(root string) string {
	return filepath.Base(filepath.Clean(root))
}

// Start opens or recovers every store named in 'known' (replicas the
// storage manager already knows belong to this disk), in parallel. An
// individual store failing to start does not fail the whole disk manager;
// it is logged and counted. After every store has been attempted, Start
// scans the mount for directories that are neither a known replica nor the
// reserved directory and records them as unexpectedDirs.
func (m *Manager) Start(known []core.ReplicaInfo) error {
	var wg sync.WaitGroup
	for _, ri := range known {
		ri := ri
		dir := m.replicaDir(ri.Name)
		store := m.newStore(dir)

		m.lock.Lock()
		m.stores[ri.Name] = &storeEntry{store: store, dir: dir, capacityBytes: ri.CapacityBytes}
		m.lock.Unlock()
		m.AdjustAvailBytes(-ri.CapacityBytes)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Start(); err != nil {
				log.Errorf("diskmgr[%s]: store %s failed to start: %v", m.name, ri.Name, err)
				diskStartFailures.WithLabelValues(m.name).Inc()
			}
		}()
	}
	wg.Wait()

	dirs, err := m.scanUnexpectedDirs(known)
	if err != nil {
		log.Errorf("diskmgr[%s]: scanning mount for unexpected directories: %v", m.name, err)
	}
	m.lock.Lock()
	m.unexpectedDirs = dirs
	m.lock.Unlock()

	diskRawBytes.WithLabelValues(m.name).Set(float64(m.rawBytes))
	diskAvailBytes.WithLabelValues(m.name).Set(float64(m.availBytes))
	diskReplicaCount.WithLabelValues(m.name).Set(float64(len(known)))
	return nil
}

func (m *Manager) scanUnexpectedDirs(known []core.ReplicaInfo) ([]string, error) {
	knownSet := make(map[string]bool, len(known))
	for _, ri := range known {
		knownSet[string(ri.Name)] = true
	}

	entries, err := os.ReadDir(string(m.disk))
	if err != nil {
		return nil, wrapIO(err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == m.cfg.ReservedFileDirName || knownSet[e.Name()] {
			continue
		}
		out = append(out, filepath.Join(string(m.disk), e.Name()))
	}
	return out, nil
}

// Shutdown closes every store on this disk and cancels compaction. It
// never fails on an individual store's error; those are logged.
func (m *Manager) Shutdown() error {
	m.lock.Lock()
	entries := make([]*storeEntry, 0, len(m.stores))
	for _, e := range m.stores {
		entries = append(entries, e)
	}
	m.lock.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.store.Shutdown(); err != nil {
				log.Errorf("diskmgr[%s]: store shutdown failed: %v", m.name, err)
			}
		}()
	}
	wg.Wait()

	m.compaction.stop()
	return m.meta.close()
}

// GetStore returns the store for 'name' if this disk manager owns it and
// (it is started, or skipStateCheck is set).
func (m *Manager) GetStore(name core.PartitionName, skipStateCheck bool) (collab.BlobStore, bool) {
	m.lock.Lock()
	e, ok := m.stores[name]
	m.lock.Unlock()
	if !ok {
		return nil, false
	}
	if !skipStateCheck && !e.store.IsStarted() {
		return nil, false
	}
	return e.store, true
}

// replicaDir returns the on-disk directory for a replica directly under
// this disk's mount, named after the partition.
func (m *Manager) replicaDir(name core.PartitionName) string {
	return filepath.Join(string(m.disk), string(name))
}

// ReplicaDir returns the on-disk directory for a known replica, for
// callers that need to manage marker files alongside the store. Returns
// false if this disk manager does not own the partition.
func (m *Manager) ReplicaDir(name core.PartitionName) (string, bool) {
	e, ok := m.entry(name)
	if !ok {
		return "", false
	}
	return e.dir, true
}

// AddBlobStore creates the on-disk directory for 'ri' if absent, then
// constructs and starts its store.
func (m *Manager) AddBlobStore(ri core.ReplicaInfo) error {
	dir := m.replicaDir(ri.Name)
	store := m.newStore(dir)
	if err := store.Start(); err != nil {
		return wrapStoreError(err)
	}

	m.lock.Lock()
	m.stores[ri.Name] = &storeEntry{store: store, dir: dir, capacityBytes: ri.CapacityBytes}
	m.lock.Unlock()
	m.AdjustAvailBytes(-ri.CapacityBytes)
	return nil
}

// RemoveBlobStore shuts the store down if started, then deletes its
// directory tree. Fails if the store is unknown to this disk manager.
func (m *Manager) RemoveBlobStore(name core.PartitionName) error {
	m.lock.Lock()
	e, ok := m.stores[name]
	if ok {
		delete(m.stores, name)
	}
	m.lock.Unlock()
	if !ok {
		return core.ErrReplicaNotFound.Error()
	}

	if e.store.IsStarted() {
		if err := e.store.Shutdown(); err != nil {
			return wrapStoreError(err)
		}
	}
	m.compaction.forget(name)
	m.AdjustAvailBytes(e.capacityBytes)
	if err := os.RemoveAll(e.dir); err != nil {
		return wrapIO(err)
	}
	return nil
}

// StartBlobStore starts the named store.
func (m *Manager) StartBlobStore(name core.PartitionName) error {
	e, ok := m.entry(name)
	if !ok {
		return core.ErrReplicaNotFound.Error()
	}
	return wrapStoreError(e.store.Start())
}

// ShutdownBlobStore shuts down the named store.
func (m *Manager) ShutdownBlobStore(name core.PartitionName) error {
	e, ok := m.entry(name)
	if !ok {
		return core.ErrReplicaNotFound.Error()
	}
	return wrapStoreError(e.store.Shutdown())
}

func (m *Manager) entry(name core.PartitionName) (*storeEntry, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	e, ok := m.stores[name]
	return e, ok
}

// SetBlobStoreStoppedState persists the administratively-stopped flag for
// 'names' and returns the subset that could not be updated.
func (m *Manager) SetBlobStoreStoppedState(names []core.PartitionName, stop bool) []core.PartitionName {
	if err := m.meta.setStopped(names, stop); err != nil {
		log.Errorf("diskmgr[%s]: persisting stopped state: %v", m.name, err)
		return names
	}
	return nil
}

// LoadStoppedReplicas returns the administratively-stopped set persisted
// on this disk.
func (m *Manager) LoadStoppedReplicas() (map[core.PartitionName]bool, error) {
	return m.meta.loadStopped()
}

// ScheduleNextForCompaction enqueues a compaction job for 'name'. Returns
// false if this disk manager does not own the partition.
func (m *Manager) ScheduleNextForCompaction(name core.PartitionName) bool {
	if _, ok := m.entry(name); !ok {
		return false
	}
	return m.compaction.schedule(name)
}

// ControlCompactionForBlobStore enables or disables compaction for
// 'name'. Returns false if this disk manager does not own the partition.
func (m *Manager) ControlCompactionForBlobStore(name core.PartitionName, enabled bool) bool {
	if _, ok := m.entry(name); !ok {
		return false
	}
	m.compaction.setEnabled(name, enabled)
	return true
}

// AreAllStoresDown reports whether every store on this disk is stopped.
func (m *Manager) AreAllStoresDown() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, e := range m.stores {
		if e.store.IsStarted() {
			return false
		}
	}
	return true
}

// IsCompactionExecutorRunning reports whether the compaction executor has
// not been stopped.
func (m *Manager) IsCompactionExecutorRunning() bool {
	return m.compaction.running()
}

// GetUnexpectedDirs returns absolute paths under this disk's mount that
// are not owned by any known replica, as discovered at Start.
func (m *Manager) GetUnexpectedDirs() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	out := make([]string, len(m.unexpectedDirs))
	copy(out, m.unexpectedDirs)
	return out
}

// RawBytes returns this disk's raw capacity.
func (m *Manager) RawBytes() int64 {
	return m.rawBytes
}

// AvailBytes returns this disk's currently available capacity.
func (m *Manager) AvailBytes() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.availBytes
}

// AdjustAvailBytes applies a capacity delta (negative on allocation,
// positive on restore). Available bytes never exceed raw bytes and never
// go negative.
func (m *Manager) AdjustAvailBytes(delta int64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.availBytes += delta
	if m.availBytes > m.rawBytes {
		m.availBytes = m.rawBytes
	}
	if m.availBytes < 0 {
		m.availBytes = 0
	}
	diskAvailBytes.WithLabelValues(m.name).Set(float64(m.availBytes))
}

// Name returns the disk's short name, used in logs and metrics.
func (m *Manager) Name() string {
	return m.name
}

// SetConfig applies dynamically-tunable fields from a new Config to this
// already-running Manager without a restart, grounded on the teacher's
// Store.SetConfig/Manager.SetConfig. Only CompactionWorkers can grow in
// place; the reserved directory name is fixed at construction.
func (m *Manager) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.lock.Lock()
	m.cfg.CompactionWorkers = cfg.CompactionWorkers
	m.lock.Unlock()
	m.compaction.growWorkers(cfg.CompactionWorkers)
	return nil
}

// CompactionStats returns a human-readable summary of this disk's
// compaction job latencies and counts, grounded on the teacher's
// OpMetric.String used for status pages.
func (m *Manager) CompactionStats() string {
	return compactionMetric.String(m.name)
}
