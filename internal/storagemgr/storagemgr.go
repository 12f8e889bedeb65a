// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package storagemgr implements the node-wide storage control plane: the
// StorageManager that owns every disk manager and replica on this node,
// and the partition state listener that translates cluster coordinator
// callbacks into disk manager actions. It is grounded on the teacher's
// internal/tractserver.Store (one Store owning many per-disk Managers,
// routing tract operations to the right one) generalized from tract
// routing to partition/replica routing.
package storagemgr

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/coldstorage/storagenode/internal/collab"
	"github.com/coldstorage/storagenode/internal/core"
	"github.com/coldstorage/storagenode/internal/diskmgr"
)

// DiskRawBytes resolves the raw capacity of a disk mount. Production
// callers back this with a statfs syscall; tests supply a fixed map.
type DiskRawBytes func(core.DiskID) (int64, error)

// StorageManager owns every disk manager and replica on this node. It is a
// process-wide singleton.
type StorageManager struct {
	cfg Config

	clusterMap   collab.ClusterMap
	participants []collab.ClusterParticipant
	newStore     diskmgr.NewStoreFunc
	rawBytesOf   DiskRawBytes
	clock        func() time.Time

	lock                     sync.RWMutex
	partitionToDiskManager   map[core.PartitionName]*diskmgr.Manager
	diskToDiskManager        map[core.DiskID]*diskmgr.Manager
	partitionNameToReplicaID map[core.PartitionName]core.ReplicaInfo
	stoppedReplicas          map[core.PartitionName]bool

	listeners []*partitionStateListener

	startTime time.Time
}

// New constructs a StorageManager, grouping this node's replicas (as
// reported by clusterMap) by disk and creating one disk manager per
// non-empty disk. The first participant in 'participants' is primary; all
// others are secondary. Fails with an initialization error if cfg is
// invalid.
func New(cfg Config, clusterMap collab.ClusterMap, participants []collab.ClusterParticipant, newStore diskmgr.NewStoreFunc, rawBytesOf DiskRawBytes, clock func() time.Time) (*StorageManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInitializationError.Error(), err)
	}
	if clock == nil {
		clock = time.Now
	}

	replicas, err := clusterMap.GetReplicaIds(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: querying cluster map: %v", core.ErrInitializationError.Error(), err)
	}

	sm := &StorageManager{
		cfg:                      cfg,
		clusterMap:               clusterMap,
		participants:             participants,
		newStore:                 newStore,
		rawBytesOf:               rawBytesOf,
		clock:                    clock,
		partitionToDiskManager:   make(map[core.PartitionName]*diskmgr.Manager),
		diskToDiskManager:        make(map[core.DiskID]*diskmgr.Manager),
		partitionNameToReplicaID: make(map[core.PartitionName]core.ReplicaInfo),
		stoppedReplicas:          make(map[core.PartitionName]bool),
	}

	byDisk := make(map[core.DiskID][]core.ReplicaInfo)
	for _, ri := range replicas {
		byDisk[ri.Disk] = append(byDisk[ri.Disk], ri)
		sm.partitionNameToReplicaID[ri.Name] = ri
	}

	for disk, ris := range byDisk {
		dm, err := sm.newDiskManager(disk)
		if err != nil {
			return nil, fmt.Errorf("%w: creating disk manager for %s: %v", core.ErrInitializationError.Error(), disk, err)
		}
		sm.diskToDiskManager[disk] = dm
		for _, ri := range ris {
			sm.partitionToDiskManager[ri.Name] = dm
		}
	}

	for i, p := range participants {
		l := &partitionStateListener{sm: sm, participant: p, isPrimary: i == 0}
		sm.listeners = append(sm.listeners, l)
	}

	return sm, nil
}

func (sm *StorageManager) newDiskManager(disk core.DiskID) (*diskmgr.Manager, error) {
	raw := int64(0)
	if sm.rawBytesOf != nil {
		var err error
		raw, err = sm.rawBytesOf(disk)
		if err != nil {
			return nil, err
		}
	}
	return diskmgr.NewManager(disk, raw, sm.cfg.Disk, sm.newStore)
}

// Start spawns one goroutine per disk manager to call its Start, joins all
// of them unconditionally, then subscribes every listener to its
// participant's callbacks, then reconciles the administratively-stopped
// replica set, then seeds every participant with the initial set of local
// partition names. Unexpected directories stay recorded on each disk
// manager and are read from there by purgeUnexpectedDir. Start is
// idempotent only across disks, not across calls: calling Start twice is
// undefined.
func (sm *StorageManager) Start() error {
	sm.startTime = sm.clock()

	sm.lock.RLock()
	disksByName := make(map[core.DiskID]*diskmgr.Manager, len(sm.diskToDiskManager))
	for d, dm := range sm.diskToDiskManager {
		disksByName[d] = dm
	}
	byDisk := make(map[core.DiskID][]core.ReplicaInfo)
	for _, ri := range sm.partitionNameToReplicaID {
		byDisk[ri.Disk] = append(byDisk[ri.Disk], ri)
	}
	sm.lock.RUnlock()

	var wg sync.WaitGroup
	for disk, dm := range disksByName {
		disk, dm := disk, dm
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dm.Start(byDisk[disk]); err != nil {
				log.Errorf("storagemgr: disk manager for %s failed to start: %v", disk, err)
			}
		}()
	}
	wg.Wait()

	// Only subscribe to transition callbacks once every disk manager has
	// finished opening its stores, per spec.md §4.1's Start ordering: a
	// coordinator must never be able to deliver a transition before
	// GetStore/GetReplica lookups reflect a fully-started disk.
	for _, l := range sm.listeners {
		l.participant.RegisterTransitionListener(l)
	}

	if err := sm.reconcileStopped(); err != nil {
		log.Errorf("storagemgr: reconciling stopped replicas: %v", err)
	}

	names := sm.GetLocalPartitions()
	for _, p := range sm.participants {
		p.SetInitialLocalPartitions(names)
	}

	return nil
}

// Shutdown calls Shutdown on every disk manager from its own goroutine and
// joins all of them. An individual disk manager's failure is logged and
// never aborts the others.
func (sm *StorageManager) Shutdown() {
	sm.lock.RLock()
	dms := make([]*diskmgr.Manager, 0, len(sm.diskToDiskManager))
	for _, dm := range sm.diskToDiskManager {
		dms = append(dms, dm)
	}
	sm.lock.RUnlock()

	var wg sync.WaitGroup
	for _, dm := range dms {
		dm := dm
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dm.Shutdown(); err != nil {
				log.Errorf("storagemgr: disk manager %s failed to shut down: %v", dm.Name(), err)
			}
		}()
	}
	wg.Wait()
}

// GetStore returns the store for 'name' if a disk manager owns the
// partition and (the store is started, or skipStateCheck is set).
func (sm *StorageManager) GetStore(name core.PartitionName, skipStateCheck bool) (collab.BlobStore, bool) {
	sm.lock.RLock()
	dm, ok := sm.partitionToDiskManager[name]
	sm.lock.RUnlock()
	if !ok {
		return nil, false
	}
	return dm.GetStore(name, skipStateCheck)
}

// GetReplica looks up a replica descriptor by partition name.
func (sm *StorageManager) GetReplica(name core.PartitionName) (core.ReplicaInfo, bool) {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	ri, ok := sm.partitionNameToReplicaID[name]
	return ri, ok
}

// GetLocalPartitions returns a read-only snapshot of the partition names
// this node currently hosts.
func (sm *StorageManager) GetLocalPartitions() []core.PartitionName {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	out := make([]core.PartitionName, 0, len(sm.partitionNameToReplicaID))
	for name := range sm.partitionNameToReplicaID {
		out = append(out, name)
	}
	return out
}

// localPartitionStatus is the outcome of checkLocalPartitionStatus.
type localPartitionStatus int

const (
	// StatusOK means a started store exists for the partition.
	StatusOK localPartitionStatus = iota
	// StatusDiskUnavailable means the replica's disk is not available.
	StatusDiskUnavailable
	// StatusReplicaUnavailable means the replica is known but has no
	// usable store.
	StatusReplicaUnavailable
	// StatusPartitionUnknown means there is no local replica for the
	// partition.
	StatusPartitionUnknown
)

// CheckLocalPartitionStatus reports whether this node can currently serve
// 'partition', checking failure modes in order: store exists and started
// -> OK; else disk unavailable -> StatusDiskUnavailable; else
// StatusReplicaUnavailable; else, if there is no local replica at all,
// StatusPartitionUnknown.
func (sm *StorageManager) CheckLocalPartitionStatus(name core.PartitionName) localPartitionStatus {
	sm.lock.RLock()
	ri, known := sm.partitionNameToReplicaID[name]
	dm, owned := sm.partitionToDiskManager[name]
	sm.lock.RUnlock()

	if owned {
		if _, ok := dm.GetStore(name, false); ok {
			return StatusOK
		}
		if !sm.diskAvailable(ri.Disk) {
			return StatusDiskUnavailable
		}
		return StatusReplicaUnavailable
	}
	if known {
		return StatusReplicaUnavailable
	}
	return StatusPartitionUnknown
}

// diskAvailable reports whether a disk's manager exists and not all of its
// stores are down.
func (sm *StorageManager) diskAvailable(disk core.DiskID) bool {
	sm.lock.RLock()
	dm, ok := sm.diskToDiskManager[disk]
	sm.lock.RUnlock()
	return ok && !dm.AreAllStoresDown()
}

// ScheduleNextForCompaction delegates to the owning disk manager; returns
// false if none owns the partition.
func (sm *StorageManager) ScheduleNextForCompaction(name core.PartitionName) bool {
	dm, ok := sm.diskManagerFor(name)
	if !ok {
		return false
	}
	return dm.ScheduleNextForCompaction(name)
}

// ControlCompactionForBlobStore delegates to the owning disk manager;
// returns false if none owns the partition.
func (sm *StorageManager) ControlCompactionForBlobStore(name core.PartitionName, enabled bool) bool {
	dm, ok := sm.diskManagerFor(name)
	if !ok {
		return false
	}
	return dm.ControlCompactionForBlobStore(name, enabled)
}

// StartBlobStore delegates to the owning disk manager.
func (sm *StorageManager) StartBlobStore(name core.PartitionName) error {
	dm, ok := sm.diskManagerFor(name)
	if !ok {
		return core.ErrReplicaNotFound.Error()
	}
	return dm.StartBlobStore(name)
}

// ShutdownBlobStore delegates to the owning disk manager.
func (sm *StorageManager) ShutdownBlobStore(name core.PartitionName) error {
	dm, ok := sm.diskManagerFor(name)
	if !ok {
		return core.ErrReplicaNotFound.Error()
	}
	return dm.ShutdownBlobStore(name)
}

// replicaDir returns the on-disk directory for a known local replica.
func (sm *StorageManager) replicaDir(name core.PartitionName) (string, bool) {
	dm, ok := sm.diskManagerFor(name)
	if !ok {
		return "", false
	}
	return dm.ReplicaDir(name)
}

func (sm *StorageManager) diskManagerFor(name core.PartitionName) (*diskmgr.Manager, bool) {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	dm, ok := sm.partitionToDiskManager[name]
	return dm, ok
}

// AddBlobStore adds a new replica to this node. It rejects (returns false,
// nil) if the partition is already mapped. It atomically looks up or
// creates the disk manager for ri.Disk, starting a newly-created one
// immediately; on disk manager start failure the new manager is discarded
// and AddBlobStore returns false. It then asks the disk manager to add the
// store; only on that success are the maps written, so readers never
// observe a store this manager claims to own but the disk manager does
// not.
func (sm *StorageManager) AddBlobStore(ri core.ReplicaInfo) (bool, error) {
	sm.lock.Lock()
	if _, exists := sm.partitionNameToReplicaID[ri.Name]; exists {
		sm.lock.Unlock()
		return false, nil
	}
	dm, existed := sm.diskToDiskManager[ri.Disk]
	sm.lock.Unlock()

	createdNew := false
	if !existed {
		var err error
		dm, err = sm.newDiskManager(ri.Disk)
		if err != nil {
			return false, err
		}
		if err := dm.Start(nil); err != nil {
			return false, err
		}
		createdNew = true
	}

	if err := dm.AddBlobStore(ri); err != nil {
		if createdNew {
			dm.Shutdown()
		}
		return false, err
	}

	sm.lock.Lock()
	if createdNew {
		sm.diskToDiskManager[ri.Disk] = dm
	}
	sm.partitionToDiskManager[ri.Name] = dm
	sm.partitionNameToReplicaID[ri.Name] = ri
	sm.lock.Unlock()

	return true, nil
}

// RemoveBlobStore delegates to the owning disk manager, then prunes both
// maps. The removal from partitionToDiskManager happens strictly before
// the prune from partitionNameToReplicaID, per the publish-after-success
// discipline.
func (sm *StorageManager) RemoveBlobStore(name core.PartitionName) error {
	dm, ok := sm.diskManagerFor(name)
	if !ok {
		return core.ErrReplicaNotFound.Error()
	}
	if err := dm.RemoveBlobStore(name); err != nil {
		return err
	}

	sm.lock.Lock()
	delete(sm.partitionToDiskManager, name)
	delete(sm.partitionNameToReplicaID, name)
	delete(sm.stoppedReplicas, name)
	sm.lock.Unlock()
	return nil
}

// SetBlobStoreStoppedState groups 'names' by owning disk manager,
// delegates the persistence to each, updates the in-memory stoppedReplicas
// set, and returns the union of names that could not be updated.
func (sm *StorageManager) SetBlobStoreStoppedState(names []core.PartitionName, stop bool) []core.PartitionName {
	var failed []core.PartitionName
	byDisk := make(map[*diskmgr.Manager][]core.PartitionName)
	for _, n := range names {
		if dm, ok := sm.diskManagerFor(n); ok {
			byDisk[dm] = append(byDisk[dm], n)
		} else {
			failed = append(failed, n)
		}
	}

	var succeeded []core.PartitionName
	for dm, ns := range byDisk {
		bad := dm.SetBlobStoreStoppedState(ns, stop)
		badSet := make(map[core.PartitionName]bool, len(bad))
		for _, n := range bad {
			badSet[n] = true
		}
		failed = append(failed, bad...)
		for _, n := range ns {
			if !badSet[n] {
				succeeded = append(succeeded, n)
			}
		}
	}

	sm.lock.Lock()
	for _, n := range succeeded {
		if stop {
			sm.stoppedReplicas[n] = true
		} else {
			delete(sm.stoppedReplicas, n)
		}
	}
	sm.lock.Unlock()

	for _, p := range sm.participants {
		if delegate := p.ReplicaStatusDelegate(); delegate != nil {
			if err := delegate.SetReplicaStoppedState(succeeded, stop); err != nil {
				log.Errorf("storagemgr: persisting stop state via participant delegate: %v", err)
			}
		}
	}

	return failed
}

// DiskHealthReport is a snapshot of one disk's available/raw bytes, whether
// all of its stores are down, and its compaction stats, for proactive
// replica relocation. This supplements the distilled control-plane contract with
// the original system's disk-level health reporting.
type DiskHealthReport struct {
	Disk            core.DiskID
	AvailBytes      int64
	RawBytes        int64
	AllStoresDown   bool
	CompactionStats string
}

// SetConfig applies dynamically-tunable fields of cfg (currently the disk
// compaction-worker count) to every already-running disk manager, without
// restarting the node, grounded on the teacher's Store.SetConfig /
// Manager.SetConfig. Fields outside the disk config (HardDeleteEnabled,
// retention, flush interval) take effect for future operations but do not
// retroactively alter replicas already in flight.
func (sm *StorageManager) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	sm.lock.Lock()
	sm.cfg = cfg
	dms := make([]*diskmgr.Manager, 0, len(sm.diskToDiskManager))
	for _, dm := range sm.diskToDiskManager {
		dms = append(dms, dm)
	}
	sm.lock.Unlock()

	for _, dm := range dms {
		if err := dm.SetConfig(cfg.Disk); err != nil {
			return err
		}
	}
	return nil
}

// DiskHealthReport returns a health snapshot for every disk this node
// owns.
func (sm *StorageManager) DiskHealthReport() []DiskHealthReport {
	sm.lock.RLock()
	dms := make(map[core.DiskID]*diskmgr.Manager, len(sm.diskToDiskManager))
	for d, dm := range sm.diskToDiskManager {
		dms[d] = dm
	}
	sm.lock.RUnlock()

	out := make([]DiskHealthReport, 0, len(dms))
	for d, dm := range dms {
		out = append(out, DiskHealthReport{
			Disk:            d,
			AvailBytes:      dm.AvailBytes(),
			RawBytes:        dm.RawBytes(),
			AllStoresDown:   dm.AreAllStoresDown(),
			CompactionStats: dm.CompactionStats(),
		})
	}
	return out
}

// reconcileStopped reads the stopped-replica set persisted by every disk
// manager and by every participant's replica status delegate, unions them,
// and makes sure no stopped replica's store is left started. This
// supplements the distilled control-plane contract with the original
// system's startup-time stop-state reconciliation (loadControlFlags,
// generalized from per-disk flags to per-replica stop state).
func (sm *StorageManager) reconcileStopped() error {
	union := make(map[core.PartitionName]bool)

	sm.lock.RLock()
	dms := make([]*diskmgr.Manager, 0, len(sm.diskToDiskManager))
	for _, dm := range sm.diskToDiskManager {
		dms = append(dms, dm)
	}
	sm.lock.RUnlock()

	for _, dm := range dms {
		stopped, err := dm.LoadStoppedReplicas()
		if err != nil {
			log.Errorf("storagemgr: loading stopped replicas from disk manager %s: %v", dm.Name(), err)
			continue
		}
		for n := range stopped {
			union[n] = true
		}
	}

	for _, p := range sm.participants {
		delegate := p.ReplicaStatusDelegate()
		if delegate == nil {
			continue
		}
		stopped, err := delegate.GetStoppedReplicas()
		if err != nil {
			log.Errorf("storagemgr: loading stopped replicas from participant delegate: %v", err)
			continue
		}
		for n := range stopped {
			union[n] = true
		}
	}

	sm.lock.Lock()
	for n := range union {
		sm.stoppedReplicas[n] = true
	}
	sm.lock.Unlock()

	for n := range union {
		if dm, ok := sm.diskManagerFor(n); ok {
			if err := dm.ShutdownBlobStore(n); err != nil {
				log.V(1).Infof("storagemgr: %s already stopped: %v", n, err)
			}
		}
	}
	return nil
}

// purgeUnexpectedDir deletes the residual directory matching 'name' across
// every disk manager's recorded unexpectedDirs, if any. Used by the
// OFFLINE->DROPPED step 0 branch for a partition the coordinator already
// forgot.
func (sm *StorageManager) purgeUnexpectedDir(name core.PartitionName) error {
	sm.lock.RLock()
	dms := make([]*diskmgr.Manager, 0, len(sm.diskToDiskManager))
	for _, dm := range sm.diskToDiskManager {
		dms = append(dms, dm)
	}
	sm.lock.RUnlock()

	target := string(name)
	for _, dm := range dms {
		for _, dir := range dm.GetUnexpectedDirs() {
			if filepath.Base(dir) == target {
				return os.RemoveAll(dir)
			}
		}
	}
	return nil
}

// restoreAllocation restores the disk's available-bytes bookkeeping for a
// replica that was allocated by the cluster map but never successfully
// hosted, per the round-trip invariant in §8.
func (sm *StorageManager) restoreAllocation(ri core.ReplicaInfo) {
	if err := sm.clusterMap.RestoreReplicaBytes(ri); err != nil {
		log.Errorf("storagemgr: restoring allocation for %s: %v", ri.Name, err)
	}
}
