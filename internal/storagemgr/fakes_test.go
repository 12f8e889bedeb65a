// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package storagemgr

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/coldstorage/storagenode/internal/collab"
	"github.com/coldstorage/storagenode/internal/core"
	"github.com/coldstorage/storagenode/internal/memstore"
)

// storeFactory is a diskmgr.NewStoreFunc that hands out memstore.Store
// instances while still creating the replica directory on disk, since
// marker-file management in statemachine.go shells out to the real
// filesystem regardless of which collab.BlobStore backs a replica.
type storeFactory struct {
	lock     sync.Mutex
	startErr map[core.PartitionName]error
	stores   map[core.PartitionName]*memstore.Store
}

func newStoreFactory() *storeFactory {
	return &storeFactory{
		startErr: make(map[core.PartitionName]error),
		stores:   make(map[core.PartitionName]*memstore.Store),
	}
}

func (f *storeFactory) failNextStart(name core.PartitionName, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.startErr[name] = err
}

func (f *storeFactory) get(name core.PartitionName) *memstore.Store {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.stores[name]
}

func (f *storeFactory) newStore(dir string) collab.BlobStore {
	os.MkdirAll(dir, 0755)
	name := core.PartitionName(filepath.Base(dir))

	s := memstore.New()
	f.lock.Lock()
	if err, ok := f.startErr[name]; ok {
		s.StartErr = err
	}
	f.stores[name] = s
	f.lock.Unlock()
	return s
}

// fakeClusterMap is a test double for collab.ClusterMap.
type fakeClusterMap struct {
	lock sync.Mutex

	replicas          []core.ReplicaInfo
	bootstrapReplicas map[core.PartitionName]core.ReplicaInfo
	fullAuto          bool

	restoredBytes map[core.PartitionName]int64
	restoreErr    error
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		bootstrapReplicas: make(map[core.PartitionName]core.ReplicaInfo),
		restoredBytes:     make(map[core.PartitionName]int64),
	}
}

func (c *fakeClusterMap) GetReplicaIds(node string) ([]core.ReplicaInfo, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]core.ReplicaInfo, len(c.replicas))
	copy(out, c.replicas)
	return out, nil
}

func (c *fakeClusterMap) GetBootstrapReplica(name core.PartitionName, node string) (core.ReplicaInfo, bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	ri, ok := c.bootstrapReplicas[name]
	return ri, ok, nil
}

func (c *fakeClusterMap) RestoreReplicaBytes(ri core.ReplicaInfo) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.restoreErr != nil {
		return c.restoreErr
	}
	c.restoredBytes[ri.Name] += ri.CapacityBytes
	return nil
}

func (c *fakeClusterMap) IsDataNodeInFullAutoMode(node string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.fullAuto
}

// fakeSyncUpManager is a test double for collab.ReplicaSyncUpManager.
type fakeSyncUpManager struct {
	lock  sync.Mutex
	calls []string
}

func (s *fakeSyncUpManager) WaitDeactivationCompleted(name core.PartitionName) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.calls = append(s.calls, "deactivation:"+string(name))
	return nil
}

func (s *fakeSyncUpManager) WaitDisconnectionCompleted(name core.PartitionName) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.calls = append(s.calls, "disconnection:"+string(name))
	return nil
}

// fakeReplicationListener is a test double for collab.ReplicationManagerListener.
type fakeReplicationListener struct {
	lock  sync.Mutex
	calls []string
}

func (r *fakeReplicationListener) OnBecomeInactiveFromStandby(name core.PartitionName) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls = append(r.calls, "inactiveFromStandby:"+string(name))
	return nil
}

func (r *fakeReplicationListener) OnBecomeOfflineFromInactive(name core.PartitionName) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls = append(r.calls, "offlineFromInactive:"+string(name))
	return nil
}

func (r *fakeReplicationListener) OnBecomeDroppedFromOffline(name core.PartitionName) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls = append(r.calls, "droppedFromOffline:"+string(name))
	return nil
}

// fakeStatsListener is a test double for collab.StatsManagerListener.
type fakeStatsListener struct {
	lock  sync.Mutex
	calls []string
}

func (s *fakeStatsListener) OnBecomeDroppedFromOffline(name core.PartitionName) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.calls = append(s.calls, "droppedFromOffline:"+string(name))
	return nil
}

// fakeStatusDelegate is a test double for collab.ReplicaStatusDelegate.
type fakeStatusDelegate struct {
	lock    sync.Mutex
	stopped map[core.PartitionName]bool
}

func newFakeStatusDelegate() *fakeStatusDelegate {
	return &fakeStatusDelegate{stopped: make(map[core.PartitionName]bool)}
}

func (d *fakeStatusDelegate) GetStoppedReplicas() (map[core.PartitionName]bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	out := make(map[core.PartitionName]bool, len(d.stopped))
	for k, v := range d.stopped {
		out[k] = v
	}
	return out, nil
}

func (d *fakeStatusDelegate) SetReplicaStoppedState(names []core.PartitionName, stopped bool) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, n := range names {
		if stopped {
			d.stopped[n] = true
		} else {
			delete(d.stopped, n)
		}
	}
	return nil
}

// fakeParticipant is a test double for collab.ClusterParticipant.
type fakeParticipant struct {
	lock sync.Mutex

	listener collab.TransitionListener
	initial  []core.PartitionName

	updateOK           bool
	updateIllegalState bool
	updateErr          error
	updates            []struct {
		ri  core.ReplicaInfo
		add bool
	}

	syncUp   collab.ReplicaSyncUpManager
	repl     collab.ReplicationManagerListener
	stats    collab.StatsManagerListener
	delegate collab.ReplicaStatusDelegate
}

func newFakeParticipant() *fakeParticipant {
	return &fakeParticipant{updateOK: true, delegate: newFakeStatusDelegate()}
}

func (p *fakeParticipant) RegisterTransitionListener(l collab.TransitionListener) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.listener = l
}

func (p *fakeParticipant) SetInitialLocalPartitions(names []core.PartitionName) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.initial = names
}

func (p *fakeParticipant) UpdateDataNodeInfo(ri core.ReplicaInfo, add bool) (bool, bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.updates = append(p.updates, struct {
		ri  core.ReplicaInfo
		add bool
	}{ri, add})
	return p.updateOK, p.updateIllegalState, p.updateErr
}

func (p *fakeParticipant) ReplicaSyncUpManager() collab.ReplicaSyncUpManager {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.syncUp
}

func (p *fakeParticipant) ReplicationListener() collab.ReplicationManagerListener {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.repl
}

func (p *fakeParticipant) StatsListener() collab.StatsManagerListener {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.stats
}

func (p *fakeParticipant) ReplicaStatusDelegate() collab.ReplicaStatusDelegate {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.delegate
}
