// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"sync"

	"github.com/coldstorage/storagenode/internal/collab"
	"github.com/coldstorage/storagenode/internal/core"
)

// staticClusterMap is a minimal collab.ClusterMap backed by a fixed
// placement table read from this node's own config file. A real deployment
// replaces this with a client of the actual cluster coordinator; that
// integration is outside this repository's scope (see §1 of the design
// notes), so this driver exists only to make the binary runnable against a
// hand-specified placement.
type staticClusterMap struct {
	lock       sync.Mutex
	fullAuto   bool
	node       string
	replicas   []core.ReplicaInfo
	availBytes map[core.DiskID]int64
}

func newStaticClusterMap(node string, fullAuto bool, disks []diskSpec) *staticClusterMap {
	cm := &staticClusterMap{
		node:       node,
		fullAuto:   fullAuto,
		availBytes: make(map[core.DiskID]int64),
	}
	for _, d := range disks {
		for _, r := range d.Replicas {
			cm.replicas = append(cm.replicas, core.ReplicaInfo{
				Partition:     core.PartitionID(r.PartitionID),
				Name:          core.PartitionName(r.Name),
				Disk:          core.DiskID(d.Mount),
				CapacityBytes: r.CapacityBytes,
			})
		}
	}
	return cm
}

func (cm *staticClusterMap) GetReplicaIds(node string) ([]core.ReplicaInfo, error) {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	out := make([]core.ReplicaInfo, len(cm.replicas))
	copy(out, cm.replicas)
	return out, nil
}

// GetBootstrapReplica is consulted only for partitions dynamically added
// after startup; this static driver has no source of such assignments, so
// it always reports no assignment.
func (cm *staticClusterMap) GetBootstrapReplica(name core.PartitionName, node string) (core.ReplicaInfo, bool, error) {
	return core.ReplicaInfo{}, false, nil
}

func (cm *staticClusterMap) RestoreReplicaBytes(ri core.ReplicaInfo) error {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	cm.availBytes[ri.Disk] += ri.CapacityBytes
	return nil
}

func (cm *staticClusterMap) IsDataNodeInFullAutoMode(node string) bool {
	return cm.fullAuto
}

// staticParticipant is a collab.ClusterParticipant with no live coordinator
// behind it: it accepts listener registration so the storage manager can
// construct successfully, but nothing ever calls the listener's
// transition methods without an admin surface driving it, which is itself
// out of scope here.
type staticParticipant struct {
	lock     sync.Mutex
	listener collab.TransitionListener
	delegate collab.ReplicaStatusDelegate
}

func newStaticParticipant(delegate collab.ReplicaStatusDelegate) *staticParticipant {
	return &staticParticipant{delegate: delegate}
}

func (p *staticParticipant) RegisterTransitionListener(l collab.TransitionListener) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.listener = l
}

func (p *staticParticipant) SetInitialLocalPartitions(names []core.PartitionName) {}

func (p *staticParticipant) UpdateDataNodeInfo(ri core.ReplicaInfo, add bool) (bool, bool, error) {
	return true, false, nil
}

func (p *staticParticipant) ReplicaSyncUpManager() collab.ReplicaSyncUpManager { return nil }

func (p *staticParticipant) ReplicationListener() collab.ReplicationManagerListener { return nil }

func (p *staticParticipant) StatsListener() collab.StatsManagerListener { return nil }

func (p *staticParticipant) ReplicaStatusDelegate() collab.ReplicaStatusDelegate { return p.delegate }

// memReplicaStatusDelegate is an in-memory collab.ReplicaStatusDelegate.
// A real deployment persists this node-wide, through the coordinator
// client; here it only survives for the process lifetime.
type memReplicaStatusDelegate struct {
	lock    sync.Mutex
	stopped map[core.PartitionName]bool
}

func newMemReplicaStatusDelegate() *memReplicaStatusDelegate {
	return &memReplicaStatusDelegate{stopped: make(map[core.PartitionName]bool)}
}

func (d *memReplicaStatusDelegate) GetStoppedReplicas() (map[core.PartitionName]bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	out := make(map[core.PartitionName]bool, len(d.stopped))
	for k, v := range d.stopped {
		out[k] = v
	}
	return out, nil
}

func (d *memReplicaStatusDelegate) SetReplicaStoppedState(names []core.PartitionName, stopped bool) error {
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
