// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package collab defines the contracts for everything the storage node's
// control plane consults but does not itself implement: the cluster
// coordinator's view of placement, the per-node participant that delivers
// state-change callbacks, the blocking sync-up barriers used during
// decommission, and the blob store each replica wraps. Production
// implementations live in internal/filestore and the node's main package
// (cmd/storagenode); test doubles live in internal/memstore and alongside the
// packages that consume these interfaces.
package collab

import (
	"github.com/coldstorage/storagenode/internal/core"
)

// ClusterMap is the coordinator's authoritative view of replica placement.
type ClusterMap interface {
	// GetReplicaIds returns the replicas the coordinator has assigned to
	// this node.
	GetReplicaIds(node string) ([]core.ReplicaInfo, error)

	// GetBootstrapReplica returns the replica descriptor the coordinator
	// wants this node to bootstrap for partition 'name', allocating space
	// on a disk as a side effect. Returns ok=false if the coordinator has
	// no such assignment (e.g. it raced with a config change).
	GetBootstrapReplica(name core.PartitionName, node string) (ri core.ReplicaInfo, ok bool, err error)

	// RestoreReplicaBytes undoes the space allocation GetBootstrapReplica
	// performed, for the case where the node fails to actually host the
	// replica. Allocation bookkeeping must round-trip exactly.
	RestoreReplicaBytes(ri core.ReplicaInfo) error

	// IsDataNodeInFullAutoMode reports whether the coordinator may move
	// replicas across nodes without driving this node through the full
	// local lifecycle.
	IsDataNodeInFullAutoMode(node string) bool
}

// TransitionListener is the callback surface implemented by this core and
// registered with a ClusterParticipant. Every method corresponds to one
// "<from>→<to>" transition; partition state changes this core does not
// care about are simply never routed here by the participant.
type TransitionListener interface {
	OnBecomeBootstrapFromOffline(name core.PartitionName) error
	OnBecomeInactiveFromStandby(name core.PartitionName) error
	OnBecomeOfflineFromInactive(name core.PartitionName) error
	OnBecomeDroppedFromOffline(name core.PartitionName) error
}

// ClusterParticipant is this node's client of the cluster coordinator.
// Exactly one participant in a node's ordered list is primary; its
// listener instance is the only one allowed to mutate blob store state.
type ClusterParticipant interface {
	// RegisterTransitionListener registers the listener that will receive
	// this participant's partition state-change callbacks.
	RegisterTransitionListener(l TransitionListener)

	// SetInitialLocalPartitions seeds the participant with the partition
	// names this node already hosts, before it starts delivering
	// callbacks.
	SetInitialLocalPartitions(names []core.PartitionName)

	// UpdateDataNodeInfo adds or removes a replica from this node's
	// published data-node info. illegalState is set if the coordinator
	// rejected the update because it considers this node's info stale.
	UpdateDataNodeInfo(ri core.ReplicaInfo, add bool) (ok bool, illegalState bool, err error)

	// ReplicaSyncUpManager returns the blocking-barrier collaborator used
	// during decommission. Only the primary participant has one.
	ReplicaSyncUpManager() ReplicaSyncUpManager

	// ReplicationListener and StatsListener return the collaborators the
	// decommission sequence must call out to, found via this
	// participant's own listener registry.
	ReplicationListener() ReplicationManagerListener
	StatsListener() StatsManagerListener

	// ReplicaStatusDelegate returns this participant's hook for persisting
	// and reading back the administratively-stopped replica set.
	ReplicaStatusDelegate() ReplicaStatusDelegate
}

// ReplicaSyncUpManager provides the blocking barriers the decommission
// sequence waits on. These are the only intentionally-unbounded waits in
// the core.
type ReplicaSyncUpManager interface {
	// WaitDeactivationCompleted blocks until peer replicas have
	// acknowledged this replica's deactivation, or returns an error if the
	// wait was aborted (e.g. by shutdown).
	WaitDeactivationCompleted(name core.PartitionName) error

	// WaitDisconnectionCompleted blocks until this replica has been fully
	// disconnected from the replication topology, or returns an error if
	// aborted.
	WaitDisconnectionCompleted(name core.PartitionName) error
}

// ReplicationManagerListener receives the same-named transitions the
// storage manager does not drive itself; invoked explicitly during the
// decommission sequence.
type ReplicationManagerListener interface {
	OnBecomeInactiveFromStandby(name core.PartitionName) error
	OnBecomeOfflineFromInactive(name core.PartitionName) error
	OnBecomeDroppedFromOffline(name core.PartitionName) error
}

// StatsManagerListener is the best-effort stats callback invoked during
// decommission; its errors are not swallowed: an error it returns is
// passed back unchanged and fails the transition.
type StatsManagerListener interface {
	OnBecomeDroppedFromOffline(name core.PartitionName) error
}

// ReplicaStatusDelegate persists and reads back the set of
// administratively-stopped replicas. One exists per participant; the core
// calls every delegate on a stop-state change and unions their reported
// sets on startup.
type ReplicaStatusDelegate interface {
	GetStoppedReplicas() (map[core.PartitionName]bool, error)
	SetReplicaStoppedState(names []core.PartitionName, stopped bool) error
}

// BlobStore is the data-plane object attached to one replica. Its
// byte-level format is out of scope for this core; only the lifecycle
// surface below is.
type BlobStore interface {
	Start() error
	Shutdown() error

	SizeInBytes() int64

	CurrentState() core.ReplicaState
	SetCurrentState(core.ReplicaState)
	PreviousState() core.ReplicaState

	// HasPersistedPreviousState reports whether PreviousState reflects a
	// value actually persisted in an earlier process lifetime, as opposed
	// to its zero value. Consulted only under
	// storagemgr.Config.PreviousStateOnFirstBoot == "unknown".
	HasPersistedPreviousState() bool

	IsStarted() bool
	IsDisabled() bool

	RecoverFromDecommission() bool
	SetRecoverFromDecommission(bool)
}
