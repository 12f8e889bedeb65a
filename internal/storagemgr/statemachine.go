// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package storagemgr

import (
	log "github.com/golang/glog"

	"github.com/coldstorage/storagenode/internal/collab"
	"github.com/coldstorage/storagenode/internal/core"
)

// partitionStateListener is the collab.TransitionListener registered with
// one cluster participant. It is instantiated once per participant; only
// the instance with isPrimary set may mutate a store's current state,
// per the single-writer invariant in §5 of the design notes.
type partitionStateListener struct {
	sm          *StorageManager
	participant collab.ClusterParticipant
	isPrimary   bool
}

var _ collab.TransitionListener = (*partitionStateListener)(nil)

// OnBecomeBootstrapFromOffline implements §4.3.1.
func (l *partitionStateListener) OnBecomeBootstrapFromOffline(name core.PartitionName) (err error) {
	log.V(1).Infof("storagemgr: %s: entering OFFLINE->BOOTSTRAP", name)
	defer func() {
		recordTransition("offline_to_bootstrap", err)
		log.V(1).Infof("storagemgr: %s: exiting OFFLINE->BOOTSTRAP, err=%v", name, err)
	}()

	if _, known := l.sm.GetReplica(name); !known {
		err = l.bootstrapUnknownPartition(name)
	} else {
		err = l.bootstrapKnownPartition(name)
	}
	if err != nil {
		return err
	}

	if l.isPrimary {
		store, ok := l.sm.GetStore(name, true)
		if !ok {
			return core.ErrStoreNotStarted.Error()
		}
		if cur := store.CurrentState(); cur != core.Leader && cur != core.Standby {
			store.SetCurrentState(core.Bootstrap)
		}
	}
	return nil
}

func (l *partitionStateListener) bootstrapUnknownPartition(name core.PartitionName) error {
	ri, ok, err := l.sm.clusterMap.GetBootstrapReplica(name, l.sm.cfg.NodeID)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrReplicaNotFound.Error()
	}

	added, err := l.sm.AddBlobStore(ri)
	if err != nil || !added {
		l.sm.restoreAllocation(ri)
		if err == nil {
			err = core.ErrReplicaOperationFailure.Error()
		}
		return wrapReplicaOperationFailure(err)
	}

	if l.hasPrimary() {
		okUpdate, illegalState, err := l.sm.participants[0].UpdateDataNodeInfo(ri, true)
		if err != nil || !okUpdate || illegalState {
			if err == nil {
				err = core.ErrHelixUpdateFailure.Error()
			}
			return wrapKind(core.ErrHelixUpdateFailure, err)
		}
	}

	if _, ok := l.sm.GetStore(name, true); !ok {
		return core.ErrStoreNotStarted.Error()
	}
	return nil
}

func (l *partitionStateListener) bootstrapKnownPartition(name core.PartitionName) error {
	store, ok := l.sm.GetStore(name, true)
	if !ok {
		return core.ErrStoreNotStarted.Error()
	}

	dir, _ := l.sm.replicaDir(name)
	if dir != "" && decommissionMarkerExists(dir) {
		if err := removeDecommissionMarker(dir); err != nil {
			return wrapReplicaOperationFailure(err)
		}
		store.SetRecoverFromDecommission(false)
	}

	if store.SizeInBytes() <= core.HeaderSize {
		if dir == "" {
			return core.ErrStoreNotStarted.Error()
		}
		if err := createBootstrapMarker(dir); err != nil {
			return wrapReplicaOperationFailure(err)
		}
	}
	return nil
}

// OnBecomeInactiveFromStandby implements §4.3.2.
func (l *partitionStateListener) OnBecomeInactiveFromStandby(name core.PartitionName) (err error) {
	log.V(1).Infof("storagemgr: %s: entering STANDBY->INACTIVE", name)
	defer func() {
		recordTransition("standby_to_inactive", err)
		log.V(1).Infof("storagemgr: %s: exiting STANDBY->INACTIVE, err=%v", name, err)
	}()
	return l.standbyToInactive(name)
}

// standbyToInactive is factored out from OnBecomeInactiveFromStandby so the
// resume-decommission branch of OFFLINE->DROPPED can re-run the same steps
// without double-counting the metric.
func (l *partitionStateListener) standbyToInactive(name core.PartitionName) error {
	if _, ok := l.sm.GetReplica(name); !ok {
		return core.ErrReplicaNotFound.Error()
	}

	store, ok := l.sm.GetStore(name, true)
	if !ok {
		return core.ErrReplicaNotFound.Error()
	}
	if store.IsDisabled() {
		return core.ErrReplicaOperationFailure.Error()
	}
	if !store.IsStarted() {
		return core.ErrStoreNotStarted.Error()
	}

	dir, _ := l.sm.replicaDir(name)
	if dir != "" {
		if err := createDecommissionMarker(dir); err != nil {
			return wrapReplicaOperationFailure(err)
		}
	}

	if l.isPrimary {
		store.SetCurrentState(core.Inactive)
	}

	if !l.sm.ControlCompactionForBlobStore(name, false) {
		return core.ErrReplicaNotFound.Error()
	}
	return nil
}

// OnBecomeOfflineFromInactive implements §4.3.3: a deliberate no-op, left
// to the Replication Manager Listener.
func (l *partitionStateListener) OnBecomeOfflineFromInactive(name core.PartitionName) error {
	log.V(1).Infof("storagemgr: %s: INACTIVE->OFFLINE is a no-op here", name)
	return nil
}

// OnBecomeDroppedFromOffline implements §4.3.4, the decommission sequence.
func (l *partitionStateListener) OnBecomeDroppedFromOffline(name core.PartitionName) (err error) {
	log.V(1).Infof("storagemgr: %s: entering OFFLINE->DROPPED", name)
	defer func() {
		recordTransition("offline_to_dropped", err)
		log.V(1).Infof("storagemgr: %s: exiting OFFLINE->DROPPED, err=%v", name, err)
	}()

	if _, ok := l.sm.GetReplica(name); !ok {
		if purgeErr := l.sm.purgeUnexpectedDir(name); purgeErr != nil {
			return wrapReplicaOperationFailure(purgeErr)
		}
		return nil
	}

	store, ok := l.sm.GetStore(name, true)
	if !ok {
		return core.ErrReplicaNotFound.Error()
	}

	if l.shouldResumeDecommission(name, store) {
		if err := l.resumeDecommission(name); err != nil {
			resumeDecommissionErrors.WithLabelValues().Inc()
			return wrapReplicaOperationFailure(err)
		}
	}

	if err := store.Shutdown(); err != nil {
		return wrapReplicaOperationFailure(err)
	}

	if l.hasPrimary() {
		ri, _ := l.sm.GetReplica(name)
		if okUpdate, illegalState, err := l.sm.participants[0].UpdateDataNodeInfo(ri, false); err != nil || !okUpdate || illegalState {
			if err == nil {
				err = core.ErrHelixUpdateFailure.Error()
			}
			return wrapKind(core.ErrHelixUpdateFailure, err)
		}
	}

	if stats := l.participant.StatsListener(); stats != nil {
		if err := stats.OnBecomeDroppedFromOffline(name); err != nil {
			return err
		}
	}
	if repl := l.participant.ReplicationListener(); repl != nil {
		if err := repl.OnBecomeDroppedFromOffline(name); err != nil {
			return err
		}
	}

	if err := l.sm.RemoveBlobStore(name); err != nil {
		return wrapReplicaOperationFailure(err)
	}

	return nil
}

// shouldResumeDecommission implements the branch condition from §4.3.4
// step 2, consulting the PreviousStateOnFirstBoot configuration switch
// when the store has no durable previous state recorded (the open
// question from the design notes).
func (l *partitionStateListener) shouldResumeDecommission(name core.PartitionName, store collab.BlobStore) bool {
	if store.RecoverFromDecommission() {
		return true
	}
	if !l.sm.clusterMap.IsDataNodeInFullAutoMode(l.sm.cfg.NodeID) {
		return false
	}

	if l.sm.cfg.PreviousStateOnFirstBoot == "unknown" && !store.HasPersistedPreviousState() {
		return false
	}
	return store.PreviousState() == core.Offline
}

// resumeDecommission re-runs the STANDBY->INACTIVE sequence, drives the
// Replication Manager Listener through its own INACTIVE/OFFLINE
// transitions, and blocks on the replica sync-up manager's barriers, per
// §4.3.4 step 2.
func (l *partitionStateListener) resumeDecommission(name core.PartitionName) error {
	if err := l.standbyToInactive(name); err != nil {
		return err
	}

	repl := l.participant.ReplicationListener()
	if repl != nil {
		if err := repl.OnBecomeInactiveFromStandby(name); err != nil {
			return err
		}
	}

	syncUp := l.participant.ReplicaSyncUpManager()
	if syncUp != nil {
		if err := syncUp.WaitDeactivationCompleted(name); err != nil {
			return err
		}
	}

	if repl != nil {
		if err := repl.OnBecomeOfflineFromInactive(name); err != nil {
			return err
		}
	}

	if syncUp != nil {
		if err := syncUp.WaitDisconnectionCompleted(name); err != nil {
			return err
		}
	}

	return l.OnBecomeOfflineFromInactive(name)
}

func (l *partitionStateListener) hasPrimary() bool {
	return len(l.sm.participants) > 0
}

func wrapReplicaOperationFailure(err error) error {
	if err == nil {
		return nil
	}
	return wrapKind(core.ErrReplicaOperationFailure, err)
}

func wrapKind(kind core.Error, err error) error {
	log.Errorf("storagemgr: %s: %v", kind, err)
	return kind.Error()
}
