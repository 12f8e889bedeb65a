// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package diskmgr

import (
	"encoding/json"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"

	"github.com/coldstorage/storagenode/internal/core"
)

var (
	identityBucket = []byte("identity")
	stoppedBucket  = []byte("stopped")

	identityKey = []byte("disk")
)

// diskIdentity is the durable record of which disk a metadata store
// belongs to, used to detect a metadata file that was copied or moved onto
// the wrong mount.
type diskIdentity struct {
	Disk core.DiskID `json:"disk"`
}

// metadataStore persists disk identity and the administratively-stopped
// replica set for one disk manager, in a bolt database rooted at the
// disk's mount path. This is the durable counterpart to the teacher's
// gob-encoded MetadataStore, grounded on the same bolt RWTxn/RTxn bucket
// pattern used for raftkv's key-value store.
type metadataStore struct {
	db *bolt.DB
}

// openMetadataStore opens (creating if necessary) the bolt database at
// path and verifies or stamps the disk identity record.
func openMetadataStore(path string, disk core.DiskID) (*metadataStore, error) {
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		return nil, err
	}
	ms := &metadataStore{db: db}
	if err := ms.init(disk); err != nil {
		db.Close()
		return nil, err
	}
	return ms, nil
}

func (ms *metadataStore) init(disk core.DiskID) error {
	return ms.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(identityBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(stoppedBucket); err != nil {
			return err
		}
		raw := b.Get(identityKey)
		if raw == nil {
			blob, err := json.Marshal(diskIdentity{Disk: disk})
			if err != nil {
				return err
			}
			return b.Put(identityKey, blob)
		}
		var id diskIdentity
		if err := json.Unmarshal(raw, &id); err != nil {
			log.Errorf("diskmgr: corrupt identity record at %s, overwriting", disk)
			blob, err := json.Marshal(diskIdentity{Disk: disk})
			if err != nil {
				return err
			}
			return b.Put(identityKey, blob)
		}
		if id.Disk != disk {
			log.Errorf("diskmgr: metadata at mount %s claims identity %s", disk, id.Disk)
		}
		return nil
	})
}

// close closes the underlying bolt database.
func (ms *metadataStore) close() error {
	return ms.db.Close()
}

// loadStopped returns every partition name recorded as stopped.
func (ms *metadataStore) loadStopped() (map[core.PartitionName]bool, error) {
	out := make(map[core.PartitionName]bool)
	err := ms.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(stoppedBucket)
		return b.ForEach(func(k, v []byte) error {
			out[core.PartitionName(k)] = true
			return nil
		})
	})
	return out, err
}

// setStopped persists the stopped flag for a batch of partitions.
func (ms *metadataStore) setStopped(names []core.PartitionName, stopped bool) error {
	return ms.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(stoppedBucket)
		for _, n := range names {
			if stopped {
				if err := b.Put([]byte(n), []byte{1}); err != nil {
					return err
				}
			} else if err := b.Delete([]byte(n)); err != nil {
				return err
			}
		}
		return nil
	})
}
