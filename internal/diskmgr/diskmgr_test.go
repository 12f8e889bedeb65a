// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package diskmgr

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/coldstorage/storagenode/internal/collab"
	"github.com/coldstorage/storagenode/internal/core"
	"github.com/coldstorage/storagenode/internal/filestore"
	"github.com/coldstorage/storagenode/internal/memstore"
	test "github.com/coldstorage/storagenode/pkg/testutil"
)

func filestoreFactory(dir string) collab.BlobStore {
	return filestore.New(dir)
}

func newTestDisk(t *testing.T) core.DiskID {
	dir, err := ioutil.TempDir(test.TempDir(), "diskmgr_test")
	if err != nil {
		t.Fatal(err)
	}
	return core.DiskID(dir)
}

func newTestDiskManager(t *testing.T) *Manager {
	disk := newTestDisk(t)
	m, err := NewManager(disk, 1<<30, DefaultTestConfig, filestoreFactory)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerAddStartStopRemove(t *testing.T) {
	m := newTestDiskManager(t)
	if err := m.Start(nil); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	ri := core.ReplicaInfo{Partition: 1, Name: "p1", Disk: m.disk, CapacityBytes: 1024}
	if err := m.AddBlobStore(ri); err != nil {
		t.Fatal(err)
	}

	store, ok := m.GetStore("p1", false)
	if !ok || !store.IsStarted() {
		t.Fatal("expected a started store for p1")
	}

	if _, err := os.Stat(m.replicaDir("p1")); err != nil {
		t.Fatalf("expected replica directory to exist: %v", err)
	}

	if err := m.ShutdownBlobStore("p1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.GetStore("p1", false); ok {
		t.Fatal("expected GetStore to hide a stopped store when skipStateCheck is false")
	}
	if _, ok := m.GetStore("p1", true); !ok {
		t.Fatal("expected GetStore to still find a stopped store when skipStateCheck is true")
	}

	if err := m.StartBlobStore("p1"); err != nil {
		t.Fatal(err)
	}

	if err := m.RemoveBlobStore("p1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.GetStore("p1", true); ok {
		t.Fatal("expected GetStore to find nothing after RemoveBlobStore")
	}
	if _, err := os.Stat(m.replicaDir("p1")); !os.IsNotExist(err) {
		t.Fatal("expected replica directory to be deleted")
	}
}

func TestManagerAddRemoveBlobStoreAdjustsAvailBytes(t *testing.T) {
	m := newTestDiskManager(t)
	if err := m.Start(nil); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	before := m.AvailBytes()
	ri := core.ReplicaInfo{Partition: 1, Name: "p1", Disk: m.disk, CapacityBytes: 1024}
	if err := m.AddBlobStore(ri); err != nil {
		t.Fatal(err)
	}
	if got, want := m.AvailBytes(), before-ri.CapacityBytes; got != want {
		t.Fatalf("AvailBytes after AddBlobStore = %d, want %d", got, want)
	}

	if err := m.RemoveBlobStore("p1"); err != nil {
		t.Fatal(err)
	}
	if got := m.AvailBytes(); got != before {
		t.Fatalf("AvailBytes after RemoveBlobStore = %d, want %d", got, before)
	}
}

func TestManagerStartAdjustsAvailBytesForKnownReplicas(t *testing.T) {
	disk := newTestDisk(t)
	m, err := NewManager(disk, 1<<30, DefaultTestConfig, filestoreFactory)
	if err != nil {
		t.Fatal(err)
	}

	known := []core.ReplicaInfo{
		{Partition: 1, Name: "p1", Disk: disk, CapacityBytes: 1024},
		{Partition: 2, Name: "p2", Disk: disk, CapacityBytes: 2048},
	}
	if err := m.Start(known); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	if got, want := m.AvailBytes(), m.RawBytes()-1024-2048; got != want {
		t.Fatalf("AvailBytes after Start = %d, want %d", got, want)
	}
}

func TestManagerAddBlobStoreWrapsStartFailure(t *testing.T) {
	disk := newTestDisk(t)
	failingStore := memstore.New()
	failingStore.StartErr = os.ErrPermission
	m, err := NewManager(disk, 1<<30, DefaultTestConfig, func(string) collab.BlobStore { return failingStore })
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(nil); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	ri := core.ReplicaInfo{Partition: 1, Name: "p1", Disk: disk, CapacityBytes: 1024}
	if err := m.AddBlobStore(ri); !errors.Is(err, core.ErrStoreError.Error()) {
		t.Fatalf("expected AddBlobStore to wrap the failure as core.ErrStoreError, got %v", err)
	}
}

func TestManagerRemoveUnknownPartitionFails(t *testing.T) {
	m := newTestDiskManager(t)
	if err := m.RemoveBlobStore("nonexistent"); err == nil {
		t.Fatal("expected an error removing an unowned partition")
	}
}

func TestManagerScanUnexpectedDirs(t *testing.T) {
	disk := newTestDisk(t)
	if err := os.MkdirAll(filepath.Join(string(disk), "stray"), 0755); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(disk, 1<<30, DefaultTestConfig, filestoreFactory)
	if err != nil {
		t.Fatal(err)
	}

	known := []core.ReplicaInfo{{Partition: 1, Name: "p1", Disk: disk, CapacityBytes: 1024}}
	if err := m.Start(known); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	dirs := m.GetUnexpectedDirs()
	if len(dirs) != 1 || filepath.Base(dirs[0]) != "stray" {
		t.Fatalf("expected exactly the stray directory to be unexpected, got %v", dirs)
	}
}

func TestManagerAreAllStoresDown(t *testing.T) {
	m := newTestDiskManager(t)
	known := []core.ReplicaInfo{
		{Partition: 1, Name: "p1", Disk: m.disk, CapacityBytes: 1024},
		{Partition: 2, Name: "p2", Disk: m.disk, CapacityBytes: 1024},
	}
	if err := m.Start(known); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	if m.AreAllStoresDown() {
		t.Fatal("expected at least one store to be up after Start")
	}

	m.ShutdownBlobStore("p1")
	m.ShutdownBlobStore("p2")
	if !m.AreAllStoresDown() {
		t.Fatal("expected all stores to report down")
	}
}

func TestManagerAdjustAvailBytesClamps(t *testing.T) {
	m := newTestDiskManager(t)
	m.AdjustAvailBytes(-(m.rawBytes + 100))
	if m.AvailBytes() != 0 {
		t.Fatalf("AvailBytes should clamp at 0, got %d", m.AvailBytes())
	}

	m.AdjustAvailBytes(m.rawBytes * 2)
	if m.AvailBytes() != m.rawBytes {
		t.Fatalf("AvailBytes should clamp at rawBytes, got %d", m.AvailBytes())
	}
}

func TestManagerSetConfigGrowsCompactionWorkers(t *testing.T) {
	m := newTestDiskManager(t)
	if err := m.Start(nil); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	if got := m.cfg.CompactionWorkers; got != DefaultTestConfig.CompactionWorkers {
		t.Fatalf("expected initial worker count %d, got %d", DefaultTestConfig.CompactionWorkers, got)
	}

	grown := DefaultTestConfig
	grown.CompactionWorkers = DefaultTestConfig.CompactionWorkers + 2
	if err := m.SetConfig(grown); err != nil {
		t.Fatal(err)
	}
	if m.cfg.CompactionWorkers != grown.CompactionWorkers {
		t.Fatalf("expected cfg to reflect the new worker count, got %d", m.cfg.CompactionWorkers)
	}
	if m.compaction.workers != grown.CompactionWorkers {
		t.Fatalf("expected the executor to have grown to %d workers, got %d", grown.CompactionWorkers, m.compaction.workers)
	}

	if m.CompactionStats() == "" {
		t.Fatal("expected a non-empty compaction stats summary")
	}
}

func TestManagerSetConfigRejectsInvalid(t *testing.T) {
	m := newTestDiskManager(t)
	bad := DefaultTestConfig
	bad.ReservedFileDirName = ""
	if err := m.SetConfig(bad); err == nil {
		t.Fatal("expected SetConfig to reject an invalid config")
	}
}

func TestManagerSetBlobStoreStoppedStatePersists(t *testing.T) {
	m := newTestDiskManager(t)
	known := []core.ReplicaInfo{{Partition: 1, Name: "p1", Disk: m.disk, CapacityBytes: 1024}}
	if err := m.Start(known); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	if failed := m.SetBlobStoreStoppedState([]core.PartitionName{"p1"}, true); len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}

	stopped, err := m.LoadStoppedReplicas()
	if err != nil {
		t.Fatal(err)
	}
	if !stopped["p1"] {
		t.Fatal("expected p1 to be recorded as stopped")
	}
}
