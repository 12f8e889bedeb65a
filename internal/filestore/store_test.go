// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package filestore

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/coldstorage/storagenode/internal/core"
	test "github.com/coldstorage/storagenode/pkg/testutil"
)

func newTestDir(t *testing.T) string {
	dir, err := ioutil.TempDir(test.TempDir(), "filestore_test")
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestStartCreatesDirectory(t *testing.T) {
	dir := filepath.Join(newTestDir(t), "replica1")
	s := New(dir)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown()

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected Start to create the replica directory: %v", err)
	}
	if !s.IsStarted() {
		t.Fatal("expected IsStarted to be true after Start")
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	dir := newTestDir(t)
	s := New(dir)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.SetCurrentState(core.Standby)
	s.SetCurrentState(core.Leader)
	s.SetDisabled(true)
	s.SetRecoverFromDecommission(true)
	if err := s.Shutdown(); err != nil {
		t.Fatal(err)
	}

	s2 := New(dir)
	if s2.HasPersistedPreviousState() {
		t.Fatal("expected HasPersistedPreviousState to be false before Start")
	}
	if err := s2.Start(); err != nil {
		t.Fatal(err)
	}
	defer s2.Shutdown()

	if s2.CurrentState() != core.Leader {
		t.Fatalf("expected current state LEADER, got %v", s2.CurrentState())
	}
	if s2.PreviousState() != core.Standby {
		t.Fatalf("expected previous state STANDBY, got %v", s2.PreviousState())
	}
	if !s2.IsDisabled() {
		t.Fatal("expected the disabled flag to survive reopen")
	}
	if !s2.RecoverFromDecommission() {
		t.Fatal("expected the recover-from-decommission flag to survive reopen")
	}
	if !s2.HasPersistedPreviousState() {
		t.Fatal("expected HasPersistedPreviousState to be true after loading a persisted state file")
	}
}

func TestFreshStoreHasNoPersistedPreviousState(t *testing.T) {
	dir := newTestDir(t)
	s := New(dir)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown()

	if s.HasPersistedPreviousState() {
		t.Fatal("expected a brand-new replica to have no persisted previous state")
	}
	if s.PreviousState() != core.Offline {
		t.Fatalf("expected the zero-value previous state to be OFFLINE, got %v", s.PreviousState())
	}
}

func TestStartWrapsMkdirFailureAsIOError(t *testing.T) {
	// A file in place of the parent directory makes MkdirAll fail.
	parent := newTestDir(t)
	blocker := filepath.Join(parent, "blocker")
	if err := ioutil.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	s := New(filepath.Join(blocker, "replica1"))
	err := s.Start()
	if err == nil {
		t.Fatal("expected Start to fail when the parent path is a file")
	}
	if !errors.Is(err, core.ErrIO.Error()) {
		t.Fatalf("expected the failure to be core.ErrIO, got %v", err)
	}
}

func TestSizeInBytesExcludesReservedFiles(t *testing.T) {
	dir := newTestDir(t)
	s := New(dir)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown()

	if s.SizeInBytes() != 0 {
		t.Fatalf("expected a fresh store to report 0 bytes, got %d", s.SizeInBytes())
	}

	data := []byte("some blob payload")
	if err := ioutil.WriteFile(filepath.Join(dir, "blob0"), data, 0644); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(dir, core.MarkerBootstrapInProgress), nil, 0644); err != nil {
		t.Fatal(err)
	}

	if got := s.SizeInBytes(); got != int64(len(data)) {
		t.Fatalf("expected SizeInBytes to count only the payload file, got %d", got)
	}
}
