// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package storagemgr

import (
	"os"
	"path/filepath"

	"github.com/coldstorage/storagenode/internal/core"
)

// createMarker creates the named zero-byte marker file under dir if it
// does not already exist. Idempotent: creating an existing marker is not
// an error.
func createMarker(dir, name string) error {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

// removeMarker deletes the named marker file under dir if present.
// Idempotent: deleting a missing marker is not an error.
func removeMarker(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// markerExists reports whether the named marker file exists under dir.
func markerExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func createBootstrapMarker(dir string) error {
	return createMarker(dir, core.MarkerBootstrapInProgress)
}

func createDecommissionMarker(dir string) error {
	return createMarker(dir, core.MarkerDecommissionInProgress)
}

func removeDecommissionMarker(dir string) error {
	return removeMarker(dir, core.MarkerDecommissionInProgress)
}

func decommissionMarkerExists(dir string) bool {
	return markerExists(dir, core.MarkerDecommissionInProgress)
}
