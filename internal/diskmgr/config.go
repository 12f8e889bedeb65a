// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package diskmgr

// Config encapsulates the per-disk-manager knobs, grounded on the shape of
// the teacher's tractserver.Config (a flat struct with a Validate method
// and prod/test default vars), scoped down to what a disk manager needs.
type Config struct {
	// CompactionWorkers is the number of goroutines draining the
	// compaction job queue per disk.
	CompactionWorkers int

	// ReservedFileDirName is the subdirectory of a disk mount reserved
	// for this node's own bookkeeping (bolt metadata, etc). It is never
	// mistaken for a replica directory when scanning for unexpected dirs.
	ReservedFileDirName string
}

// Validate checks that the config has reasonable values.
func (c Config) Validate() error {
	if c.ReservedFileDirName == "" {
		return errReservedDirEmpty
	}
	if c.CompactionWorkers <= 0 {
		return errNoCompactionWorkers
	}
	return nil
}

// DefaultProdConfig is the default disk manager configuration for
// production.
var DefaultProdConfig = Config{
	CompactionWorkers:   2,
	ReservedFileDirName: ".storagenode",
}

// DefaultTestConfig is the default disk manager configuration for tests.
var DefaultTestConfig = Config{
	CompactionWorkers:   1,
	ReservedFileDirName: ".storagenode",
}
