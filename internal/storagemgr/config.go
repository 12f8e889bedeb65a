// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package storagemgr

import (
	"fmt"

	"github.com/coldstorage/storagenode/internal/diskmgr"
)

// Config encapsulates parameters for the storage manager and the disk
// managers it creates, following the same flat-struct-plus-Validate shape
// as the teacher's tractserver.Config.
type Config struct {
	// NodeID is this node's identity as known to the cluster map and
	// participants.
	NodeID string

	// HardDeleteEnabled turns on the hard-delete path for dropped
	// replicas' tombstones. When true, DeletedMessageRetentionMinutes
	// must satisfy the floor(FlushIntervalSeconds/60)+1 invariant.
	HardDeleteEnabled bool

	// DeletedMessageRetentionMinutes is how long a hard-delete tombstone
	// is retained before being purged.
	DeletedMessageRetentionMinutes int

	// FlushIntervalSeconds is how often the store's in-memory index is
	// flushed to disk.
	FlushIntervalSeconds int

	// Disk is the disk manager configuration shared by every disk this
	// node owns.
	Disk diskmgr.Config

	// PreviousStateOnFirstBoot resolves the open question in the design
	// notes: whether a replica's previous state, when nothing has ever
	// been persisted for it, should be treated as OFFLINE (matching a
	// coordinator-initiated abbreviated transition that this node is
	// seeing for the first time) or as "unknown", in which case
	// resume-decommission is never attempted for a replica this node has
	// not itself driven through the full lifecycle. One of
	// "offline" or "unknown".
	PreviousStateOnFirstBoot string
}

// Validate checks the config invariants from §4.1: if hard delete is
// enabled, the deleted-message retention must be long enough to survive at
// least one flush interval, and the reserved file directory name (carried
// by the disk config) must be non-empty.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("storagemgr: NodeID must not be empty")
	}
	if c.HardDeleteEnabled {
		minRetention := c.FlushIntervalSeconds/60 + 1
		if c.DeletedMessageRetentionMinutes < minRetention {
			return fmt.Errorf("storagemgr: DeletedMessageRetentionMinutes (%d) must be >= floor(FlushIntervalSeconds/60)+1 (%d)",
				c.DeletedMessageRetentionMinutes, minRetention)
		}
	}
	if err := c.Disk.Validate(); err != nil {
		return err
	}
	switch c.PreviousStateOnFirstBoot {
	case "offline", "unknown":
	default:
		return fmt.Errorf("storagemgr: PreviousStateOnFirstBoot must be \"offline\" or \"unknown\", got %q", c.PreviousStateOnFirstBoot)
	}
	return nil
}

// DefaultProdConfig is the default storage manager configuration for
// production.
var DefaultProdConfig = Config{
	HardDeleteEnabled:              true,
	DeletedMessageRetentionMinutes: 7 * 24 * 60,
	FlushIntervalSeconds:           60,
	Disk:                           diskmgr.DefaultProdConfig,
	PreviousStateOnFirstBoot:       "offline",
}

// DefaultTestConfig is the default storage manager configuration for
// tests.
var DefaultTestConfig = Config{
	HardDeleteEnabled:              false,
	DeletedMessageRetentionMinutes: 1,
	FlushIntervalSeconds: 30,
	Disk:                     diskmgr.DefaultTestConfig,
	PreviousStateOnFirstBoot: "offline",
}
