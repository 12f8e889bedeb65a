// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"
)

/*

The identity hierarchy is flatter than a blob/tract scheme: a partition is
assigned a PartitionID by the cluster coordinator, and has a PartitionName
(a path-style string used verbatim as the on-disk directory name for every
replica of that partition). A replica is identified by the pair
(PartitionName, DiskID) since at most one replica of a partition can live
on this node, and that replica lives on exactly one disk.

*/

// ErrInvalidID is the error returned when a string representation of an ID is invalid.
var ErrInvalidID = errors.New("invalid id format")

// PartitionID is the cluster coordinator's stable numeric identifier for a
// partition. Valid PartitionIDs start from 1.
type PartitionID uint64

// IsValid returns true if p is a valid PartitionID.
func (p PartitionID) IsValid() bool {
	return p != 0
}

// String returns a human-readable representation of the PartitionID.
func (p PartitionID) String() string {
	return fmt.Sprintf("%d", uint64(p))
}

// PartitionName is the path-style name of a partition, used as the
// directory name for every replica of it. Two partitions never share a
// name.
type PartitionName string

// IsValid returns true if n is non-empty.
func (n PartitionName) IsValid() bool {
	return n != ""
}

// DiskID identifies a physical mount point on this node. It is the mount
// path itself, since mount paths are stable and unique per node.
type DiskID string

// IsValid returns true if d is non-empty.
func (d DiskID) IsValid() bool {
	return d != ""
}

// String returns the disk's mount path.
func (d DiskID) String() string {
	return string(d)
}
