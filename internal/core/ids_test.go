// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "testing"

func TestPartitionIDValidity(t *testing.T) {
	if PartitionID(0).IsValid() {
		t.Fatal("zero PartitionID should be invalid")
	}
	if !PartitionID(1).IsValid() {
		t.Fatal("PartitionID(1) should be valid")
	}
}

func TestPartitionNameValidity(t *testing.T) {
	if PartitionName("").IsValid() {
		t.Fatal("empty PartitionName should be invalid")
	}
	if !PartitionName("partition-1").IsValid() {
		t.Fatal("non-empty PartitionName should be valid")
	}
}

func TestDiskIDValidity(t *testing.T) {
	if DiskID("").IsValid() {
		t.Fatal("empty DiskID should be invalid")
	}
	if !DiskID("/mnt/disk0").IsValid() {
		t.Fatal("non-empty DiskID should be valid")
	}
	if DiskID("/mnt/disk0").String() != "/mnt/disk0" {
		t.Fatal("DiskID.String() should return the mount path verbatim")
	}
}
