// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coldstorage/storagenode/internal/collab"
	"github.com/coldstorage/storagenode/internal/core"
	"github.com/coldstorage/storagenode/internal/diskmgr"
	"github.com/coldstorage/storagenode/internal/filestore"
	"github.com/coldstorage/storagenode/internal/storagemgr"
)

/*

Configuring various parameters follows three steps, the same way the
tractserver binary this was adapted from does it:

  (1) Default config parameters are pulled from 'storagemgr.DefaultProdConfig'
      plus this binary's own nodeConfig zero value.

  (2) An optional configuration file (in JSON format) can be specified via
      '-nodeCfg' to override the default values, including the static
      replica placement table.

  (3) Optional flags can be used to override individual parameters set in
      the previous two steps, e.g. '-addr=...'.

*/

// diskSpec is one physical disk this node owns, with the replicas the
// static cluster map assigns to it.
type diskSpec struct {
	Mount    string
	Replicas []replicaSpec
}

type replicaSpec struct {
	PartitionID   uint64
	Name          string
	CapacityBytes int64
}

// nodeConfig is this binary's own configuration, wrapping storagemgr.Config
// with the pieces that belong to the process rather than the control
// plane: the node's identity, the metrics listen address, full-auto mode,
// and the static placement table consumed by staticClusterMap.
type nodeConfig struct {
	Storage      storagemgr.Config
	ListenAddr   string
	FullAutoMode bool
	Disks        []diskSpec
}

var defaultNodeConfig = nodeConfig{
	Storage:    storagemgr.DefaultProdConfig,
	ListenAddr: ":9090",
}

var (
	cfg = defaultNodeConfig

	nodeCfgFile = flag.String("nodeCfg", "", "configuration file for this storage node")

	nodeID     = flag.String("nodeID", "", "this node's identity as known to the cluster map")
	listenAddr = flag.String("addr", "", "address to serve /metrics on")
	fullAuto   = flag.Bool("fullAuto", false, "whether the cluster coordinator may move replicas across nodes without a full local lifecycle")
)

func init() {
	flag.Parse()

	if *nodeCfgFile != "" {
		f, err := os.Open(*nodeCfgFile)
		if err != nil {
			log.Fatalf("couldn't open the provided config file: %v", err)
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			log.Fatalf("failed to decode the config file: %v", err)
		}
	}

	if *nodeID != "" {
		cfg.Storage.NodeID = *nodeID
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *fullAuto {
		cfg.FullAutoMode = *fullAuto
	}
}

// statfsRawBytes backs storagemgr.DiskRawBytes with a real statfs call via
// gosigar, the same library the teacher uses for host memory stats in its
// status pages.
func statfsRawBytes(disk core.DiskID) (int64, error) {
	usage := sigar.FileSystemUsage{}
	if err := usage.Get(string(disk)); err != nil {
		return 0, err
	}
	return int64(usage.Total) * 1024, nil
}

func main() {
	if err := cfg.Storage.Validate(); err != nil {
		log.Fatalf("failed to validate configuration: %v", err)
	}

	clusterMap := newStaticClusterMap(cfg.Storage.NodeID, cfg.FullAutoMode, cfg.Disks)
	delegate := newMemReplicaStatusDelegate()
	participant := newStaticParticipant(delegate)

	newStore := diskmgr.NewStoreFunc(func(dir string) collab.BlobStore {
		return filestore.New(dir)
	})

	sm, err := storagemgr.New(cfg.Storage, clusterMap, []collab.ClusterParticipant{participant}, newStore, statfsRawBytes, time.Now)
	if err != nil {
		log.Fatalf("failed to construct storage manager: %v", err)
	}

	if err := sm.Start(); err != nil {
		log.Fatalf("failed to start storage manager: %v", err)
	}
	log.Infof("storagenode %s started, %d local partitions", cfg.Storage.NodeID, len(sm.GetLocalPartitions()))

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/status", newStatusHandler(sm))
	log.Infof("serving metrics and status on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, nil); err != nil { // this blocks forever
		log.Fatalf("metrics server failed: %v", err)
	}
}

// statusPage is the JSON shape served at /status, grounded on the
// teacher's practice of pairing a Prometheus /metrics endpoint with a
// human-readable status page summarizing the same state.
type statusPage struct {
	NodeID     string                         `json:"nodeId"`
	Partitions []core.PartitionName           `json:"partitions"`
	Disks      []storagemgr.DiskHealthReport  `json:"disks"`
}

func newStatusHandler(sm *storagemgr.StorageManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := statusPage{
			NodeID:     cfg.Storage.NodeID,
			Partitions: sm.GetLocalPartitions(),
			Disks:      sm.DiskHealthReport(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(page); err != nil {
			log.Errorf("failed to encode status page: %v", err)
		}
	}
}
