// Package cluster implements the head/worker coordinator (C8): node
// registration and heartbeat with a TTL-based watchdog, the node map used
// to route a fetch to the node that prepared it, and StateProxy, the
// worker-side thin proxy that turns iteration.Ops calls into HTTP forwards
// to the head. Grounded on the teacher's own head/target membership model
// (cmn/cos heartbeat + TTL eviction pattern), generalized from AIStore
// node membership to this spec's single-head topology.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/lavenderdata/lavender/cmn/mono"
	"github.com/lavenderdata/lavender/cmn/nlog"
	"github.com/lavenderdata/lavender/kvstore"
)

const (
	defaultHeartbeatInterval  = 10 * time.Second
	defaultHeartbeatThreshold = 3
	heartbeatTTL              = 24 * time.Hour
)

// Head is the cluster coordinator's head-side node registry (spec §4.8).
type Head struct {
	kv *kvstore.Store

	mu    sync.RWMutex
	nodes map[string]int64 // node_url -> mono.NanoTime() of last heartbeat

	heartbeatInterval  time.Duration
	heartbeatThreshold int

	nodeMapMu sync.Mutex
	nodeMap   map[int]map[string][]int64 // rank -> node_url -> in-flight sequences
}

func NewHead(kv *kvstore.Store) *Head {
	return &Head{
		kv:                 kv,
		nodes:              map[string]int64{},
		heartbeatInterval:  defaultHeartbeatInterval,
		heartbeatThreshold: defaultHeartbeatThreshold,
		nodeMap:            map[int]map[string][]int64{},
	}
}

// Register records a worker joining the cluster (spec §4.8 Registration).
func (h *Head) Register(nodeURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[nodeURL] = mono.NanoTime()
	nlog.Infof("cluster: registered node %s", nodeURL)
}

// Deregister removes a node immediately, used by a graceful worker
// shutdown in addition to the watchdog's TTL-based eviction.
func (h *Head) Deregister(nodeURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, nodeURL)
	nlog.Infof("cluster: deregistered node %s", nodeURL)
}

// Heartbeat records a worker's liveness ping.
func (h *Head) Heartbeat(nodeURL string) error {
	h.mu.Lock()
	h.nodes[nodeURL] = mono.NanoTime()
	h.mu.Unlock()
	return h.kv.Set("heartbeat:"+nodeURL, "1", heartbeatTTL)
}

// Nodes returns every currently-registered node URL.
func (h *Head) Nodes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.nodes))
	for url := range h.nodes {
		out = append(out, url)
	}
	return out
}

// Watchdog deregisters nodes whose last heartbeat exceeds
// heartbeat_threshold * heartbeat_interval, polling once per interval
// until ctx is cancelled.
func (h *Head) Watchdog(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	threshold := time.Duration(h.heartbeatThreshold) * h.heartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			for url, last := range h.nodes {
				if mono.Since(last) > threshold {
					delete(h.nodes, url)
					nlog.Warningf("cluster: deregistered stale node %s (no heartbeat for %s)", url, threshold)
				}
			}
			h.mu.Unlock()
		}
	}
}

// UpdateNodeMap records that node_url is preparing sequence for rank
// (spec §4.8 "Record (rank, node_url, sequence) in the node map").
func (h *Head) UpdateNodeMap(rank int, nodeURL string, seq int64) {
	h.nodeMapMu.Lock()
	defer h.nodeMapMu.Unlock()
	byNode, ok := h.nodeMap[rank]
	if !ok {
		byNode = map[string][]int64{}
		h.nodeMap[rank] = byNode
	}
	byNode[nodeURL] = append(byNode[nodeURL], seq)
}

// PruneBelow drops every tracked sequence below current for rank/node,
// called after polling GET /iterations/<id>/prefetcher-current.
func (h *Head) PruneBelow(rank int, nodeURL string, current int64) {
	h.nodeMapMu.Lock()
	defer h.nodeMapMu.Unlock()
	byNode, ok := h.nodeMap[rank]
	if !ok {
		return
	}
	seqs := byNode[nodeURL]
	kept := seqs[:0]
	for _, s := range seqs {
		if s >= current {
			kept = append(kept, s)
		}
	}
	byNode[nodeURL] = kept
}

// NodeFor returns the node URL preparing seq for rank, if known — used to
// redirect a fetch to the node that owns it.
func (h *Head) NodeFor(rank int, seq int64) (string, bool) {
	h.nodeMapMu.Lock()
	defer h.nodeMapMu.Unlock()
	for url, seqs := range h.nodeMap[rank] {
		for _, s := range seqs {
			if s == seq {
				return url, true
			}
		}
	}
	return "", false
}
