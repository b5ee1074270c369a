// Head-side node-map sync thread (spec §4.8 "Node map"): periodically
// polls every known worker's GET /iterations/<id>/prefetcher-current and
// prunes the head's node map of sequences that worker has already
// delivered. Spawned once per process by cmd/lavenderd when this node is
// the cluster head (spec §4.7 Start: "if head in a cluster, also spawn
// the node-map sync thread").
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/lavenderdata/lavender/cluster"
	"github.com/lavenderdata/lavender/cmn/nlog"
)

const nodeMapSyncTimeout = 10 * time.Second

// RunNodeMapSync blocks, polling every registered node for every tracked
// iteration once per interval, until ctx is cancelled.
func (a *App) RunNodeMapSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	client := &http.Client{Timeout: nodeMapSyncTimeout}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.syncNodeMapOnce(ctx, client)
		}
	}
}

func (a *App) syncNodeMapOnce(ctx context.Context, client *http.Client) {
	if a.Head == nil {
		return
	}
	nodes := a.Head.Nodes()
	ids := a.IterationIDs()
	for _, nodeURL := range nodes {
		for _, id := range ids {
			current, err := cluster.FetchPrefetcherCurrent(ctx, client, nodeURL, id, a.Cfg.Cluster.SharedSecret)
			if err != nil {
				nlog.Warningf("api: node-map sync: %s iteration %s: %v", nodeURL, id, err)
				continue
			}
			for rank, seq := range current {
				a.Head.PruneBelow(rank, nodeURL, seq)
			}
		}
	}
}
