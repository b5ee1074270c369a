// Command lavenderd runs one node of the data-loading service: it wires
// C1 (kvstore) through C4 (registry) into the reader façade, then starts
// the HTTP server exposing the iteration, cluster, health, and metrics
// endpoints. Grounded on the teacher's cmd/* daemon entrypoints, which
// follow the same config-load -> component-wire -> serve shape.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/lavenderdata/lavender/api"
	"github.com/lavenderdata/lavender/cluster"
	"github.com/lavenderdata/lavender/cmn/nlog"
	"github.com/lavenderdata/lavender/config"
	"github.com/lavenderdata/lavender/kvstore"
	"github.com/lavenderdata/lavender/obs"
	"github.com/lavenderdata/lavender/registry"
	"github.com/lavenderdata/lavender/shard"
	"github.com/lavenderdata/lavender/sys"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults used if empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			nlog.Errorf("lavenderd: %v", err)
			return
		}
		cfg = loaded
	}

	nlog.Init("", true, false)
	nlog.SetTitle("lavenderd")
	defer nlog.Flush()

	sys.SetMaxProcs()
	if cfg.DefaultNumWorkers <= 0 {
		cfg.DefaultNumWorkers = sys.NumCPU()
	}

	kv, err := kvstore.Open(cfg.KVStorePath)
	if err != nil {
		nlog.Errorf("lavenderd: kvstore: %v", err)
		return
	}
	defer kv.Close()

	reg := registry.New(cfg.RegistryDir, registry.PluginLoader{})
	if err := reg.LoadAll(); err != nil {
		nlog.Warningf("lavenderd: registry: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reg.Watch(ctx); err != nil {
		nlog.Warningf("lavenderd: registry watch: %v", err)
	}
	defer reg.Close()

	sources := map[string]shard.Source{}
	if s3src, err := shard.NewS3Source(ctx, ""); err != nil {
		nlog.Warningf("lavenderd: s3 source unavailable: %v", err)
	} else {
		sources["s3"] = s3src
	}
	if gcsSrc, err := shard.NewGCSSource(ctx); err != nil {
		nlog.Warningf("lavenderd: gcs source unavailable: %v", err)
	} else {
		sources["gs"] = gcsSrc
	}
	reader := shard.NewReader(sources, nil, cfg.ShardCacheDir, cfg.ShardCacheMaxBytes)

	metrics := obs.New()
	authN := api.AuthenticatorFromConfig(cfg.Auth)

	var head *cluster.Head
	if cfg.Cluster.Enabled && cfg.Cluster.Head {
		head = cluster.NewHead(kv)
		go head.Watchdog(ctx)
	}

	app := api.NewApp(cfg, kv, reg, reader, metrics, authN, head)

	var workerClient *cluster.Client
	if cfg.Cluster.Enabled && !cfg.Cluster.Head {
		// spec §4.8 Registration/Heartbeat: a worker registers with the
		// head on start and heartbeats every heartbeat_interval.
		workerClient = cluster.NewClient(cfg.Cluster.HeadURL, cfg.Cluster.NodeURL, cfg.Cluster.SharedSecret)
		if err := workerClient.Register(ctx); err != nil {
			nlog.Warningf("lavenderd: cluster register: %v", err)
		}
		go runHeartbeatLoop(ctx, workerClient, cfg.Cluster.HeartbeatInterval)
	}
	if head != nil {
		// spec §4.7 Start: "if head in a cluster, also spawn the node-map
		// sync thread".
		go app.RunNodeMapSync(ctx, cfg.Cluster.HeartbeatInterval)
	}

	mux := http.NewServeMux()
	app.Routes(mux)

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		app.Shutdown(context.Background())
		if workerClient != nil {
			if err := workerClient.Deregister(context.Background()); err != nil {
				nlog.Warningf("lavenderd: cluster deregister: %v", err)
			}
		}
		_ = srv.Close()
	}()

	nlog.Infof("lavenderd: listening on %s", cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		nlog.Errorf("lavenderd: %v", err)
	}
}

// runHeartbeatLoop implements spec §4.8 Heartbeat: POST
// /cluster/heartbeat{node_url} every heartbeat_interval until ctx is
// cancelled.
func runHeartbeatLoop(ctx context.Context, client *cluster.Client, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(ctx); err != nil {
				nlog.Warningf("lavenderd: cluster heartbeat: %v", err)
			}
		}
	}
}
