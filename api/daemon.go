// Package api is the node's HTTP/JSON server (spec §6): it wires the
// iteration, cluster, health, and metrics endpoints onto a single
// *http.ServeMux backed by the App struct. Adapted from the teacher's
// api package, a client SDK over AIStore's own REST surface — the HOW
// (one small handler per endpoint, structured JSON request/response
// types, header-based out-of-band signaling) carries over; the WHAT is
// now this spec's iteration/cluster/prefetch endpoints instead of
// AIStore's bucket/object/daemon endpoints.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lavenderdata/lavender/auth"
	"github.com/lavenderdata/lavender/cluster"
	"github.com/lavenderdata/lavender/cmn/nlog"
	"github.com/lavenderdata/lavender/config"
	"github.com/lavenderdata/lavender/iteration"
	"github.com/lavenderdata/lavender/kvstore"
	"github.com/lavenderdata/lavender/obs"
	"github.com/lavenderdata/lavender/process"
	"github.com/lavenderdata/lavender/prefetch"
	"github.com/lavenderdata/lavender/registry"
	"github.com/lavenderdata/lavender/shard"
)

// App is the node's shared state, handed to every handler.
type App struct {
	Cfg      config.Config
	KV       *kvstore.Store
	Registry *registry.Registry
	Reader   *shard.Reader
	Metrics  *obs.Metrics
	Auth     auth.Authenticator
	Head     *cluster.Head // nil unless this node is the cluster head
	Catalog  ShardsetSource // nil uses shardsetSourceStub

	mu         sync.RWMutex
	iterations map[string]*iterationRuntime
}

// iterationRuntime bundles one iteration's LocalState, processor, and
// prefetch pool — everything a node needs to serve its endpoints.
type iterationRuntime struct {
	id      string
	runtime *IterationHandle
}

func NewApp(cfg config.Config, kv *kvstore.Store, reg *registry.Registry, reader *shard.Reader, metrics *obs.Metrics, authN auth.Authenticator, head *cluster.Head) *App {
	return &App{
		Cfg: cfg, KV: kv, Registry: reg, Reader: reader, Metrics: metrics, Auth: authN, Head: head,
		iterations: map[string]*iterationRuntime{},
	}
}

// IterationHandle is the per-iteration runtime state created by
// handleCreateIteration and looked up by every other iteration endpoint.
type IterationHandle struct {
	Ops       iteration.Ops
	Processor *process.Processor
	Prefetch  *prefetch.Pool
}

func (a *App) putIteration(id string, h *IterationHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.iterations[id] = &iterationRuntime{id: id, runtime: h}
}

func (a *App) getIteration(id string) (*IterationHandle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rt, ok := a.iterations[id]
	if !ok {
		return nil, false
	}
	return rt.runtime, true
}

// IterationIDs lists every iteration this node is tracking; used by the
// head's node-map sync thread to know which iterations to poll.
func (a *App) IterationIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.iterations))
	for id := range a.iterations {
		ids = append(ids, id)
	}
	return ids
}

// Routes registers every handler from spec §6 onto mux.
func (a *App) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(a.Metrics.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/iterations", a.withAuth(a.handleCreateIteration))
	mux.HandleFunc("/iterations/", a.withAuth(a.dispatchIterationPath))

	if _, enabled := a.Auth.(auth.JWT); enabled {
		mux.HandleFunc("/auth/token", a.handleIssueToken)
	}

	mux.HandleFunc("/cluster/register", a.withAuth(a.handleClusterRegister))
	mux.HandleFunc("/cluster/deregister", a.withAuth(a.handleClusterDeregister))
	mux.HandleFunc("/cluster/heartbeat", a.withAuth(a.handleClusterHeartbeat))
	mux.HandleFunc("/cluster/nodes", a.withAuth(a.handleClusterNodes))
	mux.HandleFunc("/cluster/node-map", a.withAuth(a.handleClusterNodeMap))
}

func (a *App) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.Auth == nil {
			next(w, r)
			return
		}
		// A valid cluster credential also satisfies client auth: the head's
		// node-map sync thread hits the client-facing prefetcher-current
		// route as another node, not as an end user, and carries this
		// header instead of a bearer token. (proxyNext forwards the
		// client's own Authorization header.)
		if a.Cfg.Cluster.SharedSecret != "" && r.Header.Get(cluster.AuthHeader) != "" && a.verifyClusterAuth(r) {
			next(w, r)
			return
		}
		if _, err := a.Auth.Authenticate(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			nlog.Warningf("api: encode response: %v", err)
		}
	}
}

func writeErr(w http.ResponseWriter, status int, err error) {
	nlog.Warningf("api: %d: %v", status, err)
	http.Error(w, err.Error(), status)
}

// Shutdown stops every running prefetch pool; called from the server's
// graceful-shutdown path.
func (a *App) Shutdown(_ context.Context) {
	a.mu.RLock()
	runtimes := make([]*IterationHandle, 0, len(a.iterations))
	for _, rt := range a.iterations {
		runtimes = append(runtimes, rt.runtime)
	}
	a.mu.RUnlock()

	for _, rt := range runtimes {
		if rt.Prefetch != nil {
			rt.Prefetch.StopAll()
		}
	}
}
