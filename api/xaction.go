// Iteration endpoints (spec §6 "Iterations"). Adapted from the teacher's
// xaction.go (extended-action start/query/abort over HTTP) — the same
// create/query/mutate-by-id shape, now over iterations instead of xactions.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lavenderdata/lavender/cluster"
	"github.com/lavenderdata/lavender/cmn/cos"
	"github.com/lavenderdata/lavender/cmn/nlog"
	"github.com/lavenderdata/lavender/iteration"
	"github.com/lavenderdata/lavender/process"
	"github.com/lavenderdata/lavender/prefetch"
	"github.com/lavenderdata/lavender/shard"
	"github.com/lavenderdata/lavender/wire"
)

const lockTimeout = 5 * time.Second

// CreateIterationParams mirrors spec §6's POST /iterations body.
type CreateIterationParams struct {
	DatasetID                string                      `json:"dataset_id"`
	ShardsetIDs              []string                    `json:"shardsets"`
	Filters                  []iteration.FilterRef       `json:"filters"`
	Categorizer              string                      `json:"categorizer"`
	Collater                 string                      `json:"collater"`
	Preprocessors            []iteration.PreprocessorRef `json:"preprocessors"`
	ShuffleEnabled           bool                        `json:"shuffle"`
	ShuffleSeed              int64                       `json:"shuffle_seed"`
	ShuffleBlockSize         int                         `json:"shuffle_block_size"`
	BatchSize                int                         `json:"batch_size"`
	ReplicationPG            [][]int                     `json:"replication_pg"`
	Rank                     int                         `json:"rank"`
	WorldSize                int                         `json:"world_size"`
	WaitParticipantThreshold int                         `json:"wait_participant_threshold"`
	NoCache                  bool                        `json:"no_cache"`
	MaxRetryCount            int                         `json:"max_retry_count"`
	SkipOnFailure            bool                        `json:"skip_on_failure"`
	NumWorkers               int                         `json:"num_workers"`
	PrefetchFactor           int                         `json:"prefetch_factor"`
	InOrder                  bool                        `json:"in_order"`
	ClusterSync              bool                        `json:"cluster_sync"`
}

// Iteration is the response to POST/GET /iterations/{id}.
type Iteration struct {
	ID    string `json:"id"`
	Total int64  `json:"total"`
}

// ShardsetSource supplies ShardsetMeta the create handler needs; an
// external collaborator per spec §1 (the dataset/shardset catalog is out
// of this core's scope).
type ShardsetSource interface {
	Shardsets(datasetID string, ids []string) (shardsets map[string]iteration.ShardsetMeta, uidName, uidType string, err error)
}

func (a *App) handleCreateIteration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var body CreateIterationParams
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	cfg := iteration.Config{
		Dataset:                  body.DatasetID,
		ShardsetIDs:              body.ShardsetIDs,
		Filters:                  body.Filters,
		Categorizer:              body.Categorizer,
		Collater:                 body.Collater,
		Preprocessors:            body.Preprocessors,
		Shuffle:                  iteration.ShuffleConfig{Enabled: body.ShuffleEnabled, Seed: body.ShuffleSeed, BlockSize: body.ShuffleBlockSize},
		BatchSize:                body.BatchSize,
		ReplicationPG:            body.ReplicationPG,
		WaitParticipantThreshold: body.WaitParticipantThreshold,
		NoCache:                  body.NoCache,
		MaxRetryCount:            body.MaxRetryCount,
		SkipOnFailure:            body.SkipOnFailure,
		NumWorkers:               orDefault(body.NumWorkers, a.Cfg.DefaultNumWorkers),
		PrefetchFactor:           orDefault(body.PrefetchFactor, a.Cfg.DefaultPrefetchFactor),
		InOrder:                  body.InOrder,
		ClusterSync:              body.ClusterSync,
		WorldSize:                body.WorldSize,
		JoinMethod:               shard.JoinLeft,
	}
	id := cfg.Fingerprint()

	// spec §4.8 "Create iteration is serialized across the cluster by the
	// iteration_create:<fingerprint> lock; the head canonically resolves
	// the fingerprint -> id mapping and returns it to workers." A worker
	// (cluster_sync set, this node not the head) forwards the create call
	// to the head instead of resolving shardsets/initializing state
	// itself, then serves its own ranks through a StateProxy.
	if cfg.ClusterSync && a.Head == nil {
		headID, total, err := a.forwardCreateToHead(body)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		id = headID
		// Mirror the non-worker branch below: building the StateProxy+Pool
		// and registering it is a check-then-act on a.iterations, so two
		// ranks creating the same new iteration concurrently must be
		// serialized or the second putIteration silently drops the first.
		lockErr := a.KV.WithLock("iteration_create:"+id, lockTimeout, func() error {
			if _, ok := a.getIteration(id); ok {
				return nil
			}
			proxy := cluster.NewStateProxy(id, a.Cfg.Cluster.HeadURL, a.Cfg.Cluster.NodeURL, a.Cfg.Cluster.SharedSecret)
			proc := process.New(a.Reader, a.Registry)
			client := cluster.NewClient(a.Cfg.Cluster.HeadURL, a.Cfg.Cluster.NodeURL, a.Cfg.Cluster.SharedSecret)
			pool := prefetch.New(a.KV, proxy, proc, prefetch.Config{
				NumWorkers: cfg.NumWorkers, PrefetchFactor: cfg.PrefetchFactor,
				NoCache: cfg.NoCache, BatchSize: cfg.BatchSize, MaxRetryCount: cfg.MaxRetryCount,
				SkipOnFailure: cfg.SkipOnFailure, InOrder: cfg.InOrder, CacheTTL: a.Cfg.CacheTTL,
				RecordSequence: func(rank int, seq int64) {
					if err := client.RecordSequence(context.Background(), rank, seq); err != nil {
						nlog.Warningf("api: record sequence rank=%d seq=%d: %v", rank, seq, err)
					}
				},
			})
			a.putIteration(id, &IterationHandle{Ops: proxy, Processor: proc, Prefetch: pool})
			return nil
		})
		if lockErr != nil {
			writeErr(w, http.StatusInternalServerError, lockErr)
			return
		}
		if rt, ok := a.getIteration(id); ok {
			rt.Prefetch.Start(context.Background(), body.Rank)
		}
		writeJSON(w, http.StatusOK, Iteration{ID: id, Total: total})
		return
	}

	var total int64
	lockErr := a.KV.WithLock("iteration_create:"+id, lockTimeout, func() error {
		if rt, ok := a.getIteration(id); ok {
			progress, err := rt.Ops.GetProgress()
			if err != nil {
				return err
			}
			total = progress.Total
			return nil
		}

		shardsets, uidName, uidType, err := a.shardsetSource().Shardsets(cfg.Dataset, cfg.ShardsetIDs)
		if err != nil {
			return err
		}
		state := iteration.NewLocalState(a.KV, id, cfg, shardsets, uidName, uidType)
		if err := state.Initialize(); err != nil {
			return err
		}
		proc := process.New(a.Reader, a.Registry)
		prefetchCfg := prefetch.Config{
			NumWorkers: cfg.NumWorkers, PrefetchFactor: cfg.PrefetchFactor,
			NoCache: cfg.NoCache, BatchSize: cfg.BatchSize, MaxRetryCount: cfg.MaxRetryCount,
			SkipOnFailure: cfg.SkipOnFailure, InOrder: cfg.InOrder, CacheTTL: a.Cfg.CacheTTL,
		}
		if a.Head != nil {
			// This node is the cluster head and also serves its own
			// ranks; record directly into the in-process node map
			// instead of round-tripping through HTTP to itself.
			selfURL := a.selfNodeURL()
			head := a.Head
			prefetchCfg.RecordSequence = func(rank int, seq int64) { head.UpdateNodeMap(rank, selfURL, seq) }
		}
		pool := prefetch.New(a.KV, state, proc, prefetchCfg)
		a.putIteration(id, &IterationHandle{Ops: state, Processor: proc, Prefetch: pool})

		progress, err := state.GetProgress()
		if err != nil {
			return err
		}
		total = progress.Total
		return nil
	})
	if lockErr != nil {
		writeErr(w, http.StatusInternalServerError, lockErr)
		return
	}

	if rt, ok := a.getIteration(id); ok {
		rt.Prefetch.Start(context.Background(), body.Rank)
	}
	writeJSON(w, http.StatusOK, Iteration{ID: id, Total: total})
}

// forwardCreateToHead POSTs body to the head's own /iterations so the
// head resolves (or creates) the canonical fingerprint->id mapping before
// this worker starts serving its own ranks against it.
func (a *App) forwardCreateToHead(body CreateIterationParams) (id string, total int64, err error) {
	b, err := json.Marshal(body)
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequest(http.MethodPost, a.Cfg.Cluster.HeadURL+"/iterations", bytes.NewReader(b))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := cluster.SetAuthHeader(req, a.Cfg.Cluster.SharedSecret); err != nil {
		return "", 0, err
	}
	resp, err := (&http.Client{Timeout: 60 * time.Second}).Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("api: forward create to head: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("api: forward create to head: head returned %d", resp.StatusCode)
	}
	var out Iteration
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, err
	}
	return out.ID, out.Total, nil
}

// selfNodeURL is the identifier this node records itself under in the
// cluster head's node map: its configured cluster URL, or the "head"
// sentinel when a head has no NodeURL configured (it never needs to call
// itself over HTTP). Node-map lookups must compare against this, not the
// raw config value, or a bare head always looks like a foreign node.
func (a *App) selfNodeURL() string {
	if a.Cfg.Cluster.NodeURL != "" {
		return a.Cfg.Cluster.NodeURL
	}
	return "head"
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// shardsetSourceStub satisfies ShardsetSource when no catalog is wired
// (tests, single-shardset demos where the caller already knows sizes).
// Production deployments set App.Catalog.
type shardsetSourceStub struct{}

func (shardsetSourceStub) Shardsets(string, []string) (map[string]iteration.ShardsetMeta, string, string, error) {
	return nil, "", "", cos.NewErrNotFound("shardset catalog not configured")
}

func (a *App) shardsetSource() ShardsetSource {
	if a.Catalog != nil {
		return a.Catalog
	}
	return shardsetSourceStub{}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func encodeBatch(b *wire.Batch) ([]byte, error) { return wire.Encode(b) }

var errMethodNotAllowed = cos.NewErrNotFound("method not allowed")

// dispatchIterationPath routes /iterations/{id}[/...] by suffix, since
// the core library intentionally avoids a third-party router dependency
// pulled in only for path matching (see DESIGN.md).
func (a *App) dispatchIterationPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/iterations/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeErr(w, http.StatusNotFound, cos.NewErrNotFound("iteration id"))
		return
	}
	id := parts[0]
	rt, ok := a.getIteration(id)
	if !ok {
		writeErr(w, http.StatusNotFound, cos.NewErrNotFound("iteration %s", id))
		return
	}

	switch {
	case len(parts) == 1:
		a.handleGetIteration(w, r, rt, id)
	case parts[1] == "next":
		a.handleNext(w, r, rt)
	case parts[1] == "complete" && len(parts) == 3:
		a.handleComplete(w, r, rt, parts[2])
	case parts[1] == "pushback":
		a.handlePushback(w, r, rt)
	case parts[1] == "progress":
		a.handleProgress(w, r, rt)
	case parts[1] == "state" && len(parts) == 3:
		a.handleStateOp(w, r, rt, parts[2])
	case parts[1] == "prefetcher-current":
		a.handlePrefetcherCurrent(w, r, rt)
	default:
		writeErr(w, http.StatusNotFound, cos.NewErrNotFound("route"))
	}
}

func (a *App) handleGetIteration(w http.ResponseWriter, _ *http.Request, rt *IterationHandle, id string) {
	progress, err := rt.Ops.GetProgress()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, Iteration{ID: id, Total: progress.Total})
}

func (a *App) handleNext(w http.ResponseWriter, r *http.Request, rt *IterationHandle) {
	rank, err := strconv.Atoi(r.URL.Query().Get("rank"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	var seqPtr *int64
	if s := r.URL.Query().Get("seq"); s != "" {
		seq, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		seqPtr = &seq
	}

	// spec §4.8 "Node map": an explicit-seq request the head's node map
	// says belongs to a different node gets redirected there instead of
	// failing with "rank not started" against this node's own pool. Compare
	// against selfNodeURL, not the raw config value — a head with no
	// NodeURL configured records its own ranks under the "head" sentinel
	// (see selfNodeURL), and comparing against "" would always treat that
	// as a foreign node and proxy to the invalid URL "head".
	if seqPtr != nil && a.Head != nil {
		if nodeURL, ok := a.Head.NodeFor(rank, *seqPtr); ok && nodeURL != "" && nodeURL != a.selfNodeURL() {
			a.proxyNext(w, r, nodeURL)
			return
		}
	}

	batch, seq, err := rt.Prefetch.GetNext(rank, seqPtr)
	w.Header().Set("X-Lavender-Data-Sample-Current", strconv.FormatInt(seq, 10))
	if err != nil {
		switch err.(type) {
		case *cos.ErrNotFetchedYet:
			w.WriteHeader(http.StatusAccepted)
		case *cos.ErrNoMoreIndices:
			w.WriteHeader(http.StatusNoContent)
		case *cos.ErrProcessing:
			w.Header().Set("X-Lavender-Data-Error", "SAMPLE_PROCESSING_ERROR")
			writeErr(w, http.StatusInternalServerError, err)
		default:
			writeErr(w, http.StatusInternalServerError, err)
		}
		return
	}

	raw, err := encodeBatch(batch)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// proxyNext forwards a GET /iterations/{id}/next request verbatim to the
// node the head's node map says actually prepared the requested sequence
// (spec §4.8 "Node map": "the head can, on demand, redirect a fetch to the
// node that owns it"). The client's own bearer token is forwarded rather
// than a cluster credential, since the target node authenticates this
// endpoint the same way this node does.
func (a *App) proxyNext(w http.ResponseWriter, r *http.Request, nodeURL string) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, nodeURL+r.URL.Path+"?"+r.URL.RawQuery, nil)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if authz := r.Header.Get("Authorization"); authz != "" {
		req.Header.Set("Authorization", authz)
	}

	resp, err := (&http.Client{Timeout: 60 * time.Second}).Do(req)
	if err != nil {
		writeErr(w, http.StatusBadGateway, fmt.Errorf("api: proxy next to %s: %w", nodeURL, err))
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (a *App) handleComplete(w http.ResponseWriter, _ *http.Request, rt *IterationHandle, indexStr string) {
	idx, err := strconv.ParseInt(indexStr, 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := rt.Ops.Complete(idx); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (a *App) handlePushback(w http.ResponseWriter, _ *http.Request, rt *IterationHandle) {
	if err := rt.Ops.PushbackInprogress(); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (a *App) handleProgress(w http.ResponseWriter, _ *http.Request, rt *IterationHandle) {
	progress, err := rt.Ops.GetProgress()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (a *App) handlePrefetcherCurrent(w http.ResponseWriter, _ *http.Request, rt *IterationHandle) {
	ranks, err := rt.Ops.GetRanks()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	out := map[int]int64{}
	for _, r := range ranks {
		out[r] = rt.Prefetch.Current(r)
	}
	writeJSON(w, http.StatusOK, out)
}
