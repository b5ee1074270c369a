// Cluster endpoints (spec §6 "Cluster", §4.8). Adapted from the teacher's
// cluster.go (membership/heartbeat over HTTP) — register/deregister/
// heartbeat/nodes carries over verbatim in shape; state forwarding is new,
// replacing AIStore's smap-sync RPCs with this spec's state-op forwarder.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package api

import (
	"net/http"

	"github.com/lavenderdata/lavender/cluster"
	"github.com/lavenderdata/lavender/cmn/cos"
)

type nodeURLBody struct {
	NodeURL string `json:"node_url"`
}

// verifyClusterAuth checks the salted-HMAC header (spec §4.8
// "Authentication between nodes"), a no-op when no shared secret is
// configured.
func (a *App) verifyClusterAuth(r *http.Request) bool {
	return cluster.VerifyAuthHeader(r, a.Cfg.Cluster.SharedSecret)
}

func (a *App) handleClusterRegister(w http.ResponseWriter, r *http.Request) {
	if a.Head == nil {
		writeErr(w, http.StatusNotImplemented, cos.NewErrNotFound("this node is not the cluster head"))
		return
	}
	if !a.verifyClusterAuth(r) {
		writeErr(w, http.StatusUnauthorized, cos.NewErrNotFound("cluster auth"))
		return
	}
	var body nodeURLBody
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	a.Head.Register(body.NodeURL)
	writeJSON(w, http.StatusOK, nil)
}

func (a *App) handleClusterDeregister(w http.ResponseWriter, r *http.Request) {
	if a.Head == nil {
		writeErr(w, http.StatusNotImplemented, cos.NewErrNotFound("this node is not the cluster head"))
		return
	}
	if !a.verifyClusterAuth(r) {
		writeErr(w, http.StatusUnauthorized, cos.NewErrNotFound("cluster auth"))
		return
	}
	var body nodeURLBody
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	a.Head.Deregister(body.NodeURL)
	writeJSON(w, http.StatusOK, nil)
}

func (a *App) handleClusterHeartbeat(w http.ResponseWriter, r *http.Request) {
	if a.Head == nil {
		writeErr(w, http.StatusNotImplemented, cos.NewErrNotFound("this node is not the cluster head"))
		return
	}
	if !a.verifyClusterAuth(r) {
		writeErr(w, http.StatusUnauthorized, cos.NewErrNotFound("cluster auth"))
		return
	}
	var body nodeURLBody
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := a.Head.Heartbeat(body.NodeURL); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (a *App) handleClusterNodes(w http.ResponseWriter, _ *http.Request) {
	if a.Head == nil {
		writeErr(w, http.StatusNotImplemented, cos.NewErrNotFound("this node is not the cluster head"))
		return
	}
	writeJSON(w, http.StatusOK, a.Head.Nodes())
}

// nodeMapBody mirrors cluster.Client.RecordSequence's POST body.
type nodeMapBody struct {
	NodeURL  string `json:"node_url"`
	Rank     int    `json:"rank"`
	Sequence int64  `json:"sequence"`
}

// handleClusterNodeMap is the head-side executor of spec §4.7 submit-loop
// step 2 ("Record (rank, node_url, sequence) in the node map").
func (a *App) handleClusterNodeMap(w http.ResponseWriter, r *http.Request) {
	if a.Head == nil {
		writeErr(w, http.StatusNotImplemented, cos.NewErrNotFound("this node is not the cluster head"))
		return
	}
	if !a.verifyClusterAuth(r) {
		writeErr(w, http.StatusUnauthorized, cos.NewErrNotFound("cluster auth"))
		return
	}
	var body nodeMapBody
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	a.Head.UpdateNodeMap(body.Rank, body.NodeURL, body.Sequence)
	writeJSON(w, http.StatusOK, nil)
}

// stateOpRequest mirrors cluster.StateProxy's request body.
type stateOpRequest struct {
	NodeURL string `json:"node_url"`
	Rank    *int   `json:"rank,omitempty"`
	Index   *int64 `json:"index,omitempty"`
}

// writeStateOpErr distinguishes end-of-stream from real failure so
// cluster.StateProxy.call (and in turn prefetch.submitLoop's type switch
// on *cos.ErrNoMoreIndices) doesn't see every head-side error collapsed
// into a generic 500/ErrIterationState.
func writeStateOpErr(w http.ResponseWriter, err error) {
	if _, ok := err.(*cos.ErrNoMoreIndices); ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeErr(w, http.StatusInternalServerError, err)
}

// handleStateOp is the head-side executor for every forwarded C5 op
// (spec §4.8 "State forwarding"). Only reachable when this node holds the
// canonical LocalState for the iteration, i.e. on the head.
func (a *App) handleStateOp(w http.ResponseWriter, r *http.Request, rt *IterationHandle, op string) {
	if !a.verifyClusterAuth(r) {
		writeErr(w, http.StatusUnauthorized, cos.NewErrNotFound("cluster auth"))
		return
	}
	var body stateOpRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	switch op {
	case "exists":
		writeJSON(w, http.StatusOK, map[string]bool{"exists": rt.Ops.Exists()})
	case "pushback_inprogress":
		if err := rt.Ops.PushbackInprogress(); err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, nil)
	case "complete":
		if body.Index == nil {
			writeErr(w, http.StatusBadRequest, cos.NewErrNotFound("index"))
			return
		}
		if err := rt.Ops.Complete(*body.Index); err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, nil)
	case "filtered":
		if body.Index == nil {
			writeErr(w, http.StatusBadRequest, cos.NewErrNotFound("index"))
			return
		}
		if err := rt.Ops.Filtered(*body.Index); err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, nil)
	case "failed":
		if body.Index == nil {
			writeErr(w, http.StatusBadRequest, cos.NewErrNotFound("index"))
			return
		}
		if err := rt.Ops.Failed(*body.Index); err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, nil)
	case "next_item":
		if body.Rank == nil {
			writeErr(w, http.StatusBadRequest, cos.NewErrNotFound("rank"))
			return
		}
		gi, err := rt.Ops.NextItem(*body.Rank)
		if err != nil {
			writeStateOpErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, gi)
	case "get_ranks":
		ranks, err := rt.Ops.GetRanks()
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ranks": ranks})
	case "get_progress":
		progress, err := rt.Ops.GetProgress()
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, progress)
	case "get_next_samples":
		if body.Rank == nil {
			writeErr(w, http.StatusBadRequest, cos.NewErrNotFound("rank"))
			return
		}
		cacheKey, params, err := rt.Ops.GetNextSamples(*body.Rank)
		if err != nil {
			writeStateOpErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cache_key": cacheKey, "params": params})
	default:
		writeErr(w, http.StatusBadRequest, cos.NewErrNotFound("state op %q", op))
	}
}
