// Package prefetch implements the per-rank prefetch pipeline (C7): a
// submit loop that keeps in-flight + buffered work bounded by
// prefetch_factor * num_workers, a C9 workerpool.Pool that runs C6 and
// stores the result under a cache key, and get_next which serves a ready
// batch or signals the caller to retry. Grounded on the teacher's xact
// (extended action) package, whose run/stop/done lifecycle with a bounded
// work queue and a pool of goroutines is the same submit/process split
// this spec calls for; concurrency comes from the workerpool package and
// the standard library's sync primitives.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package prefetch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lavenderdata/lavender/cmn/cos"
	"github.com/lavenderdata/lavender/cmn/nlog"
	"github.com/lavenderdata/lavender/iteration"
	"github.com/lavenderdata/lavender/kvstore"
	"github.com/lavenderdata/lavender/process"
	"github.com/lavenderdata/lavender/wire"
	"github.com/lavenderdata/lavender/workerpool"
)

const (
	prefixBatch = "batch:"
	prefixPErr  = "processing_error:"
	prefixErr   = "error:"

	pollInterval = 10 * time.Millisecond
	stopJoin     = 5 * time.Second
)

// Config are the per-iteration knobs C7 needs (spec §3, §4.7).
type Config struct {
	NumWorkers     int
	PrefetchFactor int
	NoCache        bool
	BatchSize      int
	MaxRetryCount  int
	SkipOnFailure  bool
	InOrder        bool
	CacheTTL       time.Duration

	// RecordSequence, when set, reports every newly-submitted (rank, seq)
	// pair to the cluster head's node map (spec §4.7/§4.8); nil in
	// single-node deployments.
	RecordSequence func(rank int, seq int64)
}

// Pool owns one rankState per rank currently started for an iteration.
type Pool struct {
	kv   *kvstore.Store
	ops  iteration.Ops
	proc *process.Processor
	cfg  Config

	mu    sync.Mutex
	ranks map[int]*rankState
}

func New(kv *kvstore.Store, ops iteration.Ops, proc *process.Processor, cfg Config) *Pool {
	return &Pool{kv: kv, ops: ops, proc: proc, cfg: cfg, ranks: map[int]*rankState{}}
}

type workItem struct {
	seq      int64
	cacheKey string
	params   iteration.ProcessNextSamplesParams
}

type rankState struct {
	mu       sync.Mutex
	fetching []int64
	fetched  map[int64]string // seq -> cache key

	current      int64
	allSubmitted bool
	done         bool
	stopped      bool

	// workers is this rank's C9 pool (spec §4.9): num_workers goroutines
	// draining a bounded queue, with a kill switch used by Stop.
	workers *workerpool.Pool
}

func (p *Pool) capacity() int { return p.cfg.PrefetchFactor * p.cfg.NumWorkers }

// Start spawns the submit loop and a num_workers-sized C9 pool for rank
// (spec §4.7 Start(rank)).
func (p *Pool) Start(ctx context.Context, rank int) {
	p.mu.Lock()
	if _, ok := p.ranks[rank]; ok {
		p.mu.Unlock()
		return
	}
	rs := &rankState{fetched: map[int64]string{}}
	// Queue capacity must cover the submit loop's own backpressure bound
	// (p.capacity(), spec §3 prefetch_factor*num_workers) or Submit's send
	// blocks once prefetch_factor > 4, stalling shutdown.
	rs.workers = workerpool.New(p.cfg.NumWorkers, p.capacity(), func() (any, func()) { return nil, nil })
	p.ranks[rank] = rs
	p.mu.Unlock()

	go p.submitLoop(ctx, rank, rs)
}

func (p *Pool) submitLoop(ctx context.Context, rank int, rs *rankState) {
	for {
		rs.mu.Lock()
		stopped := rs.stopped
		inflight := len(rs.fetching) + len(rs.fetched)
		rs.mu.Unlock()
		if stopped {
			return
		}
		if inflight >= p.capacity() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		cacheKey, params, err := p.ops.GetNextSamples(rank)
		if err != nil {
			if _, ok := err.(*cos.ErrNoMoreIndices); ok {
				rs.mu.Lock()
				rs.allSubmitted = true
				rs.mu.Unlock()
				p.maybeMarkDone(rs)
				return
			}
			nlog.Warningf("prefetch: rank %d get_next_samples: %v", rank, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		seq := params.Current
		rs.mu.Lock()
		rs.fetching = append(rs.fetching, seq)
		rs.mu.Unlock()
		// spec §4.7 submit loop step 2: record (rank, node_url, sequence)
		// in the head's node map for head-side fetch routing.
		if p.cfg.RecordSequence != nil {
			p.cfg.RecordSequence(rank, seq)
		}

		if p.cfg.NoCache {
			_ = p.kv.Delete(cacheKey)
		} else if existing, found, _ := p.kv.Get(cacheKey); found {
			_ = p.kv.Set(cacheKey, existing, p.cfg.CacheTTL)
			p.markFetched(rs, seq, cacheKey)
			continue
		}

		if ctx.Err() != nil {
			return
		}
		item := workItem{seq: seq, cacheKey: cacheKey, params: params}
		workID := workerpool.WorkID(fmt.Sprintf("%d:%d", rank, seq))
		rs.workers.Submit(workID, func(any) (any, error) {
			p.runOne(ctx, rank, rs, item)
			return nil, nil
		}, func(res workerpool.Result) {
			if res.Err != nil {
				nlog.Warningf("prefetch: rank %d work %s: %v", rank, workID, res.Err)
				p.removeFetching(rs, item.seq)
			}
			p.maybeMarkDone(rs)
		})
	}
}

func (p *Pool) runOne(ctx context.Context, rank int, rs *rankState, item workItem) {
	batch, err := p.proc.RunWithRetry(ctx, item.params, p.cfg.MaxRetryCount)
	var value string
	if err != nil {
		if p.cfg.SkipOnFailure {
			for _, gi := range item.params.GlobalSampleIndices {
				_ = p.ops.Filtered(gi.Index)
			}
			p.removeFetching(rs, item.seq)
			return
		}
		value = encodeError(err, item.params)
	} else {
		if p.cfg.BatchSize == 0 {
			wire.Decollate(batch)
		}
		raw, encErr := wire.Encode(batch)
		if encErr != nil {
			value = encodeError(encErr, item.params)
		} else {
			value = prefixBatch + base64.StdEncoding.EncodeToString(raw)
		}
	}

	if err := p.kv.Set(item.cacheKey, value, p.cfg.CacheTTL); err != nil {
		nlog.Warningf("prefetch: rank %d store %s: %v", rank, item.cacheKey, err)
	}
	p.markFetched(rs, item.seq, item.cacheKey)
}

// maybeMarkDone transitions rs to done once the submit loop has exhausted
// get_next_samples and every in-flight item has been resolved.
func (p *Pool) maybeMarkDone(rs *rankState) {
	rs.mu.Lock()
	done := rs.allSubmitted && len(rs.fetching) == 0
	rs.mu.Unlock()
	if done {
		p.markDone(rs)
	}
}

func encodeError(err error, params iteration.ProcessNextSamplesParams) string {
	if pe, ok := err.(*cos.ErrProcessing); ok {
		b, _ := json.Marshal(pe)
		return prefixPErr + string(b)
	}
	return prefixErr + err.Error()
}

func (p *Pool) removeFetching(rs *rankState, seq int64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.fetching = removeSeq(rs.fetching, seq)
}

func (p *Pool) markFetched(rs *rankState, seq int64, cacheKey string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.fetching = removeSeq(rs.fetching, seq)
	rs.fetched[seq] = cacheKey
}

func removeSeq(xs []int64, seq int64) []int64 {
	out := xs[:0]
	for _, x := range xs {
		if x != seq {
			out = append(out, x)
		}
	}
	return out
}

func (p *Pool) markDone(rs *rankState) {
	rs.mu.Lock()
	rs.done = true
	rs.mu.Unlock()
}

// GetNext implements spec §4.7 get_next(rank, seq?).
func (p *Pool) GetNext(rank int, seq *int64) (*wire.Batch, int64, error) {
	p.mu.Lock()
	rs, ok := p.ranks[rank]
	p.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("prefetch: rank %d not started", rank)
	}

	rs.mu.Lock()
	var (
		target int64
		key    string
		found  bool
	)
	switch {
	case seq != nil:
		target = *seq
		key, found = rs.fetched[target]
	case p.cfg.InOrder:
		target = rs.current
		key, found = rs.fetched[target]
	default:
		for s, k := range rs.fetched {
			target, key, found = s, k, true
			break
		}
	}
	if found {
		delete(rs.fetched, target)
		if p.cfg.InOrder && target == rs.current {
			rs.current++
		}
	}
	done := rs.done
	rs.mu.Unlock()

	if !found {
		if done {
			return nil, 0, &cos.ErrNoMoreIndices{}
		}
		return nil, target, &cos.ErrNotFetchedYet{Rank: rank}
	}

	raw, ok2, err := p.kv.Get(key)
	if err != nil {
		return nil, target, err
	}
	if !ok2 {
		return nil, target, &cos.ErrNotFetchedYet{Rank: rank}
	}

	switch {
	case len(raw) >= len(prefixBatch) && raw[:len(prefixBatch)] == prefixBatch:
		data, err := base64.StdEncoding.DecodeString(raw[len(prefixBatch):])
		if err != nil {
			return nil, target, err
		}
		batch, err := wire.Decode(data)
		return batch, target, err
	case len(raw) >= len(prefixPErr) && raw[:len(prefixPErr)] == prefixPErr:
		var pe cos.ErrProcessing
		if err := json.Unmarshal([]byte(raw[len(prefixPErr):]), &pe); err != nil {
			return nil, target, err
		}
		return nil, target, &pe
	case len(raw) >= len(prefixErr) && raw[:len(prefixErr)] == prefixErr:
		return nil, target, fmt.Errorf("%s", raw[len(prefixErr):])
	default:
		return nil, target, fmt.Errorf("prefetch: unrecognized cache value for %s", key)
	}
}

// Current returns the sequence rank is waiting on next, without popping
// anything; it advances only in in-order mode and stays 0 otherwise. Used by GET /iterations/{id}/prefetcher-current (spec §4.8
// "Node map"), which only needs to know what each node is working on.
func (p *Pool) Current(rank int) int64 {
	p.mu.Lock()
	rs, ok := p.ranks[rank]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.current
}

// Stop implements spec §4.7 Stop(rank): signal stop, then kill this rank's
// C9 pool (spec §4.9/§5's abort-broadcast) with a bounded join.
func (p *Pool) Stop(rank int) {
	p.mu.Lock()
	rs, ok := p.ranks[rank]
	p.mu.Unlock()
	if !ok {
		return
	}
	rs.mu.Lock()
	rs.stopped = true
	rs.allSubmitted = true // submitLoop will submit nothing further; unblocks maybeMarkDone
	rs.mu.Unlock()

	doneCh := make(chan struct{})
	go func() { rs.workers.Kill(); close(doneCh) }()
	select {
	case <-doneCh:
	case <-time.After(stopJoin):
		nlog.Warningf("prefetch: rank %d stop: timed out after %s joining workers", rank, stopJoin)
	}
	p.maybeMarkDone(rs)
}

// StopAll stops every rank started against this pool; used on node
// shutdown so no submit/process goroutine outlives the server.
func (p *Pool) StopAll() {
	p.mu.Lock()
	ranks := make([]int, 0, len(p.ranks))
	for rank := range p.ranks {
		ranks = append(ranks, rank)
	}
	p.mu.Unlock()

	for _, rank := range ranks {
		p.Stop(rank)
	}
}
