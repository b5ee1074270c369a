// Package process implements "process next samples" (C6): gather samples
// via the reader façade, collate into a batch, run the preprocessor DAG in
// topological layers, and decollate when batch_size==0. Grounded on the
// teacher's ext/dsort package, whose errgroup-driven concurrent stage
// execution (one errgroup per shard-creation phase) is the model for
// running one DAG layer's preprocessors concurrently.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package process

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/lavenderdata/lavender/cmn/cos"
	"github.com/lavenderdata/lavender/iteration"
	"github.com/lavenderdata/lavender/registry"
	"github.com/lavenderdata/lavender/shard"
	"github.com/lavenderdata/lavender/wire"
)

// Processor runs C6 for one rank, given the registry and reader it shares
// with the rest of the node.
type Processor struct {
	reader   *shard.Reader
	registry *registry.Registry
}

func New(reader *shard.Reader, reg *registry.Registry) *Processor {
	return &Processor{reader: reader, registry: reg}
}

// RunWithRetry retries Run up to maxRetryCount additional times on
// failure (spec §4.6 step 6), returning the last error once exhausted.
func (p *Processor) RunWithRetry(ctx context.Context, params iteration.ProcessNextSamplesParams, maxRetryCount int) (*wire.Batch, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetryCount; attempt++ {
		batch, err := p.Run(ctx, params)
		if err == nil {
			return batch, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Run executes spec §4.6 steps 1-5 for one set of params, returning the
// final *wire.Batch or an error: *cos.ErrNoSamplesFound when every sample
// was dropped, *cos.ErrProcessing for a collate or preprocess failure, and
// read, registry-lookup or depends_on errors as they are.
func (p *Processor) Run(ctx context.Context, params iteration.ProcessNextSamplesParams) (*wire.Batch, error) {
	samples, indices, err := p.gather(ctx, params.GlobalSampleIndices, params.JoinMethod)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, &cos.ErrNoSamplesFound{}
	}

	collater, err := p.registry.Collater(params.Collater)
	if err != nil {
		return nil, err
	}
	batch, err := collater.Collate(samples, nil)
	if err != nil {
		return nil, p.wrapErr(err, params)
	}
	// spec §4.6 step 3: attach metadata so the client can mark samples
	// complete() without re-deriving indices from the request it sent.
	batch.Indices = indices
	batch.Current = params.Current

	layers, err := p.buildLayers(params.Preprocessors)
	if err != nil {
		return nil, err
	}
	for _, layer := range layers {
		batch, err = p.runLayer(ctx, layer, batch)
		if err != nil {
			return nil, p.wrapErr(err, params)
		}
	}

	if params.BatchSize == 0 {
		wire.Decollate(batch)
	}
	return batch, nil
}

// gather is step 1: read every sample, dropping inner-join misses
// (spec §4.3's ErrInsufficientSample is not fatal to the whole batch).
func (p *Processor) gather(ctx context.Context, indices []shard.GlobalSampleIndex, join shard.JoinMethod) (samples []map[string]wire.Value, kept []int64, err error) {
	samples = make([]map[string]wire.Value, 0, len(indices))
	kept = make([]int64, 0, len(indices))
	for _, idx := range indices {
		rec, err := p.reader.GetSample(ctx, idx, join)
		if err != nil {
			if _, ok := err.(*cos.ErrInsufficientSample); ok {
				continue
			}
			return nil, nil, err
		}
		samples = append(samples, rec)
		kept = append(kept, idx.Index)
	}
	return samples, kept, nil
}

// buildLayers topologically sorts the configured preprocessors by
// depends_on into concurrent execution groups (spec §4.6 step 4).
func (p *Processor) buildLayers(refs []iteration.PreprocessorRef) ([][]layerEntry, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	byName := make(map[string]iteration.PreprocessorRef, len(refs))
	order := make(map[string]int, len(refs))
	for i, r := range refs {
		byName[r.Name] = r
		order[r.Name] = i
	}

	entries := make(map[string]*registry.Registration, len(refs))
	for _, r := range refs {
		reg, err := p.registry.Preprocessor(r.Name)
		if err != nil {
			return nil, err
		}
		for _, dep := range reg.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, &cos.ErrUnknownDependency{Preprocessor: r.Name, DependsOn: dep}
			}
		}
		entries[r.Name] = reg
	}

	remaining := make(map[string]bool, len(refs))
	for name := range entries {
		remaining[name] = true
	}

	var layers [][]layerEntry
	for len(remaining) > 0 {
		var layer []layerEntry
		for name := range remaining {
			reg := entries[name]
			ready := true
			for _, dep := range reg.DependsOn {
				if remaining[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, layerEntry{reg: reg, params: byName[name].Params})
			}
		}
		if len(layer) == 0 {
			// a cycle among depends_on; report it as an error rather than
			// looping forever.
			return nil, fmt.Errorf("process: cyclic depends_on among preprocessors")
		}
		// `remaining` is a map, so the loop above visits names in random
		// order; sort each layer back to config order so runLayer's
		// last-writer-wins column merge is deterministic run to run.
		sort.Slice(layer, func(i, j int) bool {
			return order[layer[i].reg.Name] < order[layer[j].reg.Name]
		})
		for _, le := range layer {
			delete(remaining, le.reg.Name)
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

type layerEntry struct {
	reg    *registry.Registration
	params map[string]any
}

// runLayer runs every preprocessor in one DAG layer concurrently against
// the same input batch and merges their output columns; later entries in
// the layer win on column-name collision, mirroring the teacher's
// last-writer-wins merge in ext/dsort's per-shard metadata assembly.
func (p *Processor) runLayer(ctx context.Context, layer []layerEntry, in *wire.Batch) (*wire.Batch, error) {
	outs := make([]*wire.Batch, len(layer))
	g, _ := errgroup.WithContext(ctx)
	for i, le := range layer {
		i, le := i, le
		g.Go(func() error {
			out, err := le.reg.Preprocessor.Process(in, le.params)
			if err != nil {
				return err
			}
			outs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := &wire.Batch{Columns: map[string]wire.Value{}, Indices: in.Indices, Current: in.Current}
	for k, v := range in.Columns {
		merged.Columns[k] = v
	}
	for _, out := range outs {
		if out == nil {
			continue
		}
		for k, v := range out.Columns {
			merged.Columns[k] = v
		}
		if len(out.Indices) > 0 {
			merged.Indices = out.Indices
		}
	}
	return merged, nil
}

func (p *Processor) wrapErr(err error, params iteration.ProcessNextSamplesParams) error {
	if pe, ok := err.(*cos.ErrProcessing); ok {
		return pe
	}
	indices := make([]int64, len(params.GlobalSampleIndices))
	for i, g := range params.GlobalSampleIndices {
		indices[i] = g.Index
	}
	return &cos.ErrProcessing{
		Msg:     err.Error(),
		Stack:   string(debug.Stack()),
		Current: params.Current,
		Indices: indices,
	}
}
