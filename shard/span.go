// Package shard implements the shard span index (C2) and the sample
// reader façade (C3). Grounded on the teacher's object-addressing pattern
// in ext/dsort/dsort.go, which also maps a flat logical offset into a
// (shard, in-shard offset) pair using prefix sums over shard sizes.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package shard

import "sort"

// Span is a pure function of shard sizes: given a global sample index i
// and the per-shard sample counts, returns (shard_idx, in-shard offset).
// offset = i - sum(sizes[:shard_idx]); shard_idx is the smallest index
// with sum(sizes[:shard_idx+1]) > i.
//
// Uses a prefix-sum table and binary search, O(log N) per lookup as
// permitted (not required) by spec §4.2.
type Span struct {
	sizes  []int64
	prefix []int64 // prefix[k] = sum(sizes[:k]); len(prefix) == len(sizes)+1
	total  int64
}

func NewSpan(sizes []int64) *Span {
	prefix := make([]int64, len(sizes)+1)
	for i, n := range sizes {
		prefix[i+1] = prefix[i] + n
	}
	return &Span{sizes: sizes, prefix: prefix, total: prefix[len(prefix)-1]}
}

func (s *Span) Total() int64 { return s.total }

// Locate returns (shardIdx, offset) for global index i, or ok=false if i
// is out of range.
func (s *Span) Locate(i int64) (shardIdx int, offset int64, ok bool) {
	if i < 0 || i >= s.total {
		return 0, 0, false
	}
	// smallest k such that prefix[k+1] > i
	k := sort.Search(len(s.sizes), func(k int) bool { return s.prefix[k+1] > i })
	return k, i - s.prefix[k], true
}

// OffsetStart/OffsetEnd give the inclusive global-index range of shard k,
// the [start, end] pairs the block queue (spec §4.5 step 3) is built from.
func (s *Span) OffsetStart(k int) int64 { return s.prefix[k] }
func (s *Span) OffsetEnd(k int) int64   { return s.prefix[k+1] - 1 }

func (s *Span) NumShards() int { return len(s.sizes) }
