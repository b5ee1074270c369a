// Package iteration implements the iteration state machine (C5): the
// hardest subsystem per spec §2, mapping a dataset + config into an
// ordered, deterministically-shuffled, per-rank stream of global sample
// indices with at-most-once delivery and fault-tolerant pushback.
// Grounded on the teacher's ext/dsort package, which solves the adjacent
// problem of deterministically partitioning and redistributing very large
// datasets across a cluster (shard ranges, block-wise work queues,
// errgroup-driven concurrent stages).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package iteration

import (
	"github.com/lavenderdata/lavender/cmn/cos"
	"github.com/lavenderdata/lavender/shard"
)

// ShuffleConfig controls deterministic shuffling (spec §3, §4.5).
type ShuffleConfig struct {
	Enabled   bool
	Seed      int64
	BlockSize int
}

// FilterRef / PreprocessorRef name a registry entry plus its call params.
type FilterRef struct {
	Name   string
	Params map[string]any
}

type PreprocessorRef struct {
	Name   string
	Params map[string]any
}

// ShardsetMeta mirrors the catalog facts C5 needs about one shardset
// (spec §3); the catalog itself is an external collaborator (spec §1).
type ShardsetMeta struct {
	ID           string
	Columns      []string
	Samples      []int64 // per-shard sample count, dense 0..N-1
	Locations    []string
	Formats      []string
	Filesizes    []int64
	TotalSamples int64
}

// Config is immutable after an iteration is created (spec §3).
type Config struct {
	Dataset                  string
	ShardsetIDs              []string
	Filters                  []FilterRef
	Categorizer              string
	Collater                 string
	Preprocessors            []PreprocessorRef
	Shuffle                  ShuffleConfig
	BatchSize                int
	ReplicationPG            [][]int
	WaitParticipantThreshold int
	NoCache                  bool
	MaxRetryCount            int
	SkipOnFailure            bool
	NumWorkers               int
	PrefetchFactor           int
	InOrder                  bool
	ClusterSync              bool
	WorldSize                int
	JoinMethod               shard.JoinMethod // default left
}

// Fingerprint is the stable hash used to deduplicate create-iteration
// calls (spec §4.5), built from cmn/cos.Fingerprint over the normalized
// config fields that must match for two calls to mean "the same
// iteration".
func (c *Config) Fingerprint() string {
	return cos.Fingerprint(
		c.Dataset, c.ShardsetIDs, c.Filters, c.Categorizer, c.Collater,
		c.Preprocessors, c.Shuffle, c.BatchSize, c.ReplicationPG,
	)
}

// Progress is the result of get_progress (spec §4.5).
type Progress struct {
	Current    int64
	InProgress map[int64]InProgressEntry
	Completed  int64
	Filtered   int64
	Failed     int64
	Total      int64
}

type InProgressEntry struct {
	Rank      int
	StartedAt int64 // mono.NanoTime()
}

// ProcessNextSamplesParams is C6's input (spec §4.6), also returned by
// get_next_samples so the prefetcher (C7) never computes it itself.
type ProcessNextSamplesParams struct {
	Current           int64
	GlobalSampleIndices []shard.GlobalSampleIndex
	Collater          string
	Preprocessors     []PreprocessorRef
	BatchSize         int
	JoinMethod        shard.JoinMethod
}

// Meta describes one iteration's identity and dataset-derived facts,
// computed once at create time (spec §3 "Iteration").
type Meta struct {
	ID              string
	Config          Config
	Total           int64
	UIDColumnName   string
	UIDColumnType   string
	Shardsets       map[string]ShardsetMeta
	MainShardsetID  string
	Ranks           map[int]bool // ranks that have joined (restart precedence, spec §4.5)
}
