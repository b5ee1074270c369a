package iteration

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lavenderdata/lavender/cmn/mono"
	"github.com/lavenderdata/lavender/cmn/cos"
	"github.com/lavenderdata/lavender/kvstore"
	"github.com/lavenderdata/lavender/shard"
)

const lockTimeout = 5 * time.Second

// LocalState is the head-side, canonical implementation of Ops: the only
// place spec §4.5's ten-step state machine actually runs. Workers reach
// it only through cluster.StateProxy (spec §4.8).
type LocalState struct {
	kv  *kvstore.Store
	id  string
	cfg Config

	// derived at Initialize, stable for the iteration's lifetime
	order      []int // shard order (post-shuffle, identity if !Shuffle.Enabled)
	span       *shard.Span
	shardsets  map[string]ShardsetMeta
	mainID     string
	uidName    string
	uidType    string
}

var _ Ops = (*LocalState)(nil)

func NewLocalState(kv *kvstore.Store, id string, cfg Config, shardsets map[string]ShardsetMeta, uidName, uidType string) *LocalState {
	return &LocalState{kv: kv, id: id, cfg: cfg, shardsets: shardsets, uidName: uidName, uidType: uidType}
}

func (s *LocalState) key(parts ...string) string { return kvstore.IterationKey(s.id, parts...) }

// Exists reports whether Initialize has already run for this id — used
// by Initialize itself to stay idempotent and as Exists() in Ops.
func (s *LocalState) Exists() bool {
	_, ok, _ := s.kv.Get(s.key("total"))
	return ok
}

// Initialize runs the four steps of spec §4.5 exactly once per iteration
// id. Safe to call concurrently; callers should already hold
// "iteration_create:<fingerprint>" per spec §4.1.
func (s *LocalState) Initialize() error {
	if s.Exists() {
		return nil
	}

	// 1. select main shardset = included shardset with minimum total_samples.
	var main ShardsetMeta
	first := true
	for _, id := range s.cfg.ShardsetIDs {
		sm, ok := s.shardsets[id]
		if !ok {
			return fmt.Errorf("iteration: unknown shardset %q", id)
		}
		if first || sm.TotalSamples < main.TotalSamples {
			main, first = sm, false
		}
	}
	s.mainID = main.ID

	// 2. shard order, deterministic shuffle of the main shardset if enabled.
	n := len(main.Samples)
	if s.cfg.Shuffle.Enabled {
		s.order = shardOrder(n, s.cfg.Shuffle.Seed)
	} else {
		s.order = make([]int, n)
		for i := range s.order {
			s.order[i] = i
		}
	}
	sizes := make([]int64, n)
	for pos, shardIdx := range s.order {
		sizes[pos] = main.Samples[shardIdx]
	}
	s.span = shard.NewSpan(sizes)

	// 3. block queue: one [start, end] pair per shard, in (post-shuffle) order.
	blocks := make([]string, n)
	for pos := 0; pos < n; pos++ {
		blocks[pos] = encodeBlock(s.order[pos], s.span.OffsetStart(pos), s.span.OffsetEnd(pos))
	}
	if err := s.kv.RPush(s.key("shard_samples"), blocks...); err != nil {
		return err
	}

	// 4. persist immutable config + reset counters.
	total := s.span.Total()
	for k, v := range map[string]string{
		"total":               strconv.FormatInt(total, 10),
		"batch_size":          strconv.Itoa(s.cfg.BatchSize),
		"uid_column_name":     s.uidName,
		"uid_column_type":     s.uidType,
		"main_shardset_id":    s.mainID,
		"shuffle_seed":        strconv.FormatInt(s.cfg.Shuffle.Seed, 10),
		"shuffle_block_size":  strconv.Itoa(s.cfg.Shuffle.BlockSize),
		"shuffle_enabled":     strconv.FormatBool(s.cfg.Shuffle.Enabled),
	} {
		if err := s.kv.Set(s.key(k), v, 0); err != nil {
			return err
		}
	}
	if len(s.cfg.ReplicationPG) > 0 {
		b, _ := json.Marshal(s.cfg.ReplicationPG)
		if err := s.kv.Set(s.key("replication_pg"), string(b), 0); err != nil {
			return err
		}
	}
	for _, c := range []string{"completed", "filtered", "failed", "pushed"} {
		if err := s.kv.Set(s.key(c), "0", 0); err != nil {
			return err
		}
	}
	return nil
}

func encodeBlock(shardIdx int, start, end int64) string {
	return fmt.Sprintf("%d:%d:%d", shardIdx, start, end)
}

func decodeBlock(s string) (shardIdx int, start, end int64, err error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("iteration: malformed block %q", s)
	}
	si, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, err
	}
	st, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	en, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	return si, st, en, nil
}

// NextItem is next_item(rank) from spec §4.5.
func (s *LocalState) NextItem(rank int) (shard.GlobalSampleIndex, error) {
	popped, err := s.kv.LPop(s.key("indices", strconv.Itoa(rank)), 1)
	if err != nil {
		return shard.GlobalSampleIndex{}, err
	}
	if len(popped) == 0 {
		if err := s.kv.WithLock("iteration:"+s.id, lockTimeout, func() error {
			return s.pushIndices(rank)
		}); err != nil {
			return shard.GlobalSampleIndex{}, err
		}
		popped, err = s.kv.LPop(s.key("indices", strconv.Itoa(rank)), 1)
		if err != nil {
			return shard.GlobalSampleIndex{}, err
		}
	}
	if len(popped) == 0 {
		return shard.GlobalSampleIndex{}, &cos.ErrNoMoreIndices{IterationID: s.id}
	}

	idx, err := strconv.ParseInt(popped[0], 10, 64)
	if err != nil {
		return shard.GlobalSampleIndex{}, err
	}
	if err := s.kv.HSet(s.key("inprogress"), popped[0], fmt.Sprintf("%d:%d", rank, mono.NanoTime())); err != nil {
		return shard.GlobalSampleIndex{}, err
	}
	return s.globalSampleIndex(idx)
}

func (s *LocalState) globalSampleIndex(idx int64) (shard.GlobalSampleIndex, error) {
	pos, offset, ok := s.span.Locate(idx)
	if !ok {
		return shard.GlobalSampleIndex{}, fmt.Errorf("iteration: index %d out of range", idx)
	}
	shardIdx := s.order[pos]
	main := s.shardsets[s.mainID]

	gi := shard.GlobalSampleIndex{
		Index:         idx,
		UIDColumnName: s.uidName,
		UIDColumnType: s.uidType,
		MainShard: shard.ShardInfo{
			ShardsetID:  s.mainID,
			ShardIndex:  shardIdx,
			SampleIndex: offset,
			Location:    main.Locations[shardIdx],
			Format:      main.Formats[shardIdx],
		},
	}
	for _, sid := range s.cfg.ShardsetIDs {
		if sid == s.mainID {
			continue
		}
		sm := s.shardsets[sid]
		if shardIdx >= len(sm.Locations) {
			continue
		}
		gi.FeatureShards = append(gi.FeatureShards, shard.ShardInfo{
			ShardsetID:  sid,
			ShardIndex:  shardIdx,
			SampleIndex: offset,
			Location:    sm.Locations[shardIdx],
			Format:      sm.Formats[shardIdx],
		})
	}
	return gi, nil
}

// pushIndices is push_indices(rank) from spec §4.5. Caller must hold the
// per-iteration lock.
func (s *LocalState) pushIndices(rank int) error {
	// Resolve which ranks get this block BEFORE popping anything off
	// shard_samples: an unknown rank must fail without consuming the queue,
	// or the popped block is lost forever while pushed still counts it
	// (corrupting get_progress's accounting).
	members := []int{rank}
	if len(s.cfg.ReplicationPG) > 0 {
		members = nil
		for _, group := range s.cfg.ReplicationPG {
			for _, r := range group {
				if r == rank {
					members = group
				}
			}
		}
		if members == nil {
			return &cos.ErrRankNotInReplicationGroup{Rank: rank}
		}
	}

	blockSize := 1
	if s.cfg.Shuffle.Enabled {
		blockSize = s.cfg.Shuffle.BlockSize
	}

	raw, err := s.kv.LPop(s.key("shard_samples"), blockSize)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil // block queue exhausted; NextItem's caller will surface NoMoreIndices
	}

	var (
		indices     []int64
		starts, ends []int64
	)
	for _, blk := range raw {
		_, start, end, err := decodeBlock(blk)
		if err != nil {
			return err
		}
		starts, ends = append(starts, start), append(ends, end)
		for i := start; i <= end; i++ {
			indices = append(indices, i)
		}
	}
	if s.cfg.Shuffle.Enabled {
		indices = shuffleIndices(indices, s.cfg.Shuffle.Seed, starts, ends)
	}

	if _, err := s.kv.Incr(s.key("pushed"), int64(len(indices))); err != nil {
		return err
	}

	strs := make([]string, len(indices))
	for i, idx := range indices {
		strs[i] = strconv.FormatInt(idx, 10)
	}

	for _, member := range members {
		if err := s.kv.RPush(s.key("indices", strconv.Itoa(member)), strs...); err != nil {
			return err
		}
	}
	return nil
}

func (s *LocalState) transition(index int64, counter string) error {
	field := strconv.FormatInt(index, 10)
	_, ok, err := s.kv.HGet(s.key("inprogress"), field)
	if err != nil {
		return err
	}
	if !ok {
		return nil // already transitioned: idempotent (spec §4.5, §8)
	}
	if err := s.kv.HDel(s.key("inprogress"), field); err != nil {
		return err
	}
	_, err = s.kv.Incr(s.key(counter), 1)
	return err
}

func (s *LocalState) Complete(index int64) error { return s.transition(index, "completed") }
func (s *LocalState) Filtered(index int64) error { return s.transition(index, "filtered") }
func (s *LocalState) Failed(index int64) error   { return s.transition(index, "failed") }

// PushbackInprogress moves every in-progress entry back to the head of
// its rank's queue, preserving index, then clears the hash.
func (s *LocalState) PushbackInprogress() error {
	entries, err := s.kv.HGetAll(s.key("inprogress"))
	if err != nil {
		return err
	}
	byRank := map[int][]string{}
	for field, val := range entries {
		rank, _, err := splitInprogress(val)
		if err != nil {
			continue
		}
		byRank[rank] = append(byRank[rank], field)
	}
	for rank, indices := range byRank {
		if err := s.kv.LPushFront(s.key("indices", strconv.Itoa(rank)), indices...); err != nil {
			return err
		}
	}
	return s.kv.HClear(s.key("inprogress"))
}

func splitInprogress(val string) (rank int, startedAt int64, err error) {
	parts := strings.SplitN(val, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("iteration: malformed inprogress value %q", val)
	}
	rank, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	startedAt, err = strconv.ParseInt(parts[1], 10, 64)
	return rank, startedAt, err
}

func (s *LocalState) GetRanks() ([]int, error) {
	keys, err := s.kv.Keys(s.key("indices") + ":*")
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	prefix := s.key("indices") + ":"
	for _, k := range keys {
		r, err := strconv.Atoi(strings.TrimPrefix(k, prefix))
		if err == nil {
			seen[r] = true
		}
	}
	ranks := make([]int, 0, len(seen))
	for r := range seen {
		ranks = append(ranks, r)
	}
	return ranks, nil
}

// GetProgress is get_progress from spec §4.5: current is advisory and may
// momentarily lag concurrent refills.
func (s *LocalState) GetProgress() (Progress, error) {
	pushed, err := s.readCounter("pushed")
	if err != nil {
		return Progress{}, err
	}
	completed, err := s.readCounter("completed")
	if err != nil {
		return Progress{}, err
	}
	filtered, err := s.readCounter("filtered")
	if err != nil {
		return Progress{}, err
	}
	failed, err := s.readCounter("failed")
	if err != nil {
		return Progress{}, err
	}
	total, err := s.readCounter("total")
	if err != nil {
		return Progress{}, err
	}

	ranks, err := s.GetRanks()
	if err != nil {
		return Progress{}, err
	}
	var queued int64
	for _, r := range ranks {
		n, err := s.kv.LLen(s.key("indices", strconv.Itoa(r)))
		if err != nil {
			return Progress{}, err
		}
		queued += int64(n)
	}

	raw, err := s.kv.HGetAll(s.key("inprogress"))
	if err != nil {
		return Progress{}, err
	}
	inprogress := make(map[int64]InProgressEntry, len(raw))
	for field, val := range raw {
		idx, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		rank, startedAt, err := splitInprogress(val)
		if err != nil {
			continue
		}
		inprogress[idx] = InProgressEntry{Rank: rank, StartedAt: startedAt}
	}

	return Progress{
		Current:    pushed - queued,
		InProgress: inprogress,
		Completed:  completed,
		Filtered:   filtered,
		Failed:     failed,
		Total:      total,
	}, nil
}

func (s *LocalState) readCounter(name string) (int64, error) {
	v, ok, err := s.kv.Get(s.key(name))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// GetNextSamples is get_next_samples(rank): dispenses the next batch_size
// (or one, if batch_size == 0) global indices and wraps them in
// ProcessNextSamplesParams under a freshly minted per-rank sequence,
// ready for C6 (spec §4.7 submit loop step 1, forwarded verbatim by
// cluster.StateProxy per spec §4.8).
func (s *LocalState) GetNextSamples(rank int) (string, ProcessNextSamplesParams, error) {
	n := s.cfg.BatchSize
	if n < 1 {
		n = 1
	}

	indices := make([]shard.GlobalSampleIndex, 0, n)
	for i := 0; i < n; i++ {
		gi, err := s.NextItem(rank)
		if err != nil {
			if _, ok := err.(*cos.ErrNoMoreIndices); ok && len(indices) > 0 {
				// Deliver a final, shorter-than-batch_size batch instead of
				// discarding what was already popped for this rank.
				break
			}
			return "", ProcessNextSamplesParams{}, err
		}
		indices = append(indices, gi)
	}

	// The cache key's sequence is this rank's own call counter (spec §3
	// "Batch cache entry", §4.1 "a current sequence number"), not the
	// dataset-wide pushed counter get_progress reports.
	seq, err := s.kv.Incr(s.key("seq", strconv.Itoa(rank)), 1)
	if err != nil {
		return "", ProcessNextSamplesParams{}, err
	}
	seq--

	cacheKey := cacheKeyFor(s.id, rank, seq)
	params := ProcessNextSamplesParams{
		Current:             seq,
		GlobalSampleIndices: indices,
		Collater:            s.cfg.Collater,
		Preprocessors:       s.cfg.Preprocessors,
		BatchSize:           s.cfg.BatchSize,
		JoinMethod:          s.cfg.JoinMethod,
	}
	return cacheKey, params, nil
}

// cacheKeyFor builds the cache key described in spec §3 "Batch cache
// entry": hash(iteration_id, rank, sequence).
func cacheKeyFor(iterationID string, rank int, seq int64) string {
	return cos.Fingerprint(iterationID, rank, seq)
}
