package iteration_test

import (
	"github.com/lavenderdata/lavender/cmn/cos"
	"github.com/lavenderdata/lavender/iteration"
	"github.com/lavenderdata/lavender/kvstore"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func newTestState(cfg iteration.Config) *iteration.LocalState {
	kv, err := kvstore.Open(":memory:")
	Expect(err).NotTo(HaveOccurred())
	shardsets := map[string]iteration.ShardsetMeta{
		"main": {
			ID: "main", Samples: []int64{4, 3, 5},
			Locations: []string{"file:///a", "file:///b", "file:///c"},
			Formats:   []string{"csv", "csv", "csv"},
		},
	}
	cfg.ShardsetIDs = []string{"main"}
	state := iteration.NewLocalState(kv, "it-"+cos.GenID(), cfg, shardsets, "uid", "string")
	Expect(state.Initialize()).To(Succeed())
	return state
}

func drain(state *iteration.LocalState, rank int) []int64 {
	var out []int64
	for {
		gi, err := state.NextItem(rank)
		if err != nil {
			Expect(err).To(BeAssignableToTypeOf(&cos.ErrNoMoreIndices{}))
			return out
		}
		out = append(out, gi.Index)
	}
}

var _ = Describe("LocalState", func() {
	It("accounts for every index across completed/filtered/failed/inprogress/queued", func() {
		state := newTestState(iteration.Config{Shuffle: iteration.ShuffleConfig{BlockSize: 1}})
		indices := drain(state, 0)
		Expect(indices).To(HaveLen(12))

		for i, idx := range indices {
			if i%2 == 0 {
				Expect(state.Complete(idx)).To(Succeed())
			} else {
				Expect(state.Failed(idx)).To(Succeed())
			}
		}

		progress, err := state.GetProgress()
		Expect(err).NotTo(HaveOccurred())
		Expect(progress.Completed + progress.Failed).To(Equal(int64(12)))
		Expect(progress.Total).To(Equal(int64(12)))
	})

	It("is idempotent: completing the same index twice counts once", func() {
		state := newTestState(iteration.Config{Shuffle: iteration.ShuffleConfig{BlockSize: 1}})
		gi, err := state.NextItem(0)
		Expect(err).NotTo(HaveOccurred())

		Expect(state.Complete(gi.Index)).To(Succeed())
		Expect(state.Complete(gi.Index)).To(Succeed())

		progress, err := state.GetProgress()
		Expect(err).NotTo(HaveOccurred())
		Expect(progress.Completed).To(Equal(int64(1)))
	})

	It("produces a deterministic permutation for a given (seed, block_size)", func() {
		cfg := iteration.Config{Shuffle: iteration.ShuffleConfig{Enabled: true, Seed: 42, BlockSize: 2}}
		s1 := newTestState(cfg)
		s2 := newTestState(cfg)
		Expect(drain(s1, 0)).To(Equal(drain(s2, 0)))
	})

	It("gives every member of a replication group the same index subsequence", func() {
		cfg := iteration.Config{
			Shuffle:       iteration.ShuffleConfig{Enabled: true, Seed: 7, BlockSize: 2},
			ReplicationPG: [][]int{{0, 1}},
		}
		state := newTestState(cfg)
		r0 := drain(state, 0)
		r1 := drain(state, 1)
		Expect(r0).To(Equal(r1))
	})

	It("rejects a rank outside every replication group", func() {
		cfg := iteration.Config{ReplicationPG: [][]int{{0, 1}}}
		state := newTestState(cfg)
		_, err := state.NextItem(2)
		Expect(err).To(BeAssignableToTypeOf(&cos.ErrRankNotInReplicationGroup{}))
	})

	It("restores in-progress indices to the head of the queue on pushback", func() {
		state := newTestState(iteration.Config{Shuffle: iteration.ShuffleConfig{BlockSize: 1}})
		first, err := state.NextItem(0)
		Expect(err).NotTo(HaveOccurred())

		Expect(state.PushbackInprogress()).To(Succeed())

		again, err := state.NextItem(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Index).To(Equal(first.Index))
	})
})
