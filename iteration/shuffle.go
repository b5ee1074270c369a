package iteration

import (
	"fmt"
	"math/rand"

	"github.com/OneOfOne/xxhash"
)

// shardOrder returns a deterministic permutation of [0, n) derived only
// from seed — never touching math/rand's global source, per spec §9's
// required re-architecture ("seeded PRNG scoped to the shuffle call;
// restore global state afterwards, or never touch a global in the first
// place"). We take the second option: every call constructs its own
// *rand.Rand, so there is no global state to restore.
func shardOrder(n int, seed int64) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if n <= 1 {
		return order
	}
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	return order
}

// shuffleIndices permutes a block's expanded indices deterministically
// as a function of (seed, the block's range endpoints), so repeated
// identical refills are reproducible (spec §4.5 push_indices step 4).
func shuffleIndices(indices []int64, seed int64, blockStarts, blockEnds []int64) []int64 {
	if len(indices) <= 1 {
		return indices
	}
	h := xxhash.New64()
	fmt.Fprintf(h, "%d", seed)
	for i := range blockStarts {
		fmt.Fprintf(h, ":%d-%d", blockStarts[i], blockEnds[i])
	}
	seed2 := int64(h.Sum64())

	out := append([]int64(nil), indices...)
	r := rand.New(rand.NewSource(seed2))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
