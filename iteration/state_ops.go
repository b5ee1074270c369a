package iteration

import "github.com/lavenderdata/lavender/shard"

// Ops is the interface every component above C5 depends on (spec §9's
// required re-architecture of the cyclic cluster/state/prefetcher
// imports): the prefetcher and the HTTP handlers call through Ops, never
// through a concrete type, so a local implementation (LocalState) and a
// cluster proxy (cluster.StateProxy) are interchangeable.
type Ops interface {
	Exists() bool
	PushbackInprogress() error
	Complete(index int64) error
	Filtered(index int64) error
	Failed(index int64) error
	NextItem(rank int) (shard.GlobalSampleIndex, error)
	GetRanks() ([]int, error)
	GetProgress() (Progress, error)
	GetNextSamples(rank int) (cacheKey string, params ProcessNextSamplesParams, err error)
}
