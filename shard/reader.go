package shard

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/lavenderdata/lavender/cmn/cos"
	"github.com/lavenderdata/lavender/cmn/nlog"
	"github.com/lavenderdata/lavender/wire"
)

// JoinMethod selects how feature shardsets are joined to the main shard
// by uid (spec §4.3).
type JoinMethod string

const (
	JoinLeft  JoinMethod = "left"
	JoinInner JoinMethod = "inner"
)

// GlobalSampleIndex identifies one sample across every shardset in an
// iteration (spec §3).
type GlobalSampleIndex struct {
	Index            int64
	UIDColumnName    string
	UIDColumnType    string
	MainShard        ShardInfo
	FeatureShards    []ShardInfo
}

// ShardInfo locates one sample inside one physical shard.
type ShardInfo struct {
	ShardsetID  string
	ShardIndex  int
	SampleIndex int64
	Location    string
	Format      string
}

// FormatReader opens and decodes a shard file of a given format (CSV, Parquet,
// …). This interface is the boundary named out-of-scope by spec §1
// ("Shard file readers for specific formats ... interfaces only"); the
// reader façade below drives it but does not implement any concrete
// format.
type FormatReader interface {
	// Row reads one row by in-shard sample offset and returns it as a
	// column-name -> wire.Value record.
	Row(ctx context.Context, localPath string, sampleIndex int64) (map[string]wire.Value, error)
	// RowByUID looks up a row by uid column value instead of offset, used
	// to join feature shardsets to the main shard (spec §4.3).
	RowByUID(ctx context.Context, localPath, uidColumn, uid string) (map[string]wire.Value, bool, error)
}

// Source fetches the bytes of one shard object from wherever it is
// stored and returns a local filesystem path (downloading if needed).
// Concrete implementations: source_s3.go, source_azblob.go, source_gcs.go.
type Source interface {
	Fetch(ctx context.Context, location string, destDir string) (localPath string, err error)
}

// Reader is the sample reader façade (C3): given a GlobalSampleIndex and
// a join method, returns the joined record. It maintains a byte-bounded
// LRU disk cache of downloaded shard files and coalesces concurrent
// requests for the same shard into a single download, grounded on the
// teacher's dependency on golang.org/x/sync (used for errgroup throughout
// ext/dsort) — here specifically its singleflight.Group, the idiomatic Go
// answer to "concurrent requests for the same shard coalesce to one
// download" (spec §4.3).
type Reader struct {
	sources map[string]Source // scheme -> Source ("s3", "az", "gs", "file")
	format  FormatReader
	cache   *lruDiskCache
	group   singleflight.Group
}

func NewReader(sources map[string]Source, format FormatReader, cacheDir string, maxBytes int64) *Reader {
	return &Reader{
		sources: sources,
		format:  format,
		cache:   newLRUDiskCache(cacheDir, maxBytes),
	}
}

// GetSample implements spec §4.3's contract.
func (r *Reader) GetSample(ctx context.Context, idx GlobalSampleIndex, join JoinMethod) (map[string]wire.Value, error) {
	mainPath, err := r.localPath(ctx, idx.MainShard)
	if err != nil {
		return nil, fmt.Errorf("shard: main shard fetch: %w", err)
	}
	mainRow, err := r.format.Row(ctx, mainPath, idx.MainShard.SampleIndex)
	if err != nil {
		return nil, fmt.Errorf("shard: main shard read: %w", err)
	}
	uidVal, ok := mainRow[idx.UIDColumnName]
	if !ok {
		return nil, &cos.ErrInsufficientSample{Index: idx.Index, Reason: "main shard missing uid column"}
	}
	uid := uidVal.Str
	if uid == "" && uidVal.Kind == wire.KindInt {
		uid = fmt.Sprintf("%d", uidVal.Int)
	}

	record := make(map[string]wire.Value, len(mainRow))
	for k, v := range mainRow {
		record[k] = v
	}

	for _, fs := range idx.FeatureShards {
		path, err := r.localPath(ctx, fs)
		if err != nil {
			return nil, fmt.Errorf("shard: feature shard fetch: %w", err)
		}
		row, found, err := r.format.RowByUID(ctx, path, idx.UIDColumnName, uid)
		if err != nil {
			return nil, fmt.Errorf("shard: feature shard read: %w", err)
		}
		if !found {
			if join == JoinInner {
				return nil, &cos.ErrInsufficientSample{Index: idx.Index, Reason: fmt.Sprintf("shardset %s missing uid %s", fs.ShardsetID, uid)}
			}
			continue // left join: the column(s) stay absent from the record; no null values are filled in
		}
		for k, v := range row {
			record[k] = v
		}
	}
	return record, nil
}

func (r *Reader) localPath(ctx context.Context, info ShardInfo) (string, error) {
	key := info.ShardsetID + "#" + fmt.Sprint(info.ShardIndex)
	if p, ok := r.cache.get(key); ok {
		return p, nil
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		if p, ok := r.cache.get(key); ok {
			return p, nil
		}
		scheme := schemeOf(info.Location)
		src, ok := r.sources[scheme]
		if !ok {
			return nil, fmt.Errorf("shard: no source registered for scheme %q", scheme)
		}
		local, err := src.Fetch(ctx, info.Location, r.cache.dir)
		if err != nil {
			return nil, err
		}
		sz, _ := fileSize(local)
		r.cache.put(key, local, sz)
		return local, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func schemeOf(location string) string {
	for i, c := range location {
		if c == ':' {
			return location[:i]
		}
	}
	return "file"
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

//
// lruDiskCache: bounded-bytes LRU eviction of already-downloaded shard
// files. File-locked per path is satisfied by singleflight above
// (one fetch per key in flight at a time); eviction here only ever
// removes entries nobody is actively reading, since callers re-fetch on
// cache miss.
//

type lruDiskCache struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	curBytes int64
	ll       *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key  string
	path string
	size int64
}

func newLRUDiskCache(dir string, maxBytes int64) *lruDiskCache {
	_ = os.MkdirAll(dir, 0o755)
	return &lruDiskCache{dir: dir, maxBytes: maxBytes, ll: list.New(), items: map[string]*list.Element{}}
}

func (c *lruDiskCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return "", false
	}
	c.ll.MoveToFront(e)
	return e.Value.(*cacheEntry).path, true
}

func (c *lruDiskCache) put(key, path string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.ll.MoveToFront(e)
		e.Value.(*cacheEntry).size = size
		return
	}
	e := c.ll.PushFront(&cacheEntry{key: key, path: path, size: size})
	c.items[key] = e
	c.curBytes += size
	for c.curBytes > c.maxBytes && c.ll.Len() > 1 {
		back := c.ll.Back()
		ent := back.Value.(*cacheEntry)
		c.ll.Remove(back)
		delete(c.items, ent.key)
		c.curBytes -= ent.size
		if err := os.Remove(ent.path); err != nil && !os.IsNotExist(err) {
			nlog.Warningf("shard: evict %s: %v", ent.path, err)
		}
	}
}
