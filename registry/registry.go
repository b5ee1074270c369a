// Package registry is the dynamic registry of user-supplied filters,
// categorizers, collaters, and preprocessors (C4). The teacher's source
// pattern (and the original Python implementation's) imports a directory
// of modules dynamically; per spec §9's required re-architecture, this
// is replaced by a capability interface plus a name-keyed registry with a
// file-hash-gated hot reload, grounded on:
//   - github.com/fsnotify/fsnotify (pack dependency, via launix-de-memcp)
//     to watch the registry directory for changes.
//   - github.com/OneOfOne/xxhash (teacher dependency) to hash file
//     contents so unchanged files are not rebound under the lock.
//   - github.com/seiflotfy/cuckoofilter (teacher dependency) as a
//     probabilistic fast path: after hashing a file on a watch event, a
//     cuckoo filter membership test of its path and hash skips reloading
//     a file whose content was almost certainly already loaded.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/fsnotify/fsnotify"
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/lavenderdata/lavender/cmn/cos"
	"github.com/lavenderdata/lavender/cmn/nlog"
	"github.com/lavenderdata/lavender/wire"
)

type Category string

const (
	CategoryFilter       Category = "filter"
	CategoryCategorizer  Category = "categorizer"
	CategoryCollater     Category = "collater"
	CategoryPreprocessor Category = "preprocessor"
)

// Filter.Filter(sample, params) -> bool (spec §4.4).
type Filter interface {
	Filter(sample map[string]wire.Value, params map[string]any) (bool, error)
}

// Categorizer.Categorize(sample, params) -> string.
type Categorizer interface {
	Categorize(sample map[string]wire.Value, params map[string]any) (string, error)
}

// Collater.Collate(samples, params) -> batch.
type Collater interface {
	Collate(samples []map[string]wire.Value, params map[string]any) (*wire.Batch, error)
}

// Preprocessor.Process(batch, params) -> batch.
type Preprocessor interface {
	Process(batch *wire.Batch, params map[string]any) (*wire.Batch, error)
}

// Registration is one named entry; DependsOn is only meaningful for
// preprocessors (spec §4.4).
type Registration struct {
	Category  Category
	Name      string
	DependsOn []string
	Filter    Filter
	Categorizer Categorizer
	Collater  Collater
	Preprocessor Preprocessor

	sourceHash uint64
}

// Registry is the name-keyed capability table. Safe for concurrent use;
// reload swaps entries under mu so in-flight iterations never see a
// half-updated registration.
type Registry struct {
	mu      sync.RWMutex
	entries map[Category]map[string]*Registration

	dir     string
	loader  Loader
	seen    *cuckoo.Filter
	watcher *fsnotify.Watcher
}

// Loader compiles one source file into zero or more Registrations. The
// concrete loader is a target-specific plugin mechanism (Go plugin
// .so, an embedded scripting runtime, or a compiled-in map) per spec §9;
// Registry only depends on this interface.
type Loader interface {
	Load(path string) ([]*Registration, error)
}

func New(dir string, loader Loader) *Registry {
	return &Registry{
		entries: map[Category]map[string]*Registration{
			CategoryFilter:       {},
			CategoryCategorizer:  {},
			CategoryCollater:     {},
			CategoryPreprocessor: {},
		},
		dir:    dir,
		loader: loader,
		seen:   cuckoo.NewDefaultCuckooFilter(),
	}
}

// LoadAll scans dir once, synchronously, registering every module found.
func (r *Registry) LoadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("registry: read dir %s: %w", r.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := r.loadFile(filepath.Join(r.dir, e.Name())); err != nil {
			nlog.Warningf("registry: load %s: %v", e.Name(), err)
		}
	}
	return nil
}

func (r *Registry) loadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	h := xxhash.Checksum64(content)
	key := []byte(fmt.Sprintf("%s:%x", path, h))
	if r.seen.Lookup(key) {
		return nil // unchanged; skip recompiling and rebinding
	}

	regs, err := r.loader.Load(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, reg := range regs {
		reg.sourceHash = h
		r.entries[reg.Category][reg.Name] = reg
	}
	r.mu.Unlock()

	r.seen.InsertUnique(key)
	nlog.Infof("registry: loaded %d registration(s) from %s", len(regs), path)
	return nil
}

// Watch starts an fsnotify watch on the registry directory; on any write
// or create event it re-runs loadFile for the changed path, so a name's
// binding is hot-swapped without restarting the process.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: watcher: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return fmt.Errorf("registry: watch %s: %w", r.dir, err)
	}
	r.watcher = w

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.loadFile(ev.Name); err != nil {
					nlog.Warningf("registry: reload %s: %v", ev.Name, err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				nlog.Warningf("registry: watch error: %v", err)
			}
		}
	}()
	return nil
}

func (r *Registry) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func (r *Registry) get(cat Category, name string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[cat][name]
	if !ok {
		return nil, &cos.ErrUnknownRegistryItem{Category: string(cat), Name: name}
	}
	return reg, nil
}

func (r *Registry) Filter(name string) (Filter, error) {
	reg, err := r.get(CategoryFilter, name)
	if err != nil {
		return nil, err
	}
	return reg.Filter, nil
}

func (r *Registry) Categorizer(name string) (Categorizer, error) {
	reg, err := r.get(CategoryCategorizer, name)
	if err != nil {
		return nil, err
	}
	return reg.Categorizer, nil
}

func (r *Registry) Collater(name string) (Collater, error) {
	if name == "" {
		return defaultCollater{}, nil
	}
	reg, err := r.get(CategoryCollater, name)
	if err != nil {
		return nil, err
	}
	return reg.Collater, nil
}

func (r *Registry) Preprocessor(name string) (*Registration, error) {
	return r.get(CategoryPreprocessor, name)
}

// defaultCollater stacks a list of records into a dict-of-lists (spec §4.4).
type defaultCollater struct{}

func (defaultCollater) Collate(samples []map[string]wire.Value, _ map[string]any) (*wire.Batch, error) {
	cols := map[string][]wire.Value{}
	for _, s := range samples {
		for k, v := range s {
			cols[k] = append(cols[k], v)
		}
	}
	out := make(map[string]wire.Value, len(cols))
	for k, vs := range cols {
		out[k] = wire.List(vs)
	}
	return &wire.Batch{Columns: out}, nil
}
