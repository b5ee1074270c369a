// Package kvstore is the shared coordination store (C1): strings, lists,
// hashes, counters with TTL, and named locks, all visible to every node
// in the cluster. Grounded on the teacher's direct go.mod dependency on
// github.com/tidwall/buntdb, an embedded, ACID, single-file KV store with
// native TTL support — the same properties the spec requires of C1
// (set-if-expiration, pattern key listing, atomic counters).
//
// Every mutator that touches more than one key runs inside a single
// buntdb.Update transaction; a multi-step operation such as an iteration
// refill is several such calls, serialized against other writers by a
// named lock; the per-iteration and per-fingerprint locks described in spec
// §4.1 are layered on top as a separate in-memory named-mutex table,
// since buntdb's own transactions already serialize writers but the spec
// additionally wants an explicit, callable lock with a timeout.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package kvstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/lavenderdata/lavender/cmn/nlog"
)

type Store struct {
	db *buntdb.DB

	locksMu sync.Mutex
	locks   map[string]*namedLock
}

// namedLock is a 1-buffered channel used as a semaphore instead of a
// sync.Mutex: a timed-out acquire attempt in WithLock just stops selecting
// on ch and walks away, rather than leaving a goroutine blocked on
// Mutex.Lock that would eventually acquire it and never release it.
type namedLock struct {
	ch chan struct{}
}

// Open creates (or reopens) a store at path. Pass ":memory:" for a
// process-local, non-persistent store, used by single-node tests.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}
	return &Store{db: db, locks: make(map[string]*namedLock)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

//
// strings
//

func (s *Store) Set(key, val string, ttl time.Duration) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		var opts *buntdb.SetOptions
		if ttl > 0 {
			opts = &buntdb.SetOptions{Expires: true, TTL: ttl}
		}
		_, _, err := tx.Set(key, val, opts)
		return err
	})
}

func (s *Store) Get(key string) (string, bool, error) {
	var (
		val   string
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return val, found, nil
}

func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// Keys returns every key matching a buntdb glob pattern (e.g. "it:*:indices:*").
func (s *Store) Keys(pattern string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(pattern, func(k, _ string) bool {
			keys = append(keys, k)
			return true
		})
	})
	return keys, err
}

//
// counters
//

func (s *Store) Incr(key string, delta int64) (int64, error) {
	var result int64
	err := s.db.Update(func(tx *buntdb.Tx) error {
		cur := int64(0)
		if v, err := tx.Get(key); err == nil {
			cur, _ = strconv.ParseInt(v, 10, 64)
		} else if err != buntdb.ErrNotFound {
			return err
		}
		cur += delta
		result = cur
		_, _, err := tx.Set(key, strconv.FormatInt(cur, 10), nil)
		return err
	})
	return result, err
}

//
// lists: append/pop from both ends, stored as a JSON array under one key
// so lpop(n) is atomic within a single transaction.
//

func (s *Store) RPush(key string, values ...string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		list, err := getList(tx, key)
		if err != nil {
			return err
		}
		list = append(list, values...)
		return putList(tx, key, list)
	})
}

// LPop removes and returns up to n values from the head of the list.
func (s *Store) LPop(key string, n int) ([]string, error) {
	var popped []string
	err := s.db.Update(func(tx *buntdb.Tx) error {
		list, err := getList(tx, key)
		if err != nil {
			return err
		}
		if n > len(list) {
			n = len(list)
		}
		popped = append([]string(nil), list[:n]...)
		return putList(tx, key, list[n:])
	})
	return popped, err
}

// LPushFront prepends values, preserving their relative order, used by
// pushback_inprogress (spec §4.5) to restore in-progress indices to the
// head of a rank's queue.
func (s *Store) LPushFront(key string, values ...string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		list, err := getList(tx, key)
		if err != nil {
			return err
		}
		list = append(append([]string(nil), values...), list...)
		return putList(tx, key, list)
	})
}

func (s *Store) LLen(key string) (int, error) {
	var n int
	err := s.db.View(func(tx *buntdb.Tx) error {
		list, err := getList(tx, key)
		if err != nil {
			return err
		}
		n = len(list)
		return nil
	})
	return n, err
}

func (s *Store) LRange(key string) ([]string, error) {
	var list []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		l, err := getList(tx, key)
		list = l
		return err
	})
	return list, err
}

func getList(tx *buntdb.Tx, key string) ([]string, error) {
	v, err := tx.Get(key)
	if err == buntdb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal([]byte(v), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func putList(tx *buntdb.Tx, key string, list []string) error {
	if len(list) == 0 {
		_, err := tx.Delete(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	}
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(b), nil)
	return err
}

//
// hashes: field->value maps under one key, used for the in-progress set
// (index -> "rank:started_at").
//

func (s *Store) HSet(key, field, val string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		h, err := getHash(tx, key)
		if err != nil {
			return err
		}
		h[field] = val
		return putHash(tx, key, h)
	})
}

func (s *Store) HGet(key, field string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		h, err := getHash(tx, key)
		if err != nil {
			return err
		}
		val, ok = h[field]
		return nil
	})
	return val, ok, err
}

func (s *Store) HDel(key, field string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		h, err := getHash(tx, key)
		if err != nil {
			return err
		}
		delete(h, field)
		return putHash(tx, key, h)
	})
}

func (s *Store) HGetAll(key string) (map[string]string, error) {
	var h map[string]string
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		h, err = getHash(tx, key)
		return err
	})
	return h, err
}

// HClear removes every field, used by pushback_inprogress after the
// entries have been replayed onto the queue.
func (s *Store) HClear(key string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func getHash(tx *buntdb.Tx, key string) (map[string]string, error) {
	v, err := tx.Get(key)
	if err == buntdb.ErrNotFound {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	h := map[string]string{}
	if err := json.Unmarshal([]byte(v), &h); err != nil {
		return nil, err
	}
	return h, nil
}

func putHash(tx *buntdb.Tx, key string, h map[string]string) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(b), nil)
	return err
}

//
// named locks: "iteration:<id>" and "iteration_create:<fingerprint>"
// (spec §4.1). In-process only — sufficient for a single head coordinating
// one cluster, which is the only writer of iteration state (workers proxy
// through the head; see cluster.StateProxy).
//

func (s *Store) lockFor(name string) *namedLock {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &namedLock{ch: make(chan struct{}, 1)}
		s.locks[name] = l
	}
	return l
}

// WithLock acquires the named lock, runs fn, then releases it. Returns an
// error if the lock could not be acquired within timeout.
func (s *Store) WithLock(name string, timeout time.Duration, fn func() error) error {
	l := s.lockFor(name)
	select {
	case l.ch <- struct{}{}:
	case <-time.After(timeout):
		return fmt.Errorf("kvstore: lock %q: timed out after %s", name, timeout)
	}
	defer func() { <-l.ch }()
	return fn()
}

// IterationKey builds the "{it}:..." key namespace described in spec §6.
func IterationKey(iterationID string, parts ...string) string {
	return "it:" + iterationID + ":" + strings.Join(parts, ":")
}

func (s *Store) Flush() {
	nlog.Infof("kvstore: flush requested (no-op: buntdb is crash-consistent per transaction)")
}
