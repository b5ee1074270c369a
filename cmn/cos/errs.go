// Package cos provides common low-level types shared by every component:
// the structured error taxonomy (§7 of the spec), a bounded multi-error
// collector, and id/hash helpers. Adapted from the teacher's cmn/cos.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"fmt"
	"sync"
	ratomic "sync/atomic"

	"github.com/pkg/errors"
)

// Errs collects up to maxErrs distinct errors, deduplicated by message.
// (The preprocessor DAG in package process does not use it; a layer there
// reports its first failure via errgroup.)
type Errs struct {
	mu   sync.Mutex
	errs []error
	cnt  int64
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

func (e *Errs) JoinErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	s := e.errs[0].Error()
	for _, err := range e.errs[1:] {
		s += "; " + err.Error()
	}
	return errors.New(s)
}

// ErrNotFound mirrors the teacher's cmn/cos.ErrNotFound.
type ErrNotFound struct{ what string }

func NewErrNotFound(format string, a ...any) *ErrNotFound {
	return &ErrNotFound{fmt.Sprintf(format, a...)}
}

func (e *ErrNotFound) Error() string { return e.what + " does not exist" }

//
// structured error kinds (spec §7)
//

// ErrNoMoreIndices: iteration exhausted for a rank; surfaced to clients as
// an end-of-stream signal (HTTP 204 / StopIteration semantics).
type ErrNoMoreIndices struct{ IterationID string }

func (e *ErrNoMoreIndices) Error() string {
	return fmt.Sprintf("iteration %s: no more indices", e.IterationID)
}

// ErrNotFetchedYet: transient, the rank's next sequence hasn't completed
// the prefetch pipeline; caller should poll (HTTP 202).
type ErrNotFetchedYet struct {
	IterationID string
	Rank        int
}

func (e *ErrNotFetchedYet) Error() string {
	return fmt.Sprintf("iteration %s rank %d: not fetched yet", e.IterationID, e.Rank)
}

// ErrInsufficientSample: inner-join miss; caller drops the sample.
type ErrInsufficientSample struct {
	Index  int64
	Reason string
}

func (e *ErrInsufficientSample) Error() string {
	return fmt.Sprintf("sample %d: insufficient (%s)", e.Index, e.Reason)
}

// ErrProcessing carries everything a client needs to reproduce a C6
// failure: the message, a captured stack, the sequence, and the global
// indices that were in flight.
type ErrProcessing struct {
	Msg       string
	Stack     string
	Current   int64
	Indices   []int64
}

func (e *ErrProcessing) Error() string { return "processing error: " + e.Msg }

// ErrIterationState wraps any failure of a cross-node state op (C8).
type ErrIterationState struct {
	Op     string
	Reason string
}

func (e *ErrIterationState) Error() string {
	return fmt.Sprintf("iteration state op %q failed: %s", e.Op, e.Reason)
}

type ErrUnknownRegistryItem struct {
	Category, Name string
}

func (e *ErrUnknownRegistryItem) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Category, e.Name)
}

type ErrUnknownDependency struct {
	Preprocessor, DependsOn string
}

func (e *ErrUnknownDependency) Error() string {
	return fmt.Sprintf("preprocessor %q depends_on unknown preprocessor %q", e.Preprocessor, e.DependsOn)
}

type ErrInvalidConfig struct{ Reason string }

func (e *ErrInvalidConfig) Error() string { return "invalid config: " + e.Reason }

type ErrRankNotInReplicationGroup struct{ Rank int }

func (e *ErrRankNotInReplicationGroup) Error() string {
	return fmt.Sprintf("rank %d is not a member of any replication group", e.Rank)
}

type ErrClusterAuthFailed struct{ Reason string }

func (e *ErrClusterAuthFailed) Error() string { return "cluster auth failed: " + e.Reason }

type ErrNotAllowed struct{ Reason string }

func (e *ErrNotAllowed) Error() string { return "not allowed: " + e.Reason }

// ErrNoSamplesFound: gather stage (C6 step 1) dropped every sample in the batch.
type ErrNoSamplesFound struct{}

func (*ErrNoSamplesFound) Error() string { return "no samples found" }
