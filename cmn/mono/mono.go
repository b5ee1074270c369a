// Package mono provides monotonic timestamps used for in-progress entries,
// TTL math, and heartbeat ages. Adapted from the teacher's mono package:
// the teacher reads runtime.nanotime directly via go:linkname; here we use
// the stdlib monotonic reading carried inside time.Time, which needs no
// linkname and no build tag.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns a monotonically increasing nanosecond counter. Only
// differences between two calls are meaningful.
func NanoTime() int64 { return int64(time.Since(start)) }

// Since returns the elapsed duration since a NanoTime reading.
func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }
