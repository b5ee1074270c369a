//go:build !debug

// Package debug provides cheap invariant checks that compile to no-ops
// unless built with the "debug" tag, adapted from the teacher's cmn/debug.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package debug

func Assert(cond bool, args ...any)                 {}
func Assertf(cond bool, format string, args ...any)  {}
func AssertNoErr(err error)                          {}
