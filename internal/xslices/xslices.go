// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provides the small set of slice and map helpers used across
// the module.
package xslices

import (
	"cmp"
	"sort"

	"golang.org/x/exp/maps"
)

// Copy returns a copy of the slice.
func Copy[T any](slice []T) []T {
	s := make([]T, len(slice))
	copy(s, slice)
	return s
}

// SortedKeys returns the sorted keys of a map in the form of a slice.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	s := maps.Keys(m)
	sort.Slice(s, func(i, j int) bool {
		return s[i] < s[j]
	})
	return s
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Reverse returns a reversed copy of the slice.
func Reverse[T any](slice []T) []T {
	s := make([]T, len(slice))
	for ii, e := range slice {
		s[len(slice)-1-ii] = e
	}
	return s
}
