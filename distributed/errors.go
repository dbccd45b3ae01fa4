// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import "github.com/pkg/errors"

var (
	// ErrConfiguration marks malformed job configurations: uneven parameter
	// partitions, bad shard counts, unusable option combinations. Not
	// retryable; surfaced at plan-construction time.
	ErrConfiguration = errors.New("configuration error")

	// ErrConsistency marks construction-order bugs: a blob grouped under a
	// device it was not built on, or a parameter missing from the
	// initialization net. It means the per-device graph construction
	// diverged between replicas.
	ErrConsistency = errors.New("replica consistency error")

	// ErrDuplicateParameter marks a parameter registered twice.
	ErrDuplicateParameter = errors.New("duplicate parameter")
)

// panicf panics with the sentinel wrapped in a formatted message and a stack
// trace. Parallelize and the other public entry points convert the panic
// back into a returned error with exceptions.TryCatch.
func panicf(sentinel error, format string, args ...any) {
	panic(errors.Wrapf(sentinel, format, args...))
}
