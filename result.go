// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import "fmt"

// Status is the outcome of one tick of a resumable operation.
type Status uint8

const (
	// Pending asks the caller to tick the operation again, unchanged.
	Pending Status = iota
	Done
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Poll is returned by every resumable call. Value is only meaningful when
// Status is Done, Err only when Status is Failed.
type Poll[T any] struct {
	Status Status
	Value  T
	Err    error
}

// Result is a Poll without a value.
type Result = Poll[struct{}]

var (
	ResultDone    = Result{Status: Done}
	ResultPending = Result{Status: Pending}
)

func Ready[T any](value T) Poll[T] {
	return Poll[T]{Status: Done, Value: value}
}

func NotReady[T any]() Poll[T] {
	return Poll[T]{Status: Pending}
}

func Fail[T any](err error) Poll[T] {
	return Poll[T]{Status: Failed, Err: err}
}

func failed(err error) Result {
	return Result{Status: Failed, Err: err}
}

func failedf(code ErrorCode, format string, args ...interface{}) Result {
	return failed(newFlashError(code, format, args...))
}

func (p Poll[T]) IsPending() bool {
	return p.Status == Pending
}

func (p Poll[T]) IsDone() bool {
	return p.Status == Done
}

func (p Poll[T]) IsFailed() bool {
	return p.Status == Failed
}

func (p Poll[T]) String() string {
	if p.Status == Failed {
		return fmt.Sprintf("failed: %v", p.Err)
	}

	return p.Status.String()
}
