// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func pendingFor(n int, last Result) (func() Result, *int) {
	ticks := 0

	return func() Result {
		ticks++

		if ticks < n {
			return ResultPending
		}

		return last
	}, &ticks
}

func TestRunToCompletionDone(t *testing.T) {
	g := NewWithT(t)

	tick, ticks := pendingFor(5, ResultDone)

	err := RunToCompletion(context.Background(), "erase", tick, RunOptions{ActionTimeout: time.Second})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(*ticks).To(Equal(5))
}

func TestRunToCompletionFailed(t *testing.T) {
	g := NewWithT(t)

	tick, _ := pendingFor(2, failed(newFlashError(ErrorTargetError, "status 0xff")))

	err := RunToCompletion(context.Background(), "erase", tick, DefaultRunOptions())
	g.Expect(err).To(MatchError(ContainSubstring("erase: status 0xff")))
	g.Expect(CodeOf(err)).To(Equal(ErrorTargetError))
}

func TestRunToCompletionTimeout(t *testing.T) {
	g := NewWithT(t)

	opts := RunOptions{
		PollInterval:  time.Millisecond,
		ActionTimeout: 20 * time.Millisecond,
	}

	start := time.Now()
	err := RunToCompletion(context.Background(), "write", func() Result { return ResultPending }, opts)

	g.Expect(CodeOf(err)).To(Equal(ErrorTimeout))
	g.Expect(time.Since(start)).To(BeNumerically(">=", opts.ActionTimeout))
}

func TestRunToCompletionProgressResetsWatchdog(t *testing.T) {
	g := NewWithT(t)

	progress := uint64(0)
	tick, ticks := pendingFor(250, ResultDone)

	opts := RunOptions{
		PollInterval:  time.Millisecond,
		ActionTimeout: 100 * time.Millisecond,
		Progress: func() uint64 {
			progress++
			return progress
		},
	}

	err := RunToCompletion(context.Background(), "write", tick, opts)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(*ticks).To(Equal(250))
}

func TestRunToCompletionCancel(t *testing.T) {
	g := NewWithT(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunToCompletion(ctx, "done", func() Result { return ResultPending }, RunOptions{})
	g.Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	g.Expect(CodeOf(err)).To(Equal(ErrorFail))

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = RunToCompletion(ctx, "done", func() Result { return ResultPending }, RunOptions{PollInterval: time.Millisecond})
	g.Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
}
