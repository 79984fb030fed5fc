// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type RunOptions struct {
	// sleep between two ticks that returned Pending
	PollInterval time.Duration
	// a run without progress for this long is aborted, 0 disables the
	// watchdog
	ActionTimeout time.Duration
	// returns a counter that grows while the operation makes headway,
	// e.g. the number of register accesses; optional
	Progress func() uint64
}

func DefaultRunOptions() RunOptions {
	return RunOptions{
		PollInterval:  200 * time.Microsecond,
		ActionTimeout: 5 * time.Second,
	}
}

// RunToCompletion ticks a resumable operation until it is done or failed.
// The watchdog restarts whenever the progress counter moves; without a
// progress function it bounds the whole run.
func RunToCompletion(ctx context.Context, name string, tick func() Result, opts RunOptions) error {
	var (
		ticks        uint64
		lastProgress uint64
	)

	if opts.Progress != nil {
		lastProgress = opts.Progress()
	}

	deadline := time.Now().Add(opts.ActionTimeout)

	for {
		res := tick()
		ticks++

		switch res.Status {
		case Done:
			logger.Debugf("%s done after %d ticks", name, ticks)
			return nil

		case Failed:
			return errors.Wrap(res.Err, name)
		}

		if opts.Progress != nil {
			if p := opts.Progress(); p != lastProgress {
				lastProgress = p
				deadline = time.Now().Add(opts.ActionTimeout)
			}
		}

		if opts.ActionTimeout > 0 && time.Now().After(deadline) {
			return errors.Wrap(newFlashError(ErrorTimeout, "no progress for %v after %d ticks",
				opts.ActionTimeout, ticks), name)
		}

		if opts.PollInterval <= 0 {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, name)
			}

			continue
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), name)
		case <-time.After(opts.PollInterval):
		}
	}
}
