// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/impactdev/impactor/core"
)

// RetryPolicy bounds the retries of transient backend failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; it doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps a single delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Classifier reports whether an error is transient and worth retrying.
type Classifier func(error) bool

// Retry runs op until it succeeds, fails with a non-transient error, or
// the policy's attempts are exhausted. Exhausted transient failures are
// returned wrapped in core.ErrBackendUnavailable. Serialization errors are
// never retried.
func Retry[T any](ctx context.Context, policy RetryPolicy, isTransient Classifier, op func() (T, error)) (T, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	if policy.MaxDelay > 0 {
		b.MaxInterval = policy.MaxDelay
	}

	transient := false
	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if err == nil {
			if attempt > 1 {
				slog.Debug("operation succeeded after retry", "attempt", attempt)
			}
			return v, nil
		}
		transient = !errors.Is(err, core.ErrSerialization) && isTransient != nil && isTransient(err)
		if !transient {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Debug("operation failed, will retry", "attempt", attempt, "maxAttempts", policy.MaxAttempts, "delay", d, "error", err)
		}),
	)
	if err == nil {
		return res, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if transient && ctx.Err() == nil {
		return res, Unavailable(err)
	}
	return res, err
}

// RetryDo is Retry for operations without a result.
func RetryDo(ctx context.Context, policy RetryPolicy, isTransient Classifier, op func() error) error {
	_, err := Retry(ctx, policy, isTransient, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
