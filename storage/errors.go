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
	"errors"
	"fmt"

	"github.com/impactdev/impactor/core"
)

// ErrTruncatedData indicates that encoded data ended early.
var ErrTruncatedData = errors.New("truncated data")

// BatchError reports the element that failed a batch write.
// It matches core.ErrBatchWriteFailed and the underlying cause.
type BatchError struct {
	Collection string
	Key        string
	Index      int
	Err        error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s: %s: element %d (key %q): %v", core.ErrBatchWriteFailed, e.Collection, e.Index, e.Key, e.Err)
}

func (e *BatchError) Unwrap() []error {
	return []error{core.ErrBatchWriteFailed, e.Err}
}

// Unavailable wraps err as a backend availability failure.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, core.ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrBackendUnavailable, err)
}
