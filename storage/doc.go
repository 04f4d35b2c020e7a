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

// Package storage defines the backend driver capability set shared by the
// embedded, relational and document variants.
//
// A Driver translates generic record operations into one database
// technology's native calls. Exactly one driver is active per process; it
// is selected once at startup from the resolved backend descriptor.
//
// # Variants
//
//   - storage/badger: embedded key-value store, single writer
//   - storage/relational: pooled SQL connections, one table per collection
//   - storage/document: document database, one native collection per collection
//
// # Records
//
// Drivers store core.Record values that have already been normalized and
// conformed to the collection schema (see core.Schema.Conform). Drivers
// that cannot represent a value fail with core.ErrSerialization and never
// retry it.
//
// # Failures
//
// Transient connectivity failures are retried inside the driver with
// exponential backoff (see Retry). Once retries are exhausted the error
// wraps core.ErrBackendUnavailable.
//
// # Thread Safety
//
// All driver implementations must be safe for concurrent use.
package storage
