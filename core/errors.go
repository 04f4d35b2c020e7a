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

package core

import "errors"

// Storage error taxonomy. Typed errors in other packages wrap these
// sentinels so callers can branch with errors.Is.
var (
	// ErrConfiguration indicates an invalid or incomplete backend configuration.
	// It is fatal at startup.
	ErrConfiguration = errors.New("invalid storage configuration")

	// ErrPoolExhausted indicates no connection handle became available
	// within the acquisition timeout. Callers may retry with backoff.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrBackendUnavailable indicates the backend could not be reached after
	// bounded retries.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrSerialization indicates a record that does not conform to its
	// collection schema or cannot be encoded. Never retried.
	ErrSerialization = errors.New("record serialization failed")

	// ErrBatchWriteFailed indicates a batch write was rolled back.
	ErrBatchWriteFailed = errors.New("batch write failed")

	// ErrMigration indicates a collection could not be brought to its
	// expected schema version. The collection is not served.
	ErrMigration = errors.New("schema migration failed")

	// ErrTransactionsUnsupported indicates strict atomicity was requested
	// from a backend that cannot provide it.
	ErrTransactionsUnsupported = errors.New("transactions not supported by backend")

	// ErrClosed indicates the storage component has been closed.
	ErrClosed = errors.New("storage is closed")

	// ErrUnknownCollection indicates an operation on a collection that has
	// not been registered.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrInvalidKey indicates an empty or malformed record key.
	ErrInvalidKey = errors.New("invalid record key")

	// ErrInvalidSchema indicates a malformed collection schema declaration.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrInvalidPredicate indicates a scan predicate that cannot be evaluated
	// against the collection schema.
	ErrInvalidPredicate = errors.New("invalid predicate")
)
