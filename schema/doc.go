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

// Package schema brings collections to the version their owning module
// expects before any record is served.
//
// A module registers the base schema of a collection together with an
// ordered list of migration steps. The persisted version of a collection
// is the number of steps applied to it; version 0 means the base schema
// exists. EnsureReady applies pending steps one at a time and records each
// step before starting the next, so an interrupted migration resumes at
// the first unrecorded step. A collection whose migration failed is
// refused until the process restarts.
package schema
