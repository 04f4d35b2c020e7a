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

// Package config turns storage configuration into a validated Descriptor.
//
// A Raw configuration comes from a YAML file (Load), from environment
// variables prefixed with IMPACTOR_, or from functional options (NewRaw).
// Resolve checks it without performing any I/O and returns the immutable
// Descriptor the rest of the module is built from, or an *Error naming the
// offending field.
package config
