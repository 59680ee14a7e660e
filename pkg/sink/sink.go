// Copyright 2025 UMH Systems GmbH
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

// Package sink writes batches of rows to a destination system.
//
// Sinks are assumed idempotent enough that replaying a batch after a failed
// or uncertain write does not corrupt data. The engine retries a batch with
// the exact same rows until the write succeeds.
package sink

import (
	"context"
	"regexp"
	"time"

	"github.com/united-manufacturing-hub/bulkload/pkg/message"
)

// Change annotation kinds
const (
	ChangeNulled    = "NULLED"
	ChangeTruncated = "TRUNCATED"
)

// Change annotation reasons
const (
	ReasonSizeLimit     = "DESTINATION_FIELD_SIZE_LIMITATION"
	ReasonNonFinite     = "DESTINATION_SERIALIZATION_ERROR"
	ReasonSchemaInvalid = "SOURCE_FIELD_SCHEMA_MISMATCH"
)

// Change records a value that was altered so the row could be written
type Change struct {
	Field  string `json:"field"`
	Change string `json:"change"`
	Reason string `json:"reason"`
}

// Row is one record in its sink representation
type Row struct {
	RawID     string
	EmittedAt time.Time
	Data      map[string]any
	Changes   []Change
}

// TableIdentifier names the destination table of a stream
type TableIdentifier struct {
	Namespace string
	Name      string
}

// TableFor returns the table of stream
func TableFor(stream message.StreamDescriptor) TableIdentifier {
	return TableIdentifier{Namespace: stream.Namespace, Name: stream.Name}
}

func (t TableIdentifier) String() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// Sink is the write boundary of the engine
type Sink interface {
	Connect(ctx context.Context) error
	// EnsureTable prepares the destination of a table. It is called once per
	// stream before any rows are written.
	EnsureTable(ctx context.Context, table TableIdentifier) error
	// Write stores rows. An error means none or only some rows may have been
	// written and the same rows will be written again.
	Write(ctx context.Context, table TableIdentifier, rows []Row) error
	Close(ctx context.Context) error
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._\-]`)

// SanitizeName replaces every character that is not alphanumeric, a dot,
// an underscore or a hyphen with an underscore
func SanitizeName(name string) string {
	return nameSanitizer.ReplaceAllString(name, "_")
}
