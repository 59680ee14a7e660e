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

// Package message holds the immutable units of work that flow through the
// dataflow engine: records, the stream they belong to, and checkpoints.
package message

import (
	"cmp"
	"time"
)

// StreamDescriptor identifies a stream by namespace and name
type StreamDescriptor struct {
	Namespace string `json:"namespace,omitempty" yaml:"namespace"`
	Name      string `json:"name" yaml:"name"`
}

// String renders the descriptor as "namespace.name", or just the name when
// the namespace is empty
func (s StreamDescriptor) String() string {
	if s.Namespace == "" {
		return s.Name
	}
	return s.Namespace + "." + s.Name
}

// IsZero reports whether the descriptor names no stream
func (s StreamDescriptor) IsZero() bool {
	return s.Namespace == "" && s.Name == ""
}

// CompareStreams orders descriptors by namespace, then name
func CompareStreams(a, b StreamDescriptor) int {
	return cmp.Or(cmp.Compare(a.Namespace, b.Namespace), cmp.Compare(a.Name, b.Name))
}

// PartitionKey identifies one lane of one stream. Records sharing a key are
// processed in submission order.
type PartitionKey struct {
	Stream    StreamDescriptor
	Partition int
}

// CheckpointID numbers the checkpoint intervals of a stream. Every record is
// tagged with the id of the interval that was open when it was read.
type CheckpointID uint64

// Record is a single change record read from the input boundary.
// It must not be mutated after construction.
type Record struct {
	// RawID uniquely identifies the record at the sink
	RawID string
	// Stream the record belongs to
	Stream StreamDescriptor
	// Checkpoint is the interval the record was read in
	Checkpoint CheckpointID
	// EmittedAt is the upstream extraction time
	EmittedAt time.Time
	// Data is the decoded payload
	Data map[string]any
	// Serialized is the payload as it was received
	Serialized []byte
	// SizeBytes is the estimate used for memory and stats accounting
	SizeBytes int64
}
