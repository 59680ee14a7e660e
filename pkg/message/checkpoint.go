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

package message

import (
	"encoding/json"
)

// CheckpointScope describes which streams a checkpoint covers
type CheckpointScope string

const (
	// ScopeStream covers a single stream
	ScopeStream CheckpointScope = "STREAM"
	// ScopeGlobal covers every stream seen so far
	ScopeGlobal CheckpointScope = "GLOBAL"
)

// CheckpointStats are the committed counts reported with a checkpoint
type CheckpointStats struct {
	RecordCount int64 `json:"recordCount"`
	ByteCount   int64 `json:"byteCount"`
}

// Checkpoint is an upstream state blob. It is only safe to surface once all
// records it covers have been committed at the sink.
type Checkpoint struct {
	Scope  CheckpointScope
	Stream StreamDescriptor
	// State is opaque to the engine and passed through unchanged
	State json.RawMessage
	// Stats is set by the enricher right before emission
	Stats *CheckpointStats
}

// CheckpointMessage is the wire shape sent to the upstream orchestrator
type CheckpointMessage struct {
	StreamNamespace string           `json:"streamNamespace,omitempty"`
	StreamName      string           `json:"streamName,omitempty"`
	OpaqueState     json.RawMessage  `json:"opaqueState"`
	Stats           *CheckpointStats `json:"stats,omitempty"`
}

// ToMessage converts the checkpoint into its wire shape
func (c Checkpoint) ToMessage() CheckpointMessage {
	state := c.State
	if len(state) == 0 {
		state = json.RawMessage("null")
	}
	return CheckpointMessage{
		StreamNamespace: c.Stream.Namespace,
		StreamName:      c.Stream.Name,
		OpaqueState:     state,
		Stats:           c.Stats,
	}
}
