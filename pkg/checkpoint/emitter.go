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

package checkpoint

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/bulkload/pkg/message"
)

// Emitter surfaces checkpoint messages upstream
type Emitter interface {
	Emit(ctx context.Context, msg message.CheckpointMessage) error
}

// JSONLineEmitter writes one JSON document per line
type JSONLineEmitter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONLineEmitter(w io.Writer) *JSONLineEmitter {
	return &JSONLineEmitter{w: w}
}

func (e *JSONLineEmitter) Emit(_ context.Context, msg message.CheckpointMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(b)
	return err
}

// MemoryEmitter keeps emitted messages in memory
type MemoryEmitter struct {
	mu       sync.Mutex
	messages []message.CheckpointMessage
}

func (e *MemoryEmitter) Emit(_ context.Context, msg message.CheckpointMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, msg)
	return nil
}

// Messages returns a copy of everything emitted so far
func (e *MemoryEmitter) Messages() []message.CheckpointMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.messages)
}
