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

// Package input reads the framed record stream of the upstream extraction
// process and publishes it into the input queue.
package input

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/bulkload/pkg/message"
)

// Frame types
const (
	FrameRecord = "RECORD"
	FrameState  = "STATE"
	FrameTrace  = "TRACE"
)

// Trace types and stream statuses the consumer acts on
const (
	TraceStreamStatus    = "STREAM_STATUS"
	StreamStatusComplete = "COMPLETE"
)

// ErrMalformedFrame is returned for lines that are not valid frames
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one line of the input stream
type Frame struct {
	Type   string       `json:"type"`
	Record *RecordFrame `json:"record,omitempty"`
	State  *StateFrame  `json:"state,omitempty"`
	Trace  *TraceFrame  `json:"trace,omitempty"`
}

type RecordFrame struct {
	Namespace string `json:"namespace,omitempty"`
	Stream    string `json:"stream"`
	// EmittedAt is the extraction time in unix milliseconds
	EmittedAt int64           `json:"emitted_at"`
	Data      json.RawMessage `json:"data"`
}

type StreamRef struct {
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

func (s StreamRef) Descriptor() message.StreamDescriptor {
	return message.StreamDescriptor{Namespace: s.Namespace, Name: s.Name}
}

type StateFrame struct {
	// Type is STREAM or GLOBAL
	Type   string          `json:"type"`
	Stream *StreamRef      `json:"stream,omitempty"`
	Data   json.RawMessage `json:"data"`
}

type TraceFrame struct {
	Type         string        `json:"type"`
	StreamStatus *StreamStatus `json:"stream_status,omitempty"`
}

type StreamStatus struct {
	Stream StreamRef `json:"stream"`
	Status string    `json:"status"`
}

// DecodeFrame parses one line. Frames of unknown type decode without error
// so the caller can skip them.
func DecodeFrame(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	switch f.Type {
	case FrameRecord:
		if f.Record == nil || f.Record.Stream == "" {
			return Frame{}, fmt.Errorf("%w: RECORD without stream", ErrMalformedFrame)
		}
	case FrameState:
		if f.State == nil {
			return Frame{}, fmt.Errorf("%w: STATE without state", ErrMalformedFrame)
		}
	case FrameTrace:
		if f.Trace == nil {
			return Frame{}, fmt.Errorf("%w: TRACE without trace", ErrMalformedFrame)
		}
	case "":
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

// Descriptor returns the stream of the record
func (r *RecordFrame) Descriptor() message.StreamDescriptor {
	return message.StreamDescriptor{Namespace: r.Namespace, Name: r.Stream}
}

// Payload decodes the record data. Numbers are kept as json.Number so
// integers beyond float64 precision reach the sink unchanged. A null payload
// yields an empty map.
func (r *RecordFrame) Payload() (map[string]any, error) {
	data := map[string]any{}
	if len(r.Data) == 0 {
		return data, nil
	}
	dec := json.NewDecoder(bytes.NewReader(r.Data))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: record data of %s: %w", ErrMalformedFrame, r.Descriptor(), err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// Time returns the emitted-at time, the zero time when unset
func (r *RecordFrame) Time() time.Time {
	if r.EmittedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.EmittedAt)
}

// Checkpoint converts the state frame into a checkpoint
func (s *StateFrame) Checkpoint() (message.Checkpoint, error) {
	cp := message.Checkpoint{State: bytes.Clone(s.Data)}
	switch s.Type {
	case string(message.ScopeStream):
		if s.Stream == nil || s.Stream.Name == "" {
			return message.Checkpoint{}, fmt.Errorf("%w: STREAM state without stream", ErrMalformedFrame)
		}
		cp.Scope = message.ScopeStream
		cp.Stream = s.Stream.Descriptor()
	case string(message.ScopeGlobal):
		cp.Scope = message.ScopeGlobal
	default:
		return message.Checkpoint{}, fmt.Errorf("%w: unknown state type %q", ErrMalformedFrame, s.Type)
	}
	return cp, nil
}
