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

package pipeline

import (
	"github.com/united-manufacturing-hub/bulkload/pkg/aggregate"
	"github.com/united-manufacturing-hub/bulkload/pkg/message"
)

// EventKind tells the aggregate stage what an Event carries
type EventKind int

const (
	// EventRecord carries a record to aggregate
	EventRecord EventKind = iota
	// EventHeartbeat asks a lane to re-check the age of its aggregates
	EventHeartbeat
	// EventEndOfStream announces that a stream will send no more records
	EventEndOfStream
)

func (k EventKind) String() string {
	switch k {
	case EventRecord:
		return "record"
	case EventHeartbeat:
		return "heartbeat"
	case EventEndOfStream:
		return "end_of_stream"
	default:
		return "unknown"
	}
}

// Event is the unit of the input queue
type Event struct {
	Kind   EventKind
	Record *message.Record
	// Stream is set for EventEndOfStream
	Stream message.StreamDescriptor
}

func RecordEvent(record *message.Record) Event {
	return Event{Kind: EventRecord, Record: record, Stream: record.Stream}
}

func HeartbeatEvent() Event {
	return Event{Kind: EventHeartbeat}
}

func EndOfStreamEvent(stream message.StreamDescriptor) Event {
	return Event{Kind: EventEndOfStream, Stream: stream}
}

// Flush reasons
const (
	ReasonStrategy    = "strategy"
	ReasonSize        = "size"
	ReasonHeartbeat   = "heartbeat"
	ReasonEndOfStream = "end_of_stream"
	ReasonDrain       = "drain"
)

// FlushBatch hands a closed aggregate from the aggregate stage to the flush
// stage. The aggregate carries its own per-checkpoint histograms.
type FlushBatch struct {
	Buffered *aggregate.Buffered
	Reason   string
}
