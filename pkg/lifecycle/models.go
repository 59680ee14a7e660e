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

package lifecycle

// Sync states
const (
	SyncStateNotStarted              = "not_started"
	SyncStateInputConsumptionRunning = "input_consumption_running"
	SyncStateDestinationInitializing = "destination_initializing"
	SyncStatePerStreamInitializing   = "per_stream_initializing"
	SyncStateSteadyState             = "steady_state"
	SyncStateDraining                = "draining"
	SyncStateClosed                  = "closed"
	SyncStateFailed                  = "failed"
)

// Sync events
const (
	// EventStartInput is triggered once the input consumer runs
	EventStartInput = "start_input"
	// EventInitializeDestination is triggered before the sink is set up
	EventInitializeDestination = "initialize_destination"
	// EventInitializeStreams is triggered before the stream loaders start
	EventInitializeStreams = "initialize_streams"
	// EventStreamsReady is triggered once every stream loader started
	EventStreamsReady = "streams_ready"
	// EventDrain is triggered when the input ended
	EventDrain = "drain"
	// EventClose is triggered after teardown of a drained sync
	EventClose = "close"
	// EventFail is triggered by any fatal error
	EventFail = "fail"
)

// Stream states
const (
	StreamStatePending      = "pending"
	StreamStateInitializing = "initializing"
	StreamStateReady        = "ready"
	StreamStateClosing      = "closing"
	StreamStateClosed       = "closed"
	StreamStateFailed       = "failed"
)

// Stream events
const (
	EventStreamStart     = "start"
	EventStreamReady     = "ready"
	EventStreamClose     = "close"
	EventStreamCloseDone = "close_done"
	EventStreamFail      = "fail"
)

// IsTerminalSyncState reports whether a sync in state can no longer change
func IsTerminalSyncState(state string) bool {
	switch state {
	case SyncStateClosed, SyncStateFailed:
		return true
	default:
		return false
	}
}

// IsTerminalStreamState reports whether a stream in state can no longer change
func IsTerminalStreamState(state string) bool {
	switch state {
	case StreamStateClosed, StreamStateFailed:
		return true
	default:
		return false
	}
}
