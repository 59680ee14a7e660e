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

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	internalfsm "github.com/united-manufacturing-hub/bulkload/internal/fsm"
	"github.com/united-manufacturing-hub/bulkload/pkg/destination"
	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
	"github.com/united-manufacturing-hub/bulkload/pkg/message"
)

// Stream is the lifecycle of one stream of a sync
type Stream struct {
	baseFSMInstance *internalfsm.BaseFSMInstance
	loader          destination.StreamLoader
	started         bool
}

func NewStream(loader destination.StreamLoader, log *zap.SugaredLogger) *Stream {
	nonTerminal := []string{StreamStatePending, StreamStateInitializing, StreamStateReady, StreamStateClosing}
	cfg := internalfsm.BaseFSMInstanceConfig{
		ID:           loader.Stream().String(),
		InitialState: StreamStatePending,
		Events: []fsm.EventDesc{
			{Name: EventStreamStart, Src: []string{StreamStatePending}, Dst: StreamStateInitializing},
			{Name: EventStreamReady, Src: []string{StreamStateInitializing}, Dst: StreamStateReady},
			{Name: EventStreamClose, Src: []string{StreamStateReady}, Dst: StreamStateClosing},
			{Name: EventStreamCloseDone, Src: []string{StreamStateClosing}, Dst: StreamStateClosed},
			{Name: EventStreamFail, Src: nonTerminal, Dst: StreamStateFailed},
		},
	}
	s := &Stream{
		baseFSMInstance: internalfsm.NewBaseFSMInstance(cfg, logger.OrDefault(log, logger.ComponentStream)),
		loader:          loader,
	}
	s.baseFSMInstance.AddCallback("enter_"+StreamStateFailed, func(ctx context.Context, e *fsm.Event) {
		s.baseFSMInstance.GetLogger().Errorf("Stream %s failed in %s", s.baseFSMInstance.GetID(), e.Src)
	})
	return s
}

// Descriptor returns the stream the lifecycle belongs to
func (s *Stream) Descriptor() message.StreamDescriptor {
	return s.loader.Stream()
}

// GetCurrentFSMState returns the current state of the stream
func (s *Stream) GetCurrentFSMState() string {
	return s.baseFSMInstance.GetCurrentFSMState()
}

// History returns the transitions of the stream
func (s *Stream) History() []internalfsm.Transition {
	return s.baseFSMInstance.History()
}

// GetError returns the error that failed the stream
func (s *Stream) GetError() error {
	return s.baseFSMInstance.GetError()
}

// Initialize starts the loader of the stream. A failure moves the stream to
// failed and is returned.
func (s *Stream) Initialize(ctx context.Context) error {
	if err := s.baseFSMInstance.SendEvent(ctx, EventStreamStart); err != nil {
		return err
	}
	if err := s.loader.Start(ctx); err != nil {
		s.Fail(ctx, err)
		return fmt.Errorf("initializing stream %s: %w", s.Descriptor(), err)
	}
	s.started = true
	return s.baseFSMInstance.SendEvent(ctx, EventStreamReady)
}

// Close finalizes a ready stream after a drained sync
func (s *Stream) Close(ctx context.Context) error {
	if err := s.baseFSMInstance.SendEvent(ctx, EventStreamClose); err != nil {
		return err
	}
	if err := s.loader.Close(ctx, true); err != nil {
		s.Fail(ctx, err)
		return fmt.Errorf("closing stream %s: %w", s.Descriptor(), err)
	}
	return s.baseFSMInstance.SendEvent(ctx, EventStreamCloseDone)
}

// Fail moves a stream that is not yet terminal to failed. A started loader is
// closed without success.
func (s *Stream) Fail(ctx context.Context, cause error) {
	state := s.GetCurrentFSMState()
	if IsTerminalStreamState(state) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.baseFSMInstance.SetError(cause)
	if s.started && state != StreamStateClosing {
		if err := s.loader.Close(ctx, false); err != nil {
			s.baseFSMInstance.GetLogger().Warnf("Closing loader of %s: %s", s.Descriptor(), err)
		}
	}
	if err := s.baseFSMInstance.SendEvent(ctx, EventStreamFail); err != nil {
		s.baseFSMInstance.GetLogger().Errorf("Failing stream %s: %s", s.Descriptor(), err)
	}
}
