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

// Package fsm wraps looplab/fsm with the bookkeeping shared by the sync and
// stream lifecycle machines.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
)

// Transition is one recorded state change
type Transition struct {
	Event string
	From  string
	To    string
	At    time.Time
}

// BaseFSMInstanceConfig describes a state machine
type BaseFSMInstanceConfig struct {
	// ID names the machine in logs
	ID string

	InitialState string

	// Events lists every allowed transition
	Events []fsm.EventDesc
}

// BaseFSMInstance is a goroutine safe state machine that dispatches
// enter-state callbacks and records its transition history
type BaseFSMInstance struct {
	cfg BaseFSMInstanceConfig

	// mu serialises events, looplab/fsm rejects concurrent transitions
	mu sync.Mutex

	fsm *fsm.FSM

	callbacks map[string]fsm.Callback

	historyMu sync.RWMutex
	history   []Transition
	lastError error

	logger *zap.SugaredLogger
}

// NewBaseFSMInstance creates a machine in cfg.InitialState
func NewBaseFSMInstance(cfg BaseFSMInstanceConfig, log *zap.SugaredLogger) *BaseFSMInstance {
	baseInstance := &BaseFSMInstance{
		cfg:       cfg,
		callbacks: make(map[string]fsm.Callback),
		logger:    logger.OrDefault(log, logger.ComponentBaseFSM),
	}

	baseInstance.fsm = fsm.NewFSM(
		cfg.InitialState,
		fsm.Events(cfg.Events),
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				baseInstance.record(e)
				if cb, ok := baseInstance.callbacks["enter_"+e.Dst]; ok {
					cb(ctx, e)
				}
			},
		},
	)

	return baseInstance
}

func (s *BaseFSMInstance) record(e *fsm.Event) {
	s.historyMu.Lock()
	s.history = append(s.history, Transition{Event: e.Event, From: e.Src, To: e.Dst, At: time.Now()})
	s.historyMu.Unlock()
	s.logger.Debugf("%s: %s -> %s (%s)", s.cfg.ID, e.Src, e.Dst, e.Event)
}

// AddCallback registers a callback for "enter_<state>".
// Callbacks must be added before the first event is sent.
func (s *BaseFSMInstance) AddCallback(eventName string, callback fsm.Callback) {
	s.callbacks[eventName] = callback
}

// SendEvent fires an event. Events that are not allowed in the current
// state return an error and leave the state untouched.
func (s *BaseFSMInstance) SendEvent(ctx context.Context, eventName string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.fsm.Event(ctx, eventName, args...)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: event %s in state %s: %w", s.cfg.ID, eventName, s.fsm.Current(), err)
	}
	return nil
}

// Can reports whether eventName is allowed in the current state
func (s *BaseFSMInstance) Can(eventName string) bool {
	return s.fsm.Can(eventName)
}

// GetCurrentFSMState returns the current state
func (s *BaseFSMInstance) GetCurrentFSMState() string {
	return s.fsm.Current()
}

// IsIn reports whether the machine is in one of states
func (s *BaseFSMInstance) IsIn(states ...string) bool {
	return slices.Contains(states, s.fsm.Current())
}

// History returns a copy of the transitions taken so far
func (s *BaseFSMInstance) History() []Transition {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	return slices.Clone(s.history)
}

// SetError records the error that drove the machine into a failure state
func (s *BaseFSMInstance) SetError(err error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.lastError = err
}

// GetError returns the last recorded error
func (s *BaseFSMInstance) GetError() error {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	return s.lastError
}

// GetID returns the machine id
func (s *BaseFSMInstance) GetID() string {
	return s.cfg.ID
}

// GetLogger returns the machine logger
func (s *BaseFSMInstance) GetLogger() *zap.SugaredLogger {
	return s.logger
}
