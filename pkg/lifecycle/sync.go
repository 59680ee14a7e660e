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

// Package lifecycle orchestrates a sync: input consumption, destination
// setup, per-stream initialization, the steady state pipeline, drain and
// teardown.
//
// A sync either drains completely, and every accepted checkpoint has been
// emitted, or it fails. A failed sync never emits a checkpoint covering data
// that was not committed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	internalfsm "github.com/united-manufacturing-hub/bulkload/internal/fsm"
	"github.com/united-manufacturing-hub/bulkload/pkg/checkpoint"
	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/destination"
	"github.com/united-manufacturing-hub/bulkload/pkg/input"
	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
	"github.com/united-manufacturing-hub/bulkload/pkg/memory"
	"github.com/united-manufacturing-hub/bulkload/pkg/message"
	"github.com/united-manufacturing-hub/bulkload/pkg/partition"
	"github.com/united-manufacturing-hub/bulkload/pkg/pipeline"
	"github.com/united-manufacturing-hub/bulkload/pkg/queue"
	"github.com/united-manufacturing-hub/bulkload/pkg/stats"
)

// ErrDrainTimeout is returned when the pipeline did not drain within
// sync.drainTimeout after the input ended
var ErrDrainTimeout = errors.New("pipeline did not drain in time")

// Queue names, used for reservations and metrics
const (
	InputQueueName = "input"
	FlushQueueName = "flush"
)

// Dependencies are the collaborators of a sync. Memory, Partitioner and
// Source are built from the config when nil.
type Dependencies struct {
	Config      config.FullConfig
	Destination destination.Destination
	Emitter     checkpoint.Emitter
	Source      input.Source
	Partitioner partition.InputPartitioner
	Memory      *memory.ReservationManager
	Logger      *zap.SugaredLogger
}

// Sync runs one sync from the first input frame to teardown
type Sync struct {
	baseFSMInstance *internalfsm.BaseFSMInstance

	cfg         config.FullConfig
	destination destination.Destination
	source      input.Source
	partitioner partition.InputPartitioner
	memory      *memory.ReservationManager

	emitted     *stats.EmittedStatsStore
	committed   *stats.CommittedStatsStore
	checkpoints *checkpoint.Manager
	streams     []*Stream

	consumer *input.Consumer

	destinationSetup bool
	logger           *zap.SugaredLogger
}

// NewSync validates the dependencies and builds every component that does
// not need memory yet
func NewSync(deps Dependencies) (*Sync, error) {
	cfg := deps.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Destination == nil {
		return nil, config.Errorf("no destination")
	}
	if deps.Emitter == nil {
		return nil, config.Errorf("no checkpoint emitter")
	}

	id := uuid.NewString()
	log := logger.OrDefault(deps.Logger, logger.ComponentSync).With("sync", id)

	s := &Sync{
		cfg:         cfg,
		destination: deps.Destination,
		source:      deps.Source,
		partitioner: deps.Partitioner,
		memory:      deps.Memory,
		emitted:     stats.NewEmittedStatsStore(),
		committed:   stats.NewCommittedStatsStore(),
		logger:      log,
	}

	var err error
	if s.source == nil {
		if s.source, err = input.NewSource(cfg.Input, log); err != nil {
			return nil, err
		}
	}
	if s.partitioner == nil {
		if s.partitioner, err = partition.New(cfg.Pipeline.Partitioner, cfg.Catalog.Streams); err != nil {
			return nil, err
		}
	}
	if s.memory == nil {
		if s.memory, err = memory.NewReservationManager(cfg.Memory.TotalCapacityBytes, log); err != nil {
			return nil, err
		}
	}

	var enricher stats.StateStatsEnricher = stats.NoopStateStatsEnricher{}
	if cfg.Pipeline.StatsMode == config.StatsModeCommitted {
		enricher = stats.NewCommittedStateStatsEnricher(s.committed)
	}
	s.checkpoints = checkpoint.NewManager(s.emitted, s.committed, enricher, deps.Emitter, log)

	for _, sc := range cfg.Catalog.Streams {
		loader, err := s.destination.StreamLoader(sc)
		if err != nil {
			return nil, fmt.Errorf("stream loader of %s: %w", sc.Descriptor(), err)
		}
		s.streams = append(s.streams, NewStream(loader, log))
	}

	s.baseFSMInstance = internalfsm.NewBaseFSMInstance(internalfsm.BaseFSMInstanceConfig{
		ID:           id,
		InitialState: SyncStateNotStarted,
		Events: []fsm.EventDesc{
			{Name: EventStartInput, Src: []string{SyncStateNotStarted}, Dst: SyncStateInputConsumptionRunning},
			{Name: EventInitializeDestination, Src: []string{SyncStateInputConsumptionRunning}, Dst: SyncStateDestinationInitializing},
			{Name: EventInitializeStreams, Src: []string{SyncStateDestinationInitializing}, Dst: SyncStatePerStreamInitializing},
			{Name: EventStreamsReady, Src: []string{SyncStatePerStreamInitializing}, Dst: SyncStateSteadyState},
			{Name: EventDrain, Src: []string{SyncStateSteadyState}, Dst: SyncStateDraining},
			{Name: EventClose, Src: []string{SyncStateDraining}, Dst: SyncStateClosed},
			{Name: EventFail, Src: []string{
				SyncStateNotStarted,
				SyncStateInputConsumptionRunning,
				SyncStateDestinationInitializing,
				SyncStatePerStreamInitializing,
				SyncStateSteadyState,
				SyncStateDraining,
			}, Dst: SyncStateFailed},
		},
	}, logger.For(logger.ComponentBaseFSM))
	s.registerCallbacks()

	return s, nil
}

func (s *Sync) registerCallbacks() {
	s.baseFSMInstance.AddCallback("enter_"+SyncStateSteadyState, func(ctx context.Context, e *fsm.Event) {
		s.logger.Infof("All %d streams ready, pipeline running", len(s.streams))
	})
	s.baseFSMInstance.AddCallback("enter_"+SyncStateDraining, func(ctx context.Context, e *fsm.Event) {
		s.logger.Infof("Input ended, draining pipeline (timeout %s)", s.cfg.Sync.DrainTimeout)
	})
	s.baseFSMInstance.AddCallback("enter_"+SyncStateClosed, func(ctx context.Context, e *fsm.Event) {
		s.logger.Infof("Sync closed, %d checkpoints emitted", s.checkpoints.EmittedCount())
	})
	s.baseFSMInstance.AddCallback("enter_"+SyncStateFailed, func(ctx context.Context, e *fsm.Event) {
		s.logger.Errorf("Sync failed in %s: %s", e.Src, s.baseFSMInstance.GetError())
	})
}

// ID returns the id of the sync
func (s *Sync) ID() string {
	return s.baseFSMInstance.GetID()
}

// GetCurrentFSMState returns the current state of the sync
func (s *Sync) GetCurrentFSMState() string {
	return s.baseFSMInstance.GetCurrentFSMState()
}

// History returns the transitions of the sync
func (s *Sync) History() []internalfsm.Transition {
	return s.baseFSMInstance.History()
}

// Streams returns the stream lifecycles in catalog order
func (s *Sync) Streams() []*Stream {
	return slices.Clone(s.streams)
}

// Stream returns the lifecycle of one stream
func (s *Sync) Stream(desc message.StreamDescriptor) (*Stream, bool) {
	for _, st := range s.streams {
		if st.Descriptor() == desc {
			return st, true
		}
	}
	return nil, false
}

// Checkpoints returns the checkpoint manager of the sync
func (s *Sync) Checkpoints() *checkpoint.Manager {
	return s.checkpoints
}

// InputStats returns the counters of the input consumer
func (s *Sync) InputStats() input.ConsumerStats {
	if s.consumer == nil {
		return input.ConsumerStats{}
	}
	return s.consumer.Stats()
}

// Run executes the sync. It returns nil only if the input was consumed to
// the end, everything was committed and every checkpoint emitted.
func (s *Sync) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	inputQ, flushQ, err := s.buildQueues(runCtx)
	if err != nil {
		cancel()
		return s.fail(ctx, err)
	}
	// Reservations are released only once nothing touches the queues anymore
	defer flushQ.Close()
	defer inputQ.Close()
	defer cancel()

	if err := s.baseFSMInstance.SendEvent(runCtx, EventStartInput); err != nil {
		return s.fail(ctx, err)
	}
	s.consumer = input.NewConsumer(input.ConsumerConfig{
		Catalog:      s.cfg.Catalog.Streams,
		Partitioner:  s.partitioner,
		Checkpoints:  s.checkpoints,
		Emitted:      s.emitted,
		Output:       inputQ.PartitionedQueue,
		MaxLineBytes: s.cfg.Input.MaxLineBytes,
		Logger:       s.logger,
	})
	inputDone := make(chan error, 1)
	go func() {
		inputDone <- s.runInput(runCtx, inputQ.PartitionedQueue)
	}()

	if err := s.baseFSMInstance.SendEvent(runCtx, EventInitializeDestination); err != nil {
		return s.fail(ctx, err)
	}
	s.destinationSetup = true
	if err := s.destination.Setup(runCtx); err != nil {
		return s.fail(ctx, fmt.Errorf("setting up destination: %w", err))
	}

	if err := s.baseFSMInstance.SendEvent(runCtx, EventInitializeStreams); err != nil {
		return s.fail(ctx, err)
	}
	if err := s.initializeStreams(runCtx); err != nil {
		return s.fail(ctx, err)
	}

	p, err := s.buildPipeline(inputQ, flushQ)
	if err != nil {
		return s.fail(ctx, err)
	}
	if err := s.baseFSMInstance.SendEvent(runCtx, EventStreamsReady); err != nil {
		return s.fail(ctx, err)
	}
	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- p.Run(runCtx)
	}()

	pipelineEnded := false
	select {
	case err = <-inputDone:
	case err = <-pipelineDone:
		pipelineEnded = true
		if err == nil {
			// The input closed its queue and the pipeline drained before
			// the input result was read
			err = <-inputDone
		}
	}
	if err != nil {
		cancel()
		if !pipelineEnded {
			<-pipelineDone
		}
		return s.fail(ctx, err)
	}

	if err := s.baseFSMInstance.SendEvent(runCtx, EventDrain); err != nil {
		return s.fail(ctx, err)
	}
	if !pipelineEnded {
		if err := s.awaitDrain(cancel, pipelineDone); err != nil {
			return s.fail(ctx, err)
		}
	}

	if _, err := s.checkpoints.TryEmit(runCtx); err != nil {
		return s.fail(ctx, err)
	}
	if err := s.checkpoints.Verify(); err != nil {
		return s.fail(ctx, err)
	}

	for _, st := range s.streams {
		if err := st.Close(runCtx); err != nil {
			return s.fail(ctx, err)
		}
	}
	if err := s.destination.Teardown(runCtx, true); err != nil {
		return s.fail(ctx, err)
	}
	return s.baseFSMInstance.SendEvent(runCtx, EventClose)
}

func (s *Sync) buildQueues(ctx context.Context) (*queue.MemoryReservingPartitionedQueue[pipeline.Event], *queue.MemoryReservingPartitionedQueue[pipeline.FlushBatch], error) {
	lanes := s.cfg.Pipeline.NumPartitions
	inputQ, err := queue.NewMemoryReservingPartitionedQueue[pipeline.Event](ctx, s.memory, queue.MemoryReservingConfig{
		Name:                         InputQueueName,
		RatioOfTotalMemoryToReserve:  s.cfg.Memory.InputQueue.RatioOfTotalMemoryToReserve,
		NumProducers:                 s.cfg.Pipeline.NumProducers,
		NumConsumers:                 lanes,
		ExpectedResourceUsagePerUnit: s.cfg.Memory.InputQueue.ExpectedResourceUsagePerUnit,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("building input queue: %w", err)
	}
	flushQ, err := queue.NewMemoryReservingPartitionedQueue[pipeline.FlushBatch](ctx, s.memory, queue.MemoryReservingConfig{
		Name:                         FlushQueueName,
		RatioOfTotalMemoryToReserve:  s.cfg.Memory.FlushQueue.RatioOfTotalMemoryToReserve,
		NumProducers:                 lanes,
		NumConsumers:                 lanes,
		ExpectedResourceUsagePerUnit: s.cfg.Memory.FlushQueue.ExpectedResourceUsagePerUnit,
	})
	if err != nil {
		inputQ.Close()
		return nil, nil, fmt.Errorf("building flush queue: %w", err)
	}
	return inputQ, flushQ, nil
}

// runInput reads the source to its end and closes the input queue. The
// heartbeater runs alongside and is stopped before the queue is closed.
func (s *Sync) runInput(ctx context.Context, q *queue.PartitionedQueue[pipeline.Event]) error {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		if err := input.NewHeartbeater(s.cfg.Sync.HeartbeatInterval, q, s.logger).Run(hbCtx); err != nil {
			s.logger.Warnf("Heartbeater stopped: %s", err)
		}
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	r, err := s.source.Open(ctx)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer r.Close()

	if err := s.consumer.Run(ctx, r); err != nil {
		return err
	}

	stopHeartbeat()
	<-hbDone
	q.Close()
	return nil
}

func (s *Sync) initializeStreams(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range s.streams {
		g.Go(func() error {
			return st.Initialize(gctx)
		})
	}
	return g.Wait()
}

func (s *Sync) buildPipeline(inputQ *queue.MemoryReservingPartitionedQueue[pipeline.Event], flushQ *queue.MemoryReservingPartitionedQueue[pipeline.FlushBatch]) (*pipeline.Pipeline, error) {
	lanes := s.cfg.Pipeline.NumPartitions
	aggregateStep := pipeline.NewAggregateStep(lanes, inputQ, flushQ.PartitionedQueue, pipeline.AggregateStageConfig{
		Factory:           s.destination.AggregateFactory(),
		Strategy:          pipeline.NewPipelineFlushStrategy(s.cfg.Pipeline),
		MaxAggregateBytes: s.cfg.Pipeline.MaxAggregateBytes,
		Logger:            s.logger,
	})
	flushStep := pipeline.NewFlushStep(lanes, flushQ, pipeline.FlushStageConfig{
		Retry:       s.cfg.FlushRetry,
		Committed:   s.committed,
		Checkpoints: s.checkpoints,
		Logger:      s.logger,
	})
	return pipeline.New(s.logger, aggregateStep, flushStep)
}

func (s *Sync) awaitDrain(cancel context.CancelFunc, pipelineDone <-chan error) error {
	timer := time.NewTimer(s.cfg.Sync.DrainTimeout)
	defer timer.Stop()
	select {
	case err := <-pipelineDone:
		return err
	case <-timer.C:
		cancel()
		<-pipelineDone
		return fmt.Errorf("%w: still running after %s", ErrDrainTimeout, s.cfg.Sync.DrainTimeout)
	}
}

// fail moves the sync and every open stream to failed and tears down the
// destination. Checkpoints still pending are never emitted.
func (s *Sync) fail(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	s.baseFSMInstance.SetError(cause)

	for _, st := range s.streams {
		st.Fail(ctx, cause)
	}
	var teardownErr error
	if s.destinationSetup {
		teardownErr = s.destination.Teardown(ctx, false)
	}
	if err := s.baseFSMInstance.SendEvent(ctx, EventFail); err != nil {
		s.logger.Errorf("Failing sync: %s", err)
	}
	if pending := s.checkpoints.PendingCount(); pending > 0 {
		s.logger.Warnf("Dropping %d checkpoints covering uncommitted data", pending)
	}
	return errors.Join(cause, teardownErr)
}
