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

// Package pipeline runs the staged workers between the input queue and the
// sink.
//
// Every stage has one task per lane. A task consumes its lane of the stage's
// input queue and publishes to the same lane of the stage's output queue, so
// records of one partition key stay in order through the whole chain. A
// stage closes its output once all of its tasks have ended, which lets the
// next stage drain and end in turn.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
	"github.com/united-manufacturing-hub/bulkload/pkg/queue"
)

// Emit publishes a result of the handler to its lane of the output queue
type Emit[Out any] func(ctx context.Context, out Out) error

// Handler holds the state of one task. It is only ever called from the
// goroutine of its task.
type Handler[In, Out any] interface {
	// Handle processes one item of the lane
	Handle(ctx context.Context, item In, emit Emit[Out]) error
	// Finish is called once the lane is closed and drained
	Finish(ctx context.Context, emit Emit[Out]) error
}

// Step is one stage of a pipeline. Output is nil for the terminal stage.
type Step[In, Out any] struct {
	Name       string
	NumWorkers int
	Input      queue.Consumer[In]
	Output     queue.Publisher[Out]
	NewHandler func(partition int) (Handler[In, Out], error)
}

// Task processes one lane of a stage
type Task interface {
	Partition() int
	Run(ctx context.Context) error
}

// Stage is the type-erased view of a Step the pipeline runs
type Stage interface {
	StageName() string
	Validate() error
	Tasks() ([]Task, error)
	// CloseOutput signals the next stage that no more items follow
	CloseOutput()
}

var _ Stage = (*Step[int, int])(nil)

func (s *Step[In, Out]) StageName() string {
	return s.Name
}

// Validate checks that every lane has exactly one worker on both sides
func (s *Step[In, Out]) Validate() error {
	if s.NumWorkers <= 0 {
		return config.Errorf("stage %s: number of workers must be positive, got %d", s.Name, s.NumWorkers)
	}
	if s.Input == nil {
		return config.Errorf("stage %s: no input queue", s.Name)
	}
	if s.NewHandler == nil {
		return config.Errorf("stage %s: no handler", s.Name)
	}
	if n := s.Input.NumPartitions(); n != s.NumWorkers {
		return config.Errorf("stage %s: %d workers for %d input lanes", s.Name, s.NumWorkers, n)
	}
	if s.Output != nil {
		if n := s.Output.NumPartitions(); n != s.NumWorkers {
			return config.Errorf("stage %s: %d workers for %d output lanes", s.Name, s.NumWorkers, n)
		}
	}
	return nil
}

// TaskForPartition returns the task bound to input lane i
func (s *Step[In, Out]) TaskForPartition(i int) (Task, error) {
	if i < 0 || i >= s.NumWorkers {
		return nil, fmt.Errorf("stage %s: %w: %d", s.Name, queue.ErrPartitionOutOfRange, i)
	}
	h, err := s.NewHandler(i)
	if err != nil {
		return nil, fmt.Errorf("stage %s: creating handler for lane %d: %w", s.Name, i, err)
	}
	return &task[In, Out]{
		stage:     s.Name,
		partition: i,
		input:     s.Input,
		output:    s.Output,
		handler:   h,
	}, nil
}

func (s *Step[In, Out]) Tasks() ([]Task, error) {
	tasks := make([]Task, 0, s.NumWorkers)
	for i := range s.NumWorkers {
		t, err := s.TaskForPartition(i)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *Step[In, Out]) CloseOutput() {
	if s.Output != nil {
		s.Output.Close()
	}
}

type task[In, Out any] struct {
	stage     string
	partition int
	input     queue.Consumer[In]
	output    queue.Publisher[Out]
	handler   Handler[In, Out]
}

func (t *task[In, Out]) Partition() int {
	return t.partition
}

// Run handles the lane until it is closed and drained. On cancellation
// Finish is skipped and the context error returned.
func (t *task[In, Out]) Run(ctx context.Context) error {
	emit := func(ctx context.Context, out Out) error {
		if t.output == nil {
			return nil
		}
		return t.output.Publish(ctx, out, t.partition)
	}

	for item := range t.input.Consume(ctx, t.partition) {
		if err := t.handler.Handle(ctx, item, emit); err != nil {
			return fmt.Errorf("stage %s lane %d: %w", t.stage, t.partition, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.handler.Finish(ctx, emit); err != nil {
		return fmt.Errorf("stage %s lane %d: finishing: %w", t.stage, t.partition, err)
	}
	return nil
}

// Pipeline is a chain of stages
type Pipeline struct {
	stages []Stage
	logger *zap.SugaredLogger
}

// New validates the stages. The output of each stage is expected to be the
// input of the next one.
func New(log *zap.SugaredLogger, stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, config.Errorf("pipeline has no stages")
	}
	for _, s := range stages {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return &Pipeline{stages: stages, logger: logger.OrDefault(log, logger.ComponentPipeline)}, nil
}

// Run starts every task of every stage and returns once all of them ended.
// The first failing task cancels all others and its error is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	stageTasks := make([][]Task, len(p.stages))
	for i, s := range p.stages {
		tasks, err := s.Tasks()
		if err != nil {
			return err
		}
		stageTasks[i] = tasks
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range p.stages {
		tasks := stageTasks[i]
		g.Go(func() error {
			defer s.CloseOutput()

			sg, sctx := errgroup.WithContext(gctx)
			for _, t := range tasks {
				sg.Go(func() error {
					return t.Run(sctx)
				})
			}
			if err := sg.Wait(); err != nil {
				p.logger.Errorf("Stage %s failed: %s", s.StageName(), err)
				return err
			}
			p.logger.Debugf("Stage %s drained", s.StageName())
			return nil
		})
	}
	return g.Wait()
}
