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

// Package destination adapts a sink to the lifecycle of a sync
package destination

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bulkload/pkg/aggregate"
	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
	"github.com/united-manufacturing-hub/bulkload/pkg/message"
	"github.com/united-manufacturing-hub/bulkload/pkg/sink"
)

// ErrNotStarted is returned when closing a loader that never started
var ErrNotStarted = errors.New("stream loader was not started")

// StreamLoader prepares the sink for one stream and finalizes it at the end
// of the sync
type StreamLoader interface {
	Stream() message.StreamDescriptor
	Start(ctx context.Context) error
	Close(ctx context.Context, succeeded bool) error
}

// Destination is everything the lifecycle needs from the write side
type Destination interface {
	Setup(ctx context.Context) error
	StreamLoader(stream config.StreamConfig) (StreamLoader, error)
	AggregateFactory() aggregate.Factory
	Teardown(ctx context.Context, succeeded bool) error
}

// SinkDestination is a Destination writing rows through a sink.Sink
type SinkDestination struct {
	sink    sink.Sink
	factory *aggregate.RowFactory
	logger  *zap.SugaredLogger
}

var _ Destination = (*SinkDestination)(nil)

// NewSinkDestination compiles the row coercion of every catalog stream
func NewSinkDestination(s sink.Sink, catalog []config.StreamConfig, coercion config.CoercionConfig, log *zap.SugaredLogger) (*SinkDestination, error) {
	factory, err := aggregate.NewRowFactory(s, catalog, coercion)
	if err != nil {
		return nil, err
	}
	return &SinkDestination{
		sink:    s,
		factory: factory,
		logger:  logger.OrDefault(log, logger.ComponentSync),
	}, nil
}

// Setup connects the sink
func (d *SinkDestination) Setup(ctx context.Context) error {
	if err := d.sink.Connect(ctx); err != nil {
		return fmt.Errorf("connecting sink: %w", err)
	}
	return nil
}

func (d *SinkDestination) StreamLoader(stream config.StreamConfig) (StreamLoader, error) {
	if stream.Name == "" {
		return nil, config.Errorf("stream without name")
	}
	desc := stream.Descriptor()
	return &sinkStreamLoader{
		sink:   d.sink,
		stream: desc,
		table:  sink.TableFor(desc),
		logger: d.logger.With("stream", desc.String()),
	}, nil
}

func (d *SinkDestination) AggregateFactory() aggregate.Factory {
	return d.factory
}

// Teardown closes the sink
func (d *SinkDestination) Teardown(ctx context.Context, succeeded bool) error {
	if !succeeded {
		d.logger.Warnf("Tearing down destination after a failed sync")
	}
	if err := d.sink.Close(ctx); err != nil {
		return fmt.Errorf("closing sink: %w", err)
	}
	return nil
}

type sinkStreamLoader struct {
	sink    sink.Sink
	stream  message.StreamDescriptor
	table   sink.TableIdentifier
	started bool
	logger  *zap.SugaredLogger
}

func (l *sinkStreamLoader) Stream() message.StreamDescriptor {
	return l.stream
}

// Start makes sure the table of the stream exists
func (l *sinkStreamLoader) Start(ctx context.Context) error {
	if err := l.sink.EnsureTable(ctx, l.table); err != nil {
		return fmt.Errorf("ensuring table %s: %w", l.table, err)
	}
	l.started = true
	l.logger.Debugf("Table %s ready", l.table)
	return nil
}

func (l *sinkStreamLoader) Close(_ context.Context, succeeded bool) error {
	if !l.started {
		return ErrNotStarted
	}
	if succeeded {
		l.logger.Infof("Stream %s loaded into %s", l.stream, l.table)
	} else {
		l.logger.Warnf("Stream %s closed without success, %s may be incomplete", l.stream, l.table)
	}
	return nil
}
