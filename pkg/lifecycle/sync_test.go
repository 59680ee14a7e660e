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

package lifecycle_test

import (
	"context"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/bulkload/pkg/backoff"
	"github.com/united-manufacturing-hub/bulkload/pkg/checkpoint"
	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/destination"
	"github.com/united-manufacturing-hub/bulkload/pkg/input"
	"github.com/united-manufacturing-hub/bulkload/pkg/lifecycle"
	"github.com/united-manufacturing-hub/bulkload/pkg/memory"
	"github.com/united-manufacturing-hub/bulkload/pkg/message"
	"github.com/united-manufacturing-hub/bulkload/pkg/sink"
)

var (
	users  = message.StreamDescriptor{Namespace: "public", Name: "users"}
	orders = message.StreamDescriptor{Namespace: "public", Name: "orders"}
)

// testSink is a MemorySink whose setup calls and writes can be made to fail
type testSink struct {
	*sink.MemorySink
	connectErr  error
	ensureErr   error
	blockWrites bool
}

func (s *testSink) Connect(ctx context.Context) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	return s.MemorySink.Connect(ctx)
}

func (s *testSink) EnsureTable(ctx context.Context, table sink.TableIdentifier) error {
	if s.ensureErr != nil && table == sink.TableFor(orders) {
		return s.ensureErr
	}
	return s.MemorySink.EnsureTable(ctx, table)
}

func (s *testSink) Write(ctx context.Context, table sink.TableIdentifier, rows []sink.Row) error {
	if s.blockWrites {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.MemorySink.Write(ctx, table, rows)
}

func testConfig() config.FullConfig {
	cfg := config.FullConfig{
		Sync: config.SyncConfig{DrainTimeout: 5 * time.Second, HeartbeatInterval: 10 * time.Millisecond},
		Memory: config.MemoryConfig{
			TotalCapacityBytes: 1 << 20,
			InputQueue:         config.QueueConfig{RatioOfTotalMemoryToReserve: 0.25, ExpectedResourceUsagePerUnit: 256},
			FlushQueue:         config.QueueConfig{RatioOfTotalMemoryToReserve: 0.25, ExpectedResourceUsagePerUnit: 4096},
		},
		Pipeline: config.PipelineConfig{
			NumPartitions:                     3,
			NumProducers:                      1,
			MaxTimeWithoutFlushingDataSeconds: 60,
			MaxAggregateBytes:                 1 << 16,
			Partitioner:                       config.PartitionerConfig{Type: config.PartitionerRoundRobin, RotationLength: 2},
		},
		FlushRetry: config.FlushRetryConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxRetries: 3},
		Sink:       config.SinkConfig{Type: config.SinkMemory},
		Catalog: config.CatalogConfig{Streams: []config.StreamConfig{
			{Namespace: "public", Name: "users"},
			{Namespace: "public", Name: "orders"},
		}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func frames(lines ...string) input.Source {
	return input.ReaderSource{Reader: strings.NewReader(strings.Join(lines, "\n"))}
}

const (
	userRecord1   = `{"type":"RECORD","record":{"namespace":"public","stream":"users","data":{"id":1}}}`
	userRecord2   = `{"type":"RECORD","record":{"namespace":"public","stream":"users","data":{"id":2}}}`
	userRecord3   = `{"type":"RECORD","record":{"namespace":"public","stream":"users","data":{"id":3}}}`
	orderRecord10 = `{"type":"RECORD","record":{"namespace":"public","stream":"orders","data":{"id":10}}}`
	orderRecord11 = `{"type":"RECORD","record":{"namespace":"public","stream":"orders","data":{"id":11}}}`
	userState     = `{"type":"STATE","state":{"type":"STREAM","stream":{"namespace":"public","name":"users"},"data":{"cursor":2}}}`
	globalState   = `{"type":"STATE","state":{"type":"GLOBAL","data":{"lsn":9}}}`
	usersComplete = `{"type":"TRACE","trace":{"type":"STREAM_STATUS","stream_status":{"stream":{"namespace":"public","name":"users"},"status":"COMPLETE"}}}`
	orderComplete = `{"type":"TRACE","trace":{"type":"STREAM_STATUS","stream_status":{"stream":{"namespace":"public","name":"orders"},"status":"COMPLETE"}}}`
)

var _ = Describe("Sync", func() {
	var (
		ctx     context.Context
		cfg     config.FullConfig
		mem     *testSink
		emitter *checkpoint.MemoryEmitter
		manager *memory.ReservationManager
	)

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
		DeferCleanup(cancel)

		cfg = testConfig()
		mem = &testSink{MemorySink: sink.NewMemorySink(nil)}
		emitter = &checkpoint.MemoryEmitter{}
		var err error
		manager, err = memory.NewReservationManager(cfg.Memory.TotalCapacityBytes, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	newSync := func(source input.Source) *lifecycle.Sync {
		log := zaptest.NewLogger(GinkgoT()).Sugar()
		dest, err := destination.NewSinkDestination(mem, cfg.Catalog.Streams, cfg.Coercion, log)
		Expect(err).NotTo(HaveOccurred())
		s, err := lifecycle.NewSync(lifecycle.Dependencies{
			Config:      cfg,
			Destination: dest,
			Emitter:     emitter,
			Source:      source,
			Memory:      manager,
			Logger:      log,
		})
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	states := func(s *lifecycle.Sync) []string {
		var out []string
		for _, t := range s.History() {
			out = append(out, t.To)
		}
		return out
	}

	It("loads every record and emits checkpoints in order once committed", func() {
		s := newSync(frames(
			userRecord1, userRecord2, orderRecord10, userState, userRecord3,
			usersComplete, orderRecord11, orderComplete, globalState,
		))
		Expect(s.Run(ctx)).To(Succeed())

		Expect(s.GetCurrentFSMState()).To(Equal(lifecycle.SyncStateClosed))
		Expect(states(s)).To(Equal([]string{
			lifecycle.SyncStateInputConsumptionRunning,
			lifecycle.SyncStateDestinationInitializing,
			lifecycle.SyncStatePerStreamInitializing,
			lifecycle.SyncStateSteadyState,
			lifecycle.SyncStateDraining,
			lifecycle.SyncStateClosed,
		}))

		Expect(mem.Rows(sink.TableFor(users))).To(HaveLen(3))
		Expect(mem.Rows(sink.TableFor(orders))).To(HaveLen(2))
		Expect(mem.Closed()).To(BeTrue())

		msgs := emitter.Messages()
		Expect(msgs).To(HaveLen(2))
		Expect(msgs[0].StreamName).To(Equal("users"))
		Expect(string(msgs[0].OpaqueState)).To(MatchJSON(`{"cursor":2}`))
		Expect(msgs[0].Stats).To(Equal(&message.CheckpointStats{RecordCount: 2, ByteCount: 16}))
		Expect(msgs[1].StreamName).To(BeEmpty())
		Expect(msgs[1].Stats).To(Equal(&message.CheckpointStats{RecordCount: 3, ByteCount: 26}))

		for _, st := range s.Streams() {
			Expect(st.GetCurrentFSMState()).To(Equal(lifecycle.StreamStateClosed))
		}
		Expect(s.InputStats().Records).To(Equal(int64(5)))
		Expect(manager.Reserved()).To(BeZero())
	})

	It("omits checkpoint stats when stats are disabled", func() {
		cfg.Pipeline.StatsMode = config.StatsModeNone
		s := newSync(frames(userRecord1, userState))
		Expect(s.Run(ctx)).To(Succeed())
		Expect(emitter.Messages()).To(HaveLen(1))
		Expect(emitter.Messages()[0].Stats).To(BeNil())
	})

	It("flushes aggregates while input is still running", func() {
		m := int64(1)
		cfg.Pipeline.MicroBatchSizeOverride = &m
		s := newSync(frames(userRecord1, userRecord2, userState))
		Expect(s.Run(ctx)).To(Succeed())
		Expect(mem.Writes()).To(Equal(2))
		Expect(emitter.Messages()).To(HaveLen(1))
	})

	It("retries transient write errors", func() {
		mem.FailNextWrites(2, errors.New("broker not available"))
		s := newSync(frames(userRecord1, userState, usersComplete))
		Expect(s.Run(ctx)).To(Succeed())
		Expect(mem.Rows(sink.TableFor(users))).To(HaveLen(1))
		Expect(emitter.Messages()).To(HaveLen(1))
	})

	It("fails without emitting checkpoints of uncommitted data", func() {
		mem.FailNextWrites(1, backoff.Permanent(errors.New("value too large")))
		s := newSync(frames(userRecord1, userState, usersComplete))

		err := s.Run(ctx)
		Expect(backoff.IsPermanentFailureError(err)).To(BeTrue())
		Expect(s.GetCurrentFSMState()).To(Equal(lifecycle.SyncStateFailed))
		Expect(emitter.Messages()).To(BeEmpty())
		Expect(s.Checkpoints().PendingCount()).To(Equal(1))

		st, ok := s.Stream(users)
		Expect(ok).To(BeTrue())
		Expect(st.GetCurrentFSMState()).To(Equal(lifecycle.StreamStateFailed))
		Expect(mem.Closed()).To(BeTrue())
		Expect(manager.Reserved()).To(BeZero())
	})

	It("fails on records of unknown streams", func() {
		s := newSync(frames(userRecord1, `{"type":"RECORD","record":{"namespace":"public","stream":"invoices","data":{}}}`))
		Expect(s.Run(ctx)).To(MatchError(input.ErrUnknownStream))
		Expect(s.GetCurrentFSMState()).To(Equal(lifecycle.SyncStateFailed))
	})

	It("fails when the destination cannot be set up", func() {
		mem.connectErr = errors.New("connection refused")
		s := newSync(frames(userRecord1))
		Expect(s.Run(ctx)).To(MatchError(mem.connectErr))
		Expect(states(s)).To(Equal([]string{
			lifecycle.SyncStateInputConsumptionRunning,
			lifecycle.SyncStateDestinationInitializing,
			lifecycle.SyncStateFailed,
		}))
		for _, st := range s.Streams() {
			Expect(st.GetCurrentFSMState()).To(Equal(lifecycle.StreamStateFailed))
		}
	})

	It("fails when a single stream cannot be initialized", func() {
		mem.ensureErr = errors.New("permission denied")
		s := newSync(frames(userRecord1))
		Expect(s.Run(ctx)).To(MatchError(mem.ensureErr))
		Expect(s.GetCurrentFSMState()).To(Equal(lifecycle.SyncStateFailed))

		st, _ := s.Stream(orders)
		Expect(st.GetCurrentFSMState()).To(Equal(lifecycle.StreamStateFailed))
		Expect(st.GetError()).To(MatchError(mem.ensureErr))
		Expect(mem.Rows(sink.TableFor(users))).To(BeEmpty())
	})

	It("fails when the pipeline does not drain in time", func() {
		cfg.Sync.DrainTimeout = 100 * time.Millisecond
		mem.blockWrites = true
		s := newSync(frames(userRecord1, userState, usersComplete))

		err := s.Run(ctx)
		Expect(err).To(MatchError(lifecycle.ErrDrainTimeout))
		Expect(s.GetCurrentFSMState()).To(Equal(lifecycle.SyncStateFailed))
		Expect(states(s)).To(ContainElement(lifecycle.SyncStateDraining))
		Expect(emitter.Messages()).To(BeEmpty())
		Expect(manager.Reserved()).To(BeZero())
	})

	It("rejects invalid configurations", func() {
		cfg.Pipeline.NumPartitions = -1
		_, err := lifecycle.NewSync(lifecycle.Dependencies{Config: cfg, Destination: nil, Emitter: emitter})
		Expect(err).To(MatchError(config.ErrInvalidConfiguration))
	})

	It("rejects a missing emitter", func() {
		dest, err := destination.NewSinkDestination(mem, cfg.Catalog.Streams, cfg.Coercion, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = lifecycle.NewSync(lifecycle.Dependencies{Config: cfg, Destination: dest})
		Expect(err).To(MatchError(config.ErrInvalidConfiguration))
	})
})
