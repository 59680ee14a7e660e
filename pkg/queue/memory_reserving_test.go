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

package queue_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/memory"
	"github.com/united-manufacturing-hub/bulkload/pkg/queue"
)

var _ = Describe("ComputeSizing", func() {
	DescribeTable("derives lane capacity from the reservation",
		func(reserved, unit int64, producers, consumers int, expected queue.Sizing) {
			s, err := queue.ComputeSizing(reserved, unit, producers, consumers)
			Expect(err).NotTo(HaveOccurred())
			Expect(s).To(Equal(expected))
		},
		Entry("small budget, unit fits", int64(1024), int64(64), 1, 3, queue.Sizing{
			ReservedBytes: 1024, MinUnits: 7, MaxMessageSize: 146, ClampedSize: 64,
			MaxNumUnits: 16, TotalCapacity: 12, PerLaneCapacity: 4,
		}),
		Entry("unit larger than the budget allows is clamped", int64(1000), int64(4096), 1, 1, queue.Sizing{
			ReservedBytes: 1000, MinUnits: 3, MaxMessageSize: 333, ClampedSize: 333,
			MaxNumUnits: 3, TotalCapacity: 1, PerLaneCapacity: 1,
		}),
		Entry("lane capacity never drops below one", int64(100), int64(10), 2, 8, queue.Sizing{
			ReservedBytes: 100, MinUnits: 18, MaxMessageSize: 5, ClampedSize: 5,
			MaxNumUnits: 20, TotalCapacity: 10, PerLaneCapacity: 1,
		}),
		Entry("large budget", int64(104857600), int64(4096), 1, 4, queue.Sizing{
			ReservedBytes: 104857600, MinUnits: 9, MaxMessageSize: 11650844, ClampedSize: 4096,
			MaxNumUnits: 25600, TotalCapacity: 25595, PerLaneCapacity: 6398,
		}),
	)

	DescribeTable("rejects impossible sizing as a configuration error",
		func(reserved, unit int64, producers, consumers int) {
			_, err := queue.ComputeSizing(reserved, unit, producers, consumers)
			Expect(errors.Is(err, queue.ErrInvalidSizing)).To(BeTrue())
			Expect(errors.Is(err, config.ErrInvalidConfiguration)).To(BeTrue())
		},
		Entry("no producers", int64(1024), int64(64), 0, 1),
		Entry("no consumers", int64(1024), int64(64), 1, 0),
		Entry("non-positive unit size", int64(1024), int64(0), 1, 1),
		Entry("reservation smaller than the minimum units", int64(4), int64(64), 1, 3),
	)
})

var _ = Describe("MemoryReservingPartitionedQueue", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		manager *memory.ReservationManager
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		manager, err = memory.NewReservationManager(1024, zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		cancel()
	})

	It("sizes lanes from its reservation and blocks the fifth publish", func() {
		q, err := queue.NewMemoryReservingPartitionedQueue[int](ctx, manager, queue.MemoryReservingConfig{
			Name:                         "input",
			RatioOfTotalMemoryToReserve:  1.0,
			NumProducers:                 1,
			NumConsumers:                 3,
			ExpectedResourceUsagePerUnit: 64,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(q.NumPartitions()).To(Equal(3))
		Expect(q.Cap()).To(Equal(4))
		Expect(q.Sizing().PerLaneCapacity).To(Equal(int64(4)))
		Expect(manager.Reserved()).To(Equal(int64(1024)))

		for i := range 4 {
			Expect(q.Publish(ctx, i, 0)).To(Succeed())
		}
		done := make(chan error, 1)
		go func() {
			done <- q.Publish(ctx, 4, 0)
		}()
		Consistently(done, 100*time.Millisecond).ShouldNot(Receive())

		for v := range q.Consume(ctx, 0) {
			Expect(v).To(Equal(0))
			break
		}
		Eventually(done).Should(Receive(BeNil()))
		q.Close()
	})

	It("reserves the configured ratio of the total budget", func() {
		q, err := queue.NewMemoryReservingPartitionedQueue[int](ctx, manager, queue.MemoryReservingConfig{
			Name:                         "flush",
			RatioOfTotalMemoryToReserve:  0.25,
			NumProducers:                 1,
			NumConsumers:                 1,
			ExpectedResourceUsagePerUnit: 16,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(q.Reservation().Bytes()).To(Equal(int64(256)))
		Expect(manager.Available()).To(Equal(int64(768)))
		q.Close()
	})

	It("releases its reservation only on close", func() {
		q, err := queue.NewMemoryReservingPartitionedQueue[int](ctx, manager, queue.MemoryReservingConfig{
			Name:                         "input",
			RatioOfTotalMemoryToReserve:  0.5,
			NumProducers:                 1,
			NumConsumers:                 2,
			ExpectedResourceUsagePerUnit: 8,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(manager.Reserved()).To(Equal(int64(512)))

		Expect(q.Publish(ctx, 1, 1)).To(Succeed())
		q.Close()
		Expect(manager.Reserved()).To(Equal(int64(0)))

		// Items stay consumable after the reservation is gone
		Expect(q.Len(1)).To(Equal(1))

		// Closing twice must not release twice
		q.Close()
		Expect(manager.Reserved()).To(Equal(int64(0)))
	})

	It("releases the reservation when sizing fails", func() {
		_, err := queue.NewMemoryReservingPartitionedQueue[int](ctx, manager, queue.MemoryReservingConfig{
			Name:                         "tiny",
			RatioOfTotalMemoryToReserve:  0.001,
			NumProducers:                 1,
			NumConsumers:                 3,
			ExpectedResourceUsagePerUnit: 64,
		})
		Expect(errors.Is(err, queue.ErrInvalidSizing)).To(BeTrue())
		Expect(manager.Reserved()).To(Equal(int64(0)))
	})

	It("rejects ratios outside (0, 1]", func() {
		_, err := queue.NewMemoryReservingPartitionedQueue[int](ctx, manager, queue.MemoryReservingConfig{
			Name:                         "bad",
			RatioOfTotalMemoryToReserve:  1.5,
			NumProducers:                 1,
			NumConsumers:                 1,
			ExpectedResourceUsagePerUnit: 64,
		})
		Expect(errors.Is(err, config.ErrInvalidConfiguration)).To(BeTrue())
	})

	It("waits for memory held by another queue", func() {
		first, err := queue.NewMemoryReservingPartitionedQueue[int](ctx, manager, queue.MemoryReservingConfig{
			Name:                         "first",
			RatioOfTotalMemoryToReserve:  0.75,
			NumProducers:                 1,
			NumConsumers:                 1,
			ExpectedResourceUsagePerUnit: 8,
		})
		Expect(err).NotTo(HaveOccurred())

		created := make(chan error, 1)
		go func() {
			second, err := queue.NewMemoryReservingPartitionedQueue[int](ctx, manager, queue.MemoryReservingConfig{
				Name:                         "second",
				RatioOfTotalMemoryToReserve:  0.5,
				NumProducers:                 1,
				NumConsumers:                 1,
				ExpectedResourceUsagePerUnit: 8,
			})
			if err == nil {
				defer second.Close()
			}
			created <- err
		}()
		Consistently(created, 100*time.Millisecond).ShouldNot(Receive())

		first.Close()
		Eventually(created).Should(Receive(BeNil()))
	})
})
