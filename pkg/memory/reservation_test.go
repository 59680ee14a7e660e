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

package memory_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/memory"
)

var _ = Describe("ReservationManager", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		manager *memory.ReservationManager
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		manager, err = memory.NewReservationManager(1000, zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		cancel()
	})

	It("rejects a non-positive capacity", func() {
		_, err := memory.NewReservationManager(0, nil)
		Expect(errors.Is(err, config.ErrInvalidConfiguration)).To(BeTrue())
	})

	It("tracks reserved and available bytes", func() {
		r, err := manager.Reserve(ctx, 300, "input")
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Owner()).To(Equal("input"))
		Expect(r.Bytes()).To(Equal(int64(300)))
		Expect(manager.Reserved()).To(Equal(int64(300)))
		Expect(manager.Available()).To(Equal(int64(700)))

		Expect(r.Release()).To(Succeed())
		Expect(manager.Reserved()).To(Equal(int64(0)))
	})

	It("fails requests larger than the total capacity immediately", func() {
		_, err := manager.Reserve(ctx, 1001, "huge")
		Expect(errors.Is(err, memory.ErrExceedsCapacity)).To(BeTrue())
		Expect(errors.Is(err, config.ErrInvalidConfiguration)).To(BeTrue())
	})

	It("rejects negative requests", func() {
		_, err := manager.Reserve(ctx, -1, "negative")
		Expect(err).To(HaveOccurred())
	})

	It("ignores a second release", func() {
		r, err := manager.Reserve(ctx, 400, "flush")
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Release()).To(Succeed())
		Expect(errors.Is(r.Release(), memory.ErrAlreadyReleased)).To(BeTrue())
		Expect(manager.Reserved()).To(Equal(int64(0)))
	})

	It("blocks until enough bytes are released", func() {
		first, err := manager.Reserve(ctx, 800, "first")
		Expect(err).NotTo(HaveOccurred())

		_, ok := manager.TryReserve(300, "second")
		Expect(ok).To(BeFalse())

		got := make(chan *memory.Reservation, 1)
		go func() {
			defer GinkgoRecover()
			r, err := manager.Reserve(ctx, 300, "second")
			Expect(err).NotTo(HaveOccurred())
			got <- r
		}()
		Consistently(got, 100*time.Millisecond).ShouldNot(Receive())

		Expect(first.Release()).To(Succeed())
		var second *memory.Reservation
		Eventually(got).Should(Receive(&second))
		Expect(manager.Reserved()).To(Equal(int64(300)))
	})

	It("gives up waiting when the context is cancelled", func() {
		_, err := manager.Reserve(ctx, 1000, "all")
		Expect(err).NotTo(HaveOccurred())

		waitCtx, waitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer waitCancel()
		_, err = manager.Reserve(waitCtx, 1, "late")
		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		Expect(manager.Reserved()).To(Equal(int64(1000)))
	})

	It("never exceeds its capacity under concurrent use", func() {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			peak int64
		)
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				r, err := manager.Reserve(ctx, int64(100+i*10), "worker")
				Expect(err).NotTo(HaveOccurred())
				mu.Lock()
				peak = max(peak, manager.Reserved())
				mu.Unlock()
				time.Sleep(time.Millisecond)
				Expect(r.Release()).To(Succeed())
			}()
		}
		wg.Wait()
		Expect(peak).To(BeNumerically("<=", 1000))
		Expect(manager.Reserved()).To(Equal(int64(0)))
	})
})
